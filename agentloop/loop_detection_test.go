package agentloop

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/martinemde/dmagent/capability"
)

func invocation(name string, args capability.Args) StepRecord {
	return StepRecord{Capability: name, Arguments: args}
}

func TestDetectLoop(t *testing.T) {
	a := invocation("read_file", capability.Args{"path": "a.go"})
	b := invocation("read_file", capability.Args{"path": "b.go"})
	c := invocation("run_shell", capability.Args{"command": "ls"})
	malformed := StepRecord{Err: ErrMalformedResponse}

	tests := []struct {
		name   string
		trace  []StepRecord
		window int
		want   bool
	}{
		{"empty", nil, 4, false},
		{"shorter than window", []StepRecord{a, a, a}, 4, false},
		{"same invocation", []StepRecord{a, a, a, a}, 4, true},
		{"same name different args", []StepRecord{a, b, a, c}, 4, false},
		{"alternating pair", []StepRecord{a, b, a, b}, 4, true},
		{"triple cycle", []StepRecord{a, b, c, a, b, c}, 6, true},
		{"only recent window counts", []StepRecord{c, b, a, a, a, a}, 4, true},
		{"malformed steps skipped", []StepRecord{a, malformed, a, a, malformed, a}, 4, true},
		{"window below two", []StepRecord{a, a}, 1, false},
		{"no pattern", []StepRecord{a, b, c, b, a, c}, 6, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectLoop(tt.trace, tt.window))
		})
	}
}

func TestInvocationSignatureIgnoresKeyOrder(t *testing.T) {
	x := invocation("edit_file", capability.Args{"path": "a", "start_line": 1})
	y := invocation("edit_file", capability.Args{"start_line": 1, "path": "a"})
	assert.Equal(t, invocationSignature(x), invocationSignature(y))
}
