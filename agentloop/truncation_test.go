package agentloop

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/martinemde/dmagent/tools"
)

func TestTruncateOutput(t *testing.T) {
	input := strings.Repeat("a", 50) + strings.Repeat("b", 50)

	t.Run("under limit", func(t *testing.T) {
		assert.Equal(t, input, TruncateOutput(input, 100, TruncateHeadTail))
	})

	t.Run("head tail", func(t *testing.T) {
		out := TruncateOutput(input, 20, TruncateHeadTail)
		assert.True(t, strings.HasPrefix(out, strings.Repeat("a", 10)+"\n\n[WARNING"))
		assert.True(t, strings.HasSuffix(out, "\n\n"+strings.Repeat("b", 10)))
		assert.Contains(t, out, "80 characters were removed from the middle")
	})

	t.Run("tail", func(t *testing.T) {
		out := TruncateOutput(input, 20, TruncateTail)
		assert.Equal(t, "[WARNING: output truncated. The first 80 characters were removed.]\n\n"+strings.Repeat("b", 20), out)
	})
}

func TestTruncateLines(t *testing.T) {
	input := "1\n2\n3\n4\n5\n6\n7"
	assert.Equal(t, input, TruncateLines(input, 7))
	assert.Equal(t, input, TruncateLines(input, 0))
	assert.Equal(t, "1\n2\n[... 2 lines omitted ...]\n5\n6\n7", TruncateLines(input, 5))
}

func TestTruncateObservation(t *testing.T) {
	long := strings.Repeat("x", 2000)

	out := TruncateObservation(long, tools.CreateFile, nil, nil)
	assert.Contains(t, out, "The first 1000 characters were removed")

	out = TruncateObservation(long, "custom", map[string]int{"custom": 100}, nil)
	assert.Contains(t, out, "1900 characters were removed from the middle")

	assert.Equal(t, long, TruncateObservation(long, "custom", nil, nil))

	lines := strings.Repeat("line\n", 10)
	out = TruncateObservation(lines, tools.RunShell, nil, map[string]int{tools.RunShell: 4})
	assert.Contains(t, out, "lines omitted")
}
