package planner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/dmagent/capability"
	"github.com/martinemde/dmagent/reasoner"
)

type scriptedReasoner struct {
	responses []string
	err       error
	calls     [][]reasoner.Message
	params    []reasoner.SamplingParams
}

func (s *scriptedReasoner) Respond(ctx context.Context, conv []reasoner.Message, params reasoner.SamplingParams) (string, error) {
	s.calls = append(s.calls, conv)
	s.params = append(s.params, params)
	if s.err != nil {
		return "", s.err
	}
	if len(s.responses) == 0 {
		return "", nil
	}
	r := s.responses[0]
	s.responses = s.responses[1:]
	return r, nil
}

func testRegistry() *capability.Registry {
	reg := capability.NewRegistry()
	noop := capability.Func(func(ctx context.Context, args capability.Args) (string, error) { return "", nil })
	reg.RegisterFunc("read_file", "Read a file", noop)
	reg.RegisterFunc("task_complete", "Finish the task", noop)
	return reg
}

const threeStepPlan = `{"plan":[
 {"step":1,"action":"read_file","reason":"inspect the code"},
 {"step":2,"action":"read_file","reason":"inspect the tests"},
 {"step":3,"action":"task_complete","reason":"report"}]}`

func TestPlanParsesAndListsCapabilities(t *testing.T) {
	r := &scriptedReasoner{responses: []string{threeStepPlan}}
	p := New(r, testRegistry())

	plan := p.Plan(context.Background(), "review the repo")
	require.Len(t, plan, 3)
	assert.Equal(t, Step{Number: 1, Capability: "read_file", Rationale: "inspect the code"}, plan[0])
	assert.True(t, p.HasPlan())

	require.Len(t, r.calls, 1)
	prompt := r.calls[0][0].Content
	assert.Contains(t, prompt, "Task: review the repo")
	assert.Contains(t, prompt, "- read_file: Read a file")
	assert.Contains(t, prompt, "3 to 8 steps")
	require.NotNil(t, r.params[0].Temperature)
	assert.Equal(t, 0.3, *r.params[0].Temperature)
}

func TestPlanRenumbersSteps(t *testing.T) {
	resp := "Here you go:\n```json\n" + `{"plan":[
	 {"step":4,"capability":"read_file","rationale":"look"},
	 {"step":9,"action":"","reason":"skipped"},
	 {"step":"x","action":"task_complete","reason":"done"}]}` + "\n```"
	plan, err := ParsePlan(resp)
	require.NoError(t, err)
	require.Len(t, plan, 2)
	assert.Equal(t, 1, plan[0].Number)
	assert.Equal(t, "look", plan[0].Rationale)
	assert.Equal(t, 2, plan[1].Number)
	assert.Equal(t, "task_complete", plan[1].Capability)
}

func TestPlanBestEffort(t *testing.T) {
	tests := []struct {
		name string
		r    *scriptedReasoner
	}{
		{"malformed", &scriptedReasoner{responses: []string{"I cannot plan this"}}},
		{"empty plan", &scriptedReasoner{responses: []string{`{"plan":[]}`}}},
		{"reasoner error", &scriptedReasoner{err: errors.New("boom")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.r, testRegistry())
			assert.Empty(t, p.Plan(context.Background(), "task"))
			assert.False(t, p.HasPlan())
			assert.Equal(t, "No plan", p.ProgressSummary())
		})
	}
}

func TestReplanIncludesContext(t *testing.T) {
	r := &scriptedReasoner{responses: []string{threeStepPlan, `{"plan":[{"step":1,"action":"task_complete","reason":"wrap up"}]}`}}
	p := New(r, testRegistry())
	p.Plan(context.Background(), "task")
	p.MarkCompleted(1, "read ok")

	plan := p.Replan(context.Background(), "task", p.Current().Completed(), "file not found: config.json")
	require.Len(t, plan, 1)
	assert.Equal(t, "task_complete", p.Current()[0].Capability)

	prompt := r.calls[1][0].Content
	assert.Contains(t, prompt, "Step 1: read_file - inspect the code (completed)")
	assert.Contains(t, prompt, "file not found: config.json")
}

func TestReplanFailureKeepsCurrentPlan(t *testing.T) {
	r := &scriptedReasoner{responses: []string{threeStepPlan, "garbage"}}
	p := New(r, testRegistry())
	p.Plan(context.Background(), "task")

	assert.Nil(t, p.Replan(context.Background(), "task", nil, ""))
	assert.Len(t, p.Current(), 3)
}

func TestMarkCompletedOnce(t *testing.T) {
	p := New(&scriptedReasoner{responses: []string{threeStepPlan}}, testRegistry())
	p.Plan(context.Background(), "task")

	assert.True(t, p.MarkCompleted(2, "first"))
	assert.False(t, p.MarkCompleted(2, "second"))
	assert.False(t, p.MarkCompleted(7, "missing"))
	assert.Equal(t, "first", p.Current()[1].Result)

	next, ok := p.NextIncomplete()
	require.True(t, ok)
	assert.Equal(t, 1, next.Number)
}

func TestMarkCapabilityMarksFirstIncompleteMatch(t *testing.T) {
	p := New(&scriptedReasoner{responses: []string{threeStepPlan}}, testRegistry())
	p.Plan(context.Background(), "task")

	n, ok := p.MarkCapability("read_file", "a")
	require.True(t, ok)
	assert.Equal(t, 1, n)
	n, ok = p.MarkCapability("read_file", "b")
	require.True(t, ok)
	assert.Equal(t, 2, n)
	_, ok = p.MarkCapability("read_file", "c")
	assert.False(t, ok)
	_, ok = p.MarkCapability("run_shell", "d")
	assert.False(t, ok)

	n, ok = p.MarkCapability("task_complete", "done")
	require.True(t, ok)
	assert.Equal(t, 3, n)
	_, ok = p.NextIncomplete()
	assert.False(t, ok)
}

func TestProgressSummary(t *testing.T) {
	p := New(&scriptedReasoner{responses: []string{threeStepPlan}}, testRegistry())
	p.Plan(context.Background(), "task")
	p.MarkCompleted(1, strings.Repeat("x", 150))

	summary := p.ProgressSummary()
	assert.True(t, strings.HasPrefix(summary, "Plan progress: 1/3 steps completed\n\n"))
	assert.Contains(t, summary, "✓ Step 1: read_file - inspect the code")
	assert.Contains(t, summary, "   Result: "+strings.Repeat("x", 100)+"...\n")
	assert.Contains(t, summary, "○ Step 2: read_file - inspect the tests")
	assert.Contains(t, summary, "○ Step 3: task_complete - report")
}

func TestCurrentReturnsCopy(t *testing.T) {
	p := New(&scriptedReasoner{responses: []string{threeStepPlan}}, testRegistry())
	p.Plan(context.Background(), "task")

	plan := p.Current()
	plan[0].Completed = true
	assert.False(t, p.Current()[0].Completed)

	p.Clear()
	assert.False(t, p.HasPlan())
}

func TestPlanString(t *testing.T) {
	plan := Plan{{Number: 1, Capability: "read_file", Rationale: "look"}, {Number: 2, Capability: "task_complete", Rationale: "done"}}
	assert.Equal(t, "1. read_file - look\n2. task_complete - done", plan.String())
}
