package agentloop

import (
	"time"

	"github.com/martinemde/dmagent/capability"
	"github.com/martinemde/dmagent/planner"
)

// State is the orchestrator's lifecycle state.
type State string

const (
	StateIdle                  State = "idle"
	StateSelectingCapabilities State = "selecting_capabilities"
	StatePlanning              State = "planning"
	StateThinking              State = "thinking"
	StateActing                State = "acting"
	StateObserving             State = "observing"
	StateDone                  State = "done"
	StateBudgetExhausted       State = "budget_exhausted"
	StateFailed                State = "failed"
)

// Terminal reports whether s ends a task.
func (s State) Terminal() bool {
	return s == StateDone || s == StateBudgetExhausted || s == StateFailed
}

// ErrorKind classifies a recovered per-step failure.
type ErrorKind string

const (
	ErrMalformedResponse ErrorKind = "malformed_response"
	ErrUnknownCapability ErrorKind = "unknown_capability"
	ErrInvocationFailed  ErrorKind = "invocation_failed"
	ErrInvalidArguments  ErrorKind = "invalid_arguments"
)

// StepRecord is one iteration's outcome. Records are never modified once
// appended to a trace.
type StepRecord struct {
	Index       int             `json:"index"`
	Reasoning   string          `json:"reasoning"`
	Capability  string          `json:"capability"`
	Arguments   capability.Args `json:"arguments,omitempty"`
	Observation string          `json:"observation"`
	Raw         string          `json:"raw"`
	Err         ErrorKind       `json:"error,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// PartialAnswerMarker prefixes the answer of a task that ran out of steps.
const PartialAnswerMarker = "[step limit reached]"

// Result is the outcome of one task.
type Result struct {
	FinalAnswer string       `json:"final_answer"`
	Trace       []StepRecord `json:"trace"`
	State       State        `json:"state"`
	Plan        planner.Plan `json:"plan,omitempty"`
	Skills      []string     `json:"skills,omitempty"`
}
