package tracestore

import (
	"time"

	"github.com/google/uuid"

	"github.com/martinemde/dmagent/agentloop"
)

// FromResult converts a finished task into a Run and its Steps. A nil
// result (the task never started) yields a failed run with no steps.
func FromResult(sessionID, task string, started time.Time, result *agentloop.Result, runErr error) (Run, []Step) {
	run := Run{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		Task:       task,
		State:      string(agentloop.StateFailed),
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if result == nil {
		return run, nil
	}

	run.State = string(result.State)
	run.FinalAnswer = result.FinalAnswer
	run.Skills = result.Skills
	run.Plan = result.Plan

	steps := make([]Step, len(result.Trace))
	for i, rec := range result.Trace {
		steps[i] = Step{
			Index:       rec.Index,
			Reasoning:   rec.Reasoning,
			Capability:  rec.Capability,
			Arguments:   rec.Arguments.JSON(),
			Observation: rec.Observation,
			Raw:         rec.Raw,
			Err:         string(rec.Err),
			Timestamp:   rec.Timestamp,
		}
	}
	run.StepCount = len(steps)
	return run, steps
}
