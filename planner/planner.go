// Package planner asks the reasoner for a short structured plan before a
// task runs and tracks which steps have been carried out.
package planner

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/martinemde/dmagent/capability"
	"github.com/martinemde/dmagent/reasoner"
)

const (
	// DefaultTemperature is the sampling temperature for plan requests.
	DefaultTemperature = 0.3

	resultPreviewLen = 100
)

// Step is one intended capability invocation.
type Step struct {
	Number     int    `json:"step"`
	Capability string `json:"action"`
	Rationale  string `json:"reason"`
	Completed  bool   `json:"completed"`
	Result     string `json:"result,omitempty"`
}

// Plan is an ordered list of steps numbered from 1.
type Plan []Step

// String renders the plan as numbered lines for prompts.
func (p Plan) String() string {
	var b strings.Builder
	for i, s := range p {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d. %s - %s", s.Number, s.Capability, s.Rationale)
	}
	return b.String()
}

// Completed returns the steps that have been marked complete.
func (p Plan) Completed() []Step {
	var out []Step
	for _, s := range p {
		if s.Completed {
			out = append(out, s)
		}
	}
	return out
}

// Option configures a Planner.
type Option func(*Planner)

// WithLogger sets the logger used for degraded planning.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Planner) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithTemperature overrides the sampling temperature.
func WithTemperature(t float64) Option {
	return func(p *Planner) {
		p.params = p.params.WithTemperature(t)
	}
}

// WithSamplingParams sets the full sampling parameters (model, provider,
// token limit) used for plan requests.
func WithSamplingParams(params reasoner.SamplingParams) Option {
	return func(p *Planner) {
		p.params = params
	}
}

// Planner generates and tracks a plan for one task. It is not safe for
// concurrent use.
type Planner struct {
	reasoner reasoner.Reasoner
	registry *capability.Registry
	params   reasoner.SamplingParams
	logger   *zap.Logger
	current  Plan
}

// New creates a Planner that lists the capabilities in registry when
// asking for a plan.
func New(r reasoner.Reasoner, registry *capability.Registry, opts ...Option) *Planner {
	p := &Planner{
		reasoner: r,
		registry: registry,
		params:   reasoner.SamplingParams{}.WithTemperature(DefaultTemperature),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.registry == nil {
		p.registry = capability.NewRegistry()
	}
	return p
}

// Plan requests a 3-8 step plan for task and makes it current. Planning is
// best effort: any failure yields an empty plan.
func (p *Planner) Plan(ctx context.Context, task string) Plan {
	steps, err := p.request(ctx, planPrompt(task, p.registry.Listing()))
	if err != nil {
		p.logger.Warn("plan generation failed, continuing without a plan", zap.Error(err))
		p.current = nil
		return nil
	}
	p.current = steps
	return p.Current()
}

// Replan requests a fresh plan that accounts for completed steps and the
// error that interrupted execution. A non-empty result replaces the current
// plan; on failure the current plan is left alone and nil is returned.
func (p *Planner) Replan(ctx context.Context, task string, completed []Step, errText string) Plan {
	steps, err := p.request(ctx, replanPrompt(task, p.registry.Listing(), completed, errText))
	if err != nil {
		p.logger.Warn("replanning failed, keeping current plan", zap.Error(err))
		return nil
	}
	p.current = steps
	return p.Current()
}

func (p *Planner) request(ctx context.Context, prompt string) (Plan, error) {
	if p.reasoner == nil {
		return nil, fmt.Errorf("no reasoner configured")
	}
	resp, err := p.reasoner.Respond(ctx, []reasoner.Message{reasoner.UserMessage(prompt)}, p.params)
	if err != nil {
		return nil, fmt.Errorf("reasoner: %w", err)
	}
	steps, err := ParsePlan(resp)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("plan response contained no steps")
	}
	return steps, nil
}

// ParsePlan extracts plan steps from a reasoner response. Steps are
// renumbered 1..n in the order given; entries without a capability are
// dropped. Both "action"/"reason" and "capability"/"rationale" keys are
// accepted.
func ParsePlan(response string) (Plan, error) {
	var doc struct {
		Plan []struct {
			Action     string `json:"action"`
			Capability string `json:"capability"`
			Reason     string `json:"reason"`
			Rationale  string `json:"rationale"`
		} `json:"plan"`
	}
	if err := reasoner.ExtractJSONObject(response, &doc); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}

	var steps Plan
	for _, item := range doc.Plan {
		name := strings.TrimSpace(firstNonEmpty(item.Action, item.Capability))
		if name == "" {
			continue
		}
		steps = append(steps, Step{
			Number:     len(steps) + 1,
			Capability: name,
			Rationale:  strings.TrimSpace(firstNonEmpty(item.Reason, item.Rationale)),
		})
	}
	return steps, nil
}

// Current returns a copy of the current plan.
func (p *Planner) Current() Plan {
	if len(p.current) == 0 {
		return nil
	}
	out := make(Plan, len(p.current))
	copy(out, p.current)
	return out
}

// HasPlan reports whether a plan is in place.
func (p *Planner) HasPlan() bool { return len(p.current) > 0 }

// Clear drops the current plan.
func (p *Planner) Clear() { p.current = nil }

// MarkCompleted marks step number complete with result. It returns false
// if the step does not exist or was already completed.
func (p *Planner) MarkCompleted(number int, result string) bool {
	for i := range p.current {
		if p.current[i].Number != number {
			continue
		}
		if p.current[i].Completed {
			return false
		}
		p.current[i].Completed = true
		p.current[i].Result = result
		return true
	}
	return false
}

// MarkCapability completes the first incomplete step targeting name and
// returns its number.
func (p *Planner) MarkCapability(name, result string) (int, bool) {
	for i := range p.current {
		if !p.current[i].Completed && p.current[i].Capability == name {
			p.current[i].Completed = true
			p.current[i].Result = result
			return p.current[i].Number, true
		}
	}
	return 0, false
}

// NextIncomplete returns the first step not yet completed.
func (p *Planner) NextIncomplete() (Step, bool) {
	for _, s := range p.current {
		if !s.Completed {
			return s, true
		}
	}
	return Step{}, false
}

// ProgressSummary renders completion status for every step.
func (p *Planner) ProgressSummary() string {
	if len(p.current) == 0 {
		return "No plan"
	}
	done := len(p.current.Completed())

	var b strings.Builder
	fmt.Fprintf(&b, "Plan progress: %d/%d steps completed\n\n", done, len(p.current))
	for _, s := range p.current {
		status := "○"
		if s.Completed {
			status = "✓"
		}
		fmt.Fprintf(&b, "%s Step %d: %s - %s\n", status, s.Number, s.Capability, s.Rationale)
		if s.Completed && s.Result != "" {
			fmt.Fprintf(&b, "   Result: %s\n", preview(s.Result))
		}
	}
	return b.String()
}

func preview(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if utf8.RuneCountInString(s) <= resultPreviewLen {
		return s
	}
	return string([]rune(s)[:resultPreviewLen]) + "..."
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
