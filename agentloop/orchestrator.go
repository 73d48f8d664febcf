package agentloop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/martinemde/dmagent/capability"
	"github.com/martinemde/dmagent/compactor"
	"github.com/martinemde/dmagent/planner"
	"github.com/martinemde/dmagent/reasoner"
	"github.com/martinemde/dmagent/skills"
	"github.com/martinemde/dmagent/tools"
)

// Config holds per-orchestrator settings.
type Config struct {
	MaxSteps    int     `json:"max_steps"` // used when Execute gets a non-positive budget
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Model       string  `json:"model,omitempty"`
	Provider    string  `json:"provider,omitempty"`

	Planning        bool             `json:"planning"`
	ReplanOnFailure bool             `json:"replan_on_failure"`
	Compaction      bool             `json:"compaction"`
	Compactor       compactor.Config `json:"compactor"`

	LoopDetection       bool `json:"loop_detection"`
	LoopDetectionWindow int  `json:"loop_detection_window"`

	CharLimits map[string]int `json:"char_limits,omitempty"`
	LineLimits map[string]int `json:"line_limits,omitempty"`

	ProjectDocs      bool   `json:"project_docs"`
	UserInstructions string `json:"user_instructions,omitempty"` // appended last to the system prompt
	EventBuffer      int    `json:"event_buffer,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxSteps:            100,
		Planning:            true,
		Compaction:          true,
		Compactor:           compactor.DefaultConfig(),
		LoopDetection:       true,
		LoopDetectionWindow: 6,
		ProjectDocs:         true,
		EventBuffer:         256,
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig replaces the configuration.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithLogger sets the logger for the orchestrator and the components it
// creates.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithSkills enables bundle selection from library. A nil selector uses
// the default selector configuration.
func WithSkills(library *skills.Library, selector *skills.Selector) Option {
	return func(o *Orchestrator) {
		o.library = library
		o.selector = selector
	}
}

// WithEnvironment describes env in the system prompt and loads project
// instruction files from its working directory.
func WithEnvironment(env tools.Environment) Option {
	return func(o *Orchestrator) { o.env = env }
}

// WithID sets the session id carried on events.
func WithID(id string) Option {
	return func(o *Orchestrator) {
		if id != "" {
			o.id = id
		}
	}
}

// Orchestrator runs the think-act-observe loop for one session. It owns its
// conversation, plan, compaction state, and active bundle set, and runs at
// most one task at a time.
type Orchestrator struct {
	id       string
	cfg      Config
	reasoner reasoner.Reasoner
	registry *capability.Registry
	planner  *planner.Planner
	compact  *compactor.Compactor
	library  *skills.Library
	selector *skills.Selector
	active   *skills.ActiveSet
	env      tools.Environment
	emitter  *EventEmitter
	logger   *zap.Logger

	mu           sync.Mutex
	state        State
	running      bool
	closed       bool
	conversation []reasoner.Message
}

// New creates an orchestrator. The registry is modified as bundles are
// activated, so sessions sharing a base registry should each pass a clone.
func New(r reasoner.Reasoner, registry *capability.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		id:       uuid.New().String(),
		cfg:      DefaultConfig(),
		reasoner: r,
		registry: registry,
		logger:   zap.NewNop(),
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.registry == nil {
		o.registry = capability.NewRegistry()
	}
	o.logger = o.logger.With(zap.String("session", o.id))

	o.planner = planner.New(r, o.registry,
		planner.WithLogger(o.logger),
		planner.WithSamplingParams(o.params().WithTemperature(planner.DefaultTemperature)))
	o.compact = compactor.New(o.cfg.Compactor)
	if o.library != nil {
		if o.selector == nil {
			o.selector = skills.NewSelector(skills.DefaultSelectorConfig(), skills.WithSelectorLogger(o.logger))
		}
		o.active = skills.NewActiveSet(o.library, o.registry, o.selector.Config().MaxActive,
			skills.WithActiveSetLogger(o.logger))
	}
	o.emitter = NewEventEmitter(o.id, o.cfg.EventBuffer)
	return o
}

// ID returns the session id.
func (o *Orchestrator) ID() string { return o.id }

// Events returns the event channel. It is closed by Close.
func (o *Orchestrator) Events() <-chan Event { return o.emitter.Events() }

// Registry returns the session registry.
func (o *Orchestrator) Registry() *capability.Registry { return o.registry }

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Running reports whether a task is in progress.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Conversation returns a copy of the working conversation, without the
// system turn.
func (o *Orchestrator) Conversation() []reasoner.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return reasoner.CloneMessages(o.conversation)
}

// ActiveSkills returns the names of the active bundles.
func (o *Orchestrator) ActiveSkills() []string {
	if o.active == nil {
		return nil
	}
	return o.active.Names()
}

// Reset clears the conversation, plan, and compaction state. Conversation
// otherwise carries over between tasks of the same session.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return ErrBusy
	}
	o.conversation = nil
	o.compact.Reset()
	o.planner.Clear()
	o.state = StateIdle
	return nil
}

// Close deactivates bundles and closes the event channel.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	if o.active != nil {
		o.active.Deactivate()
	}
	o.emitter.Close()
}

func (o *Orchestrator) begin() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case o.closed:
		return ErrClosed
	case o.running:
		return ErrBusy
	}
	o.running = true
	return nil
}

func (o *Orchestrator) end() {
	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) appendTurn(m reasoner.Message) {
	o.mu.Lock()
	o.conversation = append(o.conversation, m)
	o.mu.Unlock()
}

func (o *Orchestrator) params() reasoner.SamplingParams {
	p := reasoner.SamplingParams{Model: o.cfg.Model, Provider: o.cfg.Provider}.WithTemperature(o.cfg.Temperature)
	if o.cfg.MaxTokens > 0 {
		p = p.WithMaxTokens(o.cfg.MaxTokens)
	}
	return p
}

// Execute runs task for at most stepBudget iterations (Config.MaxSteps when
// non-positive). Per-step failures are recorded in the trace and never end
// the task. Running out of steps is not an error: the result is in
// StateBudgetExhausted with a marked partial answer. A reasoner failure
// ends the task in StateFailed and is returned as *ReasonerFailure along
// with the partial result.
func (o *Orchestrator) Execute(ctx context.Context, task string, stepBudget int) (*Result, error) {
	if strings.TrimSpace(task) == "" {
		return nil, ErrEmptyTask
	}
	if err := o.begin(); err != nil {
		return nil, err
	}
	defer o.end()

	if stepBudget <= 0 {
		stepBudget = o.cfg.MaxSteps
	}
	o.logger.Info("task started", zap.String("task", task), zap.Int("step_budget", stepBudget))
	o.emitter.Emit(EventTaskStart, map[string]any{"task": task, "step_budget": stepBudget})

	result := &Result{}

	o.setState(StateSelectingCapabilities)
	result.Skills = o.selectSkills(ctx, task)

	o.setState(StatePlanning)
	plan := o.makePlan(ctx, task)

	system := BuildSystemPrompt(o.promptParts())
	o.appendTurn(reasoner.UserMessage(BuildTaskPrompt(task, plan)))

	var trace []StepRecord
	for index := 1; index <= stepBudget; index++ {
		if err := ctx.Err(); err != nil {
			return o.fail(result, trace, err)
		}
		o.maybeCompact()

		o.setState(StateThinking)
		raw, err := o.reasoner.Respond(ctx, o.request(system), o.params())
		if err != nil {
			o.logger.Error("reasoner failed", zap.Int("step", index), zap.Error(err))
			return o.fail(result, trace, &ReasonerFailure{Step: index, Err: err})
		}
		o.appendTurn(reasoner.AssistantMessage(raw))

		rec, final, done := o.step(ctx, task, index, raw)
		trace = append(trace, rec)
		o.emitter.EmitStep(rec)
		if done {
			return o.finish(result, trace, StateDone, final), nil
		}

		if o.cfg.LoopDetection && rec.Capability != "" && DetectLoop(trace, o.cfg.LoopDetectionWindow) {
			warning := fmt.Sprintf("Loop detected: the last %d capability invocations repeat the same pattern. "+
				"Try a different approach.", o.cfg.LoopDetectionWindow)
			o.appendTurn(reasoner.UserMessage(warning))
			o.logger.Warn("loop detected", zap.Int("step", index))
			o.emitter.Emit(EventLoopDetected, map[string]any{"message": warning, "step": index})
		}
	}

	o.logger.Warn("step budget exhausted", zap.Int("step_budget", stepBudget))
	return o.finish(result, trace, StateBudgetExhausted, partialAnswer(trace)), nil
}

func (o *Orchestrator) selectSkills(ctx context.Context, task string) []string {
	if o.active == nil {
		return nil
	}
	names := o.selector.Select(ctx, task, o.library.All())
	activated := o.active.Activate(names)
	if len(activated) > 0 {
		o.logger.Info("skills activated", zap.Strings("skills", activated))
		o.emitter.Emit(EventSkillsSelected, map[string]any{"skills": activated})
	}
	return activated
}

func (o *Orchestrator) makePlan(ctx context.Context, task string) planner.Plan {
	if !o.cfg.Planning {
		o.planner.Clear()
		return nil
	}
	plan := o.planner.Plan(ctx, task)
	if len(plan) > 0 {
		o.emitter.Emit(EventPlanCreated, map[string]any{"plan": plan.String(), "steps": len(plan)})
	}
	return plan
}

func (o *Orchestrator) promptParts() PromptParts {
	parts := PromptParts{
		Capabilities:     o.registry.Listing(),
		UserInstructions: o.cfg.UserInstructions,
	}
	if o.active != nil {
		parts.SkillAdditions = o.active.PromptAdditions()
	}
	if o.env != nil {
		parts.Environment = BuildEnvironmentContext(o.env, o.cfg.Model)
		if o.cfg.ProjectDocs {
			parts.ProjectDocs = DiscoverProjectDocs(o.env.WorkingDirectory())
		}
	}
	return parts
}

// request returns the system turn followed by the working conversation.
func (o *Orchestrator) request(system string) []reasoner.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	msgs := make([]reasoner.Message, 0, len(o.conversation)+1)
	msgs = append(msgs, reasoner.SystemMessage(system))
	return append(msgs, o.conversation...)
}

func (o *Orchestrator) maybeCompact() {
	if !o.cfg.Compaction {
		return
	}
	conv := o.Conversation()
	if !o.compact.ShouldCompact(conv) {
		return
	}
	compacted := o.compact.Compact(conv)
	stats := compactor.ComputeStats(conv, compacted)

	o.mu.Lock()
	o.conversation = compacted
	o.mu.Unlock()

	o.logger.Info("conversation compacted",
		zap.Int("original", stats.OriginalCount),
		zap.Int("compacted", stats.CompactedCount))
	o.emitter.Emit(EventCompaction, map[string]any{
		"original_count":  stats.OriginalCount,
		"compacted_count": stats.CompactedCount,
		"ratio":           stats.Ratio,
		"saved_count":     stats.SavedCount,
	})
}

// step interprets one reasoner response. It appends the resulting
// observation to the conversation and reports whether the task is done.
func (o *Orchestrator) step(ctx context.Context, task string, index int, raw string) (rec StepRecord, final string, done bool) {
	rec = StepRecord{Index: index, Raw: raw, Timestamp: time.Now()}

	d, err := parseDecision(raw)
	if err != nil {
		rec.Err = ErrMalformedResponse
		rec.Observation = fmt.Sprintf("Could not parse your response: %v. Respond with a single JSON object: "+
			`{"reasoning": string, "capability": string, "arguments": object}.`, err)
		o.logger.Debug("malformed reasoner response", zap.Int("step", index), zap.Error(err))
		o.appendTurn(reasoner.UserMessage("Observation: " + rec.Observation))
		return rec, "", false
	}
	rec.Reasoning = d.Reasoning
	rec.Capability = d.Capability

	if d.finishes() {
		rec.Capability = FinishCapability
		if args, err := d.objectArguments(); err == nil {
			rec.Arguments = args
		}
		final = d.finalAnswer()
		rec.Observation = "<finished>"
		o.appendTurn(reasoner.UserMessage("Task complete: " + final))
		return rec, final, true
	}

	o.setState(StateActing)
	rec.Arguments, rec.Observation, rec.Err = o.dispatch(ctx, d)
	o.setState(StateObserving)

	// Any invocation, failed or not, completes the matching plan step.
	if rec.Err == "" || rec.Err == ErrInvocationFailed {
		if n, ok := o.planner.MarkCapability(rec.Capability, rec.Observation); ok {
			o.emitter.Emit(EventPlanUpdated, map[string]any{"completed_step": n, "progress": o.planner.ProgressSummary()})
		}
	}
	if rec.Err == ErrInvocationFailed && o.cfg.ReplanOnFailure && o.planner.HasPlan() {
		current := o.planner.Current()
		if plan := o.planner.Replan(ctx, task, current.Completed(), rec.Observation); len(plan) > 0 {
			o.emitter.Emit(EventPlanUpdated, map[string]any{"replanned": true, "plan": plan.String(), "steps": len(plan)})
		}
	}

	argsJSON := rec.Arguments.JSON()
	if rec.Arguments == nil && !isNull(d.Arguments) {
		argsJSON = string(d.Arguments)
	}
	observation := TruncateObservation(rec.Observation, rec.Capability, o.cfg.CharLimits, o.cfg.LineLimits)
	o.appendTurn(reasoner.UserMessage(observationTurn(rec.Capability, argsJSON, observation)))

	if rec.Capability == tools.TaskComplete && rec.Err == "" {
		return rec, rec.Observation, true
	}
	return rec, "", false
}

// dispatch resolves and invokes the decided capability. Every failure is
// rendered as an observation.
func (o *Orchestrator) dispatch(ctx context.Context, d decision) (capability.Args, string, ErrorKind) {
	name := d.Capability
	desc, err := o.registry.Lookup(name)
	if err != nil {
		args, _ := d.objectArguments()
		var unknown *capability.UnknownError
		available := ""
		if errors.As(err, &unknown) {
			available = strings.Join(unknown.Available, ", ")
		}
		return args, fmt.Sprintf("Unknown capability %q. Available capabilities: %s", name, available), ErrUnknownCapability
	}

	var args capability.Args
	if name == tools.TaskComplete {
		args = d.completionArguments()
	} else if args, err = d.objectArguments(); err != nil {
		return nil, fmt.Sprintf("Invalid arguments for capability %s: %v.", name, err), ErrInvalidArguments
	}

	start := time.Now()
	out, err := invoke(ctx, desc, args)
	if err != nil {
		o.logger.Warn("capability failed", zap.String("capability", name), zap.Error(err))
		return args, fmt.Sprintf("Capability %s failed: %v", name, err), ErrInvocationFailed
	}
	o.logger.Debug("capability invoked",
		zap.String("capability", name),
		zap.Duration("latency", time.Since(start)),
		zap.Int("output_bytes", len(out)))
	return args, out, ""
}

// invoke calls the capability, converting a panic into an error.
func invoke(ctx context.Context, desc capability.Descriptor, args capability.Args) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return desc.Capability.Invoke(ctx, args)
}

func (o *Orchestrator) finish(result *Result, trace []StepRecord, state State, final string) *Result {
	result.FinalAnswer = final
	result.Trace = trace
	result.State = state
	result.Plan = o.planner.Current()
	o.setState(state)

	o.logger.Info("task finished", zap.String("state", string(state)), zap.Int("steps", len(trace)))
	o.emitter.Emit(EventFinal, map[string]any{"answer": final, "state": string(state), "steps": len(trace)})
	return result
}

func (o *Orchestrator) fail(result *Result, trace []StepRecord, err error) (*Result, error) {
	result.Trace = trace
	result.State = StateFailed
	result.Plan = o.planner.Current()
	o.setState(StateFailed)

	o.emitter.Emit(EventError, map[string]any{"error": err.Error()})
	o.emitter.Emit(EventFinal, map[string]any{"state": string(StateFailed), "steps": len(trace), "error": err.Error()})
	return result, err
}

// partialAnswer is the best answer available when the budget runs out: the
// latest successful observation, else the latest reasoning.
func partialAnswer(trace []StepRecord) string {
	for i := len(trace) - 1; i >= 0; i-- {
		if trace[i].Err == "" && strings.TrimSpace(trace[i].Observation) != "" {
			return PartialAnswerMarker + " " + trace[i].Observation
		}
	}
	for i := len(trace) - 1; i >= 0; i-- {
		if strings.TrimSpace(trace[i].Reasoning) != "" {
			return PartialAnswerMarker + " " + trace[i].Reasoning
		}
	}
	return PartialAnswerMarker + " no answer was produced"
}
