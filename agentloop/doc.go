// Package agentloop runs tasks through a reasoner-driven
// think-act-observe loop.
//
// An Orchestrator owns one session: its conversation, plan, compaction
// state, and the skill bundles activated for the current task. Each
// iteration asks the reasoner for a JSON decision, dispatches the named
// capability from the session registry, records a StepRecord, and feeds
// the observation back as the next user turn. The loop ends when the
// reasoner finishes, when task_complete succeeds, or when the step budget
// runs out.
//
// Progress is published on an Event channel. Sends never block the loop;
// events that do not fit in the buffer are counted and dropped.
//
//	registry := capability.NewRegistry()
//	tools.Register(registry, tools.NewLocalEnvironment("/path/to/project"))
//
//	o := agentloop.New(client, registry, agentloop.WithLogger(logger))
//	defer o.Close()
//
//	result, err := o.Execute(ctx, "Create hello.py", 20)
package agentloop
