package planner

import (
	"fmt"
	"strings"
)

const planFormat = `Respond with JSON only, in this shape:
{
  "plan": [
    {"step": 1, "action": "capability_name", "reason": "why this step is needed"},
    {"step": 2, "action": "capability_name", "reason": "why this step is needed"}
  ]
}`

func planPrompt(task, listing string) string {
	return fmt.Sprintf(`You are a task planning assistant. Produce an execution plan for the task below.

Task: %s

Available capabilities:
%s

Write a structured plan of 3 to 8 steps. Each step should:
1. use one of the available capabilities
2. have a clear purpose
3. follow a logical order
4. be independently verifiable

%s

Notes:
- "action" must be the name of an available capability
- the last step should be "task_complete"
- keep the plan short and avoid unnecessary steps`, task, listing, planFormat)
}

func replanPrompt(task, listing string, completed []Step, errText string) string {
	var done strings.Builder
	for _, s := range completed {
		fmt.Fprintf(&done, "Step %d: %s - %s (completed)\n", s.Number, s.Capability, s.Rationale)
	}
	if done.Len() == 0 {
		done.WriteString("(none)\n")
	}
	if strings.TrimSpace(errText) == "" {
		errText = "(no error details)"
	}

	return fmt.Sprintf(`Task execution ran into a problem and needs a new plan.

Original task: %s

Available capabilities:
%s

Completed steps:
%s
Error:
%s

Produce a new plan that continues from here and finishes the remaining work. The last step should be "task_complete".

%s`, task, listing, done.String(), errText, planFormat)
}
