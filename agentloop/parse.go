package agentloop

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/martinemde/dmagent/capability"
	"github.com/martinemde/dmagent/reasoner"
)

// FinishCapability is the sentinel capability name that ends a task with
// the answer in its arguments.
const FinishCapability = "finish"

var (
	errEmptyResponse = errors.New("the response was empty")
	errNoDecision    = errors.New("the response names no capability and gives no answer")
)

// decision is a parsed reasoner response.
type decision struct {
	Reasoning  string
	Capability string
	Arguments  json.RawMessage
	Answer     string
	hasAnswer  bool
}

// hasAnyKey reports whether fields holds any of keys, null values included.
func hasAnyKey(fields map[string]json.RawMessage, keys []string) bool {
	for _, k := range keys {
		if _, ok := fields[k]; ok {
			return true
		}
	}
	return false
}

// Key aliases accepted for each field, preferred name first.
var (
	reasoningKeys  = []string{"reasoning", "thought"}
	capabilityKeys = []string{"capability", "action", "tool"}
	argumentsKeys  = []string{"arguments", "action_input", "args"}
	answerKeys     = []string{"answer", "final_answer"}
)

// parseDecision extracts a decision from raw reasoner output. The JSON
// object may be surrounded by prose or a fenced block.
func parseDecision(raw string) (decision, error) {
	if strings.TrimSpace(raw) == "" {
		return decision{}, errEmptyResponse
	}
	var fields map[string]json.RawMessage
	if err := reasoner.ExtractJSONObject(raw, &fields); err != nil {
		return decision{}, err
	}

	var d decision
	d.Reasoning, _ = stringField(fields, reasoningKeys)
	d.Capability, _ = stringField(fields, capabilityKeys)
	d.Capability = strings.TrimSpace(d.Capability)
	for _, k := range argumentsKeys {
		if v, ok := fields[k]; ok {
			d.Arguments = v
			break
		}
	}
	d.Answer, d.hasAnswer = stringField(fields, answerKeys)

	// An explicitly empty capability is the finish signal. A response with
	// no capability, no arguments, and no answer carries no decision.
	if d.Capability == "" && !d.hasAnswer && !hasAnyKey(fields, capabilityKeys) && !hasAnyKey(fields, argumentsKeys) {
		return decision{}, errNoDecision
	}
	return d, nil
}

// stringField returns the first present key as text. Non-string values are
// rendered as JSON.
func stringField(fields map[string]json.RawMessage, keys []string) (string, bool) {
	for _, k := range keys {
		v, ok := fields[k]
		if !ok || isNull(v) {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			return strings.TrimSpace(s), true
		}
		return string(v), true
	}
	return "", false
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || string(trimmed) == "null"
}

// finishes reports whether d ends the task: the finish sentinel or an
// empty capability.
func (d decision) finishes() bool {
	return d.Capability == FinishCapability || d.Capability == ""
}

// finalAnswer renders the answer of a finishing decision: a top-level
// answer, a string argument, an "answer" field in the arguments, or the
// arguments' JSON.
func (d decision) finalAnswer() string {
	if d.hasAnswer {
		return d.Answer
	}
	if isNull(d.Arguments) {
		return ""
	}
	var s string
	if err := json.Unmarshal(d.Arguments, &s); err == nil {
		return s
	}
	var obj map[string]any
	if err := json.Unmarshal(d.Arguments, &obj); err == nil {
		if answer, ok := obj["answer"].(string); ok {
			return answer
		}
	}
	return string(bytes.TrimSpace(d.Arguments))
}

// objectArguments decodes the arguments as an object. It fails for
// missing, null, or non-object arguments.
func (d decision) objectArguments() (capability.Args, error) {
	if isNull(d.Arguments) {
		return nil, fmt.Errorf("arguments are missing")
	}
	trimmed := bytes.TrimSpace(d.Arguments)
	if trimmed[0] != '{' {
		return nil, fmt.Errorf("arguments must be a JSON object")
	}
	return capability.ParseArgs(trimmed)
}

// completionArguments is lenient: a string becomes the message and
// anything else that is not an object is ignored.
func (d decision) completionArguments() capability.Args {
	if isNull(d.Arguments) {
		return capability.Args{}
	}
	var s string
	if err := json.Unmarshal(d.Arguments, &s); err == nil {
		return capability.Args{"message": s}
	}
	if args, err := d.objectArguments(); err == nil {
		return args
	}
	return capability.Args{}
}
