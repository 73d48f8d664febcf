package reasoner

import (
	"context"
	"strings"
)

// Role identifies who authored a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SystemMessage creates a system turn.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

// UserMessage creates a user turn.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// AssistantMessage creates an assistant turn.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

// CloneMessages returns a copy of msgs that shares no backing array.
func CloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// CountRole returns how many turns in msgs have the given role.
func CountRole(msgs []Message, role Role) int {
	n := 0
	for _, m := range msgs {
		if m.Role == role {
			n++
		}
	}
	return n
}

// SamplingParams carries per-call generation settings. Nil pointers mean
// "use the provider default".
type SamplingParams struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Model       string   `json:"model,omitempty"`
	Provider    string   `json:"provider,omitempty"`
}

// WithTemperature returns a copy of p with the temperature set.
func (p SamplingParams) WithTemperature(t float64) SamplingParams {
	p.Temperature = &t
	return p
}

// WithMaxTokens returns a copy of p with the token limit set.
func (p SamplingParams) WithMaxTokens(n int) SamplingParams {
	p.MaxTokens = &n
	return p
}

// Request is what a ProviderAdapter receives.
type Request struct {
	Model       string    `json:"model"`
	Provider    string    `json:"provider,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

// Usage reports approximate token accounting for a response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response is what a ProviderAdapter returns.
type Response struct {
	ID       string `json:"id"`
	Model    string `json:"model"`
	Provider string `json:"provider"`
	Text     string `json:"text"`
	Usage    Usage  `json:"usage"`
}

// Reasoner produces the next response for a conversation. Implementations
// return a typed error from this package on transport, auth or rate-limit
// failure.
type Reasoner interface {
	Respond(ctx context.Context, conversation []Message, params SamplingParams) (string, error)
}

// Func adapts an ordinary function to the Reasoner interface.
type Func func(ctx context.Context, conversation []Message, params SamplingParams) (string, error)

// Respond calls f.
func (f Func) Respond(ctx context.Context, conversation []Message, params SamplingParams) (string, error) {
	return f(ctx, conversation, params)
}

// estimateTokens is a rough chars/4 estimate used when the provider does not
// report usage.
func estimateTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Content) / 4
	}
	if total == 0 {
		total = 10
	}
	return total
}

// renderTranscript flattens non-system turns into a single prompt body for
// providers that accept one prompt string.
func renderTranscript(msgs []Message) string {
	var parts []string
	for _, m := range msgs {
		switch m.Role {
		case RoleUser:
			parts = append(parts, m.Content)
		case RoleAssistant:
			if m.Content != "" {
				parts = append(parts, "[Assistant]: "+m.Content)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}
