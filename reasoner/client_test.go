package reasoner

import (
	"context"
	"errors"
	"testing"
)

// mockAdapter is a test double for ProviderAdapter.
type mockAdapter struct {
	name     string
	text     string
	err      error
	requests []Request
}

func (m *mockAdapter) Name() string { return m.name }

func (m *mockAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	return &Response{ID: "test_resp", Model: req.Model, Provider: m.name, Text: m.text}, nil
}

func TestClientRespond(t *testing.T) {
	mock := &mockAdapter{name: "test-provider", text: "Hello!"}
	client := NewClient(WithProvider("test-provider", mock))

	text, err := client.Respond(context.Background(), []Message{UserMessage("Hi")}, SamplingParams{}.WithTemperature(0.3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "Hello!" {
		t.Errorf("expected text %q, got %q", "Hello!", text)
	}
	if len(mock.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(mock.requests))
	}
	req := mock.requests[0]
	if req.Provider != "test-provider" {
		t.Errorf("expected provider to be filled in, got %q", req.Provider)
	}
	if req.Temperature == nil || *req.Temperature != 0.3 {
		t.Errorf("expected temperature 0.3, got %v", req.Temperature)
	}
}

func TestClientProviderRouting(t *testing.T) {
	openai := &mockAdapter{name: "openai", text: "OpenAI response"}
	anthropic := &mockAdapter{name: "anthropic", text: "Anthropic response"}

	client := NewClient(
		WithProvider("openai", openai),
		WithProvider("anthropic", anthropic),
		WithDefaultProvider("openai"),
	)

	text, err := client.Respond(context.Background(), []Message{UserMessage("Hi")}, SamplingParams{Provider: "anthropic"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "Anthropic response" {
		t.Errorf("expected Anthropic response, got %q", text)
	}

	// Alias resolves through the catalog.
	text, err = client.Respond(context.Background(), []Message{UserMessage("Hi")}, SamplingParams{Provider: "claude"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "Anthropic response" {
		t.Errorf("expected alias to route to anthropic, got %q", text)
	}

	text, err = client.Respond(context.Background(), []Message{UserMessage("Hi")}, SamplingParams{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "OpenAI response" {
		t.Errorf("expected OpenAI response, got %q", text)
	}
}

func TestClientNoProvider(t *testing.T) {
	client := NewClient()
	_, err := client.Respond(context.Background(), []Message{UserMessage("Hi")}, SamplingParams{})
	if err == nil {
		t.Fatal("expected error for no provider")
	}
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("expected ConfigurationError, got %T", err)
	}
}

func TestClientUnknownProvider(t *testing.T) {
	client := NewClient(WithProvider("openai", &mockAdapter{name: "openai"}))
	_, err := client.Respond(context.Background(), []Message{UserMessage("Hi")}, SamplingParams{Provider: "nope"})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestClientMiddlewareOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
			order = append(order, name+":before")
			resp, err := next(ctx, req)
			order = append(order, name+":after")
			return resp, err
		}
	}

	client := NewClient(
		WithProvider("p", &mockAdapter{name: "p", text: "ok"}),
		WithMiddleware(mw("first"), mw("second")),
	)
	if _, err := client.Respond(context.Background(), []Message{UserMessage("Hi")}, SamplingParams{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []string{"first:before", "second:before", "second:after", "first:after"}
	if len(order) != len(expected) {
		t.Fatalf("expected %d entries, got %d: %v", len(expected), len(order), order)
	}
	for i := range expected {
		if order[i] != expected[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], expected[i])
		}
	}
}

func TestClientPropagatesProviderError(t *testing.T) {
	rl := &RateLimitError{ProviderError: ProviderError{SDKError: SDKError{Message: "slow down"}, Retryable: true}}
	client := NewClient(WithProvider("p", &mockAdapter{name: "p", err: rl}))

	_, err := client.Respond(context.Background(), []Message{UserMessage("Hi")}, SamplingParams{})
	var got *RateLimitError
	if !errors.As(err, &got) {
		t.Fatalf("expected RateLimitError, got %T", err)
	}
}

func TestLoggingMiddlewarePassesThrough(t *testing.T) {
	client := NewClient(
		WithProvider("p", &mockAdapter{name: "p", text: "ok"}),
		WithMiddleware(LoggingMiddleware(nil)),
	)
	text, err := client.Respond(context.Background(), []Message{UserMessage("Hi")}, SamplingParams{})
	if err != nil || text != "ok" {
		t.Fatalf("expected ok, got %q, %v", text, err)
	}
}

func TestFuncReasoner(t *testing.T) {
	var r Reasoner = Func(func(ctx context.Context, conv []Message, p SamplingParams) (string, error) {
		return conv[len(conv)-1].Content, nil
	})
	got, err := r.Respond(context.Background(), []Message{UserMessage("echo")}, SamplingParams{})
	if err != nil || got != "echo" {
		t.Errorf("expected echo, got %q, %v", got, err)
	}
}

type flakyAdapter struct {
	failures int
	calls    *int
}

func (f *flakyAdapter) Name() string { return "p" }

func (f *flakyAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	*f.calls++
	if *f.calls <= f.failures {
		return nil, &ServerError{ProviderError: ProviderError{SDKError: SDKError{Message: "boom"}, Retryable: true}}
	}
	return &Response{Text: "recovered"}, nil
}
