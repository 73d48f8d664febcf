package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/martinemde/dmagent/agentloop"
	"github.com/martinemde/dmagent/capability"
	"github.com/martinemde/dmagent/reasoner"
	"github.com/martinemde/dmagent/skills"
	"github.com/martinemde/dmagent/tracestore"
)

const finishResponse = `{"reasoning":"done","capability":"finish","arguments":{"answer":"42"}}`

func finishing() reasoner.Reasoner {
	return reasoner.Func(func(ctx context.Context, conv []reasoner.Message, p reasoner.SamplingParams) (string, error) {
		return finishResponse, nil
	})
}

func testConfig() agentloop.Config {
	cfg := agentloop.DefaultConfig()
	cfg.Planning = false
	return cfg
}

func baseRegistry() *capability.Registry {
	reg := capability.NewRegistry()
	reg.RegisterFunc("echo", "Echo text.", func(ctx context.Context, args capability.Args) (string, error) {
		text, _ := args.String("text")
		return text, nil
	})
	return reg
}

func openStore(t *testing.T) *tracestore.Store {
	t.Helper()
	store, err := tracestore.Open(tracestore.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRunTaskPersistsHistory(t *testing.T) {
	store := openStore(t)
	svc := New(finishing(), baseRegistry(), WithAgentConfig(testConfig()), WithStore(store))
	defer svc.Close()

	id, err := svc.CreateSession()
	require.NoError(t, err)

	result, err := svc.RunTask(context.Background(), id, "answer", 5)
	require.NoError(t, err)
	assert.Equal(t, "42", result.FinalAnswer)
	assert.Equal(t, agentloop.StateDone, result.State)

	runs, err := svc.History(context.Background(), id, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "answer", runs[0].Task)
	assert.Equal(t, "done", runs[0].State)
	assert.Equal(t, "42", runs[0].FinalAnswer)
	assert.Equal(t, 1, runs[0].StepCount)

	info, err := svc.Session(id)
	require.NoError(t, err)
	assert.Equal(t, agentloop.StateDone, info.State)
	assert.False(t, info.Running)
	assert.Equal(t, 3, info.Turns)
}

func TestHistoryWithoutStore(t *testing.T) {
	svc := New(finishing(), nil)
	defer svc.Close()
	_, err := svc.History(context.Background(), "", 10)
	assert.ErrorIs(t, err, ErrNoStore)
}

func TestSubscribeReceivesEvents(t *testing.T) {
	defer goleak.VerifyNone(t)

	svc := New(finishing(), baseRegistry(), WithAgentConfig(testConfig()))
	id, err := svc.CreateSession()
	require.NoError(t, err)

	events, cancel, err := svc.Subscribe(id, 0)
	require.NoError(t, err)
	defer cancel()

	_, err = svc.RunTask(context.Background(), id, "answer", 5)
	require.NoError(t, err)

	var kinds []agentloop.EventKind
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ev := <-events:
			kinds = append(kinds, ev.Kind)
			assert.Equal(t, id, ev.SessionID)
			done = ev.Kind == agentloop.EventFinal
		case <-timeout:
			t.Fatal("timed out waiting for final event")
		}
	}
	assert.Equal(t, []agentloop.EventKind{agentloop.EventTaskStart, agentloop.EventStep, agentloop.EventFinal}, kinds)

	require.NoError(t, svc.DeleteSession(id))
	_, open := <-events
	assert.False(t, open)

	svc.Close()
}

func TestUnsubscribe(t *testing.T) {
	svc := New(finishing(), nil, WithAgentConfig(testConfig()))
	defer svc.Close()
	id, err := svc.CreateSession()
	require.NoError(t, err)

	events, cancel, err := svc.Subscribe(id, 1)
	require.NoError(t, err)
	cancel()
	cancel()

	_, open := <-events
	assert.False(t, open)
}

func TestRunTaskRejectsConcurrentRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	blocking := reasoner.Func(func(ctx context.Context, conv []reasoner.Message, p reasoner.SamplingParams) (string, error) {
		once.Do(func() { close(started) })
		<-release
		return finishResponse, nil
	})

	store := openStore(t)
	svc := New(blocking, nil, WithAgentConfig(testConfig()), WithStore(store))
	defer svc.Close()
	id, err := svc.CreateSession()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := svc.RunTask(context.Background(), id, "first", 5)
		done <- err
	}()
	<-started

	info, err := svc.Session(id)
	require.NoError(t, err)
	assert.True(t, info.Running)

	_, err = svc.RunTask(context.Background(), id, "second", 5)
	assert.ErrorIs(t, err, agentloop.ErrBusy)
	assert.ErrorIs(t, svc.DeleteSession(id), agentloop.ErrBusy)
	assert.ErrorIs(t, svc.ResetSession(id), agentloop.ErrBusy)

	// A different session is independent.
	other, err := svc.CreateSession()
	require.NoError(t, err)
	assert.NotEqual(t, id, other)

	close(release)
	require.NoError(t, <-done)

	// Rejected runs are not persisted.
	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunTaskPersistsReasonerFailure(t *testing.T) {
	failing := reasoner.Func(func(ctx context.Context, conv []reasoner.Message, p reasoner.SamplingParams) (string, error) {
		return "", &reasoner.ServerError{ProviderError: reasoner.ProviderError{SDKError: reasoner.SDKError{Message: "upstream 500"}, Provider: "openai", Retryable: true}}
	})
	store := openStore(t)
	svc := New(failing, nil, WithAgentConfig(testConfig()), WithStore(store))
	defer svc.Close()
	id, err := svc.CreateSession()
	require.NoError(t, err)

	result, err := svc.RunTask(context.Background(), id, "anything", 5)
	var failure *agentloop.ReasonerFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, agentloop.StateFailed, result.State)

	runs, err := svc.History(context.Background(), id, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "failed", runs[0].State)
	assert.Contains(t, runs[0].Error, "upstream 500")
}

func TestSessionLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := &countingReasoner{}
	svc := New(r, nil, WithAgentConfig(testConfig()))

	id, err := svc.CreateSession()
	require.NoError(t, err)
	_, err = svc.RunTask(context.Background(), id, "first", 5)
	require.NoError(t, err)

	_, err = svc.RunTask(context.Background(), id, "second", 5)
	require.NoError(t, err)
	assert.Equal(t, 4, r.lastLen(), "second run sees the first run's conversation")

	require.NoError(t, svc.ResetSession(id))
	_, err = svc.RunTask(context.Background(), id, "third", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, r.lastLen())

	require.NoError(t, svc.DeleteSession(id))
	assert.ErrorIs(t, svc.DeleteSession(id), ErrSessionNotFound)
	_, err = svc.RunTask(context.Background(), id, "gone", 5)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = svc.Session(id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, _, err = svc.Subscribe(id, 0)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	svc.Close()
	_, err = svc.CreateSession()
	assert.ErrorIs(t, err, ErrClosed)
	svc.Close()
}

func TestSessionsListedOldestFirst(t *testing.T) {
	svc := New(finishing(), nil)
	defer svc.Close()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := svc.CreateSession()
		require.NoError(t, err)
		ids = append(ids, id)
		time.Sleep(2 * time.Millisecond)
	}

	infos := svc.Sessions()
	require.Len(t, infos, 3)
	for i, info := range infos {
		assert.Equal(t, ids[i], info.ID)
		assert.Equal(t, agentloop.StateIdle, info.State)
	}
}

func TestSessionsHaveIsolatedSkills(t *testing.T) {
	library := skills.NewLibrary()
	require.NoError(t, library.Add(&skills.Bundle{
		Name:     "gopher",
		Keywords: []string{"golang"},
		Capabilities: []capability.Descriptor{{
			Name:        "go_vet",
			Description: "Run go vet.",
			Capability: capability.Func(func(ctx context.Context, args capability.Args) (string, error) {
				return "ok", nil
			}),
		}},
	}))

	base := baseRegistry()
	svc := New(finishing(), base, WithAgentConfig(testConfig()),
		WithSkills(library, skills.DefaultSelectorConfig()))
	defer svc.Close()

	a, err := svc.CreateSession()
	require.NoError(t, err)
	b, err := svc.CreateSession()
	require.NoError(t, err)

	result, err := svc.RunTask(context.Background(), a, "write golang", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"gopher"}, result.Skills)

	infoA, err := svc.Session(a)
	require.NoError(t, err)
	assert.Equal(t, []string{"gopher"}, infoA.ActiveSkills)

	infoB, err := svc.Session(b)
	require.NoError(t, err)
	assert.Empty(t, infoB.ActiveSkills)
	assert.False(t, base.Has("go_vet"))
}

func TestStartWithoutMCP(t *testing.T) {
	svc := New(finishing(), nil)
	defer svc.Close()
	assert.Equal(t, 0, svc.Start(context.Background()))
	assert.Nil(t, svc.MCP())
	assert.NotNil(t, svc.Registry())
}

// countingReasoner finishes immediately and records the conversation
// length of the latest request, excluding the system turn.
type countingReasoner struct {
	mu  sync.Mutex
	len int
}

func (c *countingReasoner) Respond(ctx context.Context, conv []reasoner.Message, p reasoner.SamplingParams) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.len = len(conv) - 1
	return finishResponse, nil
}

func (c *countingReasoner) lastLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.len
}
