// Package service hosts multiple agent sessions. Each session owns an
// orchestrator, runs at most one task at a time, and fans its events out
// to any number of subscribers. Finished runs are persisted when a trace
// store is configured.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/martinemde/dmagent/agentloop"
	"github.com/martinemde/dmagent/capability"
	"github.com/martinemde/dmagent/mcp"
	"github.com/martinemde/dmagent/reasoner"
	"github.com/martinemde/dmagent/skills"
	"github.com/martinemde/dmagent/tools"
	"github.com/martinemde/dmagent/tracestore"
)

var (
	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("service is closed")
	// ErrNoStore is returned by history queries when no store is configured.
	ErrNoStore = errors.New("no trace store configured")
)

// DefaultSubscriberBuffer applies when Subscribe gets a non-positive size.
const DefaultSubscriberBuffer = 64

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAgentConfig sets the orchestrator configuration for new sessions.
func WithAgentConfig(cfg agentloop.Config) Option {
	return func(s *Service) { s.agentCfg = cfg }
}

// WithSkills enables bundle selection for new sessions.
func WithSkills(library *skills.Library, cfg skills.SelectorConfig) Option {
	return func(s *Service) {
		s.library = library
		s.selectorCfg = cfg
	}
}

// WithEnvironment sets the environment described to the reasoner.
func WithEnvironment(env tools.Environment) Option {
	return func(s *Service) { s.env = env }
}

// WithMCP sets the external tool manager started by Start.
func WithMCP(m *mcp.Manager) Option {
	return func(s *Service) { s.mcp = m }
}

// WithStore persists finished runs.
func WithStore(store *tracestore.Store) Option {
	return func(s *Service) { s.store = store }
}

// Service manages sessions. It is safe for concurrent use.
type Service struct {
	reasoner    reasoner.Reasoner
	base        *capability.Registry
	agentCfg    agentloop.Config
	library     *skills.Library
	selectorCfg skills.SelectorConfig
	selector    *skills.Selector
	env         tools.Environment
	mcp         *mcp.Manager
	store       *tracestore.Store
	logger      *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	pumps    sync.WaitGroup
}

// New creates a Service. Each session gets a clone of base, so bundle
// activation in one session never leaks into another.
func New(r reasoner.Reasoner, base *capability.Registry, opts ...Option) *Service {
	s := &Service{
		reasoner:    r,
		base:        base,
		agentCfg:    agentloop.DefaultConfig(),
		selectorCfg: skills.DefaultSelectorConfig(),
		logger:      zap.NewNop(),
		sessions:    make(map[string]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.base == nil {
		s.base = capability.NewRegistry()
	}
	if s.library != nil {
		s.selector = skills.NewSelector(s.selectorCfg, skills.WithSelectorLogger(s.logger))
	}
	return s
}

// Start launches the configured external tool servers and registers
// their tools on the base registry. It returns how many servers started.
// Sessions created earlier do not see the new tools.
func (s *Service) Start(ctx context.Context) int {
	if s.mcp == nil {
		return 0
	}
	started := s.mcp.StartAll(ctx)
	registered := s.mcp.Register(s.base)
	s.logger.Info("external tool servers started",
		zap.Int("servers", started),
		zap.Int("tools", registered))
	return started
}

// Registry returns the base registry.
func (s *Service) Registry() *capability.Registry { return s.base }

// Library returns the skill library, or nil.
func (s *Service) Library() *skills.Library { return s.library }

// MCP returns the external tool manager, or nil.
func (s *Service) MCP() *mcp.Manager { return s.mcp }

// CreateSession creates a session and returns its id.
func (s *Service) CreateSession() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}

	id := uuid.New().String()
	opts := []agentloop.Option{
		agentloop.WithID(id),
		agentloop.WithConfig(s.agentCfg),
		agentloop.WithLogger(s.logger),
	}
	if s.env != nil {
		opts = append(opts, agentloop.WithEnvironment(s.env))
	}
	if s.library != nil {
		opts = append(opts, agentloop.WithSkills(s.library, s.selector))
	}

	sess := &session{
		id:      id,
		created: time.Now(),
		orch:    agentloop.New(s.reasoner, s.base.Clone(), opts...),
		subs:    make(map[int]chan agentloop.Event),
	}
	s.sessions[id] = sess

	s.pumps.Add(1)
	go func() {
		defer s.pumps.Done()
		sess.pump()
	}()

	s.logger.Info("session created", zap.String("session", id))
	return id, nil
}

func (s *Service) lookup(id string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// RunTask executes task in the session and blocks until it finishes. A
// session already running a task yields agentloop.ErrBusy. The run is
// saved to the trace store whenever the task actually started.
func (s *Service) RunTask(ctx context.Context, sessionID, task string, stepBudget int) (*agentloop.Result, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	result, err := sess.orch.Execute(ctx, task, stepBudget)
	if errors.Is(err, agentloop.ErrBusy) || errors.Is(err, agentloop.ErrEmptyTask) || errors.Is(err, agentloop.ErrClosed) {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}
	s.persist(ctx, sessionID, task, started, result, err)
	return result, err
}

func (s *Service) persist(ctx context.Context, sessionID, task string, started time.Time, result *agentloop.Result, runErr error) {
	if s.store == nil {
		return
	}
	run, steps := tracestore.FromResult(sessionID, task, started, result, runErr)
	if err := s.store.SaveRun(context.WithoutCancel(ctx), run, steps); err != nil {
		s.logger.Warn("failed to save run", zap.String("session", sessionID), zap.Error(err))
		return
	}
	s.logger.Debug("run saved", zap.String("session", sessionID), zap.String("run", run.ID))
}

// Subscribe returns a channel of the session's events and a function that
// cancels the subscription. Events that do not fit in the buffer are
// dropped. The channel is closed when the session is deleted.
func (s *Service) Subscribe(sessionID string, buffer int) (<-chan agentloop.Event, func(), error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return nil, nil, err
	}
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch, cancel, ok := sess.subscribe(buffer)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return ch, cancel, nil
}

// ResetSession clears the session's conversation and plan.
func (s *Service) ResetSession(sessionID string) error {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	return sess.orch.Reset()
}

// DeleteSession closes and removes a session. A running session yields
// agentloop.ErrBusy.
func (s *Service) DeleteSession(sessionID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if sess.orch.Running() {
		s.mu.Unlock()
		return fmt.Errorf("session %s: %w", sessionID, agentloop.ErrBusy)
	}
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	sess.orch.Close()
	s.logger.Info("session deleted", zap.String("session", sessionID))
	return nil
}

// SessionInfo describes a session.
type SessionInfo struct {
	ID           string          `json:"id"`
	CreatedAt    time.Time       `json:"created_at"`
	Running      bool            `json:"running"`
	State        agentloop.State `json:"state"`
	ActiveSkills []string        `json:"active_skills,omitempty"`
	Turns        int             `json:"turns"`
}

// Session returns information about one session.
func (s *Service) Session(sessionID string) (SessionInfo, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return SessionInfo{}, err
	}
	return sess.info(), nil
}

// Sessions lists sessions, oldest first.
func (s *Service) Sessions() []SessionInfo {
	s.mu.Lock()
	list := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		list = append(list, sess)
	}
	s.mu.Unlock()

	infos := make([]SessionInfo, len(list))
	for i, sess := range list {
		infos[i] = sess.info()
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// History lists persisted runs, newest first. An empty session id lists
// runs of every session.
func (s *Service) History(ctx context.Context, sessionID string, limit int) ([]tracestore.Run, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	return s.store.Runs(ctx, tracestore.Filter{SessionID: sessionID, Limit: limit})
}

// Close closes every session and stops the external tool servers. The
// trace store is left open for its owner to close.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sessions := s.sessions
	s.sessions = make(map[string]*session)
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.orch.Close()
	}
	s.pumps.Wait()
	if s.mcp != nil {
		s.mcp.StopAll()
	}
	s.logger.Info("service closed", zap.Int("sessions", len(sessions)))
}
