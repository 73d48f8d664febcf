// Package tracestore persists finished task runs and their step traces in
// SQLite.
package tracestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/martinemde/dmagent/planner"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// DefaultListLimit applies when a filter sets no limit.
const DefaultListLimit = 50

// ErrNotFound is returned for an unknown run id.
var ErrNotFound = errors.New("run not found")

// Run is one task execution.
type Run struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"session_id"`
	Task        string       `json:"task"`
	State       string       `json:"state"`
	FinalAnswer string       `json:"final_answer"`
	Error       string       `json:"error,omitempty"`
	Skills      []string     `json:"skills,omitempty"`
	Plan        planner.Plan `json:"plan,omitempty"`
	StepCount   int          `json:"step_count"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
}

// Step is one persisted step record. Arguments hold the JSON text of the
// invocation arguments.
type Step struct {
	Index       int       `json:"index"`
	Reasoning   string    `json:"reasoning"`
	Capability  string    `json:"capability"`
	Arguments   string    `json:"arguments"`
	Observation string    `json:"observation"`
	Raw         string    `json:"raw"`
	Err         string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Filter narrows a run listing.
type Filter struct {
	SessionID string
	Limit     int
}

// Store is a SQLite-backed run history. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	path   string
	logger *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open opens or creates the database at path. MemoryPath opens an
// in-memory database that lives until Close.
func Open(path string, opts ...Option) (*Store, error) {
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Debug("trace store opened", zap.String("path", path))
	return s, nil
}

func (s *Store) initialize() error {
	schema := []string{
		`PRAGMA foreign_keys = ON`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			task TEXT NOT NULL,
			state TEXT NOT NULL,
			final_answer TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			skills TEXT NOT NULL DEFAULT '[]',
			plan TEXT NOT NULL DEFAULT '[]',
			step_count INTEGER NOT NULL DEFAULT 0,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS steps (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			step_index INTEGER NOT NULL,
			reasoning TEXT NOT NULL DEFAULT '',
			capability TEXT NOT NULL DEFAULT '',
			arguments TEXT NOT NULL DEFAULT '',
			observation TEXT NOT NULL DEFAULT '',
			raw TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, step_index)
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("initialize store: %w", err)
		}
	}
	return nil
}

// Path returns the database path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun writes a run and its steps in one transaction. A run with an
// existing id is replaced.
func (s *Store) SaveRun(ctx context.Context, run Run, steps []Step) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	skills, err := json.Marshal(nonNil(run.Skills))
	if err != nil {
		return fmt.Errorf("encode skills: %w", err)
	}
	plan, err := json.Marshal(nonNilPlan(run.Plan))
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{`DELETE FROM steps WHERE run_id = ?`, `DELETE FROM runs WHERE id = ?`} {
		if _, err := tx.ExecContext(ctx, stmt, run.ID); err != nil {
			return fmt.Errorf("replace run: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, session_id, task, state, final_answer, error, skills, plan, step_count, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.SessionID, run.Task, run.State, run.FinalAnswer, run.Error,
		string(skills), string(plan), len(steps), unixNano(run.StartedAt), unixNano(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, st := range steps {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO steps (run_id, step_index, reasoning, capability, arguments, observation, raw, error, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, st.Index, st.Reasoning, st.Capability, st.Arguments, st.Observation, st.Raw, st.Err,
			unixNano(st.Timestamp),
		)
		if err != nil {
			return fmt.Errorf("insert step %d: %w", st.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("run saved", zap.String("run", run.ID), zap.Int("steps", len(steps)))
	return nil
}

const runColumns = `id, session_id, task, state, final_answer, error, skills, plan, step_count, started_at, finished_at`

// Runs lists runs, newest first.
func (s *Store) Runs(ctx context.Context, f Filter) ([]Run, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if f.SessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, f.SessionID)
	}
	query += ` ORDER BY started_at DESC, id LIMIT ?`
	args = append(args, limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Run returns one run and its steps in index order.
func (s *Store) Run(ctx context.Context, id string) (Run, []Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Run{}, nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT step_index, reasoning, capability, arguments, observation, raw, error, created_at
		 FROM steps WHERE run_id = ? ORDER BY step_index`, id)
	if err != nil {
		return Run{}, nil, fmt.Errorf("load steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var st Step
		var ts int64
		if err := rows.Scan(&st.Index, &st.Reasoning, &st.Capability, &st.Arguments,
			&st.Observation, &st.Raw, &st.Err, &ts); err != nil {
			return Run{}, nil, fmt.Errorf("scan step: %w", err)
		}
		st.Timestamp = fromUnixNano(ts)
		steps = append(steps, st)
	}
	return run, steps, rows.Err()
}

// DeleteSession removes every run of a session and returns how many were
// removed.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM steps WHERE run_id IN (SELECT id FROM runs WHERE session_id = ?)`, sessionID); err != nil {
		return 0, fmt.Errorf("delete session steps: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete session runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// Count returns the number of stored runs.
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var run Run
	var skills, plan string
	var started, finished int64
	err := row.Scan(&run.ID, &run.SessionID, &run.Task, &run.State, &run.FinalAnswer, &run.Error,
		&skills, &plan, &run.StepCount, &started, &finished)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	if err := json.Unmarshal([]byte(skills), &run.Skills); err != nil {
		return Run{}, fmt.Errorf("decode skills of run %s: %w", run.ID, err)
	}
	if strings.TrimSpace(plan) != "" {
		if err := json.Unmarshal([]byte(plan), &run.Plan); err != nil {
			return Run{}, fmt.Errorf("decode plan of run %s: %w", run.ID, err)
		}
	}
	if len(run.Skills) == 0 {
		run.Skills = nil
	}
	if len(run.Plan) == 0 {
		run.Plan = nil
	}
	run.StartedAt = fromUnixNano(started)
	run.FinishedAt = fromUnixNano(finished)
	return run, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilPlan(p planner.Plan) planner.Plan {
	if p == nil {
		return planner.Plan{}
	}
	return p
}
