// Package store persists optimization run history in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"evoopt/internal/logging"
	"evoopt/internal/optimization"
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("run not found")

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// RunStore records runs and their rounds. It implements
// optimization.Recorder.
type RunStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// RunRecord is one stored run without its rounds.
type RunRecord struct {
	ID              string                  `json:"id"`
	CaseID          string                  `json:"case_id,omitempty"`
	StartedAt       time.Time               `json:"started_at"`
	FinishedAt      time.Time               `json:"finished_at,omitempty"`
	Budget          optimization.Budget     `json:"budget"`
	Components      optimization.Components `json:"components"`
	BestScore       float64                 `json:"best_score"`
	BestCandidateID string                  `json:"best_candidate_id,omitempty"`
	BestContent     string                  `json:"best_content,omitempty"`
	StopReason      string                  `json:"stop_reason,omitempty"`
	Metrics         optimization.Metrics    `json:"metrics"`
}

// Finished reports whether FinishRun was recorded.
func (r RunRecord) Finished() bool { return !r.FinishedAt.IsZero() }

// RunDetail is a run with its round history.
type RunDetail struct {
	RunRecord
	Rounds []optimization.RoundSummary `json:"rounds"`
}

// NewRunStore opens (creating if needed) the database at path.
func NewRunStore(path string) (*RunStore, error) {
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite has a single writer and an in-memory database
	// exists per connection.
	db.SetMaxOpenConns(1)

	s := &RunStore{db: db, dbPath: path}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	logging.StoreDebug("run store opened at %s", path)
	return s, nil
}

func (s *RunStore) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		case_id TEXT,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		budget_json TEXT,
		components_json TEXT,
		best_score REAL DEFAULT 0,
		best_candidate_id TEXT,
		best_content TEXT,
		stop_reason TEXT,
		metrics_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_runs_case ON runs(case_id);

	CREATE TABLE IF NOT EXISTS rounds (
		run_id TEXT NOT NULL,
		round INTEGER NOT NULL,
		best_score REAL,
		cost_tokens INTEGER,
		summary_json TEXT NOT NULL,
		PRIMARY KEY (run_id, round)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return RunMigrations(s.db)
}

// Close closes the database connection.
func (s *RunStore) Close() error {
	return s.db.Close()
}

// BeginRun implements optimization.Recorder.
func (s *RunStore) BeginRun(ctx context.Context, info optimization.RunInfo) error {
	budget, err := json.Marshal(info.Budget)
	if err != nil {
		return fmt.Errorf("encode budget: %w", err)
	}
	comps, err := json.Marshal(info.Components)
	if err != nil {
		return fmt.Errorf("encode components: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, case_id, started_at, budget_json, components_json) VALUES (?, ?, ?, ?, ?)`,
		info.RunID, info.CaseID, formatTime(info.StartedAt), string(budget), string(comps))
	if err != nil {
		return fmt.Errorf("insert run %s: %w", info.RunID, err)
	}
	return nil
}

// RecordRound implements optimization.Recorder. Re-recording a round
// replaces it.
func (s *RunStore) RecordRound(ctx context.Context, runID string, summary optimization.RoundSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode round: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO rounds (run_id, round, best_score, cost_tokens, summary_json) VALUES (?, ?, ?, ?, ?)`,
		runID, summary.Round, summary.BestScore, summary.CostTokens, string(data))
	if err != nil {
		return fmt.Errorf("insert round %d of %s: %w", summary.Round, runID, err)
	}
	return nil
}

// FinishRun implements optimization.Recorder.
func (s *RunStore) FinishRun(ctx context.Context, runID string, res *optimization.Result) error {
	if res == nil {
		return fmt.Errorf("finish run %s: nil result", runID)
	}
	m, err := json.Marshal(res.Metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	var bestID, bestContent string
	if res.BestCandidate != nil {
		bestID, bestContent = res.BestCandidate.ID, res.BestCandidate.Content
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, best_score = ?, best_candidate_id = ?, best_content = ?, stop_reason = ?, metrics_json = ? WHERE id = ?`,
		formatTime(time.Now()), res.BestScore, bestID, bestContent, res.Metrics.StopReason, string(m), runID)
	if err != nil {
		return fmt.Errorf("update run %s: %w", runID, err)
	}
	if n, err := out.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ErrRunNotFound)
	}
	logging.Store("run %s stored: best=%.3f reason=%s", runID, res.BestScore, res.Metrics.StopReason)
	return nil
}

const runColumns = `id, case_id, started_at, finished_at, budget_json, components_json, best_score, best_candidate_id, best_content, stop_reason, metrics_json`

// ListRuns returns the most recent runs first. limit <= 0 means all.
func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRun returns a run and its rounds in order.
func (s *RunStore) GetRun(ctx context.Context, runID string) (*RunDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT summary_json FROM rounds WHERE run_id = ? ORDER BY round`, runID)
	if err != nil {
		return nil, fmt.Errorf("load rounds of %s: %w", runID, err)
	}
	defer rows.Close()

	d := &RunDetail{RunRecord: r, Rounds: []optimization.RoundSummary{}}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		var summary optimization.RoundSummary
		if err := json.Unmarshal([]byte(data), &summary); err != nil {
			return nil, fmt.Errorf("decode round: %w", err)
		}
		d.Rounds = append(d.Rounds, summary)
	}
	return d, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (RunRecord, error) {
	var (
		r                                    RunRecord
		caseID, finished, budget, comps      sql.NullString
		bestID, bestContent, reason, metrics sql.NullString
		started                              string
		best                                 sql.NullFloat64
	)
	if err := row.Scan(&r.ID, &caseID, &started, &finished, &budget, &comps, &best, &bestID, &bestContent, &reason, &metrics); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("scan run: %w", err)
	}
	r.CaseID = caseID.String
	r.BestScore = best.Float64
	r.BestCandidateID = bestID.String
	r.BestContent = bestContent.String
	r.StopReason = reason.String
	r.StartedAt = parseTime(started)
	r.FinishedAt = parseTime(finished.String)

	for _, f := range []struct {
		raw sql.NullString
		dst interface{}
	}{{budget, &r.Budget}, {comps, &r.Components}, {metrics, &r.Metrics}} {
		if !f.raw.Valid || f.raw.String == "" {
			continue
		}
		if err := json.Unmarshal([]byte(f.raw.String), f.dst); err != nil {
			return r, fmt.Errorf("decode run %s: %w", r.ID, err)
		}
	}
	return r, nil
}

// timeLayout has fixed-width fractions so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
