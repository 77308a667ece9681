// Package history keeps the results of past runs in a local SQLite
// database so a failed rollback can be inspected after the process exited.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vmware/remote-patcher/pkg/report"
)

const (
	appDir = "remote-patcher"
	dbFile = "history.db"

	// timeFormat has a fixed width so timestamps sort as text.
	timeFormat = "2006-01-02T15:04:05.000000000Z07:00"
)

// ErrNotFound is returned by Get for an unknown run id.
var ErrNotFound = errors.New("run not found")

// DefaultPath returns the database path under the user config directory.
func DefaultPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("history: unable to determine config directory: %w", err)
	}
	return filepath.Join(base, appDir, dbFile), nil
}

// Summary is one row of List.
type Summary struct {
	RunID     string
	Plan      string
	Target    string
	Status    report.Status
	StartedAt time.Time
	EndedAt   time.Time
}

// Store is a SQLite backed run history.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path. The parent directory is
// created if needed.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("history: failed to create directory %s: %w", dir, err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("history: failed to open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS runs (
			run_id      TEXT PRIMARY KEY,
			plan        TEXT NOT NULL,
			target      TEXT NOT NULL,
			status      TEXT NOT NULL,
			started_at  TEXT NOT NULL,
			ended_at    TEXT NOT NULL,
			result_json TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
		CREATE INDEX IF NOT EXISTS idx_runs_target ON runs(target);
	`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("history: migration failed: %w", err)
	}
	return nil
}

// Save stores res, replacing an earlier result with the same run id.
func (s *Store) Save(ctx context.Context, res *report.Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("history: encode result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, plan, target, status, started_at, ended_at, result_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			plan=excluded.plan, target=excluded.target, status=excluded.status,
			started_at=excluded.started_at, ended_at=excluded.ended_at,
			result_json=excluded.result_json`,
		res.RunID, res.Plan, res.Target, string(res.Status),
		res.StartedAt.UTC().Format(timeFormat), res.EndedAt.UTC().Format(timeFormat),
		string(data),
	)
	if err != nil {
		return fmt.Errorf("history: save %s: %w", res.RunID, err)
	}
	return nil
}

// List returns the most recent runs, newest first. A non-empty target
// restricts the list to that target. limit <= 0 means no limit.
func (s *Store) List(ctx context.Context, target string, limit int) ([]Summary, error) {
	query := `SELECT run_id, plan, target, status, started_at, ended_at FROM runs`
	var args []any
	if target != "" {
		query += ` WHERE target = ?`
		args = append(args, target)
	}
	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: query failed: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum              Summary
			status           string
			started, stopped string
		)
		if err := rows.Scan(&sum.RunID, &sum.Plan, &sum.Target, &status, &started, &stopped); err != nil {
			return nil, fmt.Errorf("history: scan failed: %w", err)
		}
		sum.Status = report.Status(status)
		sum.StartedAt, _ = time.Parse(timeFormat, started)
		sum.EndedAt, _ = time.Parse(timeFormat, stopped)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Get returns the full result of a run.
func (s *Store) Get(ctx context.Context, runID string) (*report.Result, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT result_json FROM runs WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("history: %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("history: query failed: %w", err)
	}
	var res report.Result
	if err := json.Unmarshal([]byte(data), &res); err != nil {
		return nil, fmt.Errorf("history: decode %s: %w", runID, err)
	}
	return &res, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
