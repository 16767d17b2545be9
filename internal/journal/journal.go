package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Kind classifies a journal event.
type Kind string

const (
	KindSubmit   Kind = "submit"
	KindThrottle Kind = "throttle"
	KindOverflow Kind = "overflow"
	KindNotify   Kind = "notify"
	KindDiscard  Kind = "discard"
	KindDownload Kind = "download"
	KindRun      Kind = "run"
)

// Event is one journal row.
type Event struct {
	ID            int64     `json:"id"`
	RunID         string    `json:"run_id"`
	At            time.Time `json:"at"`
	Kind          Kind      `json:"kind"`
	Channel       string    `json:"channel,omitempty"`
	JobID         string    `json:"job_id,omitempty"`
	Node          string    `json:"node,omitempty"`
	Status        string    `json:"status,omitempty"`
	Code          int       `json:"code,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// Recorder accepts journal events.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// Nop discards every event. It is used when the journal is disabled.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }

// Store is the sqlite-backed journal.
type Store struct {
	db    *sql.DB
	path  string
	runID string
	now   func() time.Time
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
	defaultListLimit        = 200
)

// Open creates or opens the journal database at path and applies migrations.
// Events recorded without a run id are stamped with runID.
func Open(ctx context.Context, path, runID string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("journal path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure journal directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path, runID: runID, now: time.Now}
	if err := store.applyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record appends ev. Missing run id and timestamp are filled in.
func (s *Store) Record(ctx context.Context, ev Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if ev.RunID == "" {
		ev.RunID = s.runID
	}
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO events (run_id, at, kind, channel, job_id, node_key, status, code, detail, correlation_id)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.RunID,
			ev.At.UTC().Format(time.RFC3339Nano),
			string(ev.Kind),
			ev.Channel,
			ev.JobID,
			ev.Node,
			ev.Status,
			ev.Code,
			ev.Detail,
			ev.CorrelationID,
		)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		return nil
	})
}

// List returns the most recent events in chronological order. An empty runID
// selects the latest run recorded.
func (s *Store) List(ctx context.Context, runID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if runID == "" {
		latest, err := s.LatestRun(ctx)
		if err != nil || latest == "" {
			return nil, err
		}
		runID = latest
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, at, kind, channel, job_id, node_key, status, code, detail, correlation_id
         FROM events WHERE run_id = ? ORDER BY id DESC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev   Event
			at   string
			kind string
		)
		if err := rows.Scan(&ev.ID, &ev.RunID, &at, &kind, &ev.Channel, &ev.JobID, &ev.Node, &ev.Status, &ev.Code, &ev.Detail, &ev.CorrelationID); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = Kind(kind)
		if parsed, err := time.Parse(time.RFC3339Nano, at); err == nil {
			ev.At = parsed
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// LatestRun returns the run id of the most recently recorded event.
func (s *Store) LatestRun(ctx context.Context) (string, error) {
	var runID string
	err := s.db.QueryRowContext(ctx, "SELECT run_id FROM events ORDER BY id DESC LIMIT 1").Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query latest run: %w", err)
	}
	return runID, nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}
