package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"noderun/internal/domain"
)

const initSQL = `
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    build_id TEXT NOT NULL DEFAULT '',
    script TEXT NOT NULL DEFAULT '',
    pid INTEGER NOT NULL DEFAULT 0,
    message TEXT NOT NULL DEFAULT '',
    at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_at ON events(at);
CREATE INDEX IF NOT EXISTS idx_events_build_id ON events(build_id);
`

// SQLiteStore is an append-only journal of lifecycle events.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	// Observe is called from several goroutines.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, initSQL); err != nil {
		return fmt.Errorf("run migration: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev domain.Event) error {
	if ev.ID == "" {
		ev.ID = domain.NewID()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO events(id, kind, build_id, script, pid, message, at)
	VALUES(?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Kind), ev.BuildID, ev.Script, ev.PID, ev.Message, ev.At.UTC())
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit events, newest first.
func (s *SQLiteStore) RecentEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, kind, build_id, script, pid, message, at
	FROM events
	ORDER BY at DESC, id DESC
	LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// BuildEvents returns the events of one build in the order they happened.
func (s *SQLiteStore) BuildEvents(ctx context.Context, buildID string) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, kind, build_id, script, pid, message, at
	FROM events
	WHERE build_id = ?
	ORDER BY at ASC, id ASC`, buildID)
	if err != nil {
		return nil, fmt.Errorf("query build events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Observe journals ev. Failures are logged and otherwise ignored.
func (s *SQLiteStore) Observe(ev domain.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.AppendEvent(ctx, ev); err != nil {
		slog.Warn("journal event failed", "kind", ev.Kind, "error", err)
	}
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	var out []domain.Event
	for rows.Next() {
		var ev domain.Event
		var kind string
		if err := rows.Scan(&ev.ID, &kind, &ev.BuildID, &ev.Script, &ev.PID, &ev.Message, &ev.At); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = domain.EventKind(kind)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}
