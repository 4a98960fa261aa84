package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"relaybot/internal/model"
	logx "relaybot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// HistorySink is what workers write their audit trail through.
type HistorySink interface {
	Append(ctx context.Context, h model.MessageHistory) error
}

// HistoryStore is the sqlite-backed audit trail. Append-only; rows are never
// updated.
type HistoryStore struct {
	db  *sql.DB
	log logx.Logger
}

var _ HistorySink = (*HistoryStore)(nil)

func OpenHistory(dir string, log logx.Logger) (*HistoryStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "history.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA busy_timeout = 5000")

	s := &HistoryStore{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *HistoryStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *HistoryStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *HistoryStore) Append(ctx context.Context, h model.MessageHistory) error {
	if s == nil || s.db == nil {
		return errors.New("history store closed")
	}
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_history(id, sender, message, reply, status, response_time, at)
		 VALUES(?,?,?,?,?,?,?)`,
		h.ID, h.Sender, h.Message, h.Reply, string(h.Status), h.ResponseTime,
		h.Timestamp.Format(time.RFC3339Nano),
	)
	return err
}

// Recent returns up to n newest entries, newest first.
func (s *HistoryStore) Recent(ctx context.Context, n int) ([]model.MessageHistory, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("history store closed")
	}
	if n <= 0 {
		n = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender, message, reply, status, response_time, at
		 FROM message_history ORDER BY at DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MessageHistory
	for rows.Next() {
		var h model.MessageHistory
		var status, at string
		if err := rows.Scan(&h.ID, &h.Sender, &h.Message, &h.Reply, &status, &h.ResponseTime, &at); err != nil {
			return nil, err
		}
		h.Status = model.HistoryStatus(status)
		if ts, err := time.Parse(time.RFC3339Nano, at); err == nil {
			h.Timestamp = ts
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
