package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/credpool/credpool-gateway/internal/history"
)

// Store implements history.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS request_records (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	mode TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL CHECK(status IN ('success','error')),
	error_code TEXT,
	credits_charged INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_request_records_account_created ON request_records(account_id, created_at DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts a new request record.
func (s *Store) Record(ctx context.Context, rec history.Record) error {
	if rec.AccountID == "" {
		return errors.New("request record requires account id")
	}
	if rec.Status != history.StatusSuccess && rec.Status != history.StatusError {
		return fmt.Errorf("invalid status %q", rec.Status)
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO request_records(id, account_id, session_id, mode, provider, model, prompt_tokens, completion_tokens, total_tokens, latency_ms, status, error_code, credits_charged, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.AccountID,
		rec.SessionID,
		rec.Mode,
		rec.Provider,
		rec.Model,
		rec.PromptTokens,
		rec.CompletionTokens,
		rec.TotalTokens,
		rec.LatencyMS,
		string(rec.Status),
		rec.ErrorCode,
		rec.CreditsCharged,
		created,
	)
	return err
}

// ListRecent returns the latest records for an account.
func (s *Store) ListRecent(ctx context.Context, accountID string, limit int) ([]history.Record, error) {
	if accountID == "" {
		return nil, errors.New("account id required")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, account_id, session_id, mode, provider, model, prompt_tokens, completion_tokens, total_tokens, latency_ms, status, error_code, credits_charged, created_at
FROM request_records
WHERE account_id = ?
ORDER BY created_at DESC
LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []history.Record
	for rows.Next() {
		var r history.Record
		var status string
		var errorCode sql.NullString
		if err := rows.Scan(&r.ID, &r.AccountID, &r.SessionID, &r.Mode, &r.Provider, &r.Model,
			&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.LatencyMS, &status, &errorCode, &r.CreditsCharged, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Status = history.Status(status)
		r.ErrorCode = errorCode.String
		records = append(records, r)
	}
	return records, rows.Err()
}

// CountByStatus counts records for an account in the given terminal state.
func (s *Store) CountByStatus(ctx context.Context, accountID string, status history.Status) (int64, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM request_records WHERE account_id = ? AND status = ?`, accountID, string(status))
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
