package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/credpool/credpool-gateway/internal/keypool"
)

// Store implements keypool.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite credential store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create keypool directory: %w", err)
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
CREATE TABLE IF NOT EXISTS credentials (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL DEFAULT '',
	secret TEXT NOT NULL UNIQUE,
	name TEXT,
	status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active','rate_limited','dead','disabled')),
	priority INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	last_used_at TIMESTAMP,
	disabled_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_credentials_owner_status ON credentials(owner_id, status);
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

// Insert persists a new credential row.
func (s *Store) Insert(ctx context.Context, cred keypool.Credential) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO credentials(id, owner_id, secret, name, status, priority, failure_count, last_used_at, disabled_at, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cred.ID,
		cred.OwnerID,
		cred.Secret,
		cred.Name,
		string(cred.Status),
		cred.Priority,
		cred.FailureCount,
		nullableTime(cred.LastUsedAt),
		cred.DisabledAt,
		cred.CreatedAt,
	)
	return err
}

// Delete removes a credential row.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return keypool.ErrNotFound
	}
	return nil
}

// UpdateStatus records a health transition.
func (s *Store) UpdateStatus(ctx context.Context, id string, status keypool.Status, disabledAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE credentials SET status = ?, disabled_at = ? WHERE id = ?`, string(status), disabledAt, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return keypool.ErrNotFound
	}
	return nil
}

// UpdateUsage records last-used ordering and the failure streak.
func (s *Store) UpdateUsage(ctx context.Context, id string, lastUsedAt time.Time, failureCount int) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE credentials SET last_used_at = ?, failure_count = ? WHERE id = ?`, lastUsedAt, failureCount, id)
	return err
}

// List returns every credential row.
func (s *Store) List(ctx context.Context) ([]keypool.Credential, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, owner_id, secret, name, status, priority, failure_count, last_used_at, disabled_at, created_at
FROM credentials
ORDER BY priority ASC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []keypool.Credential
	for rows.Next() {
		var c keypool.Credential
		var status string
		var name sql.NullString
		var lastUsed, disabled sql.NullTime
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Secret, &name, &status, &c.Priority, &c.FailureCount, &lastUsed, &disabled, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Status = keypool.Status(status)
		c.Name = name.String
		if lastUsed.Valid {
			c.LastUsedAt = lastUsed.Time
		}
		if disabled.Valid {
			t := disabled.Time
			c.DisabledAt = &t
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
