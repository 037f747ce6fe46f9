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

	"github.com/credpool/credpool-gateway/internal/keypool"
	"github.com/credpool/credpool-gateway/internal/sessionstore"
)

// Store implements sessionstore.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite session store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
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
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	mode TEXT NOT NULL CHECK(mode IN ('premium','free_pool','free_user_key')),
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	prompt TEXT,
	answer_mode TEXT,
	active INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_sessions_account ON sessions(account_id);
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

// GetSessionPolicy implements sessionstore.Directory.
func (s *Store) GetSessionPolicy(ctx context.Context, sessionID string) (sessionstore.Policy, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT session_id, account_id, mode, provider, model, prompt, answer_mode, active, created_at
FROM sessions WHERE session_id = ?`, sessionID)

	var p sessionstore.Policy
	var mode string
	var prompt, answerMode sql.NullString
	var active int
	if err := row.Scan(&p.SessionID, &p.AccountID, &mode, &p.Provider, &p.Model, &prompt, &answerMode, &active, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sessionstore.Policy{}, sessionstore.ErrSessionNotFound
		}
		return sessionstore.Policy{}, err
	}
	p.Mode = keypool.Mode(mode)
	p.Prompt = prompt.String
	p.AnswerMode = answerMode.String
	p.Active = active != 0
	if !p.Active {
		return sessionstore.Policy{}, sessionstore.ErrNoActiveSession
	}
	return p, nil
}

// PutSessionPolicy implements sessionstore.Store.
func (s *Store) PutSessionPolicy(ctx context.Context, p sessionstore.Policy) error {
	if p.SessionID == "" {
		return errors.New("sessionstore: session id required")
	}
	if !keypool.ValidMode(p.Mode) {
		return fmt.Errorf("sessionstore: invalid mode %q", p.Mode)
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(session_id, account_id, mode, provider, model, prompt, answer_mode, active, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	account_id = excluded.account_id,
	mode = excluded.mode,
	provider = excluded.provider,
	model = excluded.model,
	prompt = excluded.prompt,
	answer_mode = excluded.answer_mode,
	active = excluded.active`,
		p.SessionID, p.AccountID, string(p.Mode), p.Provider, p.Model, p.Prompt, p.AnswerMode, boolToInt(p.Active), created)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
