package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/shopspring/decimal"

	"github.com/credpool/credpool-gateway/internal/ledger"
)

// Store implements ledger.Store backed by SQLite. Balances are stored as
// decimal strings to avoid float rounding in the currency column.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
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
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	balance TEXT NOT NULL DEFAULT '0',
	credits INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 1,
	version INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS ledger_entries (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	delta_amount TEXT NOT NULL DEFAULT '0',
	delta_credits INTEGER NOT NULL DEFAULT 0,
	balance_after TEXT NOT NULL,
	credits_after INTEGER NOT NULL,
	description TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_account_created ON ledger_entries(account_id, created_at DESC);
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

// CreateAccount inserts a new account row.
func (s *Store) CreateAccount(ctx context.Context, acct ledger.Account) error {
	if acct.ID == "" {
		return errors.New("account id required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO accounts(id, balance, credits, active, version, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?)`,
		acct.ID,
		acct.Balance.String(),
		acct.Credits,
		boolToInt(acct.Active),
		acct.Version,
		acct.CreatedAt,
		acct.UpdatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return ledger.ErrDuplicateAccount
	}
	return err
}

// GetAccount returns the account row by id.
func (s *Store) GetAccount(ctx context.Context, id string) (ledger.Account, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, balance, credits, active, version, created_at, updated_at
FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// Apply updates the account row and appends entries in one transaction.
// The UPDATE is guarded on the previous version so a concurrent writer
// surfaces as ledger.ErrConflict instead of a lost update.
func (s *Store) Apply(ctx context.Context, acct ledger.Account, entries ...ledger.Entry) error {
	if len(entries) == 0 {
		return errors.New("apply requires at least one entry")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
UPDATE accounts SET balance = ?, credits = ?, version = ?, updated_at = ?
WHERE id = ? AND version = ?`,
		acct.Balance.String(),
		acct.Credits,
		acct.Version,
		acct.UpdatedAt,
		acct.ID,
		acct.Version-1,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := s.GetAccount(ctx, acct.ID); errors.Is(err, ledger.ErrAccountNotFound) {
			return ledger.ErrAccountNotFound
		}
		return ledger.ErrConflict
	}

	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO ledger_entries(id, account_id, kind, delta_amount, delta_credits, balance_after, credits_after, description, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID,
			e.AccountID,
			string(e.Kind),
			e.DeltaAmount.String(),
			e.DeltaCredits,
			e.BalanceAfter.String(),
			e.CreditsAfter,
			e.Description,
			e.CreatedAt,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Entries returns a page of entries for an account, newest first.
func (s *Store) Entries(ctx context.Context, accountID string, limit, offset int) ([]ledger.Entry, error) {
	if accountID == "" {
		return nil, errors.New("account id required")
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, account_id, kind, delta_amount, delta_credits, balance_after, credits_after, description, created_at
FROM ledger_entries
WHERE account_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ? OFFSET ?`, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		var kind, deltaAmount, balanceAfter string
		var desc sql.NullString
		if err := rows.Scan(&e.ID, &e.AccountID, &kind, &deltaAmount, &e.DeltaCredits, &balanceAfter, &e.CreditsAfter, &desc, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = ledger.Kind(kind)
		if e.DeltaAmount, err = decimal.NewFromString(deltaAmount); err != nil {
			return nil, fmt.Errorf("parse delta_amount: %w", err)
		}
		if e.BalanceAfter, err = decimal.NewFromString(balanceAfter); err != nil {
			return nil, fmt.Errorf("parse balance_after: %w", err)
		}
		e.Description = desc.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SumDeltas sums all entry deltas for reconciliation. The currency sum is
// computed in Go since the column holds decimal strings.
func (s *Store) SumDeltas(ctx context.Context, accountID string) (decimal.Decimal, int64, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT delta_amount, delta_credits FROM ledger_entries WHERE account_id = ?`, accountID)
	if err != nil {
		return decimal.Zero, 0, err
	}
	defer rows.Close()

	sum := decimal.Zero
	var credits int64
	for rows.Next() {
		var deltaAmount string
		var deltaCredits int64
		if err := rows.Scan(&deltaAmount, &deltaCredits); err != nil {
			return decimal.Zero, 0, err
		}
		d, err := decimal.NewFromString(deltaAmount)
		if err != nil {
			return decimal.Zero, 0, fmt.Errorf("parse delta_amount: %w", err)
		}
		sum = sum.Add(d)
		credits += deltaCredits
	}
	return sum, credits, rows.Err()
}

// SetActive toggles the account active flag; bumps version so in-flight
// optimistic writers retry against the new state.
func (s *Store) SetActive(ctx context.Context, accountID string, active bool) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE accounts SET active = ?, version = version + 1, updated_at = ? WHERE id = ?`,
		boolToInt(active), time.Now().UTC(), accountID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (ledger.Account, error) {
	var acct ledger.Account
	var balance string
	var active int
	if err := row.Scan(&acct.ID, &balance, &acct.Credits, &active, &acct.Version, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Account{}, ledger.ErrAccountNotFound
		}
		return ledger.Account{}, err
	}
	var err error
	if acct.Balance, err = decimal.NewFromString(balance); err != nil {
		return ledger.Account{}, fmt.Errorf("parse balance: %w", err)
	}
	acct.Active = active != 0
	return acct, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	// modernc sqlite surfaces constraint failures in the error string
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
