package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	// register pgx stdlib driver
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/credpool/credpool-gateway/internal/ledger"
)

// Store implements ledger.Store backed by PostgreSQL. Unlike the SQLite
// store it can rely on row-level locking: Apply re-reads the account row
// FOR UPDATE inside the transaction, so the version guard only trips when a
// writer outside this process raced the read.
type Store struct {
	db *sql.DB
}

// New connects using a pgx stdlib DSN and ensures the schema exists.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
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
	balance NUMERIC(20,6) NOT NULL DEFAULT 0,
	credits BIGINT NOT NULL DEFAULT 0,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	version BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS ledger_entries (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	kind TEXT NOT NULL,
	delta_amount NUMERIC(20,6) NOT NULL DEFAULT 0,
	delta_credits BIGINT NOT NULL DEFAULT 0,
	balance_after NUMERIC(20,6) NOT NULL,
	credits_after BIGINT NOT NULL,
	description TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
	_, err := s.db.ExecContext(ctx, `
INSERT INTO accounts(id, balance, credits, active, version, created_at, updated_at)
VALUES($1, $2, $3, $4, $5, $6, $7)`,
		acct.ID, acct.Balance.String(), acct.Credits, acct.Active, acct.Version, acct.CreatedAt, acct.UpdatedAt)
	if isUniqueViolation(err) {
		return ledger.ErrDuplicateAccount
	}
	return err
}

// GetAccount returns the account row by id.
func (s *Store) GetAccount(ctx context.Context, id string) (ledger.Account, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, balance, credits, active, version, created_at, updated_at
FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

// Apply locks the account row, verifies the version, then writes the update
// and entries in one transaction.
func (s *Store) Apply(ctx context.Context, acct ledger.Account, entries ...ledger.Entry) error {
	if len(entries) == 0 {
		return errors.New("apply requires at least one entry")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var version int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM accounts WHERE id = $1 FOR UPDATE`, acct.ID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrAccountNotFound
	}
	if err != nil {
		return err
	}
	if version != acct.Version-1 {
		return ledger.ErrConflict
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE accounts SET balance = $1, credits = $2, version = $3, updated_at = $4 WHERE id = $5`,
		acct.Balance.String(), acct.Credits, acct.Version, acct.UpdatedAt, acct.ID); err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO ledger_entries(id, account_id, kind, delta_amount, delta_credits, balance_after, credits_after, description, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			e.ID, e.AccountID, string(e.Kind), e.DeltaAmount.String(), e.DeltaCredits,
			e.BalanceAfter.String(), e.CreditsAfter, e.Description, e.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Entries returns a page of entries for an account, newest first.
func (s *Store) Entries(ctx context.Context, accountID string, limit, offset int) ([]ledger.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, account_id, kind, delta_amount, delta_credits, balance_after, credits_after, description, created_at
FROM ledger_entries
WHERE account_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2 OFFSET $3`, accountID, limit, offset)
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

// SumDeltas sums all entry deltas for reconciliation.
func (s *Store) SumDeltas(ctx context.Context, accountID string) (decimal.Decimal, int64, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT COALESCE(SUM(delta_amount), 0)::TEXT, COALESCE(SUM(delta_credits), 0)
FROM ledger_entries WHERE account_id = $1`, accountID)
	var sumStr string
	var credits int64
	if err := row.Scan(&sumStr, &credits); err != nil {
		return decimal.Zero, 0, err
	}
	sum, err := decimal.NewFromString(sumStr)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("parse sum: %w", err)
	}
	return sum, credits, nil
}

// SetActive toggles the account active flag; bumps version so in-flight
// optimistic writers retry against the new state.
func (s *Store) SetActive(ctx context.Context, accountID string, active bool) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE accounts SET active = $1, version = version + 1, updated_at = NOW() WHERE id = $2`,
		active, accountID)
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

func scanAccount(row *sql.Row) (ledger.Account, error) {
	var acct ledger.Account
	var balance string
	if err := row.Scan(&acct.ID, &balance, &acct.Credits, &acct.Active, &acct.Version, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Account{}, ledger.ErrAccountNotFound
		}
		return ledger.Account{}, err
	}
	var err error
	if acct.Balance, err = decimal.NewFromString(balance); err != nil {
		return ledger.Account{}, fmt.Errorf("parse balance: %w", err)
	}
	return acct, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	// pgx surfaces SQLSTATE in the message when not using lib/pq directly
	return strings.Contains(err.Error(), "23505") || strings.Contains(err.Error(), "duplicate key")
}
