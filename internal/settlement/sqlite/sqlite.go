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

	"github.com/credpool/credpool-gateway/internal/settlement"
)

// Store implements settlement.Store backed by SQLite. Dedup relies on the
// unique constraints: one row per settlement source ref, one usage row per
// (voucher, account) pair.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite settlement store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create settlement directory: %w", err)
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
CREATE TABLE IF NOT EXISTS settlements (
	source_ref TEXT PRIMARY KEY,
	applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS vouchers (
	id TEXT PRIMARY KEY,
	code TEXT NOT NULL UNIQUE,
	discount_type TEXT NOT NULL CHECK(discount_type IN ('percentage','fixed')),
	value TEXT NOT NULL,
	max_discount TEXT NOT NULL DEFAULT '0',
	min_amount TEXT NOT NULL DEFAULT '0',
	valid_from TIMESTAMP,
	valid_until TIMESTAMP,
	usage_cap INTEGER NOT NULL DEFAULT 0,
	used INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS voucher_usages (
	voucher_id TEXT NOT NULL,
	account_id TEXT NOT NULL,
	discount TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (voucher_id, account_id)
);
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

// MarkApplied claims the settlement source ref; replays fail with
// settlement.ErrDuplicate.
func (s *Store) MarkApplied(ctx context.Context, sourceRef string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO settlements(source_ref) VALUES(?)`, sourceRef)
	if err != nil && isUniqueViolation(err) {
		return settlement.ErrDuplicate
	}
	return err
}

// Unmark releases a claimed source ref. A ref that was never marked is a
// no-op.
func (s *Store) Unmark(ctx context.Context, sourceRef string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM settlements WHERE source_ref = ?`, sourceRef)
	return err
}

// CreateVoucher inserts a new voucher.
func (s *Store) CreateVoucher(ctx context.Context, v settlement.Voucher) error {
	created := v.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO vouchers(id, code, discount_type, value, max_discount, min_amount, valid_from, valid_until, usage_cap, used, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.Code, string(v.DiscountType), v.Value.String(), v.MaxDiscount.String(), v.MinAmount.String(),
		nullableTime(v.ValidFrom), nullableTime(v.ValidUntil), v.UsageCap, v.Used, created)
	if err != nil && isUniqueViolation(err) {
		return settlement.ErrDuplicate
	}
	return err
}

// GetVoucher resolves a voucher by code.
func (s *Store) GetVoucher(ctx context.Context, code string) (settlement.Voucher, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, code, discount_type, value, max_discount, min_amount, valid_from, valid_until, usage_cap, used, created_at
FROM vouchers WHERE code = ?`, code)

	var v settlement.Voucher
	var discountType, value, maxDiscount, minAmount string
	var validFrom, validUntil sql.NullTime
	if err := row.Scan(&v.ID, &v.Code, &discountType, &value, &maxDiscount, &minAmount, &validFrom, &validUntil, &v.UsageCap, &v.Used, &v.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return settlement.Voucher{}, settlement.ErrVoucherNotFound
		}
		return settlement.Voucher{}, err
	}
	v.DiscountType = settlement.DiscountType(discountType)
	var err error
	if v.Value, err = decimal.NewFromString(value); err != nil {
		return settlement.Voucher{}, fmt.Errorf("parse value: %w", err)
	}
	if v.MaxDiscount, err = decimal.NewFromString(maxDiscount); err != nil {
		return settlement.Voucher{}, fmt.Errorf("parse max_discount: %w", err)
	}
	if v.MinAmount, err = decimal.NewFromString(minAmount); err != nil {
		return settlement.Voucher{}, fmt.Errorf("parse min_amount: %w", err)
	}
	if validFrom.Valid {
		v.ValidFrom = validFrom.Time
	}
	if validUntil.Valid {
		v.ValidUntil = validUntil.Time
	}
	return v, nil
}

// RecordVoucherUsage writes the one-time usage row and bumps the voucher's
// use count in the same transaction, keeping the count equal to the number
// of usage rows.
func (s *Store) RecordVoucherUsage(ctx context.Context, voucherID, accountID string, discount decimal.Decimal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO voucher_usages(voucher_id, account_id, discount) VALUES(?, ?, ?)`,
		voucherID, accountID, discount.String()); err != nil {
		if isUniqueViolation(err) {
			return settlement.ErrDuplicate
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE vouchers SET used = used + 1 WHERE id = ?`, voucherID); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteVoucherUsage removes a usage row and decrements the voucher's use
// count in the same transaction. Deleting a usage that does not exist leaves
// the count untouched.
func (s *Store) DeleteVoucherUsage(ctx context.Context, voucherID, accountID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
DELETE FROM voucher_usages WHERE voucher_id = ? AND account_id = ?`, voucherID, accountID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE vouchers SET used = used - 1 WHERE id = ? AND used > 0`, voucherID); err != nil {
		return err
	}
	return tx.Commit()
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
