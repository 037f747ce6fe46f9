package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/credpool/credpool-gateway/internal/ledger"
)

// DiscountType selects how a voucher's value is interpreted.
type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

// Voucher is a bonus policy redeemed at most once per account.
type Voucher struct {
	ID           string          `json:"id"`
	Code         string          `json:"code"`
	DiscountType DiscountType    `json:"discount_type"`
	// Value is a percentage (0-100) for percentage vouchers, a currency
	// amount for fixed ones.
	Value       decimal.Decimal `json:"value"`
	MaxDiscount decimal.Decimal `json:"max_discount"` // zero = uncapped
	MinAmount   decimal.Decimal `json:"min_amount"`
	ValidFrom   time.Time       `json:"valid_from"`
	ValidUntil  time.Time       `json:"valid_until"`
	UsageCap    int64           `json:"usage_cap"` // zero = unlimited
	Used        int64           `json:"used"`
	CreatedAt   time.Time       `json:"created_at"`
}

// DepositKind selects which side of the account a deposit lands on.
type DepositKind string

const (
	DepositBalance DepositKind = "balance"
	DepositCredit  DepositKind = "credit"
)

// Deposit is one confirmed settlement event. SourceRef is the external
// settlement id and is the idempotency key: the same ref applied twice
// credits the account once.
type Deposit struct {
	SourceRef string          `json:"source_ref"`
	AccountID string          `json:"account_id"`
	Kind      DepositKind     `json:"kind"`
	Amount    decimal.Decimal `json:"amount"`
	Credits   int64           `json:"credits"`
	Memo      string          `json:"memo,omitempty"`
}

// Sentinel errors.
var (
	ErrDuplicate        = errors.New("settlement: already applied")
	ErrVoucherNotFound  = errors.New("settlement: voucher not found")
	ErrVoucherExpired   = errors.New("settlement: voucher outside validity window")
	ErrVoucherExhausted = errors.New("settlement: voucher usage cap reached")
	ErrBelowMinAmount   = errors.New("settlement: amount below voucher minimum")
	ErrInvalidDeposit   = errors.New("settlement: invalid deposit")
)

// Store persists settlement dedup state and vouchers. MarkApplied and
// RecordVoucherUsage must enforce uniqueness (on source ref, and on the
// (voucher, account) pair) and fail with ErrDuplicate on replays.
type Store interface {
	MarkApplied(ctx context.Context, sourceRef string) error
	// Unmark releases a claimed source ref so the deposit can be retried
	// after a failed ledger write.
	Unmark(ctx context.Context, sourceRef string) error
	CreateVoucher(ctx context.Context, v Voucher) error
	GetVoucher(ctx context.Context, code string) (Voucher, error)
	RecordVoucherUsage(ctx context.Context, voucherID, accountID string, discount decimal.Decimal) error
	// DeleteVoucherUsage undoes RecordVoucherUsage, usage counter included.
	DeleteVoucherUsage(ctx context.Context, voucherID, accountID string) error
	Close() error
}

// ComputeDiscount evaluates the voucher policy against a purchase amount.
func ComputeDiscount(v Voucher, amount decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	if !v.ValidFrom.IsZero() && now.Before(v.ValidFrom) {
		return decimal.Zero, ErrVoucherExpired
	}
	if !v.ValidUntil.IsZero() && now.After(v.ValidUntil) {
		return decimal.Zero, ErrVoucherExpired
	}
	if v.UsageCap > 0 && v.Used >= v.UsageCap {
		return decimal.Zero, ErrVoucherExhausted
	}
	if v.MinAmount.IsPositive() && amount.LessThan(v.MinAmount) {
		return decimal.Zero, ErrBelowMinAmount
	}

	var discount decimal.Decimal
	switch v.DiscountType {
	case DiscountPercentage:
		discount = amount.Mul(v.Value).Div(decimal.NewFromInt(100))
	case DiscountFixed:
		discount = v.Value
	default:
		return decimal.Zero, fmt.Errorf("settlement: unknown discount type %q", v.DiscountType)
	}
	if v.MaxDiscount.IsPositive() && discount.GreaterThan(v.MaxDiscount) {
		discount = v.MaxDiscount
	}
	if discount.GreaterThan(amount) {
		discount = amount
	}
	return discount, nil
}

// Processor is the single settlement write path into the Ledger. Both the
// Kafka feed and the HTTP redeem endpoint go through it; nothing else writes
// deposit entries.
type Processor struct {
	ledger *ledger.Ledger
	store  Store
	logger *log.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(l *ledger.Ledger, store Store) *Processor {
	return &Processor{
		ledger: l,
		store:  store,
		logger: log.New(log.Writer(), "[settlement] ", log.LstdFlags|log.Lmicroseconds),
	}
}

// SetLogger overrides the default logger; nil keeps the current logger.
func (p *Processor) SetLogger(logger *log.Logger) {
	if logger != nil {
		p.logger = logger
	}
}

// Apply credits one confirmed deposit. Returns applied=false without error
// when the source ref was already settled (duplicate delivery).
func (p *Processor) Apply(ctx context.Context, d Deposit) (applied bool, err error) {
	if d.SourceRef == "" || d.AccountID == "" {
		return false, ErrInvalidDeposit
	}
	switch d.Kind {
	case DepositBalance:
		if !d.Amount.IsPositive() {
			return false, fmt.Errorf("%w: non-positive amount", ErrInvalidDeposit)
		}
	case DepositCredit:
		if d.Credits <= 0 {
			return false, fmt.Errorf("%w: non-positive credits", ErrInvalidDeposit)
		}
	default:
		return false, fmt.Errorf("%w: unknown kind %q", ErrInvalidDeposit, d.Kind)
	}

	// The dedup row is claimed first; the unique constraint is what makes
	// duplicate delivery safe across processes.
	if err := p.store.MarkApplied(ctx, d.SourceRef); err != nil {
		if errors.Is(err, ErrDuplicate) {
			p.logger.Printf("deposit skipped (duplicate) source_ref=%s account=%s", d.SourceRef, d.AccountID)
			return false, nil
		}
		return false, err
	}

	memo := d.Memo
	if memo == "" {
		memo = "settlement " + d.SourceRef
	}
	if _, err := p.ledger.EnsureAccount(ctx, d.AccountID); err != nil {
		p.unmark(ctx, d.SourceRef)
		return false, err
	}
	switch d.Kind {
	case DepositBalance:
		_, _, err = p.ledger.AdjustBalance(ctx, d.AccountID, d.Amount, ledger.KindBalanceTopup, memo)
	case DepositCredit:
		_, _, err = p.ledger.AdjustCredits(ctx, d.AccountID, d.Credits, ledger.KindCreditTopup, memo)
	}
	if err != nil {
		// Release the dedup claim, otherwise a redelivery would be
		// swallowed as a duplicate and the deposit lost.
		p.unmark(ctx, d.SourceRef)
		return false, fmt.Errorf("settlement: apply deposit %s: %w", d.SourceRef, err)
	}
	p.logger.Printf("deposit applied source_ref=%s account=%s kind=%s amount=%s credits=%d",
		d.SourceRef, d.AccountID, d.Kind, d.Amount.String(), d.Credits)
	return true, nil
}

// CreateVoucher validates and registers a voucher policy.
func (p *Processor) CreateVoucher(ctx context.Context, v Voucher) (Voucher, error) {
	v.Code = strings.TrimSpace(v.Code)
	if v.Code == "" {
		return Voucher{}, errors.New("settlement: voucher code required")
	}
	switch v.DiscountType {
	case DiscountPercentage:
		if !v.Value.IsPositive() || v.Value.GreaterThan(decimal.NewFromInt(100)) {
			return Voucher{}, errors.New("settlement: percentage value must be in (0, 100]")
		}
	case DiscountFixed:
		if !v.Value.IsPositive() {
			return Voucher{}, errors.New("settlement: fixed value must be positive")
		}
	default:
		return Voucher{}, fmt.Errorf("settlement: unknown discount type %q", v.DiscountType)
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	v.Used = 0
	if err := p.store.CreateVoucher(ctx, v); err != nil {
		return Voucher{}, err
	}
	p.logger.Printf("voucher created code=%s type=%s value=%s", v.Code, v.DiscountType, v.Value.String())
	return v, nil
}

// Redeem applies a voucher bonus for a purchase of the given amount. At most
// one usage per (voucher, account); the bonus lands as balance_bonus.
func (p *Processor) Redeem(ctx context.Context, code, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	v, err := p.store.GetVoucher(ctx, code)
	if err != nil {
		return decimal.Zero, err
	}
	discount, err := ComputeDiscount(v, amount, time.Now().UTC())
	if err != nil {
		return decimal.Zero, err
	}
	if err := p.store.RecordVoucherUsage(ctx, v.ID, accountID, discount); err != nil {
		return decimal.Zero, err
	}
	if _, err := p.ledger.EnsureAccount(ctx, accountID); err != nil {
		p.unuse(ctx, v.ID, accountID)
		return decimal.Zero, err
	}
	if _, _, err := p.ledger.AdjustBalance(ctx, accountID, discount, ledger.KindBalanceBonus,
		fmt.Sprintf("voucher %s", v.Code)); err != nil {
		// Drop the usage row so a retry is not locked out of the bonus.
		p.unuse(ctx, v.ID, accountID)
		return decimal.Zero, fmt.Errorf("settlement: redeem voucher %s: %w", v.Code, err)
	}
	p.logger.Printf("voucher redeemed code=%s account=%s discount=%s", v.Code, accountID, discount.String())
	return discount, nil
}

// unmark and unuse roll back a dedup claim after a failed ledger write. A
// failure here is logged only; the caller's error already forces a retry and
// the stuck row needs operator attention either way.
func (p *Processor) unmark(ctx context.Context, sourceRef string) {
	if err := p.store.Unmark(ctx, sourceRef); err != nil {
		p.logger.Printf("unmark failed source_ref=%s err=%v", sourceRef, err)
	}
}

func (p *Processor) unuse(ctx context.Context, voucherID, accountID string) {
	if err := p.store.DeleteVoucherUsage(ctx, voucherID, accountID); err != nil {
		p.logger.Printf("voucher usage rollback failed voucher=%s account=%s err=%v", voucherID, accountID, err)
	}
}
