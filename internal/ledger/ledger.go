package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind classifies a ledger entry. Every balance or credit mutation carries
// exactly one kind; admin kinds are the only ones allowed to drive a value
// negative.
type Kind string

const (
	KindWelcomeBonus       Kind = "welcome_bonus"
	KindBalanceTopup       Kind = "balance_topup"
	KindBalanceDeduct      Kind = "balance_deduct"
	KindBalanceBonus       Kind = "balance_bonus"
	KindCreditTopup        Kind = "credit_topup"
	KindCreditDeduct       Kind = "credit_deduct"
	KindCreditBonus        Kind = "credit_bonus"
	KindAdminBalanceAdd    Kind = "admin_balance_add"
	KindAdminBalanceDeduct Kind = "admin_balance_deduct"
	KindAdminCreditAdd     Kind = "admin_credit_add"
	KindAdminCreditDeduct  Kind = "admin_credit_deduct"
	KindExchangeIn         Kind = "exchange_in"
	KindExchangeOut        Kind = "exchange_out"
)

// Admin reports whether entries of this kind may leave the account negative.
func (k Kind) Admin() bool {
	switch k {
	case KindAdminBalanceAdd, KindAdminBalanceDeduct, KindAdminCreditAdd, KindAdminCreditDeduct:
		return true
	}
	return false
}

func validKind(k Kind) bool {
	switch k {
	case KindWelcomeBonus, KindBalanceTopup, KindBalanceDeduct, KindBalanceBonus,
		KindCreditTopup, KindCreditDeduct, KindCreditBonus,
		KindAdminBalanceAdd, KindAdminBalanceDeduct, KindAdminCreditAdd, KindAdminCreditDeduct,
		KindExchangeIn, KindExchangeOut:
		return true
	}
	return false
}

// Account is a funding identity: a fixed-point currency balance plus a
// consumable credit count. Accounts are only ever mutated through the Ledger.
type Account struct {
	ID        string          `json:"id"`
	Balance   decimal.Decimal `json:"balance"`
	Credits   int64           `json:"credits"`
	Active    bool            `json:"active"`
	Version   int64           `json:"-"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Entry is one immutable row of the append-only ledger. BalanceAfter and
// CreditsAfter snapshot the account at write time so history can be audited
// without replaying every entry.
type Entry struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	Kind         Kind            `json:"kind"`
	DeltaAmount  decimal.Decimal `json:"delta_amount"`
	DeltaCredits int64           `json:"delta_credits"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	CreditsAfter int64           `json:"credits_after"`
	Description  string          `json:"description"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Sentinel errors.
var (
	ErrAccountNotFound   = errors.New("ledger: account not found")
	ErrInvalidAmount     = errors.New("ledger: invalid amount")
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrRateNotConfigured = errors.New("ledger: exchange rate not configured")
	ErrConflict          = errors.New("ledger: write conflict")
	ErrDuplicateAccount  = errors.New("ledger: account already exists")
)

// Store defines persistence behaviour for accounts and ledger entries.
// Apply must persist the updated account and append the given entries as a
// single all-or-nothing unit, and must fail with ErrConflict when the account
// row changed since it was read (version mismatch).
type Store interface {
	CreateAccount(ctx context.Context, acct Account) error
	GetAccount(ctx context.Context, id string) (Account, error)
	Apply(ctx context.Context, acct Account, entries ...Entry) error
	Entries(ctx context.Context, accountID string, limit, offset int) ([]Entry, error)
	SumDeltas(ctx context.Context, accountID string) (decimal.Decimal, int64, error)
	SetActive(ctx context.Context, accountID string, active bool) error
	Close() error
}

// maxConflictRetries bounds optimistic retries on version conflicts before a
// mutation is surfaced as a transient failure.
const maxConflictRetries = 3

// Ledger serializes all mutations per account and guarantees that every
// mutation updates the live account row and appends matching entries
// atomically. Different accounts never contend with each other.
type Ledger struct {
	store Store

	// currency units per credit; zero means exchange is disabled
	rate decimal.Decimal

	welcomeBonus decimal.Decimal

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	logger *log.Logger
}

// New creates a Ledger on top of the given store.
func New(store Store) *Ledger {
	return &Ledger{
		store:  store,
		locks:  make(map[string]*sync.Mutex),
		logger: log.New(log.Writer(), "[ledger] ", log.LstdFlags|log.Lmicroseconds),
	}
}

// SetLogger overrides the default logger; nil keeps the current logger.
func (l *Ledger) SetLogger(logger *log.Logger) {
	if logger != nil {
		l.logger = logger
	}
}

// SetExchangeRate configures how many currency units buy one credit.
func (l *Ledger) SetExchangeRate(rate decimal.Decimal) {
	l.rate = rate
}

// SetWelcomeBonus configures the balance granted on first account creation.
func (l *Ledger) SetWelcomeBonus(amount decimal.Decimal) {
	l.welcomeBonus = amount
}

func (l *Ledger) logf(format string, args ...any) {
	if l.logger != nil {
		l.logger.Printf(format, args...)
	}
}

// accountLock returns the serialization point for the given account.
func (l *Ledger) accountLock(accountID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.locks[accountID]; !ok {
		l.locks[accountID] = &sync.Mutex{}
	}
	return l.locks[accountID]
}

// EnsureAccount creates the account if it does not exist yet, applying the
// configured welcome bonus. Existing accounts are returned unchanged.
func (l *Ledger) EnsureAccount(ctx context.Context, accountID string) (Account, error) {
	if accountID == "" {
		return Account{}, ErrAccountNotFound
	}
	lock := l.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	if acct, err := l.store.GetAccount(ctx, accountID); err == nil {
		return acct, nil
	} else if !errors.Is(err, ErrAccountNotFound) {
		return Account{}, err
	}

	now := time.Now().UTC()
	acct := Account{
		ID:        accountID,
		Balance:   decimal.Zero,
		Active:    true,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.store.CreateAccount(ctx, acct); err != nil {
		if errors.Is(err, ErrDuplicateAccount) {
			return l.store.GetAccount(ctx, accountID)
		}
		return Account{}, err
	}
	l.logf("account created id=%s", accountID)

	if l.welcomeBonus.IsPositive() {
		acct, _, err := l.adjustLocked(ctx, accountID, l.welcomeBonus, 0, KindWelcomeBonus, "welcome bonus")
		if err != nil {
			return Account{}, err
		}
		return acct, nil
	}
	return acct, nil
}

// AdjustBalance applies a currency delta and appends exactly one entry.
// Non-admin kinds must not leave the balance negative.
func (l *Ledger) AdjustBalance(ctx context.Context, accountID string, delta decimal.Decimal, kind Kind, description string) (Account, Entry, error) {
	if delta.IsZero() {
		return Account{}, Entry{}, ErrInvalidAmount
	}
	if !validKind(kind) {
		return Account{}, Entry{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidAmount, kind)
	}
	lock := l.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()
	return l.adjustLocked(ctx, accountID, delta, 0, kind, description)
}

// AdjustCredits applies a credit delta and appends exactly one entry.
// Non-admin kinds must not leave the credit count negative.
func (l *Ledger) AdjustCredits(ctx context.Context, accountID string, delta int64, kind Kind, description string) (Account, Entry, error) {
	if delta == 0 {
		return Account{}, Entry{}, ErrInvalidAmount
	}
	if !validKind(kind) {
		return Account{}, Entry{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidAmount, kind)
	}
	lock := l.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()
	return l.adjustLocked(ctx, accountID, decimal.Zero, delta, kind, description)
}

// adjustLocked performs a single mutation under the account lock with bounded
// optimistic retries on store-level conflicts.
func (l *Ledger) adjustLocked(ctx context.Context, accountID string, deltaAmount decimal.Decimal, deltaCredits int64, kind Kind, description string) (Account, Entry, error) {
	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		acct, err := l.store.GetAccount(ctx, accountID)
		if err != nil {
			return Account{}, Entry{}, err
		}
		newBalance := acct.Balance.Add(deltaAmount)
		newCredits := acct.Credits + deltaCredits
		if !kind.Admin() {
			if newBalance.IsNegative() || newCredits < 0 {
				return Account{}, Entry{}, ErrInsufficientFunds
			}
		}
		now := time.Now().UTC()
		entry := Entry{
			ID:           uuid.NewString(),
			AccountID:    accountID,
			Kind:         kind,
			DeltaAmount:  deltaAmount,
			DeltaCredits: deltaCredits,
			BalanceAfter: newBalance,
			CreditsAfter: newCredits,
			Description:  description,
			CreatedAt:    now,
		}
		updated := acct
		updated.Balance = newBalance
		updated.Credits = newCredits
		updated.Version = acct.Version + 1
		updated.UpdatedAt = now
		if err := l.store.Apply(ctx, updated, entry); err != nil {
			if errors.Is(err, ErrConflict) {
				lastErr = err
				continue
			}
			return Account{}, Entry{}, err
		}
		l.logf("entry applied account=%s kind=%s delta_amount=%s delta_credits=%d balance=%s credits=%d",
			accountID, kind, deltaAmount.String(), deltaCredits, newBalance.String(), newCredits)
		return updated, entry, nil
	}
	return Account{}, Entry{}, fmt.Errorf("ledger: adjust account %s: %w", accountID, lastErr)
}

// Exchange converts balance into credits at the configured rate. The two
// sides are written as a paired exchange_out/exchange_in within one
// transaction so they always net to the rate.
func (l *Ledger) Exchange(ctx context.Context, accountID string, amount decimal.Decimal) (int64, Account, error) {
	if amount.IsZero() || amount.IsNegative() {
		return 0, Account{}, ErrInvalidAmount
	}
	if l.rate.IsZero() || l.rate.IsNegative() {
		return 0, Account{}, ErrRateNotConfigured
	}
	lock := l.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		acct, err := l.store.GetAccount(ctx, accountID)
		if err != nil {
			return 0, Account{}, err
		}
		if acct.Balance.LessThan(amount) {
			return 0, Account{}, ErrInsufficientFunds
		}
		credits := amount.Div(l.rate).IntPart()
		if credits <= 0 {
			return 0, Account{}, fmt.Errorf("%w: %s buys no credits at rate %s", ErrInvalidAmount, amount.String(), l.rate.String())
		}
		now := time.Now().UTC()
		newBalance := acct.Balance.Sub(amount)
		newCredits := acct.Credits + credits
		desc := fmt.Sprintf("exchange %s for %d credits", amount.String(), credits)
		out := Entry{
			ID:           uuid.NewString(),
			AccountID:    accountID,
			Kind:         KindExchangeOut,
			DeltaAmount:  amount.Neg(),
			BalanceAfter: newBalance,
			CreditsAfter: acct.Credits,
			Description:  desc,
			CreatedAt:    now,
		}
		in := Entry{
			ID:           uuid.NewString(),
			AccountID:    accountID,
			Kind:         KindExchangeIn,
			DeltaCredits: credits,
			BalanceAfter: newBalance,
			CreditsAfter: newCredits,
			Description:  desc,
			CreatedAt:    now,
		}
		updated := acct
		updated.Balance = newBalance
		updated.Credits = newCredits
		updated.Version = acct.Version + 1
		updated.UpdatedAt = now
		if err := l.store.Apply(ctx, updated, out, in); err != nil {
			if errors.Is(err, ErrConflict) {
				lastErr = err
				continue
			}
			return 0, Account{}, err
		}
		l.logf("exchange account=%s amount=%s credits=%d", accountID, amount.String(), credits)
		return credits, updated, nil
	}
	return 0, Account{}, fmt.Errorf("ledger: exchange account %s: %w", accountID, lastErr)
}

// AdminDirection selects the sign of an admin override.
type AdminDirection string

const (
	AdminAdd    AdminDirection = "add"
	AdminDeduct AdminDirection = "deduct"
)

// AdminAdjustBalance applies an admin balance override. The result may go
// negative; wentNegative flags that so callers surface it as a warning.
func (l *Ledger) AdminAdjustBalance(ctx context.Context, accountID string, amount decimal.Decimal, direction AdminDirection, reason string) (acct Account, entry Entry, wentNegative bool, err error) {
	if amount.IsZero() || amount.IsNegative() {
		return Account{}, Entry{}, false, ErrInvalidAmount
	}
	kind := KindAdminBalanceAdd
	delta := amount
	if direction == AdminDeduct {
		kind = KindAdminBalanceDeduct
		delta = amount.Neg()
	}
	acct, entry, err = l.AdjustBalance(ctx, accountID, delta, kind, reason)
	if err != nil {
		return Account{}, Entry{}, false, err
	}
	return acct, entry, acct.Balance.IsNegative(), nil
}

// AdminAdjustCredits applies an admin credit override; same negative-result
// semantics as AdminAdjustBalance.
func (l *Ledger) AdminAdjustCredits(ctx context.Context, accountID string, amount int64, direction AdminDirection, reason string) (acct Account, entry Entry, wentNegative bool, err error) {
	if amount <= 0 {
		return Account{}, Entry{}, false, ErrInvalidAmount
	}
	kind := KindAdminCreditAdd
	delta := amount
	if direction == AdminDeduct {
		kind = KindAdminCreditDeduct
		delta = -amount
	}
	acct, entry, err = l.AdjustCredits(ctx, accountID, delta, kind, reason)
	if err != nil {
		return Account{}, Entry{}, false, err
	}
	return acct, entry, acct.Credits < 0, nil
}

// GetAccount returns the live account row.
func (l *Ledger) GetAccount(ctx context.Context, accountID string) (Account, error) {
	return l.store.GetAccount(ctx, accountID)
}

// SetAccountActive suspends or reactivates an account. Suspension blocks
// gateway requests but leaves balances and history readable.
func (l *Ledger) SetAccountActive(ctx context.Context, accountID string, active bool) error {
	lock := l.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()
	if err := l.store.SetActive(ctx, accountID, active); err != nil {
		return err
	}
	l.logf("account active=%t id=%s", active, accountID)
	return nil
}

// History returns a page of entries, newest first.
func (l *Ledger) History(ctx context.Context, accountID string, limit, offset int) ([]Entry, error) {
	return l.store.Entries(ctx, accountID, limit, offset)
}

// Reconcile verifies that the live balance and credit count equal the sum of
// all entry deltas for the account.
func (l *Ledger) Reconcile(ctx context.Context, accountID string) error {
	lock := l.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	sumAmount, sumCredits, err := l.store.SumDeltas(ctx, accountID)
	if err != nil {
		return err
	}
	if !acct.Balance.Equal(sumAmount) {
		return fmt.Errorf("ledger: account %s balance %s != entry sum %s", accountID, acct.Balance.String(), sumAmount.String())
	}
	if acct.Credits != sumCredits {
		return fmt.Errorf("ledger: account %s credits %d != entry sum %d", accountID, acct.Credits, sumCredits)
	}
	return nil
}
