package settlement_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/credpool/credpool-gateway/internal/ledger"
	"github.com/credpool/credpool-gateway/internal/ledger/memory"
	"github.com/credpool/credpool-gateway/internal/settlement"
)

// memStore keeps dedup state and vouchers in maps, enforcing the same
// uniqueness rules the sqlite store gets from its constraints.
type memStore struct {
	mu       sync.Mutex
	applied  map[string]bool
	vouchers map[string]settlement.Voucher // by code
	usages   map[string]bool               // voucherID|accountID
}

func newMemStore() *memStore {
	return &memStore{
		applied:  make(map[string]bool),
		vouchers: make(map[string]settlement.Voucher),
		usages:   make(map[string]bool),
	}
}

func (m *memStore) MarkApplied(ctx context.Context, sourceRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applied[sourceRef] {
		return settlement.ErrDuplicate
	}
	m.applied[sourceRef] = true
	return nil
}

func (m *memStore) Unmark(ctx context.Context, sourceRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.applied, sourceRef)
	return nil
}

func (m *memStore) CreateVoucher(ctx context.Context, v settlement.Voucher) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vouchers[v.Code]; ok {
		return settlement.ErrDuplicate
	}
	m.vouchers[v.Code] = v
	return nil
}

func (m *memStore) GetVoucher(ctx context.Context, code string) (settlement.Voucher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vouchers[code]
	if !ok {
		return settlement.Voucher{}, settlement.ErrVoucherNotFound
	}
	return v, nil
}

func (m *memStore) RecordVoucherUsage(ctx context.Context, voucherID, accountID string, discount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := voucherID + "|" + accountID
	if m.usages[key] {
		return settlement.ErrDuplicate
	}
	m.usages[key] = true
	for code, v := range m.vouchers {
		if v.ID == voucherID {
			v.Used++
			m.vouchers[code] = v
		}
	}
	return nil
}

func (m *memStore) DeleteVoucherUsage(ctx context.Context, voucherID, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := voucherID + "|" + accountID
	if !m.usages[key] {
		return nil
	}
	delete(m.usages, key)
	for code, v := range m.vouchers {
		if v.ID == voucherID && v.Used > 0 {
			v.Used--
			m.vouchers[code] = v
		}
	}
	return nil
}

func (m *memStore) Close() error { return nil }

// flakyLedgerStore fails the first N ledger writes, standing in for a
// transient storage outage.
type flakyLedgerStore struct {
	ledger.Store
	failures int
}

func (f *flakyLedgerStore) Apply(ctx context.Context, acct ledger.Account, entries ...ledger.Entry) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("disk full")
	}
	return f.Store.Apply(ctx, acct, entries...)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestComputeDiscount(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("percentage with cap", func(t *testing.T) {
		v := settlement.Voucher{
			DiscountType: settlement.DiscountPercentage,
			Value:        decimal.NewFromInt(10),
			MaxDiscount:  dec("5000"),
		}
		got, err := settlement.ComputeDiscount(v, dec("100000"), now)
		require.NoError(t, err)
		assert.True(t, got.Equal(dec("5000")), "discount %s", got)

		got, err = settlement.ComputeDiscount(v, dec("200"), now)
		require.NoError(t, err)
		assert.True(t, got.Equal(dec("20")), "discount %s", got)
	})

	t.Run("fixed never exceeds amount", func(t *testing.T) {
		v := settlement.Voucher{
			DiscountType: settlement.DiscountFixed,
			Value:        dec("50"),
		}
		got, err := settlement.ComputeDiscount(v, dec("30"), now)
		require.NoError(t, err)
		assert.True(t, got.Equal(dec("30")), "discount %s", got)
	})

	t.Run("minimum amount", func(t *testing.T) {
		v := settlement.Voucher{
			DiscountType: settlement.DiscountFixed,
			Value:        dec("5"),
			MinAmount:    dec("100"),
		}
		_, err := settlement.ComputeDiscount(v, dec("99"), now)
		assert.ErrorIs(t, err, settlement.ErrBelowMinAmount)
	})

	t.Run("validity window", func(t *testing.T) {
		v := settlement.Voucher{
			DiscountType: settlement.DiscountFixed,
			Value:        dec("5"),
			ValidFrom:    now.Add(time.Hour),
		}
		_, err := settlement.ComputeDiscount(v, dec("100"), now)
		assert.ErrorIs(t, err, settlement.ErrVoucherExpired)

		v.ValidFrom = time.Time{}
		v.ValidUntil = now.Add(-time.Hour)
		_, err = settlement.ComputeDiscount(v, dec("100"), now)
		assert.ErrorIs(t, err, settlement.ErrVoucherExpired)
	})

	t.Run("usage cap", func(t *testing.T) {
		v := settlement.Voucher{
			DiscountType: settlement.DiscountFixed,
			Value:        dec("5"),
			UsageCap:     3,
			Used:         3,
		}
		_, err := settlement.ComputeDiscount(v, dec("100"), now)
		assert.ErrorIs(t, err, settlement.ErrVoucherExhausted)
	})
}

func TestApplyDedupesOnSourceRef(t *testing.T) {
	led := ledger.New(memory.New())
	proc := settlement.NewProcessor(led, newMemStore())
	ctx := context.Background()

	d := settlement.Deposit{
		SourceRef: "pay-123",
		AccountID: "alice",
		Kind:      settlement.DepositBalance,
		Amount:    dec("100"),
	}
	applied, err := proc.Apply(ctx, d)
	require.NoError(t, err)
	assert.True(t, applied)

	// Redelivery of the same settlement id is a silent no-op.
	applied, err = proc.Apply(ctx, d)
	require.NoError(t, err)
	assert.False(t, applied)

	acct, err := led.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(dec("100")), "balance %s", acct.Balance)
}

func TestApplyCreditDeposit(t *testing.T) {
	led := ledger.New(memory.New())
	proc := settlement.NewProcessor(led, newMemStore())
	ctx := context.Background()

	applied, err := proc.Apply(ctx, settlement.Deposit{
		SourceRef: "pay-9",
		AccountID: "bob",
		Kind:      settlement.DepositCredit,
		Credits:   25,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	acct, err := led.GetAccount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(25), acct.Credits)
}

func TestApplyRejectsInvalidDeposits(t *testing.T) {
	proc := settlement.NewProcessor(ledger.New(memory.New()), newMemStore())
	ctx := context.Background()

	cases := []settlement.Deposit{
		{AccountID: "a", Kind: settlement.DepositBalance, Amount: dec("1")},
		{SourceRef: "r", Kind: settlement.DepositBalance, Amount: dec("1")},
		{SourceRef: "r", AccountID: "a", Kind: settlement.DepositBalance},
		{SourceRef: "r", AccountID: "a", Kind: settlement.DepositCredit},
		{SourceRef: "r", AccountID: "a", Kind: "mystery", Amount: dec("1")},
	}
	for i, d := range cases {
		_, err := proc.Apply(ctx, d)
		assert.ErrorIs(t, err, settlement.ErrInvalidDeposit, "case %d", i)
	}
}

func TestApplyRetriesAfterLedgerFailure(t *testing.T) {
	flaky := &flakyLedgerStore{Store: memory.New(), failures: 1}
	led := ledger.New(flaky)
	proc := settlement.NewProcessor(led, newMemStore())
	ctx := context.Background()

	d := settlement.Deposit{
		SourceRef: "pay-77",
		AccountID: "alice",
		Kind:      settlement.DepositBalance,
		Amount:    dec("250"),
	}
	_, err := proc.Apply(ctx, d)
	require.Error(t, err)

	// The failed attempt must not hold the dedup claim: redelivery of the
	// same settlement id still lands the money.
	applied, err := proc.Apply(ctx, d)
	require.NoError(t, err)
	assert.True(t, applied)

	acct, err := led.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(dec("250")), "balance %s", acct.Balance)

	// And once applied, further deliveries dedupe as usual.
	applied, err = proc.Apply(ctx, d)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestRedeemRetriesAfterLedgerFailure(t *testing.T) {
	store := newMemStore()
	flaky := &flakyLedgerStore{Store: memory.New(), failures: 1}
	led := ledger.New(flaky)
	proc := settlement.NewProcessor(led, store)
	ctx := context.Background()

	_, err := proc.CreateVoucher(ctx, settlement.Voucher{
		Code:         "FIX20",
		DiscountType: settlement.DiscountFixed,
		Value:        dec("20"),
	})
	require.NoError(t, err)

	_, err = proc.Redeem(ctx, "FIX20", "alice", dec("500"))
	require.Error(t, err)

	// The usage row was rolled back, so the same account can retry.
	discount, err := proc.Redeem(ctx, "FIX20", "alice", dec("500"))
	require.NoError(t, err)
	assert.True(t, discount.Equal(dec("20")), "discount %s", discount)

	acct, err := led.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(dec("20")), "balance %s", acct.Balance)

	v, err := store.GetVoucher(ctx, "FIX20")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.Used)

	_, err = proc.Redeem(ctx, "FIX20", "alice", dec("500"))
	assert.ErrorIs(t, err, settlement.ErrDuplicate)
}

func TestRedeemOncePerAccount(t *testing.T) {
	led := ledger.New(memory.New())
	proc := settlement.NewProcessor(led, newMemStore())
	ctx := context.Background()

	_, err := proc.CreateVoucher(ctx, settlement.Voucher{
		Code:         "WELCOME10",
		DiscountType: settlement.DiscountPercentage,
		Value:        decimal.NewFromInt(10),
	})
	require.NoError(t, err)

	discount, err := proc.Redeem(ctx, "WELCOME10", "alice", dec("500"))
	require.NoError(t, err)
	assert.True(t, discount.Equal(dec("50")), "discount %s", discount)

	acct, err := led.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(dec("50")), "balance %s", acct.Balance)

	entries, err := led.History(ctx, "alice", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.KindBalanceBonus, entries[0].Kind)

	_, err = proc.Redeem(ctx, "WELCOME10", "alice", dec("500"))
	assert.ErrorIs(t, err, settlement.ErrDuplicate)

	// A different account may still redeem.
	_, err = proc.Redeem(ctx, "WELCOME10", "bob", dec("500"))
	require.NoError(t, err)

	_, err = proc.Redeem(ctx, "NOPE", "alice", dec("500"))
	assert.ErrorIs(t, err, settlement.ErrVoucherNotFound)
}

func TestCreateVoucherValidation(t *testing.T) {
	proc := settlement.NewProcessor(ledger.New(memory.New()), newMemStore())
	ctx := context.Background()

	bad := []settlement.Voucher{
		{DiscountType: settlement.DiscountPercentage, Value: decimal.NewFromInt(10)},
		{Code: "X", DiscountType: settlement.DiscountPercentage, Value: decimal.NewFromInt(101)},
		{Code: "X", DiscountType: settlement.DiscountPercentage, Value: decimal.Zero},
		{Code: "X", DiscountType: settlement.DiscountFixed, Value: dec("-1")},
		{Code: "X", DiscountType: "mystery", Value: decimal.NewFromInt(1)},
	}
	for i, v := range bad {
		_, err := proc.CreateVoucher(ctx, v)
		assert.Error(t, err, "case %d: %+v", i, v)
	}

	created, err := proc.CreateVoucher(ctx, settlement.Voucher{
		Code:         fmt.Sprintf("  %s  ", "SPRING"),
		DiscountType: settlement.DiscountFixed,
		Value:        dec("25"),
		Used:         99,
	})
	require.NoError(t, err)
	assert.Equal(t, "SPRING", created.Code)
	assert.NotEmpty(t, created.ID)
	assert.Zero(t, created.Used)
	assert.False(t, created.CreatedAt.IsZero())
}
