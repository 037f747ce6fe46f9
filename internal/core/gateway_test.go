package core_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/credpool/credpool-gateway/internal/adapter"
	"github.com/credpool/credpool-gateway/internal/adapter/loopback"
	"github.com/credpool/credpool-gateway/internal/adapter/router"
	"github.com/credpool/credpool-gateway/internal/cache"
	"github.com/credpool/credpool-gateway/internal/core"
	"github.com/credpool/credpool-gateway/internal/history"
	"github.com/credpool/credpool-gateway/internal/keypool"
	"github.com/credpool/credpool-gateway/internal/ledger"
	"github.com/credpool/credpool-gateway/internal/ledger/memory"
	"github.com/credpool/credpool-gateway/internal/modelmeta"
	"github.com/credpool/credpool-gateway/internal/sessionstore"
)

// memHistory collects request records in memory.
type memHistory struct {
	mu      sync.Mutex
	records []history.Record
}

func (m *memHistory) Record(ctx context.Context, rec history.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memHistory) ListRecent(ctx context.Context, accountID string, limit int) ([]history.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []history.Record
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		if m.records[i].AccountID == accountID {
			out = append(out, m.records[i])
		}
	}
	return out, nil
}

func (m *memHistory) CountByStatus(ctx context.Context, accountID string, status history.Status) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, rec := range m.records {
		if rec.AccountID == accountID && rec.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *memHistory) Close() error { return nil }

// keyMemStore is a minimal keypool.Store.
type keyMemStore struct {
	mu    sync.Mutex
	creds map[string]keypool.Credential
}

func newKeyMemStore() *keyMemStore {
	return &keyMemStore{creds: make(map[string]keypool.Credential)}
}

func (m *keyMemStore) Insert(ctx context.Context, cred keypool.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[cred.ID] = cred
	return nil
}

func (m *keyMemStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, id)
	return nil
}

func (m *keyMemStore) UpdateStatus(ctx context.Context, id string, status keypool.Status, disabledAt *time.Time) error {
	return nil
}

func (m *keyMemStore) UpdateUsage(ctx context.Context, id string, lastUsedAt time.Time, failureCount int) error {
	return nil
}

func (m *keyMemStore) List(ctx context.Context) ([]keypool.Credential, error) {
	return nil, nil
}

func (m *keyMemStore) Close() error { return nil }

// failingInvoker always errors with the configured failure.
type failingInvoker struct{ err error }

func (f *failingInvoker) Name() string { return "flaky" }

func (f *failingInvoker) Complete(ctx context.Context, req adapter.CompletionRequest) (adapter.CompletionResult, error) {
	return adapter.CompletionResult{Latency: time.Millisecond}, f.err
}

type fixture struct {
	gateway  *core.Gateway
	ledger   *ledger.Ledger
	pool     *keypool.Pool
	sessions *sessionstore.Memory
	history  *memHistory
	costs    *modelmeta.Table
}

func newFixture(t *testing.T, extra ...adapter.Invoker) *fixture {
	t.Helper()
	led := ledger.New(memory.New())
	led.SetExchangeRate(decimal.NewFromInt(10))

	pool, err := keypool.New(context.Background(), newKeyMemStore(), nil, keypool.Config{})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	rt := router.New()
	rt.Register(loopback.New())
	for _, inv := range extra {
		rt.Register(inv)
	}

	sessions := sessionstore.NewMemory()
	hist := &memHistory{}
	costs := modelmeta.NewTable(1)

	gw := core.New(core.Options{
		Ledger:          led,
		Pool:            pool,
		Sessions:        sessions,
		Router:          rt,
		Costs:           costs,
		Cache:           cache.New(64, time.Minute),
		History:         hist,
		ProviderTimeout: 5 * time.Second,
	})
	return &fixture{gateway: gw, ledger: led, pool: pool, sessions: sessions, history: hist, costs: costs}
}

func (f *fixture) putSession(t *testing.T, p sessionstore.Policy) {
	t.Helper()
	p.Active = true
	if err := f.sessions.PutSessionPolicy(context.Background(), p); err != nil {
		t.Fatalf("put session: %v", err)
	}
}

func codeOf(t *testing.T, err error) core.Code {
	t.Helper()
	var ge *core.Error
	if !errors.As(err, &ge) {
		t.Fatalf("err = %v, want *core.Error", err)
	}
	return ge.Code
}

func TestAskPremiumDeductsUntilExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.putSession(t, sessionstore.Policy{
		SessionID: "s1", AccountID: "alice",
		Mode: keypool.ModePremium, Provider: "loopback", Model: "loopback",
	})
	if _, err := f.ledger.EnsureAccount(ctx, "alice"); err != nil {
		t.Fatalf("ensure account: %v", err)
	}
	if _, _, err := f.ledger.AdjustCredits(ctx, "alice", 3, ledger.KindCreditTopup, "seed"); err != nil {
		t.Fatalf("seed credits: %v", err)
	}

	for i := 0; i < 3; i++ {
		// distinct questions so the cache never interferes
		resp, err := f.gateway.Ask(ctx, core.AskRequest{
			AccountID: "alice", SessionID: "s1",
			Question: fmt.Sprintf("question number %d", i),
		})
		if err != nil {
			t.Fatalf("ask %d: %v", i, err)
		}
		if resp.CreditsDeducted != 1 {
			t.Fatalf("ask %d deducted %d, want 1", i, resp.CreditsDeducted)
		}
		if resp.Credits != int64(2-i) {
			t.Fatalf("ask %d credits = %d, want %d", i, resp.Credits, 2-i)
		}
	}

	_, err := f.gateway.Ask(ctx, core.AskRequest{
		AccountID: "alice", SessionID: "s1", Question: "question number 3",
	})
	if codeOf(t, err) != core.CodeInsufficientCredits {
		t.Fatalf("code = %s, want insufficient_credits", codeOf(t, err))
	}

	// One record per settled request, plus an error record for the
	// rejected one.
	successes, err := f.history.CountByStatus(ctx, "alice", history.StatusSuccess)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if successes != 3 {
		t.Fatalf("success records = %d, want 3", successes)
	}
	failures, err := f.history.CountByStatus(ctx, "alice", history.StatusError)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if failures != 1 {
		t.Fatalf("error records = %d, want 1", failures)
	}
	if err := f.ledger.Reconcile(ctx, "alice"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
}

func TestAskPremiumZeroCreditsNoSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.putSession(t, sessionstore.Policy{
		SessionID: "s1", AccountID: "alice",
		Mode: keypool.ModePremium, Provider: "loopback", Model: "loopback",
	})

	_, err := f.gateway.Ask(ctx, core.AskRequest{AccountID: "alice", SessionID: "s1", Question: "hello"})
	if codeOf(t, err) != core.CodeInsufficientCredits {
		t.Fatalf("code = %s, want insufficient_credits", codeOf(t, err))
	}

	entries, err := f.ledger.History(ctx, "alice", 10, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("ledger entries = %d, want 0", len(entries))
	}

	// The rejection itself still lands as a request record.
	recs, err := f.history.ListRecent(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if recs[0].Status != history.StatusError || recs[0].ErrorCode != string(core.CodeInsufficientCredits) {
		t.Fatalf("record = %s/%s, want error/insufficient_credits", recs[0].Status, recs[0].ErrorCode)
	}
	if recs[0].TotalTokens != 0 || recs[0].CreditsCharged != 0 {
		t.Fatalf("rejected record carries usage: tokens=%d credits=%d", recs[0].TotalTokens, recs[0].CreditsCharged)
	}
}

func TestAskFreePoolRequiresBalanceAndKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.putSession(t, sessionstore.Policy{
		SessionID: "s1", AccountID: "alice",
		Mode: keypool.ModeFreePool, Provider: "loopback", Model: "loopback",
	})

	// Zero balance blocks before any acquisition.
	_, err := f.gateway.Ask(ctx, core.AskRequest{AccountID: "alice", SessionID: "s1", Question: "hello"})
	if codeOf(t, err) != core.CodeInsufficientBalance {
		t.Fatalf("code = %s, want insufficient_balance", codeOf(t, err))
	}

	if _, _, err := f.ledger.AdjustBalance(ctx, "alice", decimal.NewFromInt(10), ledger.KindBalanceTopup, "seed"); err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	// Empty pool.
	_, err = f.gateway.Ask(ctx, core.AskRequest{AccountID: "alice", SessionID: "s1", Question: "hello"})
	if codeOf(t, err) != core.CodeNoKeyAvailable {
		t.Fatalf("code = %s, want no_key_available", codeOf(t, err))
	}

	if _, err := f.pool.Add(ctx, "", "sk-pool-key-12345678", "shared", 0); err != nil {
		t.Fatalf("add key: %v", err)
	}
	resp, err := f.gateway.Ask(ctx, core.AskRequest{AccountID: "alice", SessionID: "s1", Question: "hello"})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if resp.CreditsDeducted != 0 {
		t.Fatalf("free pool deducted %d credits", resp.CreditsDeducted)
	}
	// Pool access must not spend balance either.
	if !resp.Balance.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("balance = %s, want 10", resp.Balance)
	}

	// Both rejections were recorded alongside the one success.
	failures, err := f.history.CountByStatus(ctx, "alice", history.StatusError)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if failures != 2 {
		t.Fatalf("error records = %d, want 2", failures)
	}
}

func TestAskCacheHit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.putSession(t, sessionstore.Policy{
		SessionID: "s1", AccountID: "alice",
		Mode: keypool.ModePremium, Provider: "loopback", Model: "loopback",
	})
	if _, err := f.ledger.EnsureAccount(ctx, "alice"); err != nil {
		t.Fatalf("ensure account: %v", err)
	}
	if _, _, err := f.ledger.AdjustCredits(ctx, "alice", 5, ledger.KindCreditTopup, "seed"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	first, err := f.gateway.Ask(ctx, core.AskRequest{AccountID: "alice", SessionID: "s1", Question: "What is Go?"})
	if err != nil {
		t.Fatalf("first ask: %v", err)
	}
	if first.Cached {
		t.Fatal("first ask reported cached")
	}

	// Same question, trivially reworded whitespace and case.
	second, err := f.gateway.Ask(ctx, core.AskRequest{AccountID: "alice", SessionID: "s1", Question: "  what IS go?  "})
	if err != nil {
		t.Fatalf("second ask: %v", err)
	}
	if !second.Cached {
		t.Fatal("second ask not served from cache")
	}
	if second.RequestID != first.RequestID {
		t.Fatalf("cached request id %s != original %s", second.RequestID, first.RequestID)
	}
	if second.CreditsDeducted != 0 {
		t.Fatalf("cache hit deducted %d credits", second.CreditsDeducted)
	}
	if second.Credits != first.Credits {
		t.Fatalf("credits moved on cache hit: %d -> %d", first.Credits, second.Credits)
	}

	// Only the original wrote a record.
	n, err := f.history.CountByStatus(ctx, "alice", history.StatusSuccess)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("records = %d, want 1", n)
	}
}

func TestAskProviderFailureRecordsAndBenches(t *testing.T) {
	f := newFixture(t, &failingInvoker{err: adapter.ErrRateLimited})
	ctx := context.Background()

	f.putSession(t, sessionstore.Policy{
		SessionID: "s1", AccountID: "alice",
		Mode: keypool.ModeFreePool, Provider: "flaky", Model: "loopback",
	})
	if _, err := f.ledger.EnsureAccount(ctx, "alice"); err != nil {
		t.Fatalf("ensure account: %v", err)
	}
	if _, _, err := f.ledger.AdjustBalance(ctx, "alice", decimal.NewFromInt(10), ledger.KindBalanceTopup, "seed"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	cred, err := f.pool.Add(ctx, "", "sk-pool-key-12345678", "shared", 0)
	if err != nil {
		t.Fatalf("add key: %v", err)
	}

	_, err = f.gateway.Ask(ctx, core.AskRequest{AccountID: "alice", SessionID: "s1", Question: "hello"})
	if codeOf(t, err) != core.CodeProviderError {
		t.Fatalf("code = %s, want provider_error", codeOf(t, err))
	}

	got, err := f.pool.Get(cred.ID)
	if err != nil {
		t.Fatalf("get cred: %v", err)
	}
	if got.Status != keypool.StatusRateLimited {
		t.Fatalf("credential status = %s, want rate_limited", got.Status)
	}

	n, err := f.history.CountByStatus(ctx, "alice", history.StatusError)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("error records = %d, want 1", n)
	}
}

func TestAskSessionErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.gateway.Ask(ctx, core.AskRequest{AccountID: "alice", SessionID: "ghost", Question: "hi"})
	if codeOf(t, err) != core.CodeSessionNotFound {
		t.Fatalf("code = %s, want session_not_found", codeOf(t, err))
	}

	if err := f.sessions.PutSessionPolicy(ctx, sessionstore.Policy{
		SessionID: "paused", AccountID: "alice",
		Mode: keypool.ModePremium, Provider: "loopback", Model: "loopback",
		Active: false,
	}); err != nil {
		t.Fatalf("put session: %v", err)
	}
	_, err = f.gateway.Ask(ctx, core.AskRequest{AccountID: "alice", SessionID: "paused", Question: "hi"})
	if codeOf(t, err) != core.CodeNoActiveSession {
		t.Fatalf("code = %s, want no_active_session", codeOf(t, err))
	}

	f.putSession(t, sessionstore.Policy{
		SessionID: "s1", AccountID: "alice",
		Mode: keypool.ModePremium, Provider: "loopback", Model: "loopback",
	})
	_, err = f.gateway.Ask(ctx, core.AskRequest{AccountID: "mallory", SessionID: "s1", Question: "hi"})
	if codeOf(t, err) != core.CodeUnauthorized {
		t.Fatalf("code = %s, want unauthorized", codeOf(t, err))
	}

	_, err = f.gateway.Ask(ctx, core.AskRequest{AccountID: "alice", SessionID: "s1", Question: "   "})
	if codeOf(t, err) != core.CodeInvalidRequest {
		t.Fatalf("code = %s, want invalid_request", codeOf(t, err))
	}
}

func TestAskZeroCostModelCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Promotional models may be priced at zero credits.
	f.costs.Set(modelmeta.Entry{Model: "loopback", CreditCost: 0})
	f.putSession(t, sessionstore.Policy{
		SessionID: "s1", AccountID: "alice",
		Mode: keypool.ModePremium, Provider: "loopback", Model: "loopback",
	})

	// Works even for an account holding zero credits.
	resp, err := f.gateway.Ask(ctx, core.AskRequest{AccountID: "alice", SessionID: "s1", Question: "hello"})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if resp.CreditsDeducted != 0 {
		t.Fatalf("deducted %d credits, want 0", resp.CreditsDeducted)
	}

	entries, err := f.ledger.History(ctx, "alice", 10, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("ledger entries = %d, want 0", len(entries))
	}
	n, err := f.history.CountByStatus(ctx, "alice", history.StatusSuccess)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("success records = %d, want 1", n)
	}
}

func TestAskUnknownProviderLeavesPoolUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.putSession(t, sessionstore.Policy{
		SessionID: "s1", AccountID: "alice",
		Mode: keypool.ModeFreePool, Provider: "ghost", Model: "loopback",
	})
	if _, err := f.ledger.EnsureAccount(ctx, "alice"); err != nil {
		t.Fatalf("ensure account: %v", err)
	}
	if _, _, err := f.ledger.AdjustBalance(ctx, "alice", decimal.NewFromInt(10), ledger.KindBalanceTopup, "seed"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	cred, err := f.pool.Add(ctx, "", "sk-pool-key-12345678", "shared", 0)
	if err != nil {
		t.Fatalf("add key: %v", err)
	}

	_, err = f.gateway.Ask(ctx, core.AskRequest{AccountID: "alice", SessionID: "s1", Question: "hello"})
	if codeOf(t, err) != core.CodeInvalidRequest {
		t.Fatalf("code = %s, want invalid_request", codeOf(t, err))
	}

	// The credential was never leased, so its rotation state is untouched.
	got, err := f.pool.Get(cred.ID)
	if err != nil {
		t.Fatalf("get cred: %v", err)
	}
	if !got.LastUsedAt.IsZero() {
		t.Fatalf("last used = %s, want zero", got.LastUsedAt)
	}
	if got.Status != keypool.StatusActive {
		t.Fatalf("status = %s, want active", got.Status)
	}
}

func TestAskSuspendedAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.putSession(t, sessionstore.Policy{
		SessionID: "s1", AccountID: "alice",
		Mode: keypool.ModePremium, Provider: "loopback", Model: "loopback",
	})
	if _, err := f.ledger.EnsureAccount(ctx, "alice"); err != nil {
		t.Fatalf("ensure account: %v", err)
	}
	if err := f.ledger.SetAccountActive(ctx, "alice", false); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	_, err := f.gateway.Ask(ctx, core.AskRequest{AccountID: "alice", SessionID: "s1", Question: "hi"})
	if codeOf(t, err) != core.CodeAccountSuspended {
		t.Fatalf("code = %s, want account_suspended", codeOf(t, err))
	}
}
