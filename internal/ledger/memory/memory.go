package memory

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/credpool/credpool-gateway/internal/ledger"
)

// Store is an in-memory ledger.Store used by tests and the local dev mode.
type Store struct {
	mu       sync.Mutex
	accounts map[string]ledger.Account
	entries  map[string][]ledger.Entry
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		accounts: make(map[string]ledger.Account),
		entries:  make(map[string][]ledger.Entry),
	}
}

// CreateAccount inserts a new account row.
func (s *Store) CreateAccount(ctx context.Context, acct ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[acct.ID]; ok {
		return ledger.ErrDuplicateAccount
	}
	s.accounts[acct.ID] = acct
	return nil
}

// GetAccount returns the account row by id.
func (s *Store) GetAccount(ctx context.Context, id string) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[id]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return acct, nil
}

// Apply replaces the account row and appends entries atomically. The stored
// version must be exactly one behind the incoming row.
func (s *Store) Apply(ctx context.Context, acct ledger.Account, entries ...ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.accounts[acct.ID]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	if current.Version != acct.Version-1 {
		return ledger.ErrConflict
	}
	s.accounts[acct.ID] = acct
	s.entries[acct.ID] = append(s.entries[acct.ID], entries...)
	return nil
}

// Entries returns a page of entries, newest first.
func (s *Store) Entries(ctx context.Context, accountID string, limit, offset int) ([]ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.entries[accountID]
	if limit <= 0 {
		limit = 50
	}
	out := make([]ledger.Entry, 0, limit)
	// stored oldest first; walk backwards for newest-first paging
	for i := len(all) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// SumDeltas sums all entry deltas for the account.
func (s *Store) SumDeltas(ctx context.Context, accountID string) (decimal.Decimal, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := decimal.Zero
	var credits int64
	for _, e := range s.entries[accountID] {
		sum = sum.Add(e.DeltaAmount)
		credits += e.DeltaCredits
	}
	return sum, credits, nil
}

// SetActive toggles the account active flag.
func (s *Store) SetActive(ctx context.Context, accountID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	acct.Active = active
	acct.Version++
	s.accounts[accountID] = acct
	return nil
}

// Close implements ledger.Store.
func (s *Store) Close() error { return nil }
