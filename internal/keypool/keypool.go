package keypool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/credpool/credpool-gateway/internal/ratelimit"
)

// Mode selects the funding/credential policy for a request.
type Mode string

const (
	ModePremium     Mode = "premium"       // credits, no pool involvement
	ModeFreePool    Mode = "free_pool"     // shared credentials, positive balance required
	ModeFreeUserKey Mode = "free_user_key" // caller's own credential, no charge
)

// ValidMode reports whether m is one of the three request modes.
func ValidMode(m Mode) bool {
	return m == ModePremium || m == ModeFreePool || m == ModeFreeUserKey
}

// Status is the health state of a credential.
type Status string

const (
	StatusActive      Status = "active"
	StatusRateLimited Status = "rate_limited"
	StatusDead        Status = "dead"
	StatusDisabled    Status = "disabled"
)

// ValidStatus reports whether s is a known credential status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusActive, StatusRateLimited, StatusDead, StatusDisabled:
		return true
	}
	return false
}

// Outcome reports how a leased credential performed upstream.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeAuthFailed  Outcome = "auth_failed"
	OutcomeError       Outcome = "error"
)

// Credential is one upstream API key. OwnerID is empty for shared pool keys
// supplied by an admin.
type Credential struct {
	ID           string     `json:"id"`
	OwnerID      string     `json:"owner_id,omitempty"`
	Secret       string     `json:"-"`
	Name         string     `json:"name"`
	Status       Status     `json:"status"`
	Priority     int        `json:"priority"`
	FailureCount int        `json:"failure_count"`
	LastUsedAt   time.Time  `json:"last_used_at"`
	DisabledAt   *time.Time `json:"disabled_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Masked returns the secret redacted to a short prefix and suffix. Every
// external exposure of a credential goes through this.
func (c Credential) Masked() string {
	return MaskKey(c.Secret)
}

// MaskKey redacts all but the first and last four characters of a key.
func MaskKey(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

// Sentinel errors.
var (
	ErrNoKeyAvailable    = errors.New("keypool: no key available")
	ErrInvalidCredential = errors.New("keypool: invalid credential")
	ErrNotFound          = errors.New("keypool: credential not found")
	ErrNotLeased         = errors.New("keypool: credential not leased")
)

// Store persists credential rows. The pool keeps the authoritative in-memory
// state; the store is written through on every mutation.
type Store interface {
	Insert(ctx context.Context, cred Credential) error
	Delete(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id string, status Status, disabledAt *time.Time) error
	UpdateUsage(ctx context.Context, id string, lastUsedAt time.Time, failureCount int) error
	List(ctx context.Context) ([]Credential, error)
	Close() error
}

// Prober performs a liveness check against the upstream provider before a
// key is admitted to the pool.
type Prober interface {
	Probe(ctx context.Context, secret string) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, secret string) error

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, secret string) error {
	return f(ctx, secret)
}

type managedCredential struct {
	Credential
	inflight int
	bucket   *ratelimit.TokenBucket
}

// Config tunes pool behaviour.
type Config struct {
	// MaxInflight is the per-key concurrency cap; default 1.
	MaxInflight int
	// FailureThreshold marks a key dead after this many consecutive generic
	// failures; default 3. Auth failures kill a key immediately.
	FailureThreshold int
	// RateBurst/RatePerSecond bound per-key request rate; zero disables the
	// token-bucket gate.
	RateBurst     float64
	RatePerSecond float64
}

func (c Config) withDefaults() Config {
	if c.MaxInflight <= 0 {
		c.MaxInflight = 1
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	return c
}

// Pool owns the credential set and hands out keys one lease at a time.
// Acquisition is atomic: overlapping callers never see the same
// single-concurrency key.
type Pool struct {
	mu     sync.Mutex
	creds  map[string]*managedCredential
	store  Store
	prober Prober
	cfg    Config
	logger *log.Logger
}

// New loads existing credentials from the store and builds the pool.
func New(ctx context.Context, store Store, prober Prober, cfg Config) (*Pool, error) {
	cfg = cfg.withDefaults()
	existing, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("keypool: load credentials: %w", err)
	}
	p := &Pool{
		creds:  make(map[string]*managedCredential, len(existing)),
		store:  store,
		prober: prober,
		cfg:    cfg,
		logger: log.New(log.Writer(), "[keypool] ", log.LstdFlags|log.Lmicroseconds),
	}
	for _, c := range existing {
		p.creds[c.ID] = &managedCredential{Credential: c, bucket: p.newBucket()}
	}
	if len(existing) == 0 {
		p.logger.Printf("no credentials loaded; pool starts empty")
	}
	return p, nil
}

// SetLogger overrides the default logger; nil keeps the current logger.
func (p *Pool) SetLogger(logger *log.Logger) {
	if logger != nil {
		p.logger = logger
	}
}

func (p *Pool) newBucket() *ratelimit.TokenBucket {
	if p.cfg.RateBurst <= 0 || p.cfg.RatePerSecond <= 0 {
		return nil
	}
	return ratelimit.NewTokenBucket(p.cfg.RateBurst, p.cfg.RatePerSecond)
}

// Acquire leases a usable credential for the account under the given mode.
// Candidates are filtered by ownership and status, then ordered by priority
// with least-recently-used breaking ties. One pass only; an empty candidate
// set returns ErrNoKeyAvailable.
func (p *Pool) Acquire(accountID string, mode Mode) (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var candidates []*managedCredential
	for _, mc := range p.creds {
		if mc.Status != StatusActive {
			continue
		}
		switch mode {
		case ModeFreeUserKey:
			if mc.OwnerID != accountID {
				continue
			}
		case ModeFreePool:
			if mc.OwnerID != "" {
				continue
			}
		default:
			return Credential{}, fmt.Errorf("keypool: mode %q does not use the pool", mode)
		}
		if mc.inflight >= p.cfg.MaxInflight {
			continue
		}
		candidates = append(candidates, mc)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].LastUsedAt.Before(candidates[j].LastUsedAt)
	})

	for _, mc := range candidates {
		if mc.bucket != nil && !mc.bucket.Allow() {
			continue
		}
		mc.inflight++
		mc.LastUsedAt = time.Now().UTC()
		p.logger.Printf("acquire key=%s owner=%s mode=%s priority=%d", mc.ID, ownerTag(mc.OwnerID), mode, mc.Priority)
		return mc.Credential, nil
	}
	return Credential{}, ErrNoKeyAvailable
}

// Release returns a leased credential and applies the outcome: rate limits
// bench the key until an admin resets it, auth failures kill it, repeated
// generic failures kill it past the threshold, success clears the failure
// streak.
func (p *Pool) Release(ctx context.Context, id string, outcome Outcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	mc, ok := p.creds[id]
	if !ok {
		return ErrNotFound
	}
	if mc.inflight <= 0 {
		return ErrNotLeased
	}
	mc.inflight--

	now := time.Now().UTC()
	switch outcome {
	case OutcomeSuccess:
		mc.FailureCount = 0
		if err := p.store.UpdateUsage(ctx, id, mc.LastUsedAt, mc.FailureCount); err != nil {
			p.logger.Printf("persist usage failed key=%s err=%v", id, err)
		}
	case OutcomeRateLimited:
		mc.Status = StatusRateLimited
		mc.DisabledAt = &now
		p.logger.Printf("key rate limited key=%s owner=%s", id, ownerTag(mc.OwnerID))
		if err := p.store.UpdateStatus(ctx, id, mc.Status, mc.DisabledAt); err != nil {
			p.logger.Printf("persist status failed key=%s err=%v", id, err)
		}
	case OutcomeAuthFailed:
		mc.Status = StatusDead
		mc.DisabledAt = &now
		p.logger.Printf("key dead (auth) key=%s owner=%s", id, ownerTag(mc.OwnerID))
		if err := p.store.UpdateStatus(ctx, id, mc.Status, mc.DisabledAt); err != nil {
			p.logger.Printf("persist status failed key=%s err=%v", id, err)
		}
	case OutcomeError:
		mc.FailureCount++
		if mc.FailureCount >= p.cfg.FailureThreshold {
			mc.Status = StatusDead
			mc.DisabledAt = &now
			p.logger.Printf("key dead (failures=%d) key=%s", mc.FailureCount, id)
			if err := p.store.UpdateStatus(ctx, id, mc.Status, mc.DisabledAt); err != nil {
				p.logger.Printf("persist status failed key=%s err=%v", id, err)
			}
		} else if err := p.store.UpdateUsage(ctx, id, mc.LastUsedAt, mc.FailureCount); err != nil {
			p.logger.Printf("persist usage failed key=%s err=%v", id, err)
		}
	default:
		return fmt.Errorf("keypool: unknown outcome %q", outcome)
	}
	return nil
}

// Add probes the secret against the provider and admits the credential on
// success. ownerID empty means shared pool.
func (p *Pool) Add(ctx context.Context, ownerID, secret, name string, priority int) (Credential, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return Credential{}, fmt.Errorf("%w: empty secret", ErrInvalidCredential)
	}
	if p.prober != nil {
		if err := p.prober.Probe(ctx, secret); err != nil {
			return Credential{}, fmt.Errorf("%w: liveness probe: %v", ErrInvalidCredential, err)
		}
	}
	cred := Credential{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Secret:    secret,
		Name:      name,
		Status:    StatusActive,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}
	if err := p.store.Insert(ctx, cred); err != nil {
		return Credential{}, fmt.Errorf("keypool: persist credential: %w", err)
	}

	p.mu.Lock()
	p.creds[cred.ID] = &managedCredential{Credential: cred, bucket: p.newBucket()}
	p.mu.Unlock()
	p.logger.Printf("credential added key=%s owner=%s priority=%d secret=%s", cred.ID, ownerTag(ownerID), priority, MaskKey(secret))
	return cred, nil
}

// Remove deletes a credential from the pool and the store.
func (p *Pool) Remove(ctx context.Context, id string) error {
	p.mu.Lock()
	_, ok := p.creds[id]
	if ok {
		delete(p.creds, id)
	}
	p.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if err := p.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("keypool: delete credential: %w", err)
	}
	p.logger.Printf("credential removed key=%s", id)
	return nil
}

// SetStatus is the explicit admin transition, including reactivating a
// rate_limited key. Activation clears the failure streak and bench time.
func (p *Pool) SetStatus(ctx context.Context, id string, status Status) error {
	if !ValidStatus(status) {
		return fmt.Errorf("keypool: unknown status %q", status)
	}
	p.mu.Lock()
	mc, ok := p.creds[id]
	if ok {
		mc.Status = status
		if status == StatusActive {
			mc.FailureCount = 0
			mc.DisabledAt = nil
			if mc.bucket != nil {
				mc.bucket.Reset()
			}
		} else if mc.DisabledAt == nil {
			now := time.Now().UTC()
			mc.DisabledAt = &now
		}
	}
	var disabledAt *time.Time
	if ok {
		disabledAt = mc.DisabledAt
	}
	p.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if err := p.store.UpdateStatus(ctx, id, status, disabledAt); err != nil {
		return fmt.Errorf("keypool: persist status: %w", err)
	}
	p.logger.Printf("credential status key=%s status=%s", id, status)
	return nil
}

// Get returns a copy of the credential.
func (p *Pool) Get(id string) (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	mc, ok := p.creds[id]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return mc.Credential, nil
}

// List returns copies of all credentials, optionally filtered by owner
// (empty ownerID lists everything). Secrets stay in the copies; callers
// exposing them externally must use Masked.
func (p *Pool) List(ownerID string) []Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Credential, 0, len(p.creds))
	for _, mc := range p.creds {
		if ownerID != "" && mc.OwnerID != ownerID {
			continue
		}
		out = append(out, mc.Credential)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// AvailableCount reports active keys currently under their concurrency cap.
func (p *Pool) AvailableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, mc := range p.creds {
		if mc.Status == StatusActive && mc.inflight < p.cfg.MaxInflight {
			n++
		}
	}
	return n
}

func ownerTag(ownerID string) string {
	if ownerID == "" {
		return "<shared>"
	}
	return ownerID
}
