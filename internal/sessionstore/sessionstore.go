package sessionstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/credpool/credpool-gateway/internal/keypool"
)

// Policy is the configuration resolved for a session before any funding or
// credential decision: which mode pays for the request, which provider and
// model serve it, and the system prompt applied to every question.
type Policy struct {
	SessionID  string       `json:"session_id"`
	AccountID  string       `json:"account_id"`
	Mode       keypool.Mode `json:"mode"`
	Provider   string       `json:"provider"`
	Model      string       `json:"model"`
	Prompt     string       `json:"prompt"`
	AnswerMode string       `json:"answer_mode,omitempty"`
	Active     bool         `json:"active"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Sentinel errors.
var (
	ErrSessionNotFound = errors.New("sessionstore: session not found")
	ErrNoActiveSession = errors.New("sessionstore: session not active")
)

// Directory resolves session policies for the gateway.
type Directory interface {
	GetSessionPolicy(ctx context.Context, sessionID string) (Policy, error)
}

// Store is a Directory that also accepts writes.
type Store interface {
	Directory
	PutSessionPolicy(ctx context.Context, p Policy) error
	Close() error
}

// Memory is an in-process session store for tests and local dev mode.
type Memory struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{policies: make(map[string]Policy)}
}

// GetSessionPolicy implements Directory.
func (m *Memory) GetSessionPolicy(ctx context.Context, sessionID string) (Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[sessionID]
	if !ok {
		return Policy{}, ErrSessionNotFound
	}
	if !p.Active {
		return Policy{}, ErrNoActiveSession
	}
	return p, nil
}

// PutSessionPolicy implements Store.
func (m *Memory) PutSessionPolicy(ctx context.Context, p Policy) error {
	if p.SessionID == "" {
		return errors.New("sessionstore: session id required")
	}
	if !keypool.ValidMode(p.Mode) {
		return errors.New("sessionstore: invalid mode")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.policies[p.SessionID] = p
	return nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }
