package history

import (
	"context"
	"time"
)

// Status is the terminal state of a gateway request.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Record is written exactly once per gateway invocation, success or failure,
// and is immutable afterwards.
type Record struct {
	ID               string    `json:"id"`
	AccountID        string    `json:"account_id"`
	SessionID        string    `json:"session_id"`
	Mode             string    `json:"mode"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	LatencyMS        int64     `json:"latency_ms"`
	Status           Status    `json:"status"`
	ErrorCode        string    `json:"error_code,omitempty"`
	CreditsCharged   int64     `json:"credits_charged"`
	CreatedAt        time.Time `json:"created_at"`
}

// Store defines persistence behaviour for request records.
type Store interface {
	Record(ctx context.Context, rec Record) error
	ListRecent(ctx context.Context, accountID string, limit int) ([]Record, error)
	CountByStatus(ctx context.Context, accountID string, status Status) (int64, error)
	Close() error
}
