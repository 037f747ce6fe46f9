package adapter

import (
	"context"
	"errors"
	"time"
)

// Example is one few-shot demonstration passed alongside a question.
type Example struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// CompletionRequest carries everything an adapter needs for one upstream
// call. APIKey is per-call: pool modes supply the leased key, premium mode
// leaves it empty and the adapter falls back to its configured default.
type CompletionRequest struct {
	Model        string
	Prompt       string
	Question     string
	Examples     []Example
	OutputFormat string
	APIKey       string
}

// Usage is the token accounting reported by the provider.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// CompletionResult is the provider answer plus accounting. Latency is set on
// both success and failure so the request record always has it.
type CompletionResult struct {
	Answer  string
	Model   string
	Usage   Usage
	Latency time.Duration
}

// Invoker performs a completion against one provider.
type Invoker interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error)
}

// Classified provider failures. Adapters map upstream responses onto these
// so the pool can transition credential health without parsing provider
// payloads itself.
var (
	ErrRateLimited = errors.New("adapter: rate limited by provider")
	ErrAuthFailed  = errors.New("adapter: authentication failed")
	ErrTimeout     = errors.New("adapter: provider timeout")
	ErrUnavailable = errors.New("adapter: provider unavailable")
)

// IsRateLimited reports whether the provider throttled the key.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsAuthFailure reports whether the key was rejected outright.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrAuthFailed)
}

// IsTimeout reports whether the call exceeded its deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
