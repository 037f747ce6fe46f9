package loopback

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/credpool/credpool-gateway/internal/adapter"
)

// Ensure Adapter implements Invoker.
var _ adapter.Invoker = (*Adapter)(nil)

// Adapter fabricates deterministic completions for testing the gateway
// pipeline without an upstream provider.
type Adapter struct{}

// New creates an Adapter instance.
func New() *Adapter {
	return &Adapter{}
}

// Name identifies the provider for routing.
func (a *Adapter) Name() string { return "loopback" }

// Complete echoes the question back with a fixed prefix and token counts
// derived from the input sizes.
func (a *Adapter) Complete(ctx context.Context, req adapter.CompletionRequest) (adapter.CompletionResult, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return adapter.CompletionResult{}, errors.New("loopback: empty question")
	}

	answer := "[loopback] " + question
	prompt := int64(len(req.Prompt)+len(question))/4 + int64(len(req.Examples))*10
	completion := int64(len(answer)) / 4
	return adapter.CompletionResult{
		Answer:  answer,
		Model:   req.Model,
		Latency: time.Millisecond,
		Usage: adapter.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}, nil
}
