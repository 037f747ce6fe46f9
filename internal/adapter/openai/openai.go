package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/credpool/credpool-gateway/internal/adapter"
)

// Ensure Adapter implements Invoker.
var _ adapter.Invoker = (*Adapter)(nil)

// Adapter sends chat completion requests to an OpenAI compatible API.
type Adapter struct {
	defaultKey string
	baseURL    string
	httpClient *http.Client
	org        string
}

// Config holds configuration for the OpenAI adapter.
type Config struct {
	// DefaultAPIKey is used when the request carries no per-call key.
	DefaultAPIKey  string
	BaseURL        string // optional, defaults to https://api.openai.com/v1
	Organization   string // optional
	RequestTimeout time.Duration
}

// New creates an Adapter instance.
func New(cfg Config) *Adapter {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &Adapter{
		defaultKey: cfg.DefaultAPIKey,
		baseURL:    baseURL,
		org:        cfg.Organization,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name identifies the provider for routing.
func (a *Adapter) Name() string { return "openai" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Complete sends the assembled chat request. Latency is measured around the
// HTTP round trip and returned even when the call fails.
func (a *Adapter) Complete(ctx context.Context, req adapter.CompletionRequest) (adapter.CompletionResult, error) {
	if strings.TrimSpace(req.Question) == "" {
		return adapter.CompletionResult{}, errors.New("openai: empty question")
	}
	key := req.APIKey
	if key == "" {
		key = a.defaultKey
	}
	if key == "" {
		return adapter.CompletionResult{}, fmt.Errorf("openai: no api key: %w", adapter.ErrAuthFailed)
	}

	messages := buildMessages(req)
	payload := map[string]any{
		"model":    req.Model,
		"messages": messages,
		"stream":   false,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return adapter.CompletionResult{}, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return adapter.CompletionResult{}, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)
	if a.org != "" {
		httpReq.Header.Set("OpenAI-Organization", a.org)
	}

	start := time.Now()
	resp, err := a.httpClient.Do(httpReq)
	latency := time.Since(start)
	result := adapter.CompletionResult{Model: req.Model, Latency: latency}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isClientTimeout(err) {
			return result, fmt.Errorf("openai: %w", adapter.ErrTimeout)
		}
		return result, fmt.Errorf("openai: send request: %w: %v", adapter.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	result.Latency = time.Since(start)
	if err != nil {
		return result, fmt.Errorf("openai: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return result, classifyStatus(resp.StatusCode, respBody)
	}

	var completion struct {
		Choices []struct {
			Message chatMessage `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
			TotalTokens      int64 `json:"total_tokens"`
		} `json:"usage"`
		Model string `json:"model"`
	}
	if err := json.Unmarshal(respBody, &completion); err != nil {
		return result, fmt.Errorf("openai: unmarshal response: %w", err)
	}
	if len(completion.Choices) == 0 {
		return result, errors.New("openai: response has no choices")
	}

	result.Answer = completion.Choices[0].Message.Content
	result.Usage = adapter.Usage{
		PromptTokens:     completion.Usage.PromptTokens,
		CompletionTokens: completion.Usage.CompletionTokens,
		TotalTokens:      completion.Usage.TotalTokens,
	}
	if completion.Model != "" {
		result.Model = completion.Model
	}
	return result, nil
}

// buildMessages lays out system prompt, few-shot examples as alternating
// user/assistant turns, then the question.
func buildMessages(req adapter.CompletionRequest) []chatMessage {
	var messages []chatMessage
	system := strings.TrimSpace(req.Prompt)
	if req.OutputFormat != "" {
		if system != "" {
			system += "\n\n"
		}
		system += "Respond in the following format: " + req.OutputFormat
	}
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	for _, ex := range req.Examples {
		messages = append(messages,
			chatMessage{Role: "user", Content: ex.Input},
			chatMessage{Role: "assistant", Content: ex.Output},
		)
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Question})
	return messages
}

func classifyStatus(status int, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	detail := ""
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		detail = fmt.Sprintf(" (%s, type=%s)", errResp.Error.Message, errResp.Error.Type)
	}
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("openai: http 429%s: %w", detail, adapter.ErrRateLimited)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("openai: http %d%s: %w", status, detail, adapter.ErrAuthFailed)
	case status >= 500:
		return fmt.Errorf("openai: http %d%s: %w", status, detail, adapter.ErrUnavailable)
	default:
		return fmt.Errorf("openai: http %d%s", status, detail)
	}
}

func isClientTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	var t timeout
	return errors.As(err, &t) && t.Timeout()
}
