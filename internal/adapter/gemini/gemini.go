package gemini

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

var _ adapter.Invoker = (*Adapter)(nil)

// Adapter sends generateContent requests to the Gemini API.
type Adapter struct {
	defaultKey string
	baseURL    string
	httpClient *http.Client
}

// Config holds configuration for the Gemini adapter.
type Config struct {
	DefaultAPIKey  string
	BaseURL        string // optional, defaults to the public endpoint
	RequestTimeout time.Duration
}

// New creates an Adapter instance.
func New(cfg Config) *Adapter {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Adapter{
		defaultKey: cfg.DefaultAPIKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name identifies the provider for routing.
func (a *Adapter) Name() string { return "gemini" }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

// Complete calls models/{model}:generateContent with the per-call key in the
// x-goog-api-key header.
func (a *Adapter) Complete(ctx context.Context, req adapter.CompletionRequest) (adapter.CompletionResult, error) {
	if strings.TrimSpace(req.Question) == "" {
		return adapter.CompletionResult{}, errors.New("gemini: empty question")
	}
	key := req.APIKey
	if key == "" {
		key = a.defaultKey
	}
	if key == "" {
		return adapter.CompletionResult{}, fmt.Errorf("gemini: no api key: %w", adapter.ErrAuthFailed)
	}

	payload := map[string]any{
		"contents": buildContents(req),
	}
	if system := systemText(req); system != "" {
		payload["systemInstruction"] = geminiContent{Parts: []geminiPart{{Text: system}}}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return adapter.CompletionResult{}, fmt.Errorf("gemini: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", a.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return adapter.CompletionResult{}, fmt.Errorf("gemini: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", key)

	start := time.Now()
	resp, err := a.httpClient.Do(httpReq)
	latency := time.Since(start)
	result := adapter.CompletionResult{Model: req.Model, Latency: latency}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return result, fmt.Errorf("gemini: %w", adapter.ErrTimeout)
		}
		return result, fmt.Errorf("gemini: send request: %w: %v", adapter.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	result.Latency = time.Since(start)
	if err != nil {
		return result, fmt.Errorf("gemini: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return result, fmt.Errorf("gemini: http 429: %w", adapter.ErrRateLimited)
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return result, fmt.Errorf("gemini: http %d: %w", resp.StatusCode, adapter.ErrAuthFailed)
		case resp.StatusCode >= 500:
			return result, fmt.Errorf("gemini: http %d: %w", resp.StatusCode, adapter.ErrUnavailable)
		default:
			return result, fmt.Errorf("gemini: http %d: %s", resp.StatusCode, string(respBody))
		}
	}

	var parsed struct {
		Candidates []struct {
			Content geminiContent `json:"content"`
		} `json:"candidates"`
		UsageMetadata struct {
			PromptTokenCount     int64 `json:"promptTokenCount"`
			CandidatesTokenCount int64 `json:"candidatesTokenCount"`
			TotalTokenCount      int64 `json:"totalTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return result, fmt.Errorf("gemini: unmarshal response: %w", err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return result, errors.New("gemini: response has no candidates")
	}

	var sb strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	result.Answer = sb.String()
	result.Usage = adapter.Usage{
		PromptTokens:     parsed.UsageMetadata.PromptTokenCount,
		CompletionTokens: parsed.UsageMetadata.CandidatesTokenCount,
		TotalTokens:      parsed.UsageMetadata.TotalTokenCount,
	}
	return result, nil
}

func buildContents(req adapter.CompletionRequest) []geminiContent {
	var contents []geminiContent
	for _, ex := range req.Examples {
		contents = append(contents,
			geminiContent{Role: "user", Parts: []geminiPart{{Text: ex.Input}}},
			geminiContent{Role: "model", Parts: []geminiPart{{Text: ex.Output}}},
		)
	}
	contents = append(contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: req.Question}}})
	return contents
}

func systemText(req adapter.CompletionRequest) string {
	system := strings.TrimSpace(req.Prompt)
	if req.OutputFormat != "" {
		if system != "" {
			system += "\n\n"
		}
		system += "Respond in the following format: " + req.OutputFormat
	}
	return system
}
