package core

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/credpool/credpool-gateway/internal/adapter"
	"github.com/credpool/credpool-gateway/internal/adapter/router"
	"github.com/credpool/credpool-gateway/internal/cache"
	"github.com/credpool/credpool-gateway/internal/history"
	"github.com/credpool/credpool-gateway/internal/keypool"
	"github.com/credpool/credpool-gateway/internal/ledger"
	"github.com/credpool/credpool-gateway/internal/modelmeta"
	"github.com/credpool/credpool-gateway/internal/sessionstore"
)

// AskRequest is one question against a configured session.
type AskRequest struct {
	AccountID    string            `json:"-"`
	SessionID    string            `json:"session_id"`
	Question     string            `json:"question"`
	Examples     []adapter.Example `json:"examples,omitempty"`
	OutputFormat string            `json:"output_format,omitempty"`
}

// AskResponse is the answer plus the authoritative post-settlement account
// state. Cached responses carry the original request id and deduct nothing.
type AskResponse struct {
	Answer          string          `json:"answer"`
	RequestID       string          `json:"request_id"`
	Cached          bool            `json:"cached"`
	Provider        string          `json:"provider"`
	Model           string          `json:"model"`
	CreditsDeducted int64           `json:"credits_deducted"`
	TokensUsed      adapter.Usage   `json:"tokens_used"`
	Balance         decimal.Decimal `json:"balance"`
	Credits         int64           `json:"credits"`
}

// Gateway drives a request from session resolution through funding checks,
// credential acquisition, the provider call, settlement and the request
// record. Every invocation that gets past validation writes exactly one
// request record, whatever the outcome.
type Gateway struct {
	ledger   *ledger.Ledger
	pool     *keypool.Pool
	sessions sessionstore.Directory
	router   *router.Router
	costs    *modelmeta.Table
	cache    *cache.ResponseCache
	history  history.Store

	providerTimeout time.Duration
	logger          *log.Logger
}

// Options carries the collaborators a Gateway needs.
type Options struct {
	Ledger          *ledger.Ledger
	Pool            *keypool.Pool
	Sessions        sessionstore.Directory
	Router          *router.Router
	Costs           *modelmeta.Table
	Cache           *cache.ResponseCache
	History         history.Store
	ProviderTimeout time.Duration
	Logger          *log.Logger
}

// New assembles a Gateway.
func New(opts Options) *Gateway {
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.New(log.Writer(), "[gateway] ", log.LstdFlags|log.Lmicroseconds)
	}
	if opts.Costs == nil {
		opts.Costs = modelmeta.NewTable(1)
	}
	return &Gateway{
		ledger:          opts.Ledger,
		pool:            opts.Pool,
		sessions:        opts.Sessions,
		router:          opts.Router,
		costs:           opts.Costs,
		cache:           opts.Cache,
		history:         opts.History,
		providerTimeout: opts.ProviderTimeout,
		logger:          opts.Logger,
	}
}

// Ask answers one question for the account's session.
func (g *Gateway) Ask(ctx context.Context, req AskRequest) (AskResponse, error) {
	if strings.TrimSpace(req.AccountID) == "" {
		return AskResponse{}, NewError(CodeUnauthorized, "account required")
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return AskResponse{}, NewError(CodeInvalidRequest, "session_id required")
	}
	if strings.TrimSpace(req.Question) == "" {
		return AskResponse{}, NewError(CodeInvalidRequest, "question required")
	}

	// A cache hit short-circuits everything: no funding check, no
	// credential lease, no new request record.
	if g.cache != nil {
		if hit, ok := g.cache.Get(req.AccountID, req.SessionID, req.Question); ok {
			resp := AskResponse{
				Answer:     hit.Answer,
				RequestID:  hit.RequestID,
				Cached:     true,
				TokensUsed: hit.Usage,
			}
			if acct, err := g.ledger.GetAccount(ctx, req.AccountID); err == nil {
				resp.Balance = acct.Balance
				resp.Credits = acct.Credits
			}
			g.logger.Printf("ask cache hit account=%s session=%s request=%s", req.AccountID, req.SessionID, hit.RequestID)
			return resp, nil
		}
	}

	policy, err := g.sessions.GetSessionPolicy(ctx, req.SessionID)
	if err != nil {
		switch {
		case errors.Is(err, sessionstore.ErrSessionNotFound):
			return AskResponse{}, NewError(CodeSessionNotFound, "session %s not found", req.SessionID)
		case errors.Is(err, sessionstore.ErrNoActiveSession):
			return AskResponse{}, NewError(CodeNoActiveSession, "session %s is not active", req.SessionID)
		}
		return AskResponse{}, NewError(CodeInternal, "resolve session: %v", err)
	}
	if policy.AccountID != "" && policy.AccountID != req.AccountID {
		return AskResponse{}, NewError(CodeUnauthorized, "session %s belongs to another account", req.SessionID)
	}

	acct, err := g.ledger.EnsureAccount(ctx, req.AccountID)
	if err != nil {
		return AskResponse{}, NewError(CodeInternal, "load account: %v", err)
	}
	if !acct.Active {
		return AskResponse{}, NewError(CodeAccountSuspended, "account %s is suspended", req.AccountID)
	}

	cost := g.costs.CreditCost(policy.Model)

	// From here on every terminal outcome leaves exactly one request
	// record, failures included.
	requestID := uuid.NewString()
	rec := history.Record{
		ID:        requestID,
		AccountID: req.AccountID,
		SessionID: req.SessionID,
		Mode:      string(policy.Mode),
		Provider:  policy.Provider,
		Model:     policy.Model,
		CreatedAt: time.Now().UTC(),
	}
	fail := func(code Code, format string, args ...any) (AskResponse, error) {
		rec.Status = history.StatusError
		rec.ErrorCode = string(code)
		g.record(ctx, rec)
		return AskResponse{}, NewError(code, format, args...)
	}

	switch policy.Mode {
	case keypool.ModePremium:
		if acct.Credits < cost {
			return fail(CodeInsufficientCredits, "need %d credits, have %d", cost, acct.Credits)
		}
	case keypool.ModeFreePool:
		if !acct.Balance.IsPositive() {
			return fail(CodeInsufficientBalance, "balance must be positive for pool access")
		}
	case keypool.ModeFreeUserKey:
		// No funding requirement; the caller burns their own key.
	default:
		return AskResponse{}, NewError(CodeInvalidRequest, "unknown session mode %q", policy.Mode)
	}

	// Resolve the provider before leasing so an unroutable session never
	// touches credential state.
	inv, err := g.router.Resolve(policy.Provider)
	if err != nil {
		return AskResponse{}, NewError(CodeInvalidRequest, "provider %q not available", policy.Provider)
	}

	var leased keypool.Credential
	var haveLease bool
	if policy.Mode != keypool.ModePremium {
		leased, err = g.pool.Acquire(req.AccountID, policy.Mode)
		if err != nil {
			if errors.Is(err, keypool.ErrNoKeyAvailable) {
				return fail(CodeNoKeyAvailable, "no credential available for mode %s", policy.Mode)
			}
			return AskResponse{}, NewError(CodeInternal, "acquire credential: %v", err)
		}
		haveLease = true
	}

	// The provider call and settlement run detached from the caller's
	// cancellation so a dropped client cannot leave a charge or a lease
	// unsettled.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.providerTimeout)
	defer cancel()

	result, callErr := inv.Complete(callCtx, adapter.CompletionRequest{
		Model:        policy.Model,
		Prompt:       policy.Prompt,
		Question:     req.Question,
		Examples:     req.Examples,
		OutputFormat: req.OutputFormat,
		APIKey:       leased.Secret,
	})

	rec.Provider = inv.Name()
	rec.PromptTokens = result.Usage.PromptTokens
	rec.CompletionTokens = result.Usage.CompletionTokens
	rec.TotalTokens = result.Usage.TotalTokens
	rec.LatencyMS = result.Latency.Milliseconds()

	if callErr != nil {
		if haveLease {
			g.releaseQuiet(leased.ID, outcomeFor(callErr))
		}
		rec.Status = history.StatusError
		rec.ErrorCode = string(CodeProviderError)
		g.record(callCtx, rec)
		g.logger.Printf("ask provider error account=%s session=%s provider=%s err=%v", req.AccountID, req.SessionID, inv.Name(), callErr)
		return AskResponse{}, NewError(CodeProviderError, "provider %s: %v", inv.Name(), callErr)
	}

	if haveLease {
		g.releaseQuiet(leased.ID, keypool.OutcomeSuccess)
	}

	var deducted int64
	if policy.Mode == keypool.ModePremium && cost > 0 {
		_, _, err := g.ledger.AdjustCredits(callCtx, req.AccountID, -cost, ledger.KindCreditDeduct, "llm_request "+requestID)
		if err != nil {
			// Funds were verified upfront; losing the race to a
			// concurrent spender is the only way to land here.
			rec.Status = history.StatusError
			rec.ErrorCode = string(CodeInsufficientCredits)
			g.record(callCtx, rec)
			return AskResponse{}, NewError(CodeInsufficientCredits, "settle request: %v", err)
		}
		deducted = cost
	}

	rec.Status = history.StatusSuccess
	rec.CreditsCharged = deducted
	g.record(callCtx, rec)

	if g.cache != nil {
		g.cache.Put(req.AccountID, req.SessionID, req.Question, cache.Answer{
			Answer:    result.Answer,
			RequestID: requestID,
			Usage:     result.Usage,
		})
	}

	resp := AskResponse{
		Answer:          result.Answer,
		RequestID:       requestID,
		Provider:        inv.Name(),
		Model:           policy.Model,
		CreditsDeducted: deducted,
		TokensUsed:      result.Usage,
	}
	if current, err := g.ledger.GetAccount(callCtx, req.AccountID); err == nil {
		resp.Balance = current.Balance
		resp.Credits = current.Credits
	}
	g.logger.Printf("ask ok account=%s session=%s mode=%s provider=%s model=%s tokens=%d credits_deducted=%d latency_ms=%d",
		req.AccountID, req.SessionID, policy.Mode, inv.Name(), policy.Model, result.Usage.TotalTokens, deducted, rec.LatencyMS)
	return resp, nil
}

// record writes the single request record; persistence failures are logged
// rather than surfaced, the answer is already settled.
func (g *Gateway) record(ctx context.Context, rec history.Record) {
	if g.history == nil {
		return
	}
	if err := g.history.Record(ctx, rec); err != nil {
		g.logger.Printf("request record failed id=%s err=%v", rec.ID, err)
	}
}

func (g *Gateway) releaseQuiet(id string, outcome keypool.Outcome) {
	if err := g.pool.Release(context.Background(), id, outcome); err != nil {
		g.logger.Printf("release failed key=%s outcome=%s err=%v", id, outcome, err)
	}
}

// outcomeFor maps a provider failure onto the credential health transition.
func outcomeFor(err error) keypool.Outcome {
	switch {
	case adapter.IsRateLimited(err):
		return keypool.OutcomeRateLimited
	case adapter.IsAuthFailure(err):
		return keypool.OutcomeAuthFailed
	default:
		return keypool.OutcomeError
	}
}
