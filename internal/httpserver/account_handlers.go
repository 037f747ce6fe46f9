package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/credpool/credpool-gateway/internal/core"
	"github.com/credpool/credpool-gateway/internal/keypool"
	"github.com/credpool/credpool-gateway/internal/ledger"
	"github.com/credpool/credpool-gateway/internal/sessionstore"
	"github.com/credpool/credpool-gateway/internal/settlement"
)

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req core.AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid json body"))
		return
	}
	req.AccountID = accountFromContext(r.Context())
	resp, err := s.gateway.Ask(r.Context(), req)
	if err != nil {
		s.respondGatewayError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.ledger.EnsureAccount(r.Context(), accountFromContext(r.Context()))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"account": acct})
}

func (s *Server) handleAccountLedger(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r, 50)
	entries, err := s.ledger.History(r.Context(), accountFromContext(r.Context()), limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleAccountRequests(w http.ResponseWriter, r *http.Request) {
	limit, _ := pageParams(r, 50)
	records, err := s.history.ListRecent(r.Context(), accountFromContext(r.Context()), limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"requests": records})
}

func (s *Server) handleExchange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid json body"))
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid amount"))
		return
	}
	credits, acct, err := s.ledger.Exchange(r.Context(), accountFromContext(r.Context()), amount)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInvalidAmount):
			s.respondError(w, http.StatusBadRequest, err)
		case errors.Is(err, ledger.ErrInsufficientFunds):
			s.respondError(w, http.StatusPaymentRequired, err)
		case errors.Is(err, ledger.ErrRateNotConfigured):
			s.respondError(w, http.StatusConflict, err)
		default:
			s.respondError(w, http.StatusInternalServerError, err)
		}
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"credits_purchased": credits,
		"account":           acct,
	})
}

func (s *Server) handlePutSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID  string `json:"session_id"`
		Mode       string `json:"mode"`
		Provider   string `json:"provider"`
		Model      string `json:"model"`
		Prompt     string `json:"prompt,omitempty"`
		AnswerMode string `json:"answer_mode,omitempty"`
		Active     *bool  `json:"active,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid json body"))
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("session_id required"))
		return
	}
	mode := keypool.Mode(strings.ToLower(strings.TrimSpace(req.Mode)))
	if !keypool.ValidMode(mode) {
		s.respondError(w, http.StatusBadRequest, errors.New("mode must be premium, free_pool or free_user_key"))
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	policy := sessionstore.Policy{
		SessionID:  req.SessionID,
		AccountID:  accountFromContext(r.Context()),
		Mode:       mode,
		Provider:   req.Provider,
		Model:      req.Model,
		Prompt:     req.Prompt,
		AnswerMode: req.AnswerMode,
		Active:     active,
	}
	if err := s.sessions.PutSessionPolicy(r.Context(), policy); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"session": policy})
}

// credentialView is the external shape of a credential. Secrets never leave
// the process unmasked.
type credentialView struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Secret       string     `json:"secret"`
	Status       string     `json:"status"`
	Priority     int        `json:"priority"`
	FailureCount int        `json:"failure_count"`
	LastUsedAt   time.Time  `json:"last_used_at"`
	DisabledAt   *time.Time `json:"disabled_at,omitempty"`
	Shared       bool       `json:"shared"`
}

func viewOf(c keypool.Credential) credentialView {
	return credentialView{
		ID:           c.ID,
		Name:         c.Name,
		Secret:       c.Masked(),
		Status:       string(c.Status),
		Priority:     c.Priority,
		FailureCount: c.FailureCount,
		LastUsedAt:   c.LastUsedAt,
		DisabledAt:   c.DisabledAt,
		Shared:       c.OwnerID == "",
	}
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	creds := s.pool.List(accountFromContext(r.Context()))
	views := make([]credentialView, 0, len(creds))
	for _, c := range creds {
		views = append(views, viewOf(c))
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"keys": views})
}

func (s *Server) handleAddKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Secret   string `json:"secret"`
		Name     string `json:"name,omitempty"`
		Priority int    `json:"priority,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid json body"))
		return
	}
	cred, err := s.pool.Add(r.Context(), accountFromContext(r.Context()), req.Secret, req.Name, req.Priority)
	if err != nil {
		if errors.Is(err, keypool.ErrInvalidCredential) {
			s.respondError(w, http.StatusUnprocessableEntity, err)
			return
		}
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]any{"key": viewOf(cred)})
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cred, err := s.pool.Get(id)
	if err != nil {
		s.respondError(w, http.StatusNotFound, err)
		return
	}
	if cred.OwnerID != accountFromContext(r.Context()) {
		s.respondError(w, http.StatusForbidden, errors.New("not your credential"))
		return
	}
	if err := s.pool.Remove(r.Context(), id); err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) handleRedeemVoucher(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code   string `json:"code"`
		Amount string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid json body"))
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid amount"))
		return
	}
	discount, err := s.settlement.Redeem(r.Context(), req.Code, accountFromContext(r.Context()), amount)
	if err != nil {
		switch {
		case errors.Is(err, settlement.ErrVoucherNotFound):
			s.respondError(w, http.StatusNotFound, err)
		case errors.Is(err, settlement.ErrDuplicate):
			s.respondError(w, http.StatusConflict, err)
		case errors.Is(err, settlement.ErrVoucherExpired),
			errors.Is(err, settlement.ErrVoucherExhausted),
			errors.Is(err, settlement.ErrBelowMinAmount):
			s.respondError(w, http.StatusUnprocessableEntity, err)
		default:
			s.respondError(w, http.StatusInternalServerError, err)
		}
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"code":     req.Code,
		"discount": discount,
	})
}

func pageParams(r *http.Request, defaultLimit int) (limit, offset int) {
	limit = defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return limit, offset
}
