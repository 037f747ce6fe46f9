package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/credpool/credpool-gateway/internal/keypool"
	"github.com/credpool/credpool-gateway/internal/ledger"
	"github.com/credpool/credpool-gateway/internal/settlement"
)

func (s *Server) handleAdminAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.ledger.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			s.respondError(w, http.StatusNotFound, err)
			return
		}
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"account": acct})
}

func (s *Server) handleAdminAccountLedger(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r, 50)
	entries, err := s.ledger.History(r.Context(), chi.URLParam(r, "id"), limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleAdminReconcile(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	if err := s.ledger.Reconcile(r.Context(), accountID); err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			s.respondError(w, http.StatusNotFound, err)
			return
		}
		s.respondJSON(w, http.StatusConflict, map[string]any{
			"account_id": accountID,
			"consistent": false,
			"detail":     err.Error(),
		})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"account_id": accountID,
		"consistent": true,
	})
}

type adminAdjustRequest struct {
	Amount    string `json:"amount"`
	Direction string `json:"direction"`
	Reason    string `json:"reason,omitempty"`
}

func parseDirection(v string) (ledger.AdminDirection, error) {
	switch ledger.AdminDirection(strings.ToLower(strings.TrimSpace(v))) {
	case ledger.AdminAdd:
		return ledger.AdminAdd, nil
	case ledger.AdminDeduct:
		return ledger.AdminDeduct, nil
	}
	return "", errors.New("direction must be add or deduct")
}

func (s *Server) handleAdminAdjustBalance(w http.ResponseWriter, r *http.Request) {
	var req adminAdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid json body"))
		return
	}
	direction, err := parseDirection(req.Direction)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid amount"))
		return
	}
	acct, entry, wentNegative, err := s.ledger.AdminAdjustBalance(r.Context(), chi.URLParam(r, "id"), amount, direction, req.Reason)
	if err != nil {
		s.respondAdminLedgerError(w, err)
		return
	}
	resp := map[string]any{"account": acct, "entry": entry}
	if wentNegative {
		resp["warning"] = "balance is now negative"
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAdminAdjustCredits(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount    int64  `json:"amount"`
		Direction string `json:"direction"`
		Reason    string `json:"reason,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid json body"))
		return
	}
	direction, err := parseDirection(req.Direction)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	acct, entry, wentNegative, err := s.ledger.AdminAdjustCredits(r.Context(), chi.URLParam(r, "id"), req.Amount, direction, req.Reason)
	if err != nil {
		s.respondAdminLedgerError(w, err)
		return
	}
	resp := map[string]any{"account": acct, "entry": entry}
	if wentNegative {
		resp["warning"] = "credits are now negative"
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) respondAdminLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		s.respondError(w, http.StatusNotFound, err)
	case errors.Is(err, ledger.ErrInvalidAmount):
		s.respondError(w, http.StatusBadRequest, err)
	default:
		s.respondError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleAdminSetActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid json body"))
		return
	}
	accountID := chi.URLParam(r, "id")
	if err := s.ledger.SetAccountActive(r.Context(), accountID, req.Active); err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			s.respondError(w, http.StatusNotFound, err)
			return
		}
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"account_id": accountID, "active": req.Active})
}

func (s *Server) handleAdminListKeys(w http.ResponseWriter, r *http.Request) {
	creds := s.pool.List("")
	views := make([]credentialView, 0, len(creds))
	for _, c := range creds {
		views = append(views, viewOf(c))
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"keys": views})
}

// handleAdminAddKey admits a shared pool credential (no owner).
func (s *Server) handleAdminAddKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Secret   string `json:"secret"`
		Name     string `json:"name,omitempty"`
		Priority int    `json:"priority,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid json body"))
		return
	}
	cred, err := s.pool.Add(r.Context(), "", req.Secret, req.Name, req.Priority)
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

func (s *Server) handleAdminDeleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.pool.Remove(r.Context(), id); err != nil {
		if errors.Is(err, keypool.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, err)
			return
		}
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) handleAdminKeyStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid json body"))
		return
	}
	status := keypool.Status(strings.ToLower(strings.TrimSpace(req.Status)))
	if !keypool.ValidStatus(status) {
		s.respondError(w, http.StatusBadRequest, errors.New("status must be active, rate_limited, dead or disabled"))
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.pool.SetStatus(r.Context(), id, status); err != nil {
		if errors.Is(err, keypool.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, err)
			return
		}
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"id": id, "status": status})
}

func (s *Server) handleAdminCreateVoucher(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code         string `json:"code"`
		DiscountType string `json:"discount_type"`
		Value        string `json:"value"`
		MaxDiscount  string `json:"max_discount,omitempty"`
		MinAmount    string `json:"min_amount,omitempty"`
		ValidFrom    string `json:"valid_from,omitempty"`
		ValidUntil   string `json:"valid_until,omitempty"`
		UsageCap     int64  `json:"usage_cap,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid json body"))
		return
	}
	value, err := decimal.NewFromString(strings.TrimSpace(req.Value))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid value"))
		return
	}
	v := settlement.Voucher{
		Code:         req.Code,
		DiscountType: settlement.DiscountType(strings.ToLower(strings.TrimSpace(req.DiscountType))),
		Value:        value,
		UsageCap:     req.UsageCap,
	}
	if v.MaxDiscount, err = optionalDecimal(req.MaxDiscount); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid max_discount"))
		return
	}
	if v.MinAmount, err = optionalDecimal(req.MinAmount); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid min_amount"))
		return
	}
	if v.ValidFrom, err = optionalTime(req.ValidFrom); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid valid_from"))
		return
	}
	if v.ValidUntil, err = optionalTime(req.ValidUntil); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid valid_until"))
		return
	}
	created, err := s.settlement.CreateVoucher(r.Context(), v)
	if err != nil {
		if errors.Is(err, settlement.ErrDuplicate) {
			s.respondError(w, http.StatusConflict, err)
			return
		}
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]any{"voucher": created})
}

// handleAdminApplySettlement applies one deposit through the same idempotent
// path the feed consumer uses.
func (s *Server) handleAdminApplySettlement(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceRef string `json:"source_ref"`
		AccountID string `json:"account_id"`
		Kind      string `json:"kind"`
		Amount    string `json:"amount,omitempty"`
		Credits   int64  `json:"credits,omitempty"`
		Memo      string `json:"memo,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid json body"))
		return
	}
	amount, err := optionalDecimal(req.Amount)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid amount"))
		return
	}
	applied, err := s.settlement.Apply(r.Context(), settlement.Deposit{
		SourceRef: req.SourceRef,
		AccountID: req.AccountID,
		Kind:      settlement.DepositKind(strings.ToLower(strings.TrimSpace(req.Kind))),
		Amount:    amount,
		Credits:   req.Credits,
		Memo:      req.Memo,
	})
	if err != nil {
		if errors.Is(err, settlement.ErrInvalidDeposit) {
			s.respondError(w, http.StatusBadRequest, err)
			return
		}
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"source_ref": req.SourceRef,
		"applied":    applied,
	})
}

func optionalDecimal(v string) (decimal.Decimal, error) {
	if strings.TrimSpace(v) == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(strings.TrimSpace(v))
}

func optionalTime(v string) (time.Time, error) {
	if strings.TrimSpace(v) == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, strings.TrimSpace(v))
}
