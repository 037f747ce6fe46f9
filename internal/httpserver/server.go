package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/credpool/credpool-gateway/internal/auth"
	"github.com/credpool/credpool-gateway/internal/core"
	"github.com/credpool/credpool-gateway/internal/history"
	"github.com/credpool/credpool-gateway/internal/keypool"
	"github.com/credpool/credpool-gateway/internal/ledger"
	"github.com/credpool/credpool-gateway/internal/sessionstore"
	"github.com/credpool/credpool-gateway/internal/settlement"
	"github.com/credpool/credpool-gateway/internal/version"
)

// Server exposes the broker's REST surface: the ask endpoint, account
// self-service, and the admin plane.
type Server struct {
	gateway    *core.Gateway
	ledger     *ledger.Ledger
	pool       *keypool.Pool
	sessions   sessionstore.Store
	history    history.Store
	settlement *settlement.Processor
	auth       *auth.Manager

	authDisabled  bool
	adminAccounts map[string]bool

	logger *log.Logger
}

// Options carries the collaborators a Server needs.
type Options struct {
	Gateway    *core.Gateway
	Ledger     *ledger.Ledger
	Pool       *keypool.Pool
	Sessions   sessionstore.Store
	History    history.Store
	Settlement *settlement.Processor
	Auth       *auth.Manager

	// AuthDisabled skips token verification; the account comes from the
	// X-Account-ID header. Local dev only.
	AuthDisabled  bool
	AdminAccounts []string
	Logger        *log.Logger
}

// NewServer assembles the HTTP layer.
func NewServer(opts Options) *Server {
	admins := make(map[string]bool, len(opts.AdminAccounts))
	for _, a := range opts.AdminAccounts {
		if a = strings.TrimSpace(a); a != "" {
			admins[a] = true
		}
	}
	if len(admins) == 0 {
		admins["admin"] = true
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[http] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Server{
		gateway:       opts.Gateway,
		ledger:        opts.Ledger,
		pool:          opts.Pool,
		sessions:      opts.Sessions,
		history:       opts.History,
		settlement:    opts.Settlement,
		auth:          opts.Auth,
		authDisabled:  opts.AuthDisabled,
		adminAccounts: admins,
		logger:        logger,
	}
}

// Router returns the configured chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/version", s.handleVersion)

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/auth/token", s.handleIssueToken)

		api.Group(func(private chi.Router) {
			private.Use(s.accountMiddleware)
			private.Post("/ask", s.handleAsk)
			private.Get("/account", s.handleAccount)
			private.Get("/account/ledger", s.handleAccountLedger)
			private.Get("/account/requests", s.handleAccountRequests)
			private.Post("/account/exchange", s.handleExchange)
			private.Post("/sessions", s.handlePutSession)
			private.Get("/keys", s.handleListKeys)
			private.Post("/keys", s.handleAddKey)
			private.Delete("/keys/{id}", s.handleDeleteKey)
			private.Post("/vouchers/redeem", s.handleRedeemVoucher)
		})

		api.Route("/admin", func(admin chi.Router) {
			admin.Use(s.accountMiddleware, s.adminMiddleware)
			admin.Get("/accounts/{id}", s.handleAdminAccount)
			admin.Get("/accounts/{id}/ledger", s.handleAdminAccountLedger)
			admin.Get("/accounts/{id}/reconcile", s.handleAdminReconcile)
			admin.Post("/accounts/{id}/balance", s.handleAdminAdjustBalance)
			admin.Post("/accounts/{id}/credits", s.handleAdminAdjustCredits)
			admin.Post("/accounts/{id}/active", s.handleAdminSetActive)
			admin.Get("/keys", s.handleAdminListKeys)
			admin.Post("/keys", s.handleAdminAddKey)
			admin.Delete("/keys/{id}", s.handleAdminDeleteKey)
			admin.Put("/keys/{id}/status", s.handleAdminKeyStatus)
			admin.Post("/vouchers", s.handleAdminCreateVoucher)
			admin.Post("/settlements", s.handleAdminApplySettlement)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"keys_available": s.pool.AvailableCount(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"version":  version.Version,
		"commit":   version.Commit,
		"built_at": version.BuiltAt,
	})
}

// handleIssueToken exchanges an account id for a signed API token. With auth
// disabled this endpoint is a no-op convenience that echoes the account.
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string `json:"account_id"`
		TTL       string `json:"ttl,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid json body"))
		return
	}
	if strings.TrimSpace(req.AccountID) == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("account_id required"))
		return
	}
	if s.authDisabled {
		s.respondJSON(w, http.StatusOK, map[string]any{"account_id": req.AccountID, "token": ""})
		return
	}
	ttl := 24 * time.Hour
	if req.TTL != "" {
		parsed, err := time.ParseDuration(req.TTL)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, errors.New("invalid ttl"))
			return
		}
		ttl = parsed
	}
	token, err := s.auth.IssueToken(req.AccountID, ttl)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"account_id": req.AccountID, "token": token})
}

type accountContextKey struct{}

// accountMiddleware resolves the calling account from the bearer token, or
// from X-Account-ID when auth is disabled.
func (s *Server) accountMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID, err := s.authenticate(r)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, err)
			return
		}
		ctx := context.WithValue(r.Context(), accountContextKey{}, accountID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.adminAccounts[accountFromContext(r.Context())] {
			s.respondError(w, http.StatusForbidden, errors.New("admin access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(r *http.Request) (string, error) {
	if s.authDisabled {
		accountID := strings.TrimSpace(r.Header.Get("X-Account-ID"))
		if accountID == "" {
			return "", errors.New("X-Account-ID header required")
		}
		return accountID, nil
	}
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-API-Key"))
	}
	if token == "" {
		return "", errors.New("missing credentials")
	}
	return s.auth.VerifyToken(token)
}

func accountFromContext(ctx context.Context) string {
	accountID, _ := ctx.Value(accountContextKey{}).(string)
	return accountID
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}

// respondGatewayError maps stable gateway codes onto HTTP statuses and keeps
// the code on the wire for programmatic callers.
func (s *Server) respondGatewayError(w http.ResponseWriter, err error) {
	var ge *core.Error
	if !errors.As(err, &ge) {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, statusForCode(ge.Code), map[string]any{
		"error": ge.Message,
		"code":  ge.Code,
	})
}

func statusForCode(code core.Code) int {
	switch code {
	case core.CodeUnauthorized:
		return http.StatusUnauthorized
	case core.CodeInvalidRequest:
		return http.StatusBadRequest
	case core.CodeSessionNotFound:
		return http.StatusNotFound
	case core.CodeNoActiveSession, core.CodeAccountSuspended:
		return http.StatusForbidden
	case core.CodeInsufficientCredits, core.CodeInsufficientBalance:
		return http.StatusPaymentRequired
	case core.CodeNoKeyAvailable:
		return http.StatusServiceUnavailable
	case core.CodeProviderError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
