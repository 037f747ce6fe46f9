package httpserver_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/credpool/credpool-gateway/internal/adapter/loopback"
	"github.com/credpool/credpool-gateway/internal/adapter/router"
	"github.com/credpool/credpool-gateway/internal/auth"
	"github.com/credpool/credpool-gateway/internal/cache"
	"github.com/credpool/credpool-gateway/internal/core"
	historysqlite "github.com/credpool/credpool-gateway/internal/history/sqlite"
	"github.com/credpool/credpool-gateway/internal/httpserver"
	"github.com/credpool/credpool-gateway/internal/keypool"
	keypoolsqlite "github.com/credpool/credpool-gateway/internal/keypool/sqlite"
	"github.com/credpool/credpool-gateway/internal/ledger"
	ledgersqlite "github.com/credpool/credpool-gateway/internal/ledger/sqlite"
	"github.com/credpool/credpool-gateway/internal/sessionstore"
	"github.com/credpool/credpool-gateway/internal/settlement"
	settlementsqlite "github.com/credpool/credpool-gateway/internal/settlement/sqlite"
)

// newTestServer stands up the full broker over sqlite stores with auth
// disabled, so requests authenticate with X-Account-ID.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	dir := t.TempDir()

	ledgerStore, err := ledgersqlite.New(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("ledger store: %v", err)
	}
	t.Cleanup(func() { ledgerStore.Close() })
	led := ledger.New(ledgerStore)
	led.SetExchangeRate(decimal.NewFromInt(10))

	keyStore, err := keypoolsqlite.New(filepath.Join(dir, "keypool.db"))
	if err != nil {
		t.Fatalf("keypool store: %v", err)
	}
	pool, err := keypool.New(t.Context(), keyStore, nil, keypool.Config{})
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(func() { keyStore.Close() })

	histStore, err := historysqlite.New(filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatalf("history store: %v", err)
	}
	t.Cleanup(func() { histStore.Close() })

	settleStore, err := settlementsqlite.New(filepath.Join(dir, "settlement.db"))
	if err != nil {
		t.Fatalf("settlement store: %v", err)
	}
	t.Cleanup(func() { settleStore.Close() })

	rt := router.New()
	rt.Register(loopback.New())
	sessions := sessionstore.NewMemory()

	gw := core.New(core.Options{
		Ledger:   led,
		Pool:     pool,
		Sessions: sessions,
		Router:   rt,
		Cache:    cache.New(64, time.Minute),
		History:  histStore,
	})

	srv := httpserver.NewServer(httpserver.Options{
		Gateway:       gw,
		Ledger:        led,
		Pool:          pool,
		Sessions:      sessions,
		History:       histStore,
		Settlement:    settlement.NewProcessor(led, settleStore),
		AuthDisabled:  true,
		AdminAccounts: []string{"admin"},
	})

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, ts *httptest.Server, method, path, account string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if account != "" {
		req.Header.Set("X-Account-ID", account)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && err != io.EOF {
		t.Fatalf("decode %s %s: %v", method, path, err)
	}
	return resp.StatusCode, decoded
}

func TestHealthAndVersion(t *testing.T) {
	ts := newTestServer(t)

	status, body := doJSON(t, ts, http.MethodGet, "/healthz", "", nil)
	if status != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz = %d %v", status, body)
	}
	status, body = doJSON(t, ts, http.MethodGet, "/version", "", nil)
	if status != http.StatusOK || body["version"] == "" {
		t.Fatalf("version = %d %v", status, body)
	}
}

func TestPrivateRoutesRequireIdentity(t *testing.T) {
	ts := newTestServer(t)

	status, _ := doJSON(t, ts, http.MethodGet, "/api/v1/account", "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("status = %d without X-Account-ID", status)
	}
}

func TestAskThroughHTTP(t *testing.T) {
	ts := newTestServer(t)

	status, body := doJSON(t, ts, http.MethodPost, "/api/v1/sessions", "alice", map[string]any{
		"session_id": "s1",
		"mode":       "premium",
		"provider":   "loopback",
		"model":      "loopback",
	})
	if status != http.StatusOK {
		t.Fatalf("create session = %d %v", status, body)
	}

	// No credits yet, so payment is required.
	status, body = doJSON(t, ts, http.MethodPost, "/api/v1/ask", "alice", map[string]any{
		"session_id": "s1",
		"question":   "What is Go?",
	})
	if status != http.StatusPaymentRequired {
		t.Fatalf("ask without credits = %d %v", status, body)
	}
	if body["code"] != string(core.CodeInsufficientCredits) {
		t.Fatalf("code = %v", body["code"])
	}

	status, body = doJSON(t, ts, http.MethodPost, "/api/v1/admin/accounts/alice/credits", "admin", map[string]any{
		"amount":    5,
		"direction": "add",
		"reason":    "test grant",
	})
	if status != http.StatusOK {
		t.Fatalf("grant credits = %d %v", status, body)
	}

	status, body = doJSON(t, ts, http.MethodPost, "/api/v1/ask", "alice", map[string]any{
		"session_id": "s1",
		"question":   "What is Go?",
	})
	if status != http.StatusOK {
		t.Fatalf("ask = %d %v", status, body)
	}
	if body["answer"] == "" || body["request_id"] == "" {
		t.Fatalf("ask body = %v", body)
	}
	if body["credits_deducted"] != float64(1) {
		t.Fatalf("credits_deducted = %v", body["credits_deducted"])
	}

	// The repeat comes from the cache under the original request id.
	first := body["request_id"]
	status, body = doJSON(t, ts, http.MethodPost, "/api/v1/ask", "alice", map[string]any{
		"session_id": "s1",
		"question":   "what is go?",
	})
	if status != http.StatusOK || body["cached"] != true {
		t.Fatalf("repeat ask = %d %v", status, body)
	}
	if body["request_id"] != first {
		t.Fatalf("cached request_id = %v, want %v", body["request_id"], first)
	}

	status, body = doJSON(t, ts, http.MethodGet, "/api/v1/account/requests", "alice", nil)
	if status != http.StatusOK {
		t.Fatalf("requests = %d %v", status, body)
	}
	if reqs, ok := body["requests"].([]any); !ok || len(reqs) != 2 {
		t.Fatalf("requests body = %v", body["requests"])
	}
}

func TestAccountExchangeAndLedger(t *testing.T) {
	ts := newTestServer(t)

	// First touch creates the account.
	if status, body := doJSON(t, ts, http.MethodGet, "/api/v1/account", "alice", nil); status != http.StatusOK {
		t.Fatalf("account = %d %v", status, body)
	}

	status, body := doJSON(t, ts, http.MethodPost, "/api/v1/admin/accounts/alice/balance", "admin", map[string]any{
		"amount":    "100",
		"direction": "add",
	})
	if status != http.StatusOK {
		t.Fatalf("topup = %d %v", status, body)
	}

	status, body = doJSON(t, ts, http.MethodPost, "/api/v1/account/exchange", "alice", map[string]any{
		"amount": "30",
	})
	if status != http.StatusOK {
		t.Fatalf("exchange = %d %v", status, body)
	}
	if body["credits_purchased"] != float64(3) {
		t.Fatalf("credits_purchased = %v", body["credits_purchased"])
	}

	status, body = doJSON(t, ts, http.MethodPost, "/api/v1/account/exchange", "alice", map[string]any{
		"amount": "10000",
	})
	if status != http.StatusPaymentRequired {
		t.Fatalf("overdraw exchange = %d %v", status, body)
	}

	status, body = doJSON(t, ts, http.MethodGet, "/api/v1/account/ledger", "alice", nil)
	if status != http.StatusOK {
		t.Fatalf("ledger = %d %v", status, body)
	}
	entries, ok := body["entries"].([]any)
	if !ok || len(entries) != 3 { // topup, exchange_out, exchange_in
		t.Fatalf("entries = %v", body["entries"])
	}
}

func TestAdminPlane(t *testing.T) {
	ts := newTestServer(t)

	// Non-admin identities are rejected before the handler runs.
	status, _ := doJSON(t, ts, http.MethodGet, "/api/v1/admin/accounts/alice", "alice", nil)
	if status != http.StatusForbidden {
		t.Fatalf("non-admin status = %d", status)
	}

	if status, body := doJSON(t, ts, http.MethodGet, "/api/v1/account", "alice", nil); status != http.StatusOK {
		t.Fatalf("account = %d %v", status, body)
	}

	status, body := doJSON(t, ts, http.MethodPost, "/api/v1/admin/accounts/alice/balance", "admin", map[string]any{
		"amount":    "7",
		"direction": "deduct",
		"reason":    "chargeback",
	})
	if status != http.StatusOK {
		t.Fatalf("deduct = %d %v", status, body)
	}
	warning, _ := body["warning"].(string)
	if !strings.Contains(warning, "negative") {
		t.Fatalf("warning = %q", warning)
	}

	status, body = doJSON(t, ts, http.MethodGet, "/api/v1/admin/accounts/alice/reconcile", "admin", nil)
	if status != http.StatusOK || body["consistent"] != true {
		t.Fatalf("reconcile = %d %v", status, body)
	}

	status, body = doJSON(t, ts, http.MethodPost, "/api/v1/admin/accounts/alice/active", "admin", map[string]any{
		"active": false,
	})
	if status != http.StatusOK {
		t.Fatalf("suspend = %d %v", status, body)
	}
}

func TestKeyEndpointsMaskSecrets(t *testing.T) {
	ts := newTestServer(t)

	status, body := doJSON(t, ts, http.MethodPost, "/api/v1/keys", "alice", map[string]any{
		"secret": "sk-test-abcdef1234567890",
		"name":   "my key",
	})
	if status != http.StatusCreated {
		t.Fatalf("add key = %d %v", status, body)
	}
	key, _ := body["key"].(map[string]any)
	secret, _ := key["secret"].(string)
	if strings.Contains(secret, "abcdef1234") {
		t.Fatalf("secret leaked: %q", secret)
	}
	if !strings.Contains(secret, "...") {
		t.Fatalf("secret not masked: %q", secret)
	}
	id, _ := key["id"].(string)

	status, body = doJSON(t, ts, http.MethodGet, "/api/v1/keys", "alice", nil)
	if status != http.StatusOK {
		t.Fatalf("list keys = %d %v", status, body)
	}
	keys, _ := body["keys"].([]any)
	if len(keys) != 1 {
		t.Fatalf("keys = %v", body["keys"])
	}

	// Another account cannot delete it.
	status, _ = doJSON(t, ts, http.MethodDelete, "/api/v1/keys/"+id, "bob", nil)
	if status != http.StatusForbidden {
		t.Fatalf("foreign delete = %d", status)
	}
	status, _ = doJSON(t, ts, http.MethodDelete, "/api/v1/keys/"+id, "alice", nil)
	if status != http.StatusOK {
		t.Fatalf("delete = %d", status)
	}
}

func TestVoucherFlow(t *testing.T) {
	ts := newTestServer(t)

	status, body := doJSON(t, ts, http.MethodPost, "/api/v1/admin/vouchers", "admin", map[string]any{
		"code":          "WELCOME10",
		"discount_type": "percentage",
		"value":         "10",
	})
	if status != http.StatusCreated {
		t.Fatalf("create voucher = %d %v", status, body)
	}

	status, body = doJSON(t, ts, http.MethodPost, "/api/v1/vouchers/redeem", "alice", map[string]any{
		"code":   "WELCOME10",
		"amount": "500",
	})
	if status != http.StatusOK {
		t.Fatalf("redeem = %d %v", status, body)
	}

	status, _ = doJSON(t, ts, http.MethodPost, "/api/v1/vouchers/redeem", "alice", map[string]any{
		"code":   "WELCOME10",
		"amount": "500",
	})
	if status != http.StatusConflict {
		t.Fatalf("duplicate redeem = %d", status)
	}

	status, _ = doJSON(t, ts, http.MethodPost, "/api/v1/vouchers/redeem", "alice", map[string]any{
		"code":   "NOPE",
		"amount": "500",
	})
	if status != http.StatusNotFound {
		t.Fatalf("missing voucher = %d", status)
	}
}

func TestTokenAuth(t *testing.T) {
	dir := t.TempDir()
	ledgerStore, err := ledgersqlite.New(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("ledger store: %v", err)
	}
	t.Cleanup(func() { ledgerStore.Close() })

	keyStore, err := keypoolsqlite.New(filepath.Join(dir, "keypool.db"))
	if err != nil {
		t.Fatalf("keypool store: %v", err)
	}
	t.Cleanup(func() { keyStore.Close() })
	pool, err := keypool.New(t.Context(), keyStore, nil, keypool.Config{})
	if err != nil {
		t.Fatalf("pool: %v", err)
	}

	srv := httpserver.NewServer(httpserver.Options{
		Ledger: ledger.New(ledgerStore),
		Pool:   pool,
		Auth:   auth.NewManager("test-secret"),
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	status, body := doJSON(t, ts, http.MethodPost, "/api/v1/auth/token", "", map[string]any{
		"account_id": "alice",
	})
	if status != http.StatusOK {
		t.Fatalf("issue token = %d %v", status, body)
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatal("empty token")
	}

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/account", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("account with token = %d", resp.StatusCode)
	}

	req, err = http.NewRequest(http.MethodGet, ts.URL+"/api/v1/account", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err = ts.Client().Do(req)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("account with bad token = %d", resp.StatusCode)
	}
}

func TestSettlementEndpointIdempotent(t *testing.T) {
	ts := newTestServer(t)

	deposit := map[string]any{
		"source_ref": "pay-42",
		"account_id": "alice",
		"kind":       "balance",
		"amount":     "250",
	}
	status, body := doJSON(t, ts, http.MethodPost, "/api/v1/admin/settlements", "admin", deposit)
	if status != http.StatusOK || body["applied"] != true {
		t.Fatalf("apply = %d %v", status, body)
	}
	status, body = doJSON(t, ts, http.MethodPost, "/api/v1/admin/settlements", "admin", deposit)
	if status != http.StatusOK || body["applied"] != false {
		t.Fatalf("replay = %d %v", status, body)
	}

	status, body = doJSON(t, ts, http.MethodGet, "/api/v1/account", "alice", nil)
	if status != http.StatusOK {
		t.Fatalf("account = %d %v", status, body)
	}
	acct, _ := body["account"].(map[string]any)
	if fmt.Sprintf("%v", acct["balance"]) != "250" {
		t.Fatalf("balance = %v", acct["balance"])
	}
}
