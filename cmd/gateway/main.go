package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/credpool/credpool-gateway/internal/config"
	"github.com/credpool/credpool-gateway/internal/version"
)

// gateway is the companion CLI for a running gatewayd. It talks to the REST
// API; it never opens the databases directly.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	logOutput := io.Writer(os.Stdout)
	if cfg.LogFileCLI != "" && cfg.LogFileCLI != "-" {
		logPath := cfg.LogFileCLI
		if !filepath.IsAbs(logPath) {
			logPath = filepath.Join(".", logPath)
		}
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
			log.Fatalf("create log directory: %v", err)
		}
		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatalf("open log file: %v", err)
		}
		defer file.Close()
		logOutput = io.MultiWriter(os.Stdout, file)
	}
	logger := log.New(logOutput, "[gateway/cli] ", log.LstdFlags)

	baseURL := stringFromEnv("http://localhost"+normalizeAddr(cfg.ListenAddr), "CREDPOOL_API_URL")
	token := stringFromEnv("", "CREDPOOL_TOKEN")
	accountID := stringFromEnv("", "CREDPOOL_ACCOUNT")

	cli := &apiClient{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		token:     token,
		accountID: accountID,
		http:      &http.Client{Timeout: 2 * time.Minute},
	}

	args := os.Args[1:]
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	var out any
	switch args[0] {
	case "version":
		fmt.Println(version.FullInfo())
		return
	case "account":
		out, err = cli.get("/api/v1/account")
	case "ledger":
		out, err = cli.get("/api/v1/account/ledger")
	case "requests":
		out, err = cli.get("/api/v1/account/requests")
	case "exchange":
		if len(args) < 2 {
			logger.Fatal("usage: gateway exchange <amount>")
		}
		out, err = cli.post("/api/v1/account/exchange", map[string]any{"amount": args[1]})
	case "ask":
		if len(args) < 3 {
			logger.Fatal("usage: gateway ask <session-id> <question>")
		}
		out, err = cli.post("/api/v1/ask", map[string]any{
			"session_id": args[1],
			"question":   strings.Join(args[2:], " "),
		})
	case "keys":
		out, err = cli.get("/api/v1/keys")
	case "add-key":
		if len(args) < 2 {
			logger.Fatal("usage: gateway add-key <secret> [name]")
		}
		body := map[string]any{"secret": args[1]}
		if len(args) > 2 {
			body["name"] = args[2]
		}
		out, err = cli.post("/api/v1/keys", body)
	case "redeem":
		if len(args) < 3 {
			logger.Fatal("usage: gateway redeem <code> <amount>")
		}
		out, err = cli.post("/api/v1/vouchers/redeem", map[string]any{"code": args[1], "amount": args[2]})
	case "health":
		out, err = cli.get("/healthz")
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Fatalf("%s failed: %v", args[0], err)
	}

	encoded, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(encoded))
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: gateway <command> [args]

commands:
  account                 show balance and credits
  ledger                  show recent ledger entries
  requests                show recent request records
  exchange <amount>       convert balance into credits
  ask <session> <text>    ask a question through a session
  keys                    list your credentials (masked)
  add-key <secret> [name] register your own provider key
  redeem <code> <amount>  redeem a voucher
  health                  daemon health
  version                 client version`)
}

type apiClient struct {
	baseURL   string
	token     string
	accountID string
	http      *http.Client
}

func (c *apiClient) get(path string) (any, error) {
	return c.do(http.MethodGet, path, nil)
}

func (c *apiClient) post(path string, body any) (any, error) {
	return c.do(http.MethodPost, path, body)
}

func (c *apiClient) do(method, path string, body any) (any, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.accountID != "" {
		req.Header.Set("X-Account-ID", c.accountID)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return decoded, nil
}

func stringFromEnv(fallback string, keys ...string) string {
	for _, key := range keys {
		if val := strings.TrimSpace(os.Getenv(key)); val != "" {
			return val
		}
	}
	return fallback
}

// normalizeAddr turns ":8080" into ":8080" and "0.0.0.0:8080" into ":8080"
// for building a localhost URL.
func normalizeAddr(addr string) string {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[i:]
	}
	return ":8080"
}
