package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/broker.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// BrokerConfig describes runtime options for the daemon and CLI.
type BrokerConfig struct {
	Environment string
	ListenAddr  string

	// Storage: sqlite (default) or postgres for the ledger; the
	// remaining stores are always sqlite files.
	LedgerDriver   string
	LedgerPath     string
	LedgerDSN      string
	HistoryPath    string
	KeypoolPath    string
	SettlementPath string
	SessionsPath   string

	// Billing
	ModelCostsFile string
	ExchangeRate   string
	WelcomeBonus   string

	// Response cache
	CacheTTL  time.Duration
	CacheSize int

	// Upstream providers
	ProviderTimeout time.Duration
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	GeminiAPIKey    string
	GeminiBaseURL   string

	// Auth
	AuthSecret    string
	AuthDisabled  bool
	AdminAccounts []string

	// Settlement feed
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	// Credential pool tuning
	PoolFailureThreshold int
	PoolRateBurst        int
	PoolRatePerSecond    float64
	PoolMaxInflight      int

	// Logging
	LogFileDaemon string
	LogFileCLI    string
	LogLevel      string
}

// Load reads config/setting.ini for the active environment, layers the
// environment file over its defaults, then applies CREDPOOL_* env vars.
func Load(root string) (BrokerConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return BrokerConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return BrokerConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := BrokerConfig{
		Environment:    s.Environment,
		ListenAddr:     firstNonEmpty(os.Getenv("CREDPOOL_LISTEN_ADDR"), merged["listen_addr"], ":8080"),
		LedgerDriver:   strings.ToLower(firstNonEmpty(os.Getenv("CREDPOOL_LEDGER_DRIVER"), merged["ledger_driver"], "sqlite")),
		LedgerPath:     firstNonEmpty(os.Getenv("CREDPOOL_LEDGER_PATH"), merged["ledger_path"], defaultDataPath("ledger.db")),
		LedgerDSN:      firstNonEmpty(os.Getenv("CREDPOOL_LEDGER_DSN"), merged["ledger_dsn"]),
		HistoryPath:    firstNonEmpty(os.Getenv("CREDPOOL_HISTORY_PATH"), merged["history_path"], defaultDataPath("history.db")),
		KeypoolPath:    firstNonEmpty(os.Getenv("CREDPOOL_KEYPOOL_PATH"), merged["keypool_path"], defaultDataPath("keypool.db")),
		SettlementPath: firstNonEmpty(os.Getenv("CREDPOOL_SETTLEMENT_PATH"), merged["settlement_path"], defaultDataPath("settlement.db")),
		SessionsPath:   firstNonEmpty(os.Getenv("CREDPOOL_SESSIONS_PATH"), merged["sessions_path"], defaultDataPath("sessions.db")),
		ModelCostsFile: firstNonEmpty(os.Getenv("CREDPOOL_MODEL_COSTS_FILE"), merged["model_costs_file"], "config/model_costs.yaml"),
		ExchangeRate:   firstNonEmpty(os.Getenv("CREDPOOL_EXCHANGE_RATE"), merged["exchange_rate"], "10"),
		WelcomeBonus:   firstNonEmpty(os.Getenv("CREDPOOL_WELCOME_BONUS"), merged["welcome_bonus"], "0"),
		LogLevel:       firstNonEmpty(os.Getenv("CREDPOOL_LOG_LEVEL"), merged["log_level"], "info"),
		AuthSecret:     firstNonEmpty(os.Getenv("CREDPOOL_AUTH_SECRET"), merged["auth_secret"], "credpool-dev-secret"),
		AuthDisabled:   parseOptionalBool(firstNonEmpty(os.Getenv("CREDPOOL_AUTH_DISABLED"), merged["auth_disabled"]), false),
	}

	if cfg.LedgerDriver != "sqlite" && cfg.LedgerDriver != "postgres" {
		return BrokerConfig{}, fmt.Errorf("unsupported ledger_driver %q", cfg.LedgerDriver)
	}
	if cfg.LedgerDriver == "postgres" && strings.TrimSpace(cfg.LedgerDSN) == "" {
		return BrokerConfig{}, errors.New("ledger_driver postgres requires ledger_dsn")
	}

	cfg.CacheTTL, err = parseOptionalDuration(firstNonEmpty(os.Getenv("CREDPOOL_CACHE_TTL"), merged["cache_ttl"]), 5*time.Minute)
	if err != nil {
		return BrokerConfig{}, fmt.Errorf("invalid cache_ttl: %w", err)
	}
	cfg.CacheSize = parseOptionalInt(firstNonEmpty(os.Getenv("CREDPOOL_CACHE_SIZE"), merged["cache_size"]), 1024)

	cfg.ProviderTimeout, err = parseOptionalDuration(firstNonEmpty(os.Getenv("CREDPOOL_PROVIDER_TIMEOUT"), merged["provider_timeout"]), 60*time.Second)
	if err != nil {
		return BrokerConfig{}, fmt.Errorf("invalid provider_timeout: %w", err)
	}
	cfg.OpenAIAPIKey = firstNonEmpty(os.Getenv("CREDPOOL_OPENAI_API_KEY"), os.Getenv("OPENAI_API_KEY"), merged["openai_api_key"])
	cfg.OpenAIBaseURL = firstNonEmpty(os.Getenv("CREDPOOL_OPENAI_BASE_URL"), merged["openai_base_url"])
	cfg.GeminiAPIKey = firstNonEmpty(os.Getenv("CREDPOOL_GEMINI_API_KEY"), os.Getenv("GEMINI_API_KEY"), merged["gemini_api_key"])
	cfg.GeminiBaseURL = firstNonEmpty(os.Getenv("CREDPOOL_GEMINI_BASE_URL"), merged["gemini_base_url"])

	cfg.AdminAccounts = parseCSV(firstNonEmpty(os.Getenv("CREDPOOL_ADMIN_ACCOUNTS"), merged["admin_accounts"], "admin"))

	cfg.KafkaBrokers = parseCSV(firstNonEmpty(os.Getenv("CREDPOOL_KAFKA_BROKERS"), merged["kafka_brokers"]))
	cfg.KafkaTopic = firstNonEmpty(os.Getenv("CREDPOOL_KAFKA_TOPIC"), merged["kafka_topic"], "credpool.settlements")
	cfg.KafkaGroup = firstNonEmpty(os.Getenv("CREDPOOL_KAFKA_GROUP"), merged["kafka_group"], "credpool-gateway")

	cfg.PoolFailureThreshold = parseOptionalInt(firstNonEmpty(os.Getenv("CREDPOOL_POOL_FAILURE_THRESHOLD"), merged["pool_failure_threshold"]), 3)
	cfg.PoolRateBurst = parseOptionalInt(firstNonEmpty(os.Getenv("CREDPOOL_POOL_RATE_BURST"), merged["pool_rate_burst"]), 0)
	cfg.PoolMaxInflight = parseOptionalInt(firstNonEmpty(os.Getenv("CREDPOOL_POOL_MAX_INFLIGHT"), merged["pool_max_inflight"]), 1)
	if v := firstNonEmpty(os.Getenv("CREDPOOL_POOL_RATE_PER_SECOND"), merged["pool_rate_per_second"]); strings.TrimSpace(v) != "" {
		parsed, perr := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if perr != nil {
			return BrokerConfig{}, fmt.Errorf("invalid pool_rate_per_second %q: %w", v, perr)
		}
		cfg.PoolRatePerSecond = parsed
	}

	base := firstNonEmpty(os.Getenv("CREDPOOL_LOG_FILE"), merged["log_file"])
	cfg.LogFileDaemon = firstNonEmpty(os.Getenv("CREDPOOL_LOG_FILE_DAEMON"), merged["log_file_daemon"], base, "logs/gatewayd.log")
	cfg.LogFileCLI = firstNonEmpty(os.Getenv("CREDPOOL_LOG_FILE_CLI"), merged["log_file_cli"], base, "-")

	return cfg, nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := firstNonEmpty(os.Getenv("CREDPOOL_ENV"), values["environment"], defaultEnv)
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func parseOptionalDuration(v string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	return time.ParseDuration(strings.TrimSpace(v))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseCSV(input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(input, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func defaultDataPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".credpool", name)
}
