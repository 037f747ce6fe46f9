package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/credpool/credpool-gateway/internal/adapter"
	adaptergemini "github.com/credpool/credpool-gateway/internal/adapter/gemini"
	"github.com/credpool/credpool-gateway/internal/adapter/loopback"
	adapteropenai "github.com/credpool/credpool-gateway/internal/adapter/openai"
	adapterrouter "github.com/credpool/credpool-gateway/internal/adapter/router"
	"github.com/credpool/credpool-gateway/internal/auth"
	"github.com/credpool/credpool-gateway/internal/cache"
	"github.com/credpool/credpool-gateway/internal/config"
	"github.com/credpool/credpool-gateway/internal/core"
	"github.com/credpool/credpool-gateway/internal/history"
	historysqlite "github.com/credpool/credpool-gateway/internal/history/sqlite"
	"github.com/credpool/credpool-gateway/internal/httpserver"
	"github.com/credpool/credpool-gateway/internal/keypool"
	keypoolsqlite "github.com/credpool/credpool-gateway/internal/keypool/sqlite"
	"github.com/credpool/credpool-gateway/internal/ledger"
	ledgerpostgres "github.com/credpool/credpool-gateway/internal/ledger/postgres"
	ledgersqlite "github.com/credpool/credpool-gateway/internal/ledger/sqlite"
	"github.com/credpool/credpool-gateway/internal/logging"
	"github.com/credpool/credpool-gateway/internal/modelmeta"
	sessionsqlite "github.com/credpool/credpool-gateway/internal/sessionstore/sqlite"
	"github.com/credpool/credpool-gateway/internal/settlement"
	settlementkafka "github.com/credpool/credpool-gateway/internal/settlement/kafka"
	settlementsqlite "github.com/credpool/credpool-gateway/internal/settlement/sqlite"
	"github.com/credpool/credpool-gateway/internal/version"
)

func main() {
	// .env is optional; real config comes from the ini files and env vars.
	_ = godotenv.Load()

	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	const maxLogBytes = int64(300 * 1024 * 1024)
	if target := strings.TrimSpace(cfg.LogFileDaemon); target != "" {
		rot, err := logging.NewRotatingWriter(target, maxLogBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		log.SetPrefix("[gatewayd] ")
		defer rot.Close()
	}
	log.Printf("starting %s env=%s", version.FullInfo(), cfg.Environment)

	var ledgerStore ledger.Store
	switch cfg.LedgerDriver {
	case "postgres":
		ledgerStore, err = ledgerpostgres.New(cfg.LedgerDSN)
	default:
		ledgerStore, err = ledgersqlite.New(cfg.LedgerPath)
	}
	if err != nil {
		log.Fatalf("open ledger store (%s): %v", cfg.LedgerDriver, err)
	}
	defer ledgerStore.Close()

	led := ledger.New(ledgerStore)
	led.SetLogger(logging.Component(log.Writer(), "ledger"))
	if rate, err := decimal.NewFromString(cfg.ExchangeRate); err == nil && rate.IsPositive() {
		led.SetExchangeRate(rate)
	} else {
		log.Printf("exchange disabled: invalid exchange_rate %q", cfg.ExchangeRate)
	}
	if bonus, err := decimal.NewFromString(cfg.WelcomeBonus); err == nil && bonus.IsPositive() {
		led.SetWelcomeBonus(bonus)
	}

	costs := modelmeta.NewTable(1)
	if _, err := os.Stat(cfg.ModelCostsFile); err == nil {
		if err := costs.LoadFile(cfg.ModelCostsFile); err != nil {
			log.Fatalf("load model costs: %v", err)
		}
	} else {
		log.Printf("model cost table %s not found; every model costs the default", cfg.ModelCostsFile)
	}

	openaiAdapter := adapteropenai.New(adapteropenai.Config{
		DefaultAPIKey:  cfg.OpenAIAPIKey,
		BaseURL:        cfg.OpenAIBaseURL,
		RequestTimeout: cfg.ProviderTimeout,
	})
	geminiAdapter := adaptergemini.New(adaptergemini.Config{
		DefaultAPIKey:  cfg.GeminiAPIKey,
		BaseURL:        cfg.GeminiBaseURL,
		RequestTimeout: cfg.ProviderTimeout,
	})
	rt := adapterrouter.New()
	rt.Register(loopback.New())
	rt.Register(openaiAdapter)
	rt.Register(geminiAdapter)
	log.Printf("providers registered: %v", rt.Providers())

	// A key is admitted if the provider does not reject it outright; being
	// throttled during the probe still counts as alive.
	prober := keypool.ProberFunc(func(ctx context.Context, secret string) error {
		probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		_, err := openaiAdapter.Complete(probeCtx, adapter.CompletionRequest{
			Model:    "gpt-4o-mini",
			Question: "ping",
			APIKey:   secret,
		})
		if adapter.IsAuthFailure(err) {
			return err
		}
		return nil
	})

	keyStore, err := keypoolsqlite.New(cfg.KeypoolPath)
	if err != nil {
		log.Fatalf("open keypool store: %v", err)
	}
	defer keyStore.Close()

	ctx := context.Background()
	pool, err := keypool.New(ctx, keyStore, prober, keypool.Config{
		MaxInflight:      cfg.PoolMaxInflight,
		FailureThreshold: cfg.PoolFailureThreshold,
		RateBurst:        float64(cfg.PoolRateBurst),
		RatePerSecond:    cfg.PoolRatePerSecond,
	})
	if err != nil {
		log.Fatalf("init keypool: %v", err)
	}
	pool.SetLogger(logging.Component(log.Writer(), "keypool"))

	var historyStore history.Store
	historyStore, err = historysqlite.New(cfg.HistoryPath)
	if err != nil {
		log.Fatalf("open history store: %v", err)
	}
	defer historyStore.Close()

	sessions, err := sessionsqlite.New(cfg.SessionsPath)
	if err != nil {
		log.Fatalf("open session store: %v", err)
	}
	defer sessions.Close()

	settlementStore, err := settlementsqlite.New(cfg.SettlementPath)
	if err != nil {
		log.Fatalf("open settlement store: %v", err)
	}
	defer settlementStore.Close()
	processor := settlement.NewProcessor(led, settlementStore)
	processor.SetLogger(logging.Component(log.Writer(), "settlement"))

	gateway := core.New(core.Options{
		Ledger:          led,
		Pool:            pool,
		Sessions:        sessions,
		Router:          rt,
		Costs:           costs,
		Cache:           cache.New(cfg.CacheSize, cfg.CacheTTL),
		History:         historyStore,
		ProviderTimeout: cfg.ProviderTimeout,
		Logger:          logging.Component(log.Writer(), "gateway"),
	})

	var authManager *auth.Manager
	if cfg.AuthDisabled {
		log.Printf("authorization disabled: accounts come from X-Account-ID")
	} else {
		authManager = auth.NewManager(cfg.AuthSecret)
	}

	consumerCtx, stopConsumer := context.WithCancel(ctx)
	defer stopConsumer()
	if len(cfg.KafkaBrokers) > 0 {
		consumer := settlementkafka.NewConsumer(settlementkafka.Config{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroup,
		}, processor)
		consumer.SetLogger(logging.Component(log.Writer(), "settlement/kafka"))
		defer consumer.Close()
		go func() {
			if err := consumer.Run(consumerCtx); err != nil && consumerCtx.Err() == nil {
				log.Printf("settlement consumer stopped: %v", err)
			}
		}()
		log.Printf("settlement feed consuming topic=%s group=%s", cfg.KafkaTopic, cfg.KafkaGroup)
	} else {
		log.Printf("settlement feed disabled: no kafka brokers configured")
	}

	httpSrv := httpserver.NewServer(httpserver.Options{
		Gateway:       gateway,
		Ledger:        led,
		Pool:          pool,
		Sessions:      sessions,
		History:       historyStore,
		Settlement:    processor,
		Auth:          authManager,
		AuthDisabled:  cfg.AuthDisabled,
		AdminAccounts: cfg.AdminAccounts,
		Logger:        logging.Component(log.Writer(), "http"),
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      httpSrv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.ProviderTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("gateway listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	stopConsumer()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
