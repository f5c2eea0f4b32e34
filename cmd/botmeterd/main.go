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

	"github.com/botmeter/botmeter/internal/account"
	accountpostgres "github.com/botmeter/botmeter/internal/account/postgres"
	accountsqlite "github.com/botmeter/botmeter/internal/account/sqlite"
	"github.com/botmeter/botmeter/internal/config"
	"github.com/botmeter/botmeter/internal/health"
	"github.com/botmeter/botmeter/internal/httpserver"
	"github.com/botmeter/botmeter/internal/ledger"
	ledgerpostgres "github.com/botmeter/botmeter/internal/ledger/postgres"
	ledgersqlite "github.com/botmeter/botmeter/internal/ledger/sqlite"
	"github.com/botmeter/botmeter/internal/logging"
	"github.com/botmeter/botmeter/internal/metrics"
	"github.com/botmeter/botmeter/internal/quota"
	"github.com/botmeter/botmeter/internal/ratelimit"
	usageasync "github.com/botmeter/botmeter/internal/usage/async"
	usagesqlite "github.com/botmeter/botmeter/internal/usage/sqlite"
	"github.com/botmeter/botmeter/internal/version"
	"github.com/botmeter/botmeter/internal/webhook"
	webhooksqlite "github.com/botmeter/botmeter/internal/webhook/sqlite"
)

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Rotating file logging, mirrored to stdout for foreground runs
	const maxLogBytes = int64(300 * 1024 * 1024) // 300MB
	if logTarget := strings.TrimSpace(cfg.LogFileDaemon); logTarget != "" {
		rot, err := logging.NewRotatingWriter(logTarget, maxLogBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		log.SetPrefix("[botmeterd] ")
		defer rot.Close()
	}

	collector := metrics.NewCollector()

	accounts, err := openAccountStore(cfg)
	if err != nil {
		log.Fatalf("open account store: %v", err)
	}
	defer accounts.Close()

	ledgerStore, err := openLedgerStore(cfg)
	if err != nil {
		log.Fatalf("open ledger store: %v", err)
	}
	defer ledgerStore.Close()

	usageBase, err := usagesqlite.New(cfg.UsagePath)
	if err != nil {
		log.Fatalf("open usage store: %v", err)
	}
	usageStore := usageasync.New(usageBase, usageasync.Config{
		BatchSize:     cfg.UsageBatchSize,
		FlushInterval: cfg.UsageFlushInterval,
		ChannelBuffer: cfg.UsageBuffer,
		NumWorkers:    cfg.UsageWorkers,
		Logger:        log.New(log.Writer(), "[botmeterd/usage] ", log.LstdFlags),
		OnDrop:        collector.UsageDropped,
	})
	defer usageStore.Close()

	webhookStore, err := webhooksqlite.New(cfg.WebhookPath)
	if err != nil {
		log.Fatalf("open webhook store: %v", err)
	}
	defer webhookStore.Close()

	dispatcher := webhook.NewDispatcher(webhookStore, accounts, webhook.Config{
		Workers:   cfg.WebhookWorkers,
		QueueSize: cfg.WebhookQueue,
		Timeout:   cfg.WebhookTimeout,
		Logger:    log.New(log.Writer(), "[botmeterd/webhook] ", log.LstdFlags),
		Metrics:   collector,
	})
	defer dispatcher.Close()

	limits := ledger.Limits{}
	for name, v := range cfg.TierLimits {
		limits[account.Tier(name)] = v
	}
	lgr := ledger.New(ledgerStore, limits, log.Default())
	lgr.SetLowCreditCallback(func(bal ledger.Balance) {
		dispatcher.Enqueue(webhook.NewEvent(webhook.EventCreditUpdate, bal.BotID, map[string]any{
			"creditsRemaining": bal.CreditsRemaining,
			"totalPurchased":   bal.TotalPurchased,
			"threshold":        "low_credit",
		}))
	})

	var limiter *ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         float64(cfg.RateLimitBurst),
		})
		defer limiter.Close()
	}

	httpSrv := httpserver.New(accounts, lgr, quota.New(ledgerStore, log.Default()),
		usageStore, webhookStore, dispatcher, collector, log.Default(), httpserver.Options{
			AdminToken:       cfg.AdminToken,
			CreditCost:       cfg.CreditCostPerRequest,
			RateLimit:        limiter,
			RateLimitEnabled: cfg.RateLimitEnabled,
		})

	checker := health.New(health.Config{})
	registerPing(checker, "account_db", accounts)
	registerPing(checker, "ledger_db", ledgerStore)
	checker.Register("usage_db", "database", usageBase.Ping)
	checker.Register("webhook_db", "database", webhookStore.Ping)
	httpSrv.SetHealthChecker(checker)

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      httpSrv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("%s listening on %s env=%s", version.FullInfo(), cfg.Addr(), cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

// registerPing wires a store's Ping into the health checker when the
// backend exposes one.
func registerPing(c *health.Checker, name string, store any) {
	if p, ok := store.(interface{ Ping(ctx context.Context) error }); ok {
		c.Register(name, "database", p.Ping)
	}
}

func openAccountStore(cfg config.ServiceConfig) (account.Store, error) {
	if cfg.AccountDSN != "" {
		log.Printf("account store backend=postgres")
		return accountpostgres.New(cfg.AccountDSN, cfg.KeyPepper, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns)
	}
	log.Printf("account store backend=sqlite path=%s", cfg.AccountPath)
	return accountsqlite.New(cfg.AccountPath, cfg.KeyPepper)
}

func openLedgerStore(cfg config.ServiceConfig) (ledger.Store, error) {
	if cfg.LedgerDSN != "" {
		log.Printf("ledger store backend=postgres")
		return ledgerpostgres.New(cfg.LedgerDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns,
			cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	}
	log.Printf("ledger store backend=sqlite path=%s", cfg.LedgerPath)
	return ledgersqlite.New(cfg.LedgerPath)
}
