package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lunarpay/depositd/internal/admin"
	"github.com/lunarpay/depositd/internal/alert"
	"github.com/lunarpay/depositd/internal/chain"
	"github.com/lunarpay/depositd/internal/chain/btc"
	"github.com/lunarpay/depositd/internal/chain/doge"
	"github.com/lunarpay/depositd/internal/chain/eth"
	"github.com/lunarpay/depositd/internal/chain/ratelimit"
	"github.com/lunarpay/depositd/internal/config"
	"github.com/lunarpay/depositd/internal/domain/model"
	"github.com/lunarpay/depositd/internal/metrics"
	"github.com/lunarpay/depositd/internal/policy"
	"github.com/lunarpay/depositd/internal/store/postgres"
	redispkg "github.com/lunarpay/depositd/internal/store/redis"
	"github.com/lunarpay/depositd/internal/tracing"
	"github.com/lunarpay/depositd/internal/verify"
)

const migrationsDir = "migrations"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting depositd",
		"btc_explorer", cfg.Explorer.BTCBaseURL,
		"eth_explorer", cfg.Explorer.ETHBaseURL,
		"doge_explorer", cfg.Explorer.DogeBaseURL,
		"batch_size", cfg.Verifier.BatchSize,
		"max_retries", cfg.Verifier.MaxRetries,
		"interval_ms", cfg.Verifier.IntervalMs,
	)

	shutdownTracing, err := tracing.Init(context.Background(), cfg.Tracing.ServiceName, cfg.Tracing.OTLPEndpoint, true)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	db, err := postgres.New(postgres.Config{
		URL:             cfg.DB.URL,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to database")

	if err := db.RunMigrations(migrationsDir); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	runStatus, err := buildRunStatusStore(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize run status store", "error", err)
		os.Exit(1)
	}

	registry, err := buildRegistry(cfg, logger)
	if err != nil {
		logger.Error("failed to build chain adapter registry", "error", err)
		os.Exit(1)
	}

	verificationRepo := postgres.NewVerificationRepo(db)
	walletRepo := postgres.NewWalletRepo(db)
	ledgerRepo := postgres.NewLedgerRepo(db)

	service := verify.NewService(
		db,
		verificationRepo,
		walletRepo,
		ledgerRepo,
		registry,
		policy.Default(),
		logger,
		verify.WithBatchSize(cfg.Verifier.BatchSize),
		verify.WithMaxRetries(cfg.Verifier.MaxRetries),
		verify.WithThrottle(time.Duration(cfg.Verifier.ThrottleMs)*time.Millisecond),
		verify.WithRunStatusStore(runStatus, cfg.Verifier.RunStatusTTL),
		verify.WithAlerter(buildAlerter(cfg, logger)),
	)

	adminServer := admin.NewServer(
		verificationRepo,
		walletRepo,
		logger,
		admin.WithBatchRunner(service),
		admin.WithRunStatusStore(runStatus),
		admin.WithLedger(ledgerRepo),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runHTTPServer(gCtx, cfg, adminServer.Handler(), logger)
	})

	g.Go(func() error {
		interval := time.Duration(cfg.Verifier.IntervalMs) * time.Millisecond
		if err := service.RunPeriodic(gCtx, interval); err != nil && err != context.Canceled {
			return err
		}
		return nil
	})

	startDBPoolStatsPump(gCtx, db, logger)

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("depositd exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("depositd shut down gracefully")
}

func buildRegistry(cfg *config.Config, logger *slog.Logger) (*chain.Registry, error) {
	rps := cfg.Explorer.RequestsPerSecond
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}

	btcAdapter := btc.NewAdapter(cfg.Explorer.BTCBaseURL, logger)
	btcAdapter.SetRateLimiter(ratelimit.NewLimiter(rps, burst, model.CurrencyBTC.String()))

	ethAdapter := eth.NewAdapter(cfg.Explorer.ETHBaseURL, cfg.Explorer.ETHAPIKey, logger)
	ethAdapter.SetRateLimiter(ratelimit.NewLimiter(rps, burst, model.CurrencyETH.String()))

	dogeAdapter := doge.NewAdapter(cfg.Explorer.DogeBaseURL, logger)
	dogeAdapter.SetRateLimiter(ratelimit.NewLimiter(rps, burst, model.CurrencyDOGE.String()))

	return chain.NewRegistry(btcAdapter, ethAdapter, dogeAdapter)
}

func buildRunStatusStore(cfg *config.Config, logger *slog.Logger) (redispkg.RunStatusStore, error) {
	if cfg.Redis.URL == "" {
		logger.Info("redis not configured, using in-memory run status store")
		return redispkg.NewInMemoryStore(), nil
	}
	rs, err := redispkg.NewStore(cfg.Redis.URL, "depositd")
	if err != nil {
		return nil, err
	}
	logger.Info("run status store connected", "redis_url", cfg.Redis.URL)
	return rs, nil
}

func buildAlerter(cfg *config.Config, logger *slog.Logger) alert.Alerter {
	var alerters []alert.Alerter
	if cfg.Alert.SlackWebhookURL != "" {
		alerters = append(alerters, alert.NewSlackAlerter(cfg.Alert.SlackWebhookURL))
	}
	if cfg.Alert.WebhookURL != "" {
		alerters = append(alerters, alert.NewWebhookAlerter(cfg.Alert.WebhookURL))
	}
	if len(alerters) == 0 {
		return &alert.NoopAlerter{}
	}
	return alert.NewMultiAlerter(cfg.Alert.Cooldown, logger, alerters...)
}

func runHTTPServer(ctx context.Context, cfg *config.Config, adminHandler http.Handler, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/", adminHandler)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("http server shutdown error", "error", err)
		}
	}()

	logger.Info("http server started", "port", cfg.Server.Port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func startDBPoolStatsPump(ctx context.Context, db *postgres.DB, logger *slog.Logger) {
	ticker := time.NewTicker(15 * time.Second)

	collect := func() {
		stats := db.Stats()
		metrics.DBPoolOpen.Set(float64(stats.OpenConnections))
		metrics.DBPoolInUse.Set(float64(stats.InUse))
		metrics.DBPoolIdle.Set(float64(stats.Idle))
	}

	go func() {
		defer ticker.Stop()
		collect()
		for {
			select {
			case <-ctx.Done():
				logger.Info("db pool stats sampler stopped")
				return
			case <-ticker.C:
				collect()
			}
		}
	}()
}
