package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"tokenvest/native/vesting"
	"tokenvest/observability"
	"tokenvest/observability/logging"
	telemetry "tokenvest/observability/otel"
	"tokenvest/services/vestingd/config"
	"tokenvest/services/vestingd/server"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/vestingd/config.yaml", "path to vestingd configuration file (.yaml or .toml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("vestingd: load config: %v", err)
	}

	env := strings.TrimSpace(os.Getenv("TOKENVEST_ENV"))
	logOpts := []logging.Option{logging.WithLevel(logging.ParseLevel(cfg.Logging.Level))}
	if cfg.Logging.File != "" {
		logOpts = append(logOpts, logging.WithFile(cfg.Logging.File, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups, cfg.Logging.MaxAgeDays))
	}
	logger := logging.Setup("vestingd", env, logOpts...)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("vestingd", env))
	if err != nil {
		log.Fatalf("vestingd: init telemetry: %v", err)
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(rootCtx, cfg, logger); err != nil {
		logger.Error("vestingd exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	be, err := openBackend(cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := be.close(); err != nil {
			logger.Warn("close storage", "error", err)
		}
	}()
	if err := seedLedger(ctx, be.ledger, cfg.Ledger, logger); err != nil {
		return err
	}

	metrics := observability.Vesting()
	engine := vesting.NewEngine()
	engine.SetStore(be.store)
	engine.SetCustody(be.ledger)
	engine.SetEmitter(observability.NewEventLogger(logger, metrics))

	auth := server.NewAuthenticator(server.AuthConfig{
		Enabled:    cfg.Auth.Enabled,
		HMACSecret: cfg.Auth.HMACSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ClockSkew:  cfg.Auth.ClockSkew.Duration,
	}, logger)
	limiter := server.NewRateLimiter(map[string]server.RateLimit{
		server.RouteClaim: {RequestsPerMinute: cfg.RateLimit.ClaimsPerMinute, Burst: cfg.RateLimit.Burst},
	}, metrics)

	srv := server.New(server.Config{
		Engine:      engine,
		Balances:    be.ledger,
		Idempotency: be.idempotency,
		Auth:        auth,
		RateLimiter: limiter,
		Metrics:     metrics,
		Logger:      logger,

		TrustProxyHeaders: cfg.TrustProxyHeaders,
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.ReadTimeout.Duration,
		WriteTimeout: cfg.WriteTimeout.Duration,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening",
			"listen", cfg.ListenAddress,
			"driver", cfg.Storage.Driver,
			"auth", auth.Enabled())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration)
	defer cancel()
	logger.Info("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
