// Package escrowd wires the escrow coordinator to a ledger, a record store
// and the HTTP API.
package escrowd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"escrowlink/core/capsule"
	"escrowlink/core/ledger"
	"escrowlink/core/txgroup"
	"escrowlink/native/fees"
	"escrowlink/observability"
	"escrowlink/observability/logging"
	telemetry "escrowlink/observability/otel"
	"escrowlink/services/escrowd/config"
	"escrowlink/services/escrowd/coordinator"
	"escrowlink/services/escrowd/rpcledger"
	"escrowlink/services/escrowd/server"
	"escrowlink/services/escrowd/storage"
)

// Main runs the escrow daemon until SIGINT or SIGTERM.
func Main() error {
	var (
		cfgPath string
		dev     bool
	)
	flag.StringVar(&cfgPath, "config", "services/escrowd/config.yaml", "path to escrowd configuration")
	flag.BoolVar(&dev, "dev", false, "run against an in-memory ledger with a seeded operator wallet")
	flag.Parse()

	cfg, err := config.LoadConfig(cfgPath, dev)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env := cfg.Environment
	if env == "" {
		env = strings.TrimSpace(os.Getenv("ESCROWD_ENV"))
	}
	logger := logging.SetupWithOptions(logging.Options{
		Service:    "escrowd",
		Env:        env,
		Level:      logging.ParseLevel(cfg.Logging.Level),
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.ConfigFromEnv("escrowd", env, os.Getenv))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	schedule := fees.DefaultSchedule()
	if path := strings.TrimSpace(cfg.FeeSchedulePath); path != "" {
		if schedule, err = fees.LoadSchedule(path); err != nil {
			return fmt.Errorf("load fee schedule: %w", err)
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewEscrowdMetrics()
	metrics.MustRegister(registry)

	assets := make([]coordinator.Asset, 0, len(cfg.Assets)+1)
	for _, a := range cfg.Assets {
		assets = append(assets, coordinator.Asset{ID: a.ID, Symbol: a.Symbol, Decimals: a.Decimals})
	}

	var (
		client   ledger.Client
		platform = cfg.Platform
	)
	switch cfg.Ledger.Mode {
	case config.LedgerModeMemory:
		sink := observability.NewEventSink(logger.With(slog.String("component", "devledger")))
		sink.MustRegister(registry)
		devLedger, err := bootstrapDevnet(cfg, schedule, sink, logger)
		if err != nil {
			return err
		}
		client = devLedger.ledger
		platform = devLedger.platform
		assets = append(assets, devLedger.asset)
	default:
		rpc, err := rpcledger.New(rpcledger.Config{
			Endpoint:      cfg.Ledger.Endpoint,
			AuthToken:     cfg.Ledger.AuthToken,
			Timeout:       cfg.Ledger.Timeout.Duration,
			RatePerSecond: cfg.Ledger.RatePerSecond,
			Burst:         cfg.Ledger.Burst,
			RoundInterval: cfg.Ledger.RoundInterval.Duration,
			Logger:        logger,
		})
		if err != nil {
			return fmt.Errorf("ledger client: %w", err)
		}
		client = rpc
	}

	submitter := ledger.NewSubmitter(client,
		ledger.WithMaxRounds(cfg.Ledger.MaxRounds),
		ledger.WithRetry(cfg.Ledger.MaxRetries, cfg.Ledger.InitialBackoff.Duration, cfg.Ledger.MaxBackoff.Duration),
		ledger.WithObserver(metrics),
		ledger.WithLogger(logger))

	store, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = store.Close() }()

	hasher, err := capsule.NewHasher(cfg.ClaimHash.Key)
	if err != nil {
		return fmt.Errorf("claim hasher: %w", err)
	}
	svc, err := coordinator.New(coordinator.Config{
		Submitter: submitter,
		Builder:   txgroup.NewBuilder(schedule, platform),
		Hasher:    hasher,
		Store:     store,
		Assets:    coordinator.NewStaticAssets(assets...),
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}
	srv, err := server.New(server.Config{
		Service:        svc,
		Gatherer:       registry,
		RequestTimeout: cfg.RequestTimeout.Duration,
		Auth: server.AuthConfig{
			Secret:   []byte(cfg.Auth.JWTSecret),
			Issuer:   cfg.Auth.Issuer,
			Audience: cfg.Auth.Audience,
			Leeway:   cfg.Auth.Leeway.Duration,
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}

	logger.Info("escrowd listening",
		slog.String("address", cfg.ListenAddress),
		slog.String("ledger", cfg.Ledger.Mode),
		slog.String("database", cfg.Database.Driver),
		slog.Bool("auth", cfg.Auth.JWTSecret != ""))
	if err := srv.ListenAndServe(ctx, cfg.ListenAddress); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("escrowd stopped")
	return nil
}
