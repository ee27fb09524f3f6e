package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/evermail/dispatch/internal/account"
	"github.com/evermail/dispatch/internal/api"
	"github.com/evermail/dispatch/internal/cache"
	"github.com/evermail/dispatch/internal/config"
	"github.com/evermail/dispatch/internal/credential"
	"github.com/evermail/dispatch/internal/events"
	"github.com/evermail/dispatch/internal/ledger"
	"github.com/evermail/dispatch/internal/logging"
	"github.com/evermail/dispatch/internal/metrics"
	"github.com/evermail/dispatch/internal/provider"
	"github.com/evermail/dispatch/internal/queue"
	"github.com/evermail/dispatch/internal/ratelimit"
	"github.com/evermail/dispatch/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dispatch engine",
	Long:  "Start the API server and the dispatch worker pool",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if _, err := logging.Setup(cfg.Logging); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	logger := slog.Default().With("component", "dispatchd")

	db, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer db.Close()

	cacheBackend, err := cache.New(cache.Config{
		Type:     cfg.Cache.Type,
		Host:     cfg.Cache.Host,
		Port:     cfg.Cache.Port,
		Password: cfg.Cache.Password,
		Database: cfg.Cache.Database,
	})
	if err != nil {
		return fmt.Errorf("failed to create cache: %w", err)
	}
	if err := cacheBackend.Connect(); err != nil {
		return fmt.Errorf("failed to connect to cache: %w", err)
	}
	defer cacheBackend.Close()

	accounts, err := account.NewSQLStore(db, cfg.Store.Driver)
	if err != nil {
		return fmt.Errorf("failed to init account store: %w", err)
	}

	sealer, err := credential.NewSealer(cfg.Credentials.SealKey)
	if err != nil {
		return fmt.Errorf("invalid seal key: %w", err)
	}
	credBackend, err := credential.NewSQLBackend(db, cfg.Store.Driver, sealer)
	if err != nil {
		return fmt.Errorf("failed to init credential backend: %w", err)
	}

	creds := credential.NewStore(credBackend, accounts, cfg.Credentials.RefreshSkew)
	creds.RegisterRefresher(account.ProviderGmail, credential.NewOAuthRefresher(cfg.Providers.Gmail))
	creds.RegisterRefresher(account.ProviderOutlook, credential.NewOAuthRefresher(cfg.Providers.Outlook))
	creds.RegisterRefresher(account.ProviderIMAP, credential.NoopRefresher{})

	jobStore, err := queue.NewSQLStore(db, cfg.Store.Driver)
	if err != nil {
		return fmt.Errorf("failed to init job store: %w", err)
	}

	led, err := ledger.NewSQLLedger(db, cfg.Store.Driver)
	if err != nil {
		return fmt.Errorf("failed to init delivery ledger: %w", err)
	}

	registry := prometheus.NewRegistry()
	rec := metrics.NewRecorder(registry)

	sink := events.NewSink(1024)
	defer sink.Close()

	limiter := ratelimit.New(cfg.RateLimit, cacheBackend)
	limiter.SetObserver(func(scope ratelimit.Scope, decision ratelimit.Decision) {
		rec.RateVerdicts.WithLabelValues(string(scope), string(decision)).Inc()
		sink.Publish(events.Event{
			Type:   events.TypeRateVerdict,
			Detail: map[string]interface{}{"scope": string(scope), "decision": string(decision)},
		})
	})

	content := provider.NewFileContentStore(cfg.Content.Dir)
	adapters := provider.NewRegistry(content)

	manager := queue.NewManager(jobStore, accounts, sink, rec)
	pool := queue.NewPool(cfg.Workers, cfg.Retry, jobStore, accounts, creds, limiter, adapters, led, sink, rec)

	apiServer := api.NewServer(cfg.API.Listen, cfg.API.MetricsEnabled, manager, accounts, creds, led, registry)
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	poolDone := make(chan error, 1)
	go func() {
		poolDone <- pool.Run(ctx)
	}()

	logger.Info("dispatch engine started",
		"store", cfg.Store.Driver,
		"cache", cacheBackend.Type(),
		"workers", cfg.Workers.Count,
		"api", cfg.API.Listen)

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signalChan
	logger.Info("shutting down", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error("API shutdown error", "error", err)
	}

	cancel()
	select {
	case <-poolDone:
	case <-shutdownCtx.Done():
		logger.Warn("worker pool did not drain before deadline")
	}

	logger.Info("shutdown complete")
	return nil
}
