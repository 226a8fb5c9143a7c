// Command reconciler periodically repairs one-sided membership references and
// serves Prometheus metrics.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mmynk/splitledger/internal/auth"
	"github.com/mmynk/splitledger/internal/config"
	"github.com/mmynk/splitledger/internal/ident"
	"github.com/mmynk/splitledger/internal/metrics"
	"github.com/mmynk/splitledger/internal/middleware"
	"github.com/mmynk/splitledger/internal/service"
	"github.com/mmynk/splitledger/internal/storage"
	"github.com/mmynk/splitledger/internal/storage/mongo"
	"github.com/mmynk/splitledger/internal/storage/retry"
	"github.com/mmynk/splitledger/internal/storage/sqlite"
	"github.com/mmynk/splitledger/pkg/logging"
)

func main() {
	cfg, err := loadConfig(".env")
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize storage", "storage", cfg.Storage, "error", err)
		os.Exit(1)
	}
	defer store.Close()
	slog.Info("Storage initialized", "storage", cfg.Storage)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	services := service.New(
		retry.Wrap(store, retry.Policy{
			MaxTries:        cfg.RetryMaxTries,
			InitialInterval: cfg.RetryInitialInterval,
		}),
		auth.NewPasswordDeriver(cfg.BcryptCost),
		ident.NewGenerator(ident.WithMaxAttempts(cfg.IDMaxAttempts), ident.WithObserver(m)),
		m,
	)

	server := newMetricsServer(cfg.MetricsAddr, registry)
	go func() {
		slog.Info("Metrics server starting", "address", cfg.MetricsAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", "error", err)
			stop()
		}
	}()

	runLoop(ctx, cfg.ReconcileInterval, services.Ledger.ReconcileAll)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Metrics server shutdown failed", "error", err)
	}
	slog.Info("Reconciler stopped")
}

// loadConfig loads the dotenv files and environment, then configures logging
// from the result so LOG_LEVEL and LOG_FORMAT may come from .env.
func loadConfig(dotenvFiles ...string) (config.Config, error) {
	cfg, err := config.Load(dotenvFiles...)
	if err != nil {
		return config.Config{}, err
	}
	logging.Setup()
	return cfg, nil
}

func openStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	switch cfg.Storage {
	case config.StorageMongo:
		return mongo.New(ctx, cfg.MongoURI, cfg.MongoDatabase, mongo.Options{
			Timeout:     cfg.MongoTimeout,
			MaxPoolSize: uint64(cfg.DBMaxOpenConns),
		})
	default:
		return sqlite.New(cfg.DBPath, sqlite.WithMaxOpenConns(cfg.DBMaxOpenConns))
	}
}

func newMetricsServer(addr string, registry *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           middleware.Logging(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// runLoop calls reconcile immediately and then every interval until ctx is done.
func runLoop(ctx context.Context, interval time.Duration, reconcile func(context.Context) ([]service.Repair, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		start := time.Now()
		repairs, err := reconcile(ctx)
		if err != nil {
			slog.Error("Reconcile pass failed", "repairs", len(repairs), "error", err)
		} else {
			slog.Info("Reconcile pass complete", "repairs", len(repairs), "duration_ms", time.Since(start).Milliseconds())
		}
		if ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
