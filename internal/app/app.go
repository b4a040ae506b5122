// Package app wires the relay service's dependencies and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/newsdesk/crawlrelay/internal/api"
	"github.com/newsdesk/crawlrelay/internal/config"
	"github.com/newsdesk/crawlrelay/internal/logging"
	"github.com/newsdesk/crawlrelay/internal/metrics"
	"github.com/newsdesk/crawlrelay/internal/publisher"
	memorypublisher "github.com/newsdesk/crawlrelay/internal/publisher/memory"
	gcppublisher "github.com/newsdesk/crawlrelay/internal/publisher/pubsub"
	"github.com/newsdesk/crawlrelay/internal/relay"
	"github.com/newsdesk/crawlrelay/internal/results"
	resultsmemory "github.com/newsdesk/crawlrelay/internal/results/memory"
	resultspg "github.com/newsdesk/crawlrelay/internal/results/postgres"
	"github.com/newsdesk/crawlrelay/internal/session"
	"github.com/newsdesk/crawlrelay/internal/upstream"
)

// App contains the service's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	server *api.Server

	pgStore   *resultspg.Store
	publisher *gcppublisher.Publisher
}

// Build creates the service's dependencies from configuration.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	// Log only non-sensitive fields; the DSN stays out of logs.
	logger.Info("building service dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("upstream_base_url", cfg.Upstream.BaseURL),
		zap.String("db_provider", cfg.DB.Provider),
		zap.Bool("pubsub_enabled", cfg.PubSub.Enabled),
	)

	app := &App{cfg: cfg, logger: logger}

	var notifier publisher.Publisher
	if cfg.PubSub.Enabled {
		pub, err := gcppublisher.New(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub init failed: %w", err)
		}
		app.publisher = pub
		notifier = pub
	} else {
		notifier = memorypublisher.New()
	}

	registry := session.NewRegistry(logger.Named("registry"),
		session.WithNotifier(notifier, cfg.PubSub.TopicName),
	)

	var reader results.Reader
	switch cfg.DB.Provider {
	case "postgres":
		store, err := resultspg.NewStore(ctx, resultspg.Config{
			DSN:      cfg.DB.DSN,
			Table:    cfg.DB.Table,
			MaxConns: int32(cfg.DB.MaxOpenConns),
		})
		if err != nil {
			return nil, fmt.Errorf("result store init failed: %w", err)
		}
		app.pgStore = store
		reader = store
	default:
		reader = resultsmemory.NewStore()
	}

	policy, err := relay.ParsePolicy(cfg.Relay.ResidualPolicy)
	if err != nil {
		return nil, fmt.Errorf("relay config invalid: %w", err)
	}

	client := upstream.NewClient(cfg.Upstream.BaseURL, cfg.SnapshotTimeout(), logger.Named("upstream"))
	rel := relay.New(client, registry, relay.Config{
		ResidualPolicy: policy,
		Metrics:        metrics.NewRelay(),
	}, logger.Named("relay"))

	app.server = api.NewServer(rel, reader, registry, client, cfg.ServerTimeout(), logger.Named("api"))
	return app, nil
}

// Run starts the HTTP server and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close releases external resources.
func (a *App) Close(_ context.Context) error {
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub close failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}
