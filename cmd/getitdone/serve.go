package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"getitdone/internal/api"
	"getitdone/internal/config"
	"getitdone/internal/database"
	"getitdone/internal/events"
	"getitdone/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath)
		},
	}
}

func runServe(configPath string) error {
	cfg, baseLogger, closer, err := loadConfigAndLogger(configPath)
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}
	logger := baseLogger.With().Str("component", "main").Logger()

	a, err := newApp(cfg, baseLogger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.prepare(ctx)
	startMetrics(ctx, cfg, &logger)
	logEvents(a.bus, &logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.orch.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		database.NewBackupService(a.db, cfg.Database.Path, cfg.Backup, baseLogger).Start(ctx)
	}()

	var httpServer *api.HTTPServer
	if cfg.API.Enabled {
		httpServer = api.NewHTTPServer(cfg.API, a.tasks, a.orch, a.queue, a.db, baseLogger)
		go func() {
			if err := httpServer.Start(); err != nil {
				logger.Error().Err(err).Msg("http server stopped")
			}
		}()
	}

	logger.Info().
		Str("owner_id", a.session.OwnerID()).
		Bool("api", cfg.API.Enabled).
		Bool("feed", cfg.Feed.Enabled).
		Msg("getitdone started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}
	wg.Wait()

	logger.Info().Msg("getitdone stopped")
	return nil
}

// logEvents writes bus events to the log so headless runs show render and
// sync activity.
func logEvents(bus *events.EventBus, logger *zerolog.Logger) {
	handler := func(ev *events.Event) error {
		logger.Debug().Int64("id", ev.ID).Str("type", ev.Type).RawJSON("payload", ev.Payload).Msg("event")
		return nil
	}
	for _, t := range []string{events.EventTasksChanged, events.EventSyncCompleted, events.EventSessionChanged} {
		bus.Subscribe(t, handler)
	}
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
