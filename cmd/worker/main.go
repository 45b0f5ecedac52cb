package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kirillkom/knowledge-retrieval/internal/bootstrap"
	"github.com/kirillkom/knowledge-retrieval/internal/config"
	"github.com/kirillkom/knowledge-retrieval/internal/observability/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := logging.NewJSONLogger("knowledge-worker", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}

	// "worker reindex" asks running workers to reload the corpus and exits.
	if len(os.Args) > 1 && os.Args[1] == "reindex" {
		err := requestReindex(ctx, app)
		if shutdownErr := app.Shutdown(context.Background()); shutdownErr != nil {
			logger.Warn("shutdown_failed", "error", shutdownErr)
		}
		if err != nil {
			log.Fatalf("reindex request error: %v", err)
		}
		return
	}

	if err := app.Start(ctx); err != nil {
		log.Fatalf("start error: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", app.Metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{
		Addr:         ":" + cfg.WorkerMetricsPort,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("metrics_listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("metrics server error: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics_shutdown_failed", "error", err)
	}
	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown_failed", "error", err)
	}
}

func requestReindex(ctx context.Context, app *bootstrap.App) error {
	if app.Queue == nil {
		return app.Reindex(ctx, "manual")
	}
	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return app.Queue.PublishReindexRequested(publishCtx, "manual")
}
