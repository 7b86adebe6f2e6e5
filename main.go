// stemapi/main.go
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"stemapi/analysis"
	"stemapi/api"
	"stemapi/config"
	"stemapi/pipeline"
	"stemapi/separate"
	"stemapi/storage"
	"stemapi/task"
)

func main() {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "stemapi",
	})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", "err", err)
	}

	tempDir, err := os.MkdirTemp("", "stemapi_uploads_")
	if err != nil {
		logger.Fatal("failed to create staging directory", "err", err)
	}
	cfg.TempDir = tempDir
	defer os.RemoveAll(tempDir)

	engine, err := separate.NewExecEngine(cfg.SeparateCmd, cfg.SeparateChunks, cfg.SeparateTimeout)
	if err != nil {
		logger.Fatal("failed to initialize separator", "err", err)
	}

	store, err := storage.NewStore(cfg.OutputDir)
	if err != nil {
		logger.Fatal("failed to initialize output store", "err", err)
	}

	var publisher storage.Publisher
	if cfg.PublishEnable {
		pub, perr := storage.NewS3Publisher(storage.S3Options{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			UseSSL:    cfg.S3UseSSL,
		})
		if perr != nil {
			logger.Fatal("failed to initialize publisher", "err", perr)
		}
		publisher = pub
	}

	registry := task.NewRegistry()
	analyzer := analysis.NewAnalyzer(cfg.AnalysisWindow)
	p := pipeline.New(cfg, registry, analyzer, engine, store, publisher, logger)

	router := api.SetupRouter(p, store, cfg)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Janitor: expired task records and stale artifact dirs.
	if cfg.ResultLifetime > 0 {
		go janitor(ctx, cfg, registry, store, logger)
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", "err", err)
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server forced to shutdown", "err", err)
	}

	logger.Info("server exiting")
}

// janitor periodically drops finished task records and artifact dirs older
// than the configured lifetime. Cancelled tasks never reach it, they are
// removed immediately after cleanup.
func janitor(ctx context.Context, cfg *config.Config, registry *task.Registry, store *storage.Store, logger *log.Logger) {
	interval := cfg.ResultLifetime / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := registry.Sweep(cfg.ResultLifetime); n > 0 {
				logger.Info("swept task records", "count", n)
			}
			if n := store.Sweep(cfg.ResultLifetime); n > 0 {
				logger.Info("swept artifact dirs", "count", n)
			}
		}
	}
}
