// cmd/jobs-api/main.go
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

	"github.com/joho/godotenv"

	"github.com/tendant/simple-extractor/internal/api"
	"github.com/tendant/simple-extractor/internal/bus"
	"github.com/tendant/simple-extractor/internal/config"
	"github.com/tendant/simple-extractor/internal/jobs"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fatal(slog.New(slog.NewTextHandler(os.Stdout, nil)), "load config", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	if cfg.JobStoreBackend != config.StoreNATS {
		fatal(logger, "jobs-api needs a shared job store", errors.New("JOB_STORE_BACKEND=badger is served by the worker itself"), "backend", cfg.JobStoreBackend)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	nc, err := bus.Connect(cfg.NATSURL)
	if err != nil {
		fatal(logger, "connect to NATS", err, "nats_url", cfg.NATSURL)
	}
	defer nc.Close()

	if err := nc.EnsureStream(ctx, cfg.JobStream, cfg.JobSubject, cfg.HighMemorySubject, cfg.DeadLetterSubject, cfg.EmbeddingSubject); err != nil {
		fatal(logger, "ensure stream", err, "stream", cfg.JobStream)
	}

	kv, err := nc.KeyValue(ctx, cfg.JobKVBucket, cfg.JobTTL)
	if err != nil {
		fatal(logger, "open job bucket", err, "bucket", cfg.JobKVBucket)
	}
	store := jobs.NewKVStore(kv, cfg.JobTTL, logger)

	server := api.NewServer(store, nc, api.Options{
		JobSubject:        cfg.JobSubject,
		OCREnabledDefault: cfg.OCREnabledDefault,
	}, logger)

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "err", err)
		}
	}()

	logger.Info("jobs api listening", "addr", cfg.APIAddr, "subject", cfg.JobSubject, "bucket", cfg.JobKVBucket)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fatal(logger, "http server", err, "addr", cfg.APIAddr)
	}
	logger.Info("jobs api stopped")
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
