// cmd/worker/main.go
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

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tendant/simple-extractor/internal/api"
	"github.com/tendant/simple-extractor/internal/blob"
	"github.com/tendant/simple-extractor/internal/bus"
	"github.com/tendant/simple-extractor/internal/config"
	"github.com/tendant/simple-extractor/internal/jobs"
	"github.com/tendant/simple-extractor/internal/ocr"
	"github.com/tendant/simple-extractor/internal/pipeline"
)

const fetchWait = 5 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fatal(slog.New(slog.NewTextHandler(os.Stdout, nil)), "load config", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)
	logger.Info("worker starting", "tier", cfg.ProcessorTier, "nats_url", cfg.NATSURL, "stream", cfg.JobStream, "subject", cfg.ConsumeSubject(), "consumer", cfg.ConsumerName, "batch_size", cfg.BatchSize, "concurrency", cfg.Concurrency, "job_store", cfg.JobStoreBackend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		fatal(logger, "load aws config", err, "region", cfg.AWSRegion)
	}
	store := blob.NewClient(blob.NewS3(awsCfg, cfg.S3Endpoint, cfg.S3UsePathStyle), blob.WithMaxBytes(cfg.SourceLimitBytes()))
	logger.Info("blob storage ready", "bucket", cfg.BlobBucket, "endpoint", cfg.S3Endpoint, "path_style", cfg.S3UsePathStyle, "source_limit", cfg.SourceLimitBytes())

	detector := ocr.NewClient(textract.NewFromConfig(awsCfg), store, ocr.Config{
		Bucket:       cfg.BlobBucket,
		PollInterval: cfg.OCRPollInterval,
		MaxAttempts:  cfg.OCRMaxAttempts,
		Logger:       logger,
	})

	nc, err := bus.Connect(cfg.NATSURL)
	if err != nil {
		fatal(logger, "connect to NATS", err, "nats_url", cfg.NATSURL)
	}
	logger.Info("connected to NATS", "nats_url", cfg.NATSURL)
	defer nc.Close()

	if err := nc.EnsureStream(ctx, cfg.JobStream, cfg.JobSubject, cfg.HighMemorySubject, cfg.DeadLetterSubject, cfg.EmbeddingSubject); err != nil {
		fatal(logger, "ensure stream", err, "stream", cfg.JobStream)
	}

	jobStore, closeStore, err := openJobStore(ctx, cfg, nc, logger)
	if err != nil {
		fatal(logger, "open job store", err, "backend", cfg.JobStoreBackend)
	}
	defer closeStore()

	consumer, err := nc.Consumer(ctx, bus.ConsumerConfig{
		Stream:     cfg.JobStream,
		Durable:    cfg.ConsumerName,
		Subject:    cfg.ConsumeSubject(),
		AckWait:    cfg.AckWait,
		MaxDeliver: cfg.MaxDeliver,
	})
	if err != nil {
		fatal(logger, "create consumer", err, "consumer", cfg.ConsumerName)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := pipeline.NewMetrics(reg)
	go serve(logger, "metrics", cfg.MetricsAddr, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// An embedded Badger store cannot be opened by a second process, so the
	// worker serves the job API itself.
	if cfg.JobStoreBackend == config.StoreBadger && cfg.APIAddr != "" {
		server := api.NewServer(jobStore, nc, api.Options{JobSubject: cfg.JobSubject, OCREnabledDefault: cfg.OCREnabledDefault}, logger)
		go serve(logger, "job api", cfg.APIAddr, server.Routes())
	}

	p, err := pipeline.New(pipeline.Deps{
		Jobs:    jobStore,
		Blob:    store,
		Bus:     nc,
		OCR:     detector,
		Metrics: metrics,
		Logger:  logger,
	}, pipeline.Options{
		Tier:                cfg.ProcessorTier,
		ResultBucket:        cfg.BlobBucket,
		HighMemorySubject:   cfg.HighMemorySubject,
		DeadLetterSubject:   cfg.DeadLetterSubject,
		EmbeddingSubject:    cfg.EmbeddingSubject,
		LifecycleSubject:    cfg.LifecycleSubject,
		HighMemoryThreshold: cfg.HighMemoryThresholdBytes(),
		InlineResultLimit:   cfg.InlineResultLimitBytes(),
		MinCharsPerPage:     cfg.MinCharsPerPage,
		Concurrency:         cfg.Concurrency,
		Heartbeat:           cfg.AckWait / 3,
	})
	if err != nil {
		fatal(logger, "build pipeline", err)
	}
	defer p.Release()

	logger.Info("listening for jobs", "stream", cfg.JobStream, "subject", cfg.ConsumeSubject())
	consume(ctx, consumer, p, cfg.BatchSize, logger)
	logger.Info("worker stopped")
}

// consume fetches batches until ctx is cancelled. A batch in flight is
// finished even after shutdown starts.
func consume(ctx context.Context, consumer *bus.Consumer, p *pipeline.Pipeline, batchSize int, logger *slog.Logger) {
	for ctx.Err() == nil {
		msgs, err := consumer.Fetch(batchSize, fetchWait)
		if err != nil {
			logger.Warn("fetch failed", "err", err, "received", len(msgs))
		}
		if err != nil && len(msgs) == 0 {
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		batch := make([]pipeline.Message, len(msgs))
		for i, msg := range msgs {
			batch[i] = msg
		}
		if err := p.HandleBatch(context.WithoutCancel(ctx), batch); err != nil {
			logger.Warn("batch failed", "size", len(batch), "err", err)
		}
	}
}

func openJobStore(ctx context.Context, cfg config.Config, nc *bus.Client, logger *slog.Logger) (jobs.Store, func(), error) {
	if cfg.JobStoreBackend == config.StoreBadger {
		store, err := jobs.OpenBadger(cfg.JobStorePath, jobs.WithTTL(cfg.JobTTL), jobs.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		logger.Info("job store ready", "backend", cfg.JobStoreBackend, "path", cfg.JobStorePath, "ttl", cfg.JobTTL)
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("close job store", "err", err)
			}
		}, nil
	}

	kv, err := nc.KeyValue(ctx, cfg.JobKVBucket, cfg.JobTTL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("job store ready", "backend", cfg.JobStoreBackend, "bucket", cfg.JobKVBucket, "ttl", cfg.JobTTL)
	return jobs.NewKVStore(kv, cfg.JobTTL, logger), func() {}, nil
}

func serve(logger *slog.Logger, name, addr string, handler http.Handler) {
	if addr == "" {
		return
	}
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	logger.Info("http server listening", "server", name, "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server stopped", "server", name, "addr", addr, "err", err)
	}
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
