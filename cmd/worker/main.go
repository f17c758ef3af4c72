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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tendant/simple-transcoder/internal/bus"
	"github.com/tendant/simple-transcoder/internal/config"
	"github.com/tendant/simple-transcoder/internal/encoder"
	"github.com/tendant/simple-transcoder/internal/layout"
	"github.com/tendant/simple-transcoder/internal/logging"
	"github.com/tendant/simple-transcoder/internal/metadata"
	"github.com/tendant/simple-transcoder/internal/pipeline"
	"github.com/tendant/simple-transcoder/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("worker starting",
		"nats_url", cfg.NATSURL,
		"task_stream", cfg.TaskStream,
		"roles", cfg.Roles,
		"work_dir", cfg.WorkDir,
		"output_dir", cfg.OutputDir,
		"chunk_target_size", cfg.ChunkTargetSize.HumanReadable(),
		"max_attempts", cfg.MaxAttempts,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, dir := range []string{cfg.WorkDir, cfg.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fatal(logger, "ensure directory", err, "dir", dir)
		}
	}

	nc, err := bus.Connect(cfg.NATSURL)
	if err != nil {
		fatal(logger, "connect to NATS", err, "nats_url", cfg.NATSURL)
	}
	defer nc.Close()
	logger.Info("connected to NATS", "nats_url", cfg.NATSURL)

	tasks, err := bus.NewWorkQueue(ctx, nc, bus.WorkQueueConfig{
		Stream:        cfg.TaskStream,
		SubjectPrefix: cfg.TaskSubjectPrefix,
		AckWait:       cfg.TaskTimeout + time.Minute,
	}, logger)
	if err != nil {
		fatal(logger, "create task stream", err, "stream", cfg.TaskStream)
	}

	barrierStore, err := bus.NewKVStore(ctx, nc, cfg.BarrierBucket)
	if err != nil {
		fatal(logger, "create barrier bucket", err, "bucket", cfg.BarrierBucket)
	}

	if cfg.DatabaseURL == "" {
		fatal(logger, "configure metadata store", errors.New("DATABASE_URL is required"))
	}
	pool, err := metadata.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		fatal(logger, "connect to database", err)
	}
	defer pool.Close()
	meta := metadata.NewPostgres(pool)
	if err := meta.Migrate(ctx); err != nil {
		fatal(logger, "migrate database", err)
	}
	logger.Info("metadata store ready")

	var store *storage.Client
	if cfg.NeedsStorage() {
		store, err = storage.New(ctx, storage.Config{
			Region:       cfg.S3Region,
			Endpoint:     cfg.S3Endpoint,
			UsePathStyle: cfg.S3UsePathStyle,
			OutputBucket: cfg.OutputBucket,
			TempDir:      cfg.WorkDir,
		}, logger)
		if err != nil {
			fatal(logger, "configure object storage", err)
		}
	}

	ffmpeg := encoder.NewFFmpeg(cfg.FFmpegBin, cfg.FFprobeBin, cfg.FFmpegExtraArgs)

	orch := pipeline.New(pipeline.Deps{
		Queue:    tasks,
		Barrier:  barrierStore,
		Metadata: meta,
		Encoder:  ffmpeg,
		Storage:  store,
		Events:   nc,
		Logger:   logger,
	}, pipeline.Options{
		Layout:          layout.New(cfg.WorkDir, cfg.OutputDir),
		ChunkTargetSize: int64(cfg.ChunkTargetSize.Bytes()),
		MaxAttempts:     cfg.MaxAttempts,
		TaskTimeout:     cfg.TaskTimeout,
		RetryDelay:      cfg.RetryDelay,
		MinFreeDisk:     cfg.MinFreeDisk.Bytes(),
		CleanupChunks:   cfg.CleanupChunks,
		EventSubject:    cfg.EventSubject,
		SplitWorkers:    cfg.SplitWorkers,
		ProcessWorkers:  cfg.ProcessWorkers,
		AssembleWorkers: cfg.AssembleWorkers,
	})

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, logger)
	}

	logger.Info("listening for tasks", "roles", cfg.Roles, "encoder", ffmpeg.Name())
	if err := orch.Run(ctx, cfg.Roles...); err != nil {
		fatal(logger, "worker stopped", err)
	}
	logger.Info("worker stopped")
}

func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", "err", err)
	}
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
