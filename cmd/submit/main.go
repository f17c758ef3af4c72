// cmd/submit creates transcode jobs and inspects or cancels existing ones.
//
// Usage:
//
//	./submit -source s3://uploads/raw/clip.mov -profile FHD_1080_HIGH
//	./submit -source /data/in/clip.mp4 -watch
//	./submit -status 6f1c...
//	./submit -cancel 6f1c... -reason "duplicate upload"
//	./submit -list-profiles
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tendant/simple-transcoder/internal/bus"
	"github.com/tendant/simple-transcoder/internal/config"
	"github.com/tendant/simple-transcoder/internal/layout"
	"github.com/tendant/simple-transcoder/internal/logging"
	"github.com/tendant/simple-transcoder/internal/metadata"
	"github.com/tendant/simple-transcoder/internal/pipeline"
	"github.com/tendant/simple-transcoder/internal/process"
	"github.com/tendant/simple-transcoder/internal/profile"
	"github.com/tendant/simple-transcoder/pkg/schema"
)

func main() {
	_ = godotenv.Load()

	source := flag.String("source", "", "Source reference: local path, file:// or s3://bucket/key")
	profileName := flag.String("profile", "", "Encoding profile name (default: DEFAULT_PROFILE)")
	status := flag.String("status", "", "Print the status of a video and exit")
	cancelID := flag.String("cancel", "", "Cancel a video that has not reached assembly")
	reason := flag.String("reason", "", "Reason recorded with -cancel")
	watch := flag.Bool("watch", false, "Follow lifecycle events of the submitted video until it finishes")
	listProfiles := flag.Bool("list-profiles", false, "List available encoding profiles and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	presets, err := profile.LoadPresets(cfg.ProfilesFile)
	if err != nil {
		fatal(logger, "load profiles", err, "file", cfg.ProfilesFile)
	}
	if *listProfiles {
		for _, name := range presets.Names() {
			fmt.Printf("%-20s %s\n", name, presets[name])
		}
		return
	}
	if *source == "" && *status == "" && *cancelID == "" {
		fmt.Fprintln(os.Stderr, "Error: one of -source, -status or -cancel is required")
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	nc, err := bus.Connect(cfg.NATSURL)
	if err != nil {
		fatal(logger, "connect to NATS", err, "nats_url", cfg.NATSURL)
	}
	defer nc.Close()

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

	orch := pipeline.New(pipeline.Deps{
		Queue:    tasks,
		Barrier:  barrierStore,
		Metadata: meta,
		Events:   nc,
		Logger:   logger,
	}, pipeline.Options{
		Layout:          layout.New(cfg.WorkDir, cfg.OutputDir),
		ChunkTargetSize: int64(cfg.ChunkTargetSize.Bytes()),
		MaxAttempts:     cfg.MaxAttempts,
		EventSubject:    cfg.EventSubject,
	})

	switch {
	case *status != "":
		job, err := orch.Status(ctx, *status)
		if err != nil {
			fatal(logger, "get status", err, "video_id", *status)
		}
		printJob(job)

	case *cancelID != "":
		if err := orch.Cancel(ctx, *cancelID, *reason); err != nil {
			fatal(logger, "cancel video", err, "video_id", *cancelID)
		}
		job, err := orch.Status(ctx, *cancelID)
		if err != nil {
			fatal(logger, "get status", err, "video_id", *cancelID)
		}
		printJob(job)

	default:
		name := *profileName
		if name == "" {
			name = cfg.DefaultProfile
		}
		prof, err := presets.Lookup(name)
		if err != nil {
			fatal(logger, "resolve profile", err)
		}

		// Subscribe before submitting so no event is missed.
		relay := newEventRelay(ctx)
		if *watch {
			sub, err := nc.SubscribeJSON(cfg.EventSubject+".lifecycle", func(_ context.Context, data []byte) {
				if err := relay.deliver(data); err != nil {
					logger.Warn("lifecycle event", "err", err)
				}
			})
			if err != nil {
				fatal(logger, "subscribe to lifecycle events", err)
			}
			defer sub.Unsubscribe()
		}

		job, err := orch.Submit(ctx, *source, prof)
		if err != nil {
			fatal(logger, "submit video", err, "source", *source)
		}
		relay.watch(job.ID)
		fmt.Println(job.ID)
		logger.Info("video submitted", "video_id", job.ID, "profile", name)

		if *watch {
			if err := follow(ctx, job.ID, relay.events); err != nil {
				fatal(logger, "watch video", err, "video_id", job.ID)
			}
		}
	}
}

// eventRelay hands lifecycle events from the subscription to follow. Until
// the watched id is known every event is passed on and follow filters them.
// Sends block instead of dropping, so the final event is never lost.
type eventRelay struct {
	ctx    context.Context
	events chan schema.VideoLifecycleEvent
	id     atomic.Pointer[string]
}

func newEventRelay(ctx context.Context) *eventRelay {
	return &eventRelay{ctx: ctx, events: make(chan schema.VideoLifecycleEvent, 16)}
}

func (r *eventRelay) watch(videoID string) { r.id.Store(&videoID) }

func (r *eventRelay) deliver(data []byte) error {
	var ev schema.VideoLifecycleEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("decode lifecycle event: %w", err)
	}
	if id := r.id.Load(); id != nil && ev.VideoID != *id {
		return nil
	}
	select {
	case r.events <- ev:
	case <-r.ctx.Done():
	}
	return nil
}

// follow prints lifecycle events of videoID until it is done or errored.
func follow(ctx context.Context, videoID string, events <-chan schema.VideoLifecycleEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			if ev.VideoID != videoID {
				continue
			}
			at := time.UnixMilli(ev.HappenedAt).Format(time.RFC3339)
			switch process.Status(ev.Status) {
			case process.StatusDone:
				fmt.Printf("%s  %-10s %s\n", at, ev.Status, ev.OutputPath)
				return nil
			case process.StatusError:
				fmt.Printf("%s  %-10s %s (%s)\n", at, ev.Status, ev.Error, ev.FailureType)
				return fmt.Errorf("video failed: %s", ev.Error)
			case process.StatusProcessing:
				fmt.Printf("%s  %-10s %d chunks\n", at, ev.Status, ev.ChunkCount)
			default:
				fmt.Printf("%s  %s\n", at, ev.Status)
			}
		}
	}
}

func printJob(job *process.VideoJob) {
	fmt.Printf("ID:       %s\n", job.ID)
	fmt.Printf("Source:   %s\n", job.SourceRef)
	fmt.Printf("Profile:  %s\n", job.Profile)
	fmt.Printf("Status:   %s\n", job.Status)
	if job.ChunkCount > 0 {
		fmt.Printf("Chunks:   %d\n", job.ChunkCount)
	}
	if job.OutputPath != "" {
		fmt.Printf("Output:   %s\n", job.OutputPath)
	}
	if job.Reason != "" {
		fmt.Printf("Reason:   %s\n", job.Reason)
	}
	fmt.Printf("Updated:  %s\n", job.UpdatedAt.Format(time.RFC3339))
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
