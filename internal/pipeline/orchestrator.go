// Package pipeline wires the transcode stages together: it owns the video
// lifecycle, handles split, chunk and assemble tasks, and dispatches
// assembly through the completion barrier.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-transcoder/internal/barrier"
	"github.com/tendant/simple-transcoder/internal/encoder"
	"github.com/tendant/simple-transcoder/internal/layout"
	"github.com/tendant/simple-transcoder/internal/metadata"
	"github.com/tendant/simple-transcoder/internal/process"
	"github.com/tendant/simple-transcoder/internal/profile"
	"github.com/tendant/simple-transcoder/internal/queue"
	"github.com/tendant/simple-transcoder/internal/storage"
	"github.com/tendant/simple-transcoder/pkg/schema"
)

// ErrNotCancellable is returned by Cancel once a video is terminal or its
// assembly has already been dispatched.
var ErrNotCancellable = errors.New("video can no longer be cancelled")

// Publisher receives lifecycle events. *bus.Client satisfies it.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

type Options struct {
	Layout          layout.Layout
	ChunkTargetSize int64
	MaxAttempts     int
	TaskTimeout     time.Duration
	RetryDelay      time.Duration
	MinFreeDisk     uint64
	CleanupChunks   bool
	EventSubject    string

	SplitWorkers    int
	ProcessWorkers  int
	AssembleWorkers int
}

type Deps struct {
	Queue    queue.Queue
	Barrier  barrier.Store
	Metadata metadata.Store
	Encoder  encoder.Encoder
	Storage  *storage.Client
	// Events is optional; without it no lifecycle events are published.
	Events Publisher
	Logger *slog.Logger
}

// Orchestrator creates videos and drives them through
// uploaded -> splitting -> processing -> assembling -> done.
type Orchestrator struct {
	opts      Options
	queue     queue.Queue
	meta      metadata.Store
	storage   *storage.Client
	events    Publisher
	logger    *slog.Logger
	barrier   *barrier.Barrier
	splitter  *Splitter
	processor *Processor
	assembler *Assembler
}

func New(deps Deps, opts Options) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	o := &Orchestrator{
		opts:      opts,
		queue:     deps.Queue,
		meta:      deps.Metadata,
		storage:   deps.Storage,
		events:    deps.Events,
		logger:    logger,
		splitter:  NewSplitter(deps.Encoder, opts.Layout),
		processor: NewProcessor(deps.Encoder, opts.Layout, opts.TaskTimeout),
		assembler: NewAssembler(deps.Encoder, opts.Layout),
	}
	o.barrier = barrier.New(deps.Barrier, barrier.DispatchFunc(o.dispatchAssembly), logger)
	return o
}

// Barrier exposes the completion barrier, mainly for inspection tools.
func (o *Orchestrator) Barrier() *barrier.Barrier { return o.barrier }

// Submit registers a new video for sourceRef and enqueues its split task.
func (o *Orchestrator) Submit(ctx context.Context, sourceRef string, prof profile.Profile) (*process.VideoJob, error) {
	if sourceRef == "" {
		return nil, errors.New("submit video: source reference is required")
	}
	if prof.IsZero() {
		return nil, fmt.Errorf("submit video: %w: profile is required", profile.ErrInvalidProfile)
	}

	job := process.NewJob(uuid.NewString(), sourceRef, prof)
	if err := o.meta.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create video record: %w", err)
	}
	logger := o.logger.With("video_id", job.ID)
	logger.Info("video submitted", "source", sourceRef, "profile", prof.String())
	o.publish(job.ID, metadata.Transition{To: process.StatusUploaded, Applied: true}, metadata.StatusUpdate{Status: process.StatusUploaded}, nil)

	task := schema.SplitTask{
		VideoID:          job.ID,
		SourceRef:        sourceRef,
		TargetChunkBytes: o.opts.ChunkTargetSize,
	}
	if err := o.queue.Enqueue(ctx, queue.Split, splitTaskID(job.ID), task); err != nil {
		err = fmt.Errorf("enqueue split task: %w", err)
		o.fail(ctx, job.ID, err)
		return nil, err
	}
	return job, nil
}

// Status returns the stored video.
func (o *Orchestrator) Status(ctx context.Context, videoID string) (*process.VideoJob, error) {
	return o.meta.Get(ctx, videoID)
}

// Cancel stops a video that has not reached assembly. Chunk tasks still in
// flight become no-ops and assembly can no longer fire.
func (o *Orchestrator) Cancel(ctx context.Context, videoID, reason string) error {
	job, err := o.meta.Get(ctx, videoID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() || job.Status == process.StatusAssembling {
		return fmt.Errorf("cancel %s: %w (status %s)", videoID, ErrNotCancellable, job.Status)
	}
	if reason == "" {
		reason = "cancelled by request"
	}

	if err := o.barrier.Abort(ctx, videoID, reason); err != nil {
		if errors.Is(err, barrier.ErrAlreadyTriggered) {
			return fmt.Errorf("cancel %s: %w", videoID, ErrNotCancellable)
		}
		return fmt.Errorf("cancel %s: %w", videoID, err)
	}
	o.fail(ctx, videoID, fmt.Errorf("cancelled: %s", reason))
	return nil
}

// advance applies one status step and publishes it when it was applied.
func (o *Orchestrator) advance(ctx context.Context, videoID string, upd metadata.StatusUpdate) (metadata.Transition, error) {
	t, err := o.meta.SetStatus(ctx, videoID, upd)
	if err != nil {
		return t, fmt.Errorf("set %s status %s: %w", videoID, upd.Status, err)
	}
	if t.Applied {
		o.logger.Info("video status changed", "video_id", videoID, "from", t.From, "to", t.To)
		o.publish(videoID, t, upd, nil)
	}
	return t, nil
}

// fail moves a video to error. It is a no-op for videos that are already
// terminal.
func (o *Orchestrator) fail(ctx context.Context, videoID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	upd := metadata.StatusUpdate{Status: process.StatusError, Reason: cause.Error()}
	t, err := o.meta.SetStatus(ctx, videoID, upd)
	if err != nil {
		o.logger.Warn("could not mark video failed", "video_id", videoID, "cause", cause, "err", err)
		return
	}
	if t.Applied {
		o.logger.Error("video failed", "video_id", videoID, "from", t.From, "err", cause, "failure_type", process.ClassifyError(cause))
		o.publish(videoID, t, upd, cause)
	}
}

// dispatchAssembly is the barrier's dispatcher. It runs once per video, in
// the worker whose report completed the chunk set.
func (o *Orchestrator) dispatchAssembly(ctx context.Context, videoID string, chunkCount int) error {
	if _, err := o.advance(ctx, videoID, metadata.StatusUpdate{Status: process.StatusAssembling}); err != nil {
		return err
	}
	task := schema.AssembleTask{VideoID: videoID, ChunkCount: chunkCount}
	if err := o.queue.Enqueue(ctx, queue.Assemble, assembleTaskID(videoID), task); err != nil {
		return fmt.Errorf("enqueue assemble task: %w", err)
	}
	return nil
}

func (o *Orchestrator) publish(videoID string, t metadata.Transition, upd metadata.StatusUpdate, cause error) {
	statusTransitions.WithLabelValues(string(t.To)).Inc()
	if o.events == nil {
		return
	}

	event := schema.VideoLifecycleEvent{
		VideoID:        videoID,
		Status:         string(t.To),
		PreviousStatus: string(t.From),
		ChunkCount:     upd.ChunkCount,
		OutputPath:     upd.OutputPath,
		HappenedAt:     time.Now().UnixMilli(),
	}
	if cause != nil {
		event.Error = cause.Error()
		event.FailureType = process.ClassifyError(cause)
	}
	subject := o.opts.EventSubject + ".lifecycle"
	if err := o.events.PublishJSON(subject, event); err != nil {
		o.logger.Warn("publish lifecycle event failed", "video_id", videoID, "status", t.To, "subject", subject, "err", err)
	}
}

func splitTaskID(videoID string) string    { return "split." + videoID }
func assembleTaskID(videoID string) string { return "assemble." + videoID }

func chunkTaskID(videoID string, seq int) string {
	return "chunk." + videoID + "." + layout.PadSequence(seq)
}
