package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/tendant/simple-transcoder/internal/barrier"
	"github.com/tendant/simple-transcoder/internal/encoder"
	"github.com/tendant/simple-transcoder/internal/layout"
	"github.com/tendant/simple-transcoder/internal/metadata"
	"github.com/tendant/simple-transcoder/internal/process"
	"github.com/tendant/simple-transcoder/internal/profile"
	"github.com/tendant/simple-transcoder/internal/queue"
	"github.com/tendant/simple-transcoder/pkg/schema"
)

// Processor transcodes a single chunk.
type Processor struct {
	enc     encoder.Encoder
	layout  layout.Layout
	timeout time.Duration
}

func NewProcessor(enc encoder.Encoder, l layout.Layout, timeout time.Duration) *Processor {
	return &Processor{enc: enc, layout: l, timeout: timeout}
}

// Process encodes chunk with prof and returns the processed path. The
// output is written under a partial name and renamed into place, so the
// processed path only ever holds a complete file.
func (p *Processor) Process(ctx context.Context, chunk process.Chunk, prof profile.Profile) (string, error) {
	out := p.layout.ProcessedPath(chunk.VideoID, chunk.Sequence, prof.Container().Extension())
	part := layout.PartialPath(out)

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	if err := p.enc.Transcode(ctx, chunk.SourcePath, part, prof); err != nil {
		os.Remove(part)
		return "", err
	}
	if err := os.Rename(part, out); err != nil {
		os.Remove(part)
		return "", fmt.Errorf("move processed chunk into place: %w", err)
	}
	return out, nil
}

// handleChunk processes one chunk task and reports it to the barrier.
// Redeliveries of an already processed chunk only repeat the report.
func (o *Orchestrator) handleChunk(ctx context.Context, msg queue.Message) error {
	var task schema.ChunkTask
	if err := msg.Decode(&task); err != nil {
		return err
	}
	logger := o.logger.With("video_id", task.VideoID, "sequence", task.Sequence, "stage", queue.Process, "attempt", msg.Attempt)

	decision, err := o.barrier.Begin(ctx, task.VideoID, task.Sequence)
	if err != nil {
		return o.barrierError(ctx, task.VideoID, err, logger)
	}
	switch decision {
	case barrier.Void:
		logger.Info("chunk task void, skipping")
		return nil
	case barrier.AlreadyProcessed:
		logger.Info("chunk already processed, repeating report")
		return o.reportChunk(ctx, task, logger)
	}

	prof, err := o.meta.GetProfile(ctx, task.VideoID)
	if errors.Is(err, metadata.ErrNotFound) {
		logger.Warn("chunk task for unknown video")
		return err
	}
	if err != nil {
		return queue.Retry(err, o.opts.RetryDelay)
	}

	chunk := process.Chunk{
		VideoID:    task.VideoID,
		Sequence:   task.Sequence,
		SourcePath: task.SourcePath,
		Status:     process.ChunkProcessing,
		Attempt:    msg.Attempt,
	}
	start := time.Now()
	out, err := o.processor.Process(ctx, chunk, prof)
	if err != nil {
		encErr := &process.EncodeError{VideoID: task.VideoID, Sequence: task.Sequence, Attempt: msg.Attempt, Err: err}
		if ctx.Err() != nil {
			return queue.Retry(encErr, o.opts.RetryDelay)
		}
		if msg.Attempt < o.opts.MaxAttempts {
			logger.Warn("chunk encode failed, will retry", "err", err, "max_attempts", o.opts.MaxAttempts)
			chunkRetries.Inc()
			return queue.Retry(encErr, o.opts.RetryDelay)
		}

		logger.Error("chunk encode failed, attempts exhausted", "err", err, "max_attempts", o.opts.MaxAttempts)
		errored, ferr := o.barrier.Fail(ctx, task.VideoID, task.Sequence, encErr.Error())
		if ferr != nil {
			return queue.Retry(ferr, o.opts.RetryDelay)
		}
		if errored {
			o.fail(ctx, task.VideoID, encErr)
		}
		return encErr
	}
	logger.Info("chunk processed", "output", out, "duration_ms", time.Since(start).Milliseconds())

	return o.reportChunk(ctx, task, logger)
}

func (o *Orchestrator) reportChunk(ctx context.Context, task schema.ChunkTask, logger *slog.Logger) error {
	fired, err := o.barrier.Complete(ctx, task.VideoID, task.Sequence)
	if err != nil {
		return o.barrierError(ctx, task.VideoID, err, logger)
	}
	if fired {
		logger.Info("last chunk reported, assembly dispatched")
	}
	return nil
}

// barrierError fails the video on an inconsistent completion record and
// retries on anything else.
func (o *Orchestrator) barrierError(ctx context.Context, videoID string, err error, logger *slog.Logger) error {
	var raceErr *process.BarrierRaceError
	if errors.As(err, &raceErr) || errors.Is(err, barrier.ErrUnknownChunk) {
		logger.Error("completion barrier invariant violated", "err", err)
		o.fail(ctx, videoID, err)
		return err
	}
	logger.Warn("completion barrier unavailable, will retry", "err", err)
	return queue.Retry(err, o.opts.RetryDelay)
}
