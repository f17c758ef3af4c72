package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tendant/simple-transcoder/internal/barrier"
	"github.com/tendant/simple-transcoder/internal/encoder"
	"github.com/tendant/simple-transcoder/internal/layout"
	"github.com/tendant/simple-transcoder/internal/metadata"
	"github.com/tendant/simple-transcoder/internal/process"
	"github.com/tendant/simple-transcoder/internal/queue"
	"github.com/tendant/simple-transcoder/pkg/schema"
)

// Assembler concatenates the processed chunks of a video into its final
// artifact.
type Assembler struct {
	enc    encoder.Encoder
	layout layout.Layout
}

func NewAssembler(enc encoder.Encoder, l layout.Layout) *Assembler {
	return &Assembler{enc: enc, layout: l}
}

// Assemble joins processed chunks 0..n-1 in sequence order. Every chunk
// must be present; a missing one is reported as *process.MissingChunkError
// and nothing is written.
func (a *Assembler) Assemble(ctx context.Context, videoID string, n int, ext string) (string, error) {
	if n < 1 {
		return "", fmt.Errorf("assemble %s: chunk count must be at least 1 (got %d)", videoID, n)
	}
	inputs := make([]string, n)
	for seq := range inputs {
		path := a.layout.ProcessedPath(videoID, seq, ext)
		if _, err := os.Stat(path); err != nil {
			return "", &process.MissingChunkError{VideoID: videoID, Sequence: seq, Path: path}
		}
		inputs[seq] = path
	}

	out := a.layout.OutputPath(videoID, ext)
	part := layout.PartialPath(out)
	if err := a.enc.Concat(ctx, inputs, part); err != nil {
		os.Remove(part)
		return "", fmt.Errorf("concat %d chunks: %w", n, err)
	}
	if err := os.Rename(part, out); err != nil {
		os.Remove(part)
		return "", fmt.Errorf("move output into place: %w", err)
	}
	return out, nil
}

// handleAssemble builds the final artifact once the barrier has fired.
func (o *Orchestrator) handleAssemble(ctx context.Context, msg queue.Message) error {
	var task schema.AssembleTask
	if err := msg.Decode(&task); err != nil {
		return err
	}
	logger := o.logger.With("video_id", task.VideoID, "stage", queue.Assemble, "attempt", msg.Attempt)

	job, err := o.meta.Get(ctx, task.VideoID)
	if errors.Is(err, metadata.ErrNotFound) {
		logger.Warn("assemble task for unknown video")
		return err
	}
	if err != nil {
		return queue.Retry(err, o.opts.RetryDelay)
	}
	switch job.Status {
	case process.StatusDone, process.StatusError:
		logger.Info("assemble task no longer needed", "status", job.Status)
		return nil
	case process.StatusAssembling:
	default:
		raceErr := &process.BarrierRaceError{VideoID: job.ID, Detail: fmt.Sprintf("assemble task received while video is %s", job.Status)}
		logger.Error("assemble task out of order", "err", raceErr)
		o.fail(ctx, job.ID, raceErr)
		return raceErr
	}

	// Step 1: Confirm the barrier fired
	rec, err := o.barrier.Snapshot(ctx, job.ID)
	if err != nil && !errors.Is(err, barrier.ErrNotFound) {
		return o.barrierError(ctx, job.ID, err, logger)
	}
	if state := rec.State(); err != nil || state != barrier.StateCompleteTriggered {
		raceErr := &process.BarrierRaceError{VideoID: job.ID, Detail: fmt.Sprintf("assemble task received with barrier %s", rec.State())}
		logger.Error("assemble task without trigger", "err", raceErr)
		o.fail(ctx, job.ID, raceErr)
		return raceErr
	}
	if task.ChunkCount != rec.Expected {
		logger.Warn("assemble task chunk count differs from barrier", "task_chunks", task.ChunkCount, "barrier_chunks", rec.Expected)
	}

	// Step 2: Concatenate
	start := time.Now()
	out, err := o.assembler.Assemble(ctx, job.ID, rec.Expected, job.Profile.Container().Extension())
	if err != nil {
		var missing *process.MissingChunkError
		if errors.As(err, &missing) {
			missingChunks.Inc()
			logger.Error("processed chunk missing at assembly", "sequence", missing.Sequence, "path", missing.Path)
			o.fail(ctx, job.ID, err)
			return err
		}
		return o.retryOrFail(ctx, job.ID, msg.Attempt, err, "assembly failed")
	}
	logger.Info("chunks assembled", "output", out, "chunks", rec.Expected, "duration_ms", time.Since(start).Milliseconds())

	// Step 3: Publish
	location, err := o.storage.Publish(ctx, out, filepath.Base(out))
	if err != nil {
		return o.retryOrFail(ctx, job.ID, msg.Attempt, err, "publish output failed")
	}

	if _, err := o.advance(ctx, job.ID, metadata.StatusUpdate{Status: process.StatusDone, OutputPath: location}); err != nil {
		return queue.Retry(err, o.opts.RetryDelay)
	}

	// Step 4: Clean up intermediates
	if o.opts.CleanupChunks {
		o.removeDirs(job.ID, logger)
		if err := o.barrier.Purge(ctx, job.ID); err != nil {
			logger.Warn("purge completion record failed", "err", err)
		}
	}
	return nil
}

func (o *Orchestrator) retryOrFail(ctx context.Context, videoID string, attempt int, err error, msg string) error {
	logger := o.logger.With("video_id", videoID, "attempt", attempt)
	if ctx.Err() != nil || attempt < o.opts.MaxAttempts {
		logger.Warn(msg+", will retry", "err", err)
		return queue.Retry(err, o.opts.RetryDelay)
	}
	logger.Error(msg, "err", err)
	o.fail(ctx, videoID, err)
	return err
}
