package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/tendant/simple-transcoder/internal/barrier"
	"github.com/tendant/simple-transcoder/internal/encoder"
	"github.com/tendant/simple-transcoder/internal/layout"
	"github.com/tendant/simple-transcoder/internal/metadata"
	"github.com/tendant/simple-transcoder/internal/process"
	"github.com/tendant/simple-transcoder/internal/queue"
	"github.com/tendant/simple-transcoder/pkg/schema"
)

// Splitter cuts a source into ordered chunks of roughly a target size.
type Splitter struct {
	enc    encoder.Encoder
	layout layout.Layout
}

func NewSplitter(enc encoder.Encoder, l layout.Layout) *Splitter {
	return &Splitter{enc: enc, layout: l}
}

// Split writes the chunks of sourcePath under the video's chunk directory
// and returns them ordered by sequence, numbered 0..N-1. On failure nothing
// is left behind.
func (s *Splitter) Split(ctx context.Context, videoID, sourcePath string, targetChunkBytes int64) ([]process.Chunk, error) {
	splitErr := func(err error) error {
		return &process.SplitError{VideoID: videoID, Source: sourcePath, Err: err}
	}
	if targetChunkBytes <= 0 {
		return nil, splitErr(fmt.Errorf("target chunk size must be positive (got %d)", targetChunkBytes))
	}
	info, err := os.Stat(sourcePath)
	if err != nil {
		return nil, splitErr(err)
	}
	if info.Size() == 0 {
		return nil, splitErr(errors.New("source is empty"))
	}

	// A previous attempt may have left a partial set.
	dir := s.layout.ChunkDir(videoID)
	if err := os.RemoveAll(dir); err != nil {
		return nil, splitErr(fmt.Errorf("clear chunk dir: %w", err))
	}

	paths, err := s.enc.Segment(ctx, sourcePath, s.layout.ChunkPattern(videoID), targetChunkBytes)
	if err != nil {
		os.RemoveAll(dir)
		return nil, splitErr(err)
	}
	chunks, err := orderChunks(videoID, paths)
	if err != nil {
		os.RemoveAll(dir)
		return nil, splitErr(err)
	}
	return chunks, nil
}

// orderChunks sorts segment paths by sequence and checks they form 0..N-1.
func orderChunks(videoID string, paths []string) ([]process.Chunk, error) {
	if len(paths) == 0 {
		return nil, errors.New("segmenter produced no chunks")
	}
	chunks := make([]process.Chunk, 0, len(paths))
	for _, path := range paths {
		seq, err := layout.ParseSequence(path)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, process.Chunk{
			VideoID:    videoID,
			Sequence:   seq,
			SourcePath: path,
			Status:     process.ChunkPending,
		})
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Sequence < chunks[j].Sequence })
	for i, c := range chunks {
		if c.Sequence != i {
			return nil, fmt.Errorf("chunk sequence gap: expected %d, found %d", i, c.Sequence)
		}
	}
	return chunks, nil
}

// handleSplit runs one split task end to end: fetch, split, register the
// chunk set with the barrier, then fan out one chunk task per chunk.
func (o *Orchestrator) handleSplit(ctx context.Context, msg queue.Message) error {
	var task schema.SplitTask
	if err := msg.Decode(&task); err != nil {
		return err
	}
	logger := o.logger.With("video_id", task.VideoID, "stage", queue.Split, "attempt", msg.Attempt)

	job, err := o.meta.Get(ctx, task.VideoID)
	if errors.Is(err, metadata.ErrNotFound) {
		logger.Warn("split task for unknown video")
		return err
	}
	if err != nil {
		return queue.Retry(err, o.opts.RetryDelay)
	}

	switch job.Status {
	case process.StatusAssembling, process.StatusDone, process.StatusError:
		logger.Info("split task no longer needed", "status", job.Status)
		return nil
	case process.StatusProcessing:
		// Split finished earlier but fan out may not have; chunk task ids
		// make this idempotent.
		logger.Info("re-enqueueing chunk tasks", "chunks", job.ChunkCount)
		return o.enqueueChunks(ctx, job.ID, o.layoutChunks(job.ID, job.ChunkCount), logger)
	}

	// Step 1: Mark splitting
	if _, err := o.advance(ctx, job.ID, metadata.StatusUpdate{Status: process.StatusSplitting}); err != nil {
		if errors.Is(err, process.ErrInvalidTransition) {
			logger.Info("video changed state before split", "err", err)
			return nil
		}
		return queue.Retry(err, o.opts.RetryDelay)
	}

	// Step 2: Fetch source
	source, cleanup, err := o.storage.FetchSource(ctx, task.SourceRef)
	if err != nil {
		return o.failSplit(ctx, job.ID, &process.SplitError{VideoID: job.ID, Source: task.SourceRef, Err: err}, logger)
	}
	defer func() {
		if err := cleanup(); err != nil {
			logger.Warn("cleanup source failed", "err", err)
		}
	}()
	logger.Info("fetched source", "path", source.Path, "bytes", source.Size)

	if err := o.storage.EnsureFreeSpace(ctx, o.opts.Layout.WorkDir, o.opts.MinFreeDisk); err != nil {
		return o.failSplit(ctx, job.ID, &process.SplitError{VideoID: job.ID, Source: task.SourceRef, Err: err}, logger)
	}

	// Step 3: Split
	target := task.TargetChunkBytes
	if target <= 0 {
		target = o.opts.ChunkTargetSize
	}
	chunks, err := o.splitter.Split(ctx, job.ID, source.Path, target)
	if err != nil {
		if ctx.Err() != nil {
			return queue.Retry(err, o.opts.RetryDelay)
		}
		return o.failSplit(ctx, job.ID, err, logger)
	}
	logger.Info("source split", "chunks", len(chunks), "target_chunk_bytes", target)

	// Step 4: Register the chunk set before any chunk task exists
	if err := o.barrier.Register(ctx, job.ID, len(chunks)); err != nil {
		if errors.Is(err, barrier.ErrAborted) {
			logger.Info("video aborted during split", "err", err)
			o.removeDirs(job.ID, logger)
			return nil
		}
		return queue.Retry(err, o.opts.RetryDelay)
	}

	if _, err := o.advance(ctx, job.ID, metadata.StatusUpdate{Status: process.StatusProcessing, ChunkCount: len(chunks)}); err != nil {
		if errors.Is(err, process.ErrInvalidTransition) {
			logger.Info("video changed state during split", "err", err)
			if abortErr := o.barrier.Abort(ctx, job.ID, err.Error()); abortErr != nil {
				logger.Warn("abort barrier failed", "err", abortErr)
			}
			o.removeDirs(job.ID, logger)
			return nil
		}
		return queue.Retry(err, o.opts.RetryDelay)
	}
	chunksPerVideo.Observe(float64(len(chunks)))

	// Step 5: Fan out
	return o.enqueueChunks(ctx, job.ID, chunks, logger)
}

// enqueueChunks enqueues one task per chunk. If any enqueue fails the video
// is aborted: tasks already enqueued become no-ops.
func (o *Orchestrator) enqueueChunks(ctx context.Context, videoID string, chunks []process.Chunk, logger *slog.Logger) error {
	for _, c := range chunks {
		task := schema.ChunkTask{VideoID: videoID, Sequence: c.Sequence, SourcePath: c.SourcePath}
		if err := o.queue.Enqueue(ctx, queue.Process, chunkTaskID(videoID, c.Sequence), task); err != nil {
			cause := fmt.Errorf("enqueue chunk %d of %d: %w", c.Sequence, len(chunks), err)
			logger.Error("fan out failed, aborting video", "err", cause)
			if abortErr := o.barrier.Abort(context.WithoutCancel(ctx), videoID, cause.Error()); abortErr != nil {
				logger.Warn("abort barrier failed", "err", abortErr)
			}
			o.fail(ctx, videoID, cause)
			return cause
		}
	}
	logger.Info("chunk tasks enqueued", "chunks", len(chunks))
	return nil
}

func (o *Orchestrator) layoutChunks(videoID string, n int) []process.Chunk {
	chunks := make([]process.Chunk, n)
	for seq := range chunks {
		chunks[seq] = process.Chunk{
			VideoID:    videoID,
			Sequence:   seq,
			SourcePath: o.opts.Layout.ChunkPath(videoID, seq),
			Status:     process.ChunkPending,
		}
	}
	return chunks
}

func (o *Orchestrator) failSplit(ctx context.Context, videoID string, err error, logger *slog.Logger) error {
	logger.Error("split failed", "err", err)
	o.removeDirs(videoID, logger)
	o.fail(ctx, videoID, err)
	return err
}

func (o *Orchestrator) removeDirs(videoID string, logger *slog.Logger) {
	for _, dir := range []string{o.opts.Layout.ChunkDir(videoID), o.opts.Layout.ProcessedDir(videoID)} {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("remove work dir failed", "dir", dir, "err", err)
		}
	}
}
