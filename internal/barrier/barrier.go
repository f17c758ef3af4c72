// Package barrier tracks per-video chunk completion in a shared store and
// fires the assembly dispatch exactly once, when the last chunk reports.
//
// Every mutation is a load, mutate, compare-and-set loop against the store
// revision, so concurrent and duplicated reports from any number of workers
// converge on one record. The decision to dispatch is taken inside the same
// write that records the final chunk: only the writer whose CAS flipped
// Triggered dispatches.
package barrier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tendant/simple-transcoder/internal/layout"
	"github.com/tendant/simple-transcoder/internal/process"
)

const maxCASAttempts = 100

var (
	// ErrAborted is returned by Register for a video that was cancelled or
	// failed before its chunks were registered.
	ErrAborted          = errors.New("barrier: video aborted")
	ErrAlreadyTriggered = errors.New("barrier: assembly already triggered")
	ErrCountMismatch    = errors.New("barrier: chunk count mismatch")
	ErrUnknownChunk     = errors.New("barrier: chunk sequence out of range")
)

// Dispatcher starts assembly of a video whose chunks are all processed.
type Dispatcher interface {
	DispatchAssembly(ctx context.Context, videoID string, chunkCount int) error
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ctx context.Context, videoID string, chunkCount int) error

func (f DispatchFunc) DispatchAssembly(ctx context.Context, videoID string, chunkCount int) error {
	return f(ctx, videoID, chunkCount)
}

// Decision tells a processing worker what to do with a chunk task.
type Decision int

const (
	// Proceed means the chunk still needs encoding.
	Proceed Decision = iota
	// AlreadyProcessed means an earlier delivery encoded the chunk; only the
	// completion report should be repeated.
	AlreadyProcessed
	// Void means the video is errored, cancelled or unknown; drop the task.
	Void
)

func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case AlreadyProcessed:
		return "already_processed"
	default:
		return "void"
	}
}

type Barrier struct {
	store      Store
	dispatcher Dispatcher
	logger     *slog.Logger
}

func New(store Store, dispatcher Dispatcher, logger *slog.Logger) *Barrier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Barrier{store: store, dispatcher: dispatcher, logger: logger}
}

// Key returns the store key of a video's completion record.
func Key(videoID string) string {
	return "video." + videoID
}

// Register creates the record for a video split into n chunks. Registering
// the same count again is a no-op.
func (b *Barrier) Register(ctx context.Context, videoID string, n int) error {
	if n < 1 {
		return fmt.Errorf("register %s: chunk count must be at least 1 (got %d)", videoID, n)
	}
	_, err := b.mutate(ctx, videoID, func(r *Record, exists bool) (bool, error) {
		if !exists {
			*r = newRecord(n)
			return true, nil
		}
		if r.Errored {
			return false, fmt.Errorf("register %s: %w: %s", videoID, ErrAborted, r.Reason)
		}
		if r.Expected != n {
			return false, fmt.Errorf("register %s: %w: registered %d, got %d", videoID, ErrCountMismatch, r.Expected, n)
		}
		return false, nil
	})
	return err
}

// Begin reports whether chunk seq of videoID still needs work. It does not
// write.
func (b *Barrier) Begin(ctx context.Context, videoID string, seq int) (Decision, error) {
	rec, err := b.Snapshot(ctx, videoID)
	if errors.Is(err, ErrNotFound) {
		return Void, nil
	}
	if err != nil {
		return Void, err
	}
	if rec.Errored {
		return Void, nil
	}
	switch rec.ChunkStatus(seq) {
	case process.ChunkProcessed:
		return AlreadyProcessed, nil
	case process.ChunkFailed, "":
		return Void, nil
	}
	return Proceed, nil
}

// Complete records chunk seq as processed. When this call is the one that
// completes the set, it dispatches assembly and returns true. Repeated
// reports, and reports for cancelled or unknown videos, are no-ops. On an
// errored video the chunk is still recorded but assembly never fires.
//
// If dispatch fails the trigger is rolled back and the error returned, so a
// redelivery of the same report can fire it again.
func (b *Barrier) Complete(ctx context.Context, videoID string, seq int) (bool, error) {
	var flipped bool
	rec, err := b.mutate(ctx, videoID, func(r *Record, exists bool) (bool, error) {
		flipped = false
		if !exists || r.Cancelled {
			return false, nil
		}
		if seq < 0 || seq >= r.Expected {
			return false, fmt.Errorf("complete %s chunk %d: %w (expected %d)", videoID, seq, ErrUnknownChunk, r.Expected)
		}

		write := false
		key := layout.PadSequence(seq)
		switch r.Chunks[key] {
		case process.ChunkProcessed:
		case process.ChunkFailed:
			return false, nil
		default:
			r.Chunks[key] = process.ChunkProcessed
			write = true
		}
		if !r.Triggered && !r.Errored && r.Processed() == r.Expected {
			r.Triggered = true
			flipped = true
			write = true
		}
		return write, nil
	})
	if err != nil {
		return false, err
	}
	if !flipped {
		return false, nil
	}

	b.logger.Info("all chunks processed, dispatching assembly", "video_id", videoID, "chunks", rec.Expected)
	if err := b.dispatcher.DispatchAssembly(ctx, videoID, rec.Expected); err != nil {
		b.rollbackTrigger(context.WithoutCancel(ctx), videoID)
		return false, fmt.Errorf("dispatch assembly for %s: %w", videoID, err)
	}
	return true, nil
}

func (b *Barrier) rollbackTrigger(ctx context.Context, videoID string) {
	_, err := b.mutate(ctx, videoID, func(r *Record, exists bool) (bool, error) {
		if !exists || !r.Triggered {
			return false, nil
		}
		r.Triggered = false
		return true, nil
	})
	if err != nil {
		b.logger.Error("roll back assembly trigger failed", "video_id", videoID, "err", err)
	}
}

// Fail marks chunk seq failed and the video errored. It reports whether this
// call errored the record.
func (b *Barrier) Fail(ctx context.Context, videoID string, seq int, reason string) (bool, error) {
	var errored bool
	_, err := b.mutate(ctx, videoID, func(r *Record, exists bool) (bool, error) {
		errored = false
		if !exists || r.Errored || r.Triggered {
			return false, nil
		}
		key := layout.PadSequence(seq)
		if r.Chunks[key] == process.ChunkProcessed {
			return false, nil
		}
		r.Chunks[key] = process.ChunkFailed
		r.Errored = true
		r.Reason = reason
		errored = true
		return true, nil
	})
	return errored, err
}

// Abort voids a video: pending and late chunk reports become no-ops and
// assembly can no longer fire. Aborting a video with no record leaves an
// errored tombstone so a later Register fails. Aborting after the trigger
// returns ErrAlreadyTriggered.
func (b *Barrier) Abort(ctx context.Context, videoID, reason string) error {
	_, err := b.mutate(ctx, videoID, func(r *Record, exists bool) (bool, error) {
		if !exists {
			*r = Record{Chunks: map[string]process.ChunkStatus{}, Errored: true, Cancelled: true, Reason: reason}
			return true, nil
		}
		if r.Triggered {
			return false, fmt.Errorf("abort %s: %w", videoID, ErrAlreadyTriggered)
		}
		if r.Errored {
			return false, nil
		}
		r.Errored = true
		r.Cancelled = true
		r.Reason = reason
		return true, nil
	})
	return err
}

// Snapshot returns the current record, or ErrNotFound.
func (b *Barrier) Snapshot(ctx context.Context, videoID string) (Record, error) {
	entry, err := b.store.Load(ctx, Key(videoID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("load completion record %s: %w", videoID, err)
	}
	rec, err := decodeRecord(entry.Value)
	if err != nil {
		return Record{}, err
	}
	if err := rec.check(videoID); err != nil {
		return rec, err
	}
	return rec, nil
}

// Purge removes a video's record once it is no longer needed.
func (b *Barrier) Purge(ctx context.Context, videoID string) error {
	if err := b.store.Delete(ctx, Key(videoID)); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("purge completion record %s: %w", videoID, err)
	}
	return nil
}

// mutate runs fn against the freshest record until its write lands without
// a revision conflict. fn returns whether the record should be written; it
// may run several times and must reset any state it reports outward.
func (b *Barrier) mutate(ctx context.Context, videoID string, fn func(r *Record, exists bool) (bool, error)) (Record, error) {
	key := Key(videoID)
	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Record{}, err
		}

		var rec Record
		exists := true
		entry, err := b.store.Load(ctx, key)
		switch {
		case errors.Is(err, ErrNotFound):
			exists = false
		case err != nil:
			return Record{}, fmt.Errorf("load completion record %s: %w", videoID, err)
		default:
			if rec, err = decodeRecord(entry.Value); err != nil {
				return Record{}, err
			}
			if err := rec.check(videoID); err != nil {
				return rec, err
			}
		}

		write, err := fn(&rec, exists)
		if err != nil || !write {
			return rec, err
		}
		if err := rec.check(videoID); err != nil {
			return rec, err
		}

		data, err := encodeRecord(rec)
		if err != nil {
			return Record{}, err
		}
		if exists {
			_, err = b.store.Update(ctx, key, data, entry.Revision)
		} else {
			_, err = b.store.Create(ctx, key, data)
		}
		switch {
		case err == nil:
			return rec, nil
		case errors.Is(err, ErrConflict), errors.Is(err, ErrExists):
			b.logger.Debug("completion record changed concurrently, retrying", "video_id", videoID, "attempt", attempt)
		default:
			return Record{}, fmt.Errorf("write completion record %s: %w", videoID, err)
		}
	}
	return Record{}, fmt.Errorf("write completion record %s: %w after %d attempts", videoID, ErrConflict, maxCASAttempts)
}
