package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-transcoder/internal/barrier"
	"github.com/tendant/simple-transcoder/internal/metadata"
	"github.com/tendant/simple-transcoder/internal/process"
	"github.com/tendant/simple-transcoder/internal/profile"
	"github.com/tendant/simple-transcoder/internal/queue"
	"github.com/tendant/simple-transcoder/pkg/schema"
)

var allRoles = []string{queue.Split, queue.Process, queue.Assemble}

func TestPipelineTranscodesTenMegabytesInThreeChunks(t *testing.T) {
	ctx := context.Background()
	enc := newByteEncoder()
	h := newHarness(t, enc, nil)
	src, data := h.writeSource(t, 10<<20)
	h.run(t, allRoles...)

	job, err := h.orch.Submit(ctx, src, profile.Default())
	require.NoError(t, err)
	assert.Equal(t, process.StatusUploaded, job.Status)

	done := h.waitStatus(t, job.ID, process.StatusDone)
	assert.Equal(t, 3, done.ChunkCount)
	assert.Equal(t, h.layout.OutputPath(job.ID, ".mp4"), done.OutputPath)

	for seq, want := range []int64{4 << 20, 4 << 20, 2 << 20} {
		info, err := os.Stat(h.layout.ChunkPath(job.ID, seq))
		require.NoError(t, err)
		assert.Equal(t, want, info.Size(), "chunk %d", seq)
	}

	out, err := os.ReadFile(done.OutputPath)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, out), "output differs from concatenated chunks")

	assert.Equal(t, 3, h.queue.count(queue.Process))
	assert.Equal(t, 1, h.queue.count(queue.Assemble))
	assert.Equal(t, 3, enc.totalTranscodes())

	rec, err := h.orch.Barrier().Snapshot(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, barrier.StateCompleteTriggered, rec.State())
	assert.Equal(t, 3, rec.Processed())

	want := []string{"uploaded", "splitting", "processing", "assembling", "done"}
	require.Eventually(t, func() bool { return len(h.events.statuses(job.ID)) == len(want) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, h.events.statuses(job.ID))
	events := h.events.forVideo(job.ID)
	assert.Equal(t, 3, events[2].ChunkCount)
	assert.Equal(t, done.OutputPath, events[4].OutputPath)
	assert.Equal(t, "splitting", events[2].PreviousStatus)
	assert.Equal(t, "test.videos.lifecycle", h.events.subjects[0])
}

func TestPipelineChunkFailureErrorsVideo(t *testing.T) {
	ctx := context.Background()
	enc := newByteEncoder()
	enc.failChunk(3, 100)
	h := newHarness(t, enc, func(o *Options) {
		o.ChunkTargetSize = 1 << 20
		o.RetryDelay = 50 * time.Millisecond
	})
	src, _ := h.writeSource(t, 5<<20)
	h.run(t, allRoles...)

	job, err := h.orch.Submit(ctx, src, profile.Default())
	require.NoError(t, err)

	failed := h.waitStatus(t, job.ID, process.StatusError)
	assert.Contains(t, failed.Reason, "chunk 3")
	assert.Equal(t, 5, failed.ChunkCount)
	assert.Equal(t, 3, enc.transcodeCount(3), "chunk 3 should be tried MaxAttempts times")

	rec, err := h.orch.Barrier().Snapshot(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, barrier.StateErrored, rec.State())
	assert.Equal(t, process.ChunkFailed, rec.ChunkStatus(3))
	assert.False(t, rec.Triggered)
	for _, seq := range []int{0, 1, 2, 4} {
		assert.Equal(t, process.ChunkProcessed, rec.ChunkStatus(seq), "chunk %d", seq)
	}

	// Remaining chunk reports must not fire assembly.
	require.Eventually(t, func() bool { return h.queue.Pending(queue.Process) == 0 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, h.queue.count(queue.Assemble))
	_, err = os.Stat(h.layout.OutputPath(job.ID, ".mp4"))
	assert.True(t, os.IsNotExist(err))

	require.Eventually(t, func() bool {
		statuses := h.events.statuses(job.ID)
		return len(statuses) > 0 && statuses[len(statuses)-1] == "error"
	}, time.Second, 5*time.Millisecond)
	events := h.events.forVideo(job.ID)
	last := events[len(events)-1]
	assert.Equal(t, schema.FailureTypeRetryable, last.FailureType)
	assert.Contains(t, last.Error, "chunk 3")
}

func TestPipelineRetriesTransientEncodeFailure(t *testing.T) {
	enc := newByteEncoder()
	enc.failChunk(1, 2)
	h := newHarness(t, enc, func(o *Options) { o.ChunkTargetSize = 1 << 20 })
	src, data := h.writeSource(t, 3<<20)
	h.run(t, allRoles...)

	job, err := h.orch.Submit(context.Background(), src, profile.Default())
	require.NoError(t, err)

	done := h.waitStatus(t, job.ID, process.StatusDone)
	assert.Equal(t, 3, enc.transcodeCount(1))
	out, err := os.ReadFile(done.OutputPath)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, out))
	assert.Equal(t, 1, h.queue.count(queue.Assemble))
}

func TestPipelineSplitFailure(t *testing.T) {
	h := newHarness(t, newByteEncoder(), nil)
	h.run(t, allRoles...)

	job, err := h.orch.Submit(context.Background(), h.dir+"/does-not-exist.mkv", profile.Default())
	require.NoError(t, err)

	failed := h.waitStatus(t, job.ID, process.StatusError)
	assert.Contains(t, failed.Reason, "split video")
	assert.Equal(t, 0, h.queue.count(queue.Process))
	_, err = os.Stat(h.layout.ChunkDir(job.ID))
	assert.True(t, os.IsNotExist(err))

	require.Eventually(t, func() bool {
		events := h.events.forVideo(job.ID)
		return len(events) > 0 && events[len(events)-1].Status == "error"
	}, time.Second, 5*time.Millisecond)
	events := h.events.forVideo(job.ID)
	assert.Equal(t, schema.FailureTypePermanent, events[len(events)-1].FailureType)
}

func TestPipelineEmptySourceFailsSplit(t *testing.T) {
	h := newHarness(t, newByteEncoder(), nil)
	src, _ := h.writeSource(t, 0)
	h.run(t, allRoles...)

	job, err := h.orch.Submit(context.Background(), src, profile.Default())
	require.NoError(t, err)

	failed := h.waitStatus(t, job.ID, process.StatusError)
	assert.Contains(t, failed.Reason, "source is empty")
}

func TestPipelineMissingChunkAtAssembly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, newByteEncoder(), nil)
	src, _ := h.writeSource(t, 10<<20)
	h.run(t, queue.Split, queue.Process)

	job, err := h.orch.Submit(ctx, src, profile.Default())
	require.NoError(t, err)
	h.waitStatus(t, job.ID, process.StatusAssembling)

	require.NoError(t, os.Remove(h.layout.ProcessedPath(job.ID, 1, ".mp4")))
	h.run(t, queue.Assemble)

	failed := h.waitStatus(t, job.ID, process.StatusError)
	assert.Contains(t, failed.Reason, "processed chunk 1 missing")
	_, err = os.Stat(h.layout.OutputPath(job.ID, ".mp4"))
	assert.True(t, os.IsNotExist(err))
}

func TestPipelineCancelDuringProcessing(t *testing.T) {
	ctx := context.Background()
	enc := newByteEncoder()
	h := newHarness(t, enc, nil)
	src, _ := h.writeSource(t, 10<<20)
	h.run(t, queue.Split)

	job, err := h.orch.Submit(ctx, src, profile.Default())
	require.NoError(t, err)
	h.waitStatus(t, job.ID, process.StatusProcessing)

	require.NoError(t, h.orch.Cancel(ctx, job.ID, "user request"))
	failed, err := h.orch.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, process.StatusError, failed.Status)
	assert.Equal(t, "cancelled: user request", failed.Reason)

	rec, err := h.orch.Barrier().Snapshot(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, rec.Cancelled)

	h.run(t, queue.Process, queue.Assemble)
	require.Eventually(t, func() bool { return h.queue.Pending(queue.Process) == 0 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, enc.totalTranscodes())
	assert.Equal(t, 0, h.queue.count(queue.Assemble))

	err = h.orch.Cancel(ctx, job.ID, "again")
	assert.ErrorIs(t, err, ErrNotCancellable)
}

func TestPipelineCancelBeforeSplit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, newByteEncoder(), nil)
	src, _ := h.writeSource(t, 1<<20)

	job, err := h.orch.Submit(ctx, src, profile.Default())
	require.NoError(t, err)
	require.NoError(t, h.orch.Cancel(ctx, job.ID, ""))

	h.run(t, allRoles...)
	require.Eventually(t, func() bool { return h.queue.Pending(queue.Split) == 0 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	got, err := h.orch.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, process.StatusError, got.Status)
	assert.Equal(t, 0, h.queue.count(queue.Process))

	// The tombstone keeps a late split from registering chunks.
	err = h.orch.Barrier().Register(ctx, job.ID, 1)
	assert.ErrorIs(t, err, barrier.ErrAborted)
}

func TestPipelineCancelAfterDone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, newByteEncoder(), nil)
	src, _ := h.writeSource(t, 1<<20)
	h.run(t, allRoles...)

	job, err := h.orch.Submit(ctx, src, profile.Default())
	require.NoError(t, err)
	h.waitStatus(t, job.ID, process.StatusDone)

	assert.ErrorIs(t, h.orch.Cancel(ctx, job.ID, "too late"), ErrNotCancellable)
	got, err := h.orch.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, process.StatusDone, got.Status)
}

func TestPipelineFanOutFailureAbortsVideo(t *testing.T) {
	ctx := context.Background()
	enc := newByteEncoder()
	h := newHarness(t, enc, func(o *Options) { o.ChunkTargetSize = 1 << 20 })
	h.queue.failProcessAfter = 2
	src, _ := h.writeSource(t, 5<<20)
	h.run(t, queue.Split)

	job, err := h.orch.Submit(ctx, src, profile.Default())
	require.NoError(t, err)
	failed := h.waitStatus(t, job.ID, process.StatusError)
	assert.Contains(t, failed.Reason, "enqueue chunk 2 of 5")

	rec, err := h.orch.Barrier().Snapshot(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, rec.Errored)

	h.run(t, queue.Process, queue.Assemble)
	require.Eventually(t, func() bool { return h.queue.Pending(queue.Process) == 0 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, enc.totalTranscodes())
	assert.Equal(t, 0, h.queue.count(queue.Assemble))
}

func TestPipelineCleansUpIntermediates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, newByteEncoder(), func(o *Options) { o.CleanupChunks = true })
	src, _ := h.writeSource(t, 5<<20)
	h.run(t, allRoles...)

	job, err := h.orch.Submit(ctx, src, profile.Default())
	require.NoError(t, err)
	done := h.waitStatus(t, job.ID, process.StatusDone)

	require.Eventually(t, func() bool {
		_, chunkErr := os.Stat(h.layout.ChunkDir(job.ID))
		_, procErr := os.Stat(h.layout.ProcessedDir(job.ID))
		_, recErr := h.orch.Barrier().Snapshot(ctx, job.ID)
		return os.IsNotExist(chunkErr) && os.IsNotExist(procErr) && errors.Is(recErr, barrier.ErrNotFound)
	}, 5*time.Second, 5*time.Millisecond)

	_, err = os.Stat(done.OutputPath)
	assert.NoError(t, err)
}

func TestRedeliveredTasksAreNoOps(t *testing.T) {
	ctx := context.Background()
	enc := newByteEncoder()
	h := newHarness(t, enc, nil)
	src, _ := h.writeSource(t, 10<<20)
	h.run(t, allRoles...)

	job, err := h.orch.Submit(ctx, src, profile.Default())
	require.NoError(t, err)
	h.waitStatus(t, job.ID, process.StatusDone)

	msg := func(id string, v any) queue.Message {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		return queue.Message{ID: id, Data: data, Attempt: 2}
	}

	err = h.orch.handleSplit(ctx, msg(splitTaskID(job.ID), schema.SplitTask{VideoID: job.ID, SourceRef: src, TargetChunkBytes: 4 << 20}))
	assert.NoError(t, err)
	for seq := 0; seq < 3; seq++ {
		task := schema.ChunkTask{VideoID: job.ID, Sequence: seq, SourcePath: h.layout.ChunkPath(job.ID, seq)}
		assert.NoError(t, h.orch.handleChunk(ctx, msg(chunkTaskID(job.ID, seq), task)))
	}
	err = h.orch.handleAssemble(ctx, msg(assembleTaskID(job.ID), schema.AssembleTask{VideoID: job.ID, ChunkCount: 3}))
	assert.NoError(t, err)

	assert.Equal(t, 3, h.queue.count(queue.Process))
	assert.Equal(t, 1, h.queue.count(queue.Assemble))
	assert.Equal(t, 3, enc.totalTranscodes())
}

func TestAssembleWithoutTriggerIsRace(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, newByteEncoder(), nil)

	job := process.NewJob("vid-race", "/dev/null", profile.Default())
	require.NoError(t, h.meta.Create(ctx, job))
	for _, upd := range []metadata.StatusUpdate{
		{Status: process.StatusSplitting},
		{Status: process.StatusProcessing, ChunkCount: 2},
		{Status: process.StatusAssembling},
	} {
		_, err := h.meta.SetStatus(ctx, job.ID, upd)
		require.NoError(t, err)
	}
	require.NoError(t, h.orch.Barrier().Register(ctx, job.ID, 2))

	data, err := json.Marshal(schema.AssembleTask{VideoID: job.ID, ChunkCount: 2})
	require.NoError(t, err)
	err = h.orch.handleAssemble(ctx, queue.Message{ID: assembleTaskID(job.ID), Data: data, Attempt: 1})

	var raceErr *process.BarrierRaceError
	require.ErrorAs(t, err, &raceErr)
	got, err := h.meta.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, process.StatusError, got.Status)
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, newByteEncoder(), nil)

	_, err := h.orch.Submit(context.Background(), "", profile.Default())
	assert.Error(t, err)

	_, err = h.orch.Submit(context.Background(), "/videos/a.mp4", profile.Profile{})
	assert.ErrorIs(t, err, profile.ErrInvalidProfile)
	assert.Equal(t, 0, h.queue.count(queue.Split))
}

func TestRunRejectsUnknownRole(t *testing.T) {
	h := newHarness(t, newByteEncoder(), nil)
	err := h.orch.Run(context.Background(), "thumbnail")
	assert.Error(t, err)
	assert.Error(t, h.orch.Run(context.Background()))
}
