package pipeline

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-transcoder/internal/barrier"
	"github.com/tendant/simple-transcoder/internal/layout"
	"github.com/tendant/simple-transcoder/internal/metadata"
	"github.com/tendant/simple-transcoder/internal/process"
	"github.com/tendant/simple-transcoder/internal/profile"
	"github.com/tendant/simple-transcoder/internal/queue"
	"github.com/tendant/simple-transcoder/internal/storage"
	"github.com/tendant/simple-transcoder/pkg/schema"
)

// byteEncoder cuts sources at exact byte offsets and "transcodes" by
// copying, so the assembled output equals the source.
type byteEncoder struct {
	mu         sync.Mutex
	failTimes  map[int]int // sequence -> number of attempts that fail
	transcodes map[int]int
}

func newByteEncoder() *byteEncoder {
	return &byteEncoder{failTimes: map[int]int{}, transcodes: map[int]int{}}
}

func (e *byteEncoder) Name() string { return "bytes" }

func (e *byteEncoder) Segment(ctx context.Context, input, pattern string, maxBytes int64) ([]string, error) {
	data, err := os.ReadFile(input)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(pattern), 0o755); err != nil {
		return nil, err
	}
	var paths []string
	for i, off := 0, int64(0); off < int64(len(data)); i, off = i+1, off+maxBytes {
		end := min(off+maxBytes, int64(len(data)))
		path := fmt.Sprintf(pattern, i)
		if err := os.WriteFile(path, data[off:end], 0o644); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (e *byteEncoder) Transcode(ctx context.Context, input, output string, prof profile.Profile) error {
	seq, err := layout.ParseSequence(input)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.transcodes[seq]++
	attempt := e.transcodes[seq]
	fail := attempt <= e.failTimes[seq]
	e.mu.Unlock()
	if fail {
		return fmt.Errorf("encoder exited with status 1 on chunk %d", seq)
	}

	data, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return err
	}
	return os.WriteFile(output, data, 0o644)
}

func (e *byteEncoder) Concat(ctx context.Context, inputs []string, output string) error {
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return err
	}
	out, err := os.Create(output)
	if err != nil {
		return err
	}
	defer out.Close()
	for _, in := range inputs {
		data, err := os.ReadFile(in)
		if err != nil {
			return err
		}
		if _, err := out.Write(data); err != nil {
			return err
		}
	}
	return out.Close()
}

func (e *byteEncoder) failChunk(seq, times int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failTimes[seq] = times
}

func (e *byteEncoder) transcodeCount(seq int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transcodes[seq]
}

func (e *byteEncoder) totalTranscodes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.transcodes {
		n += c
	}
	return n
}

// countingQueue counts Enqueue calls per queue and can refuse process
// tasks after a number of successful enqueues.
type countingQueue struct {
	*queue.Memory
	mu               sync.Mutex
	calls            map[string]int
	failProcessAfter int
}

func (q *countingQueue) Enqueue(ctx context.Context, name, id string, payload any) error {
	q.mu.Lock()
	if name == queue.Process && q.failProcessAfter > 0 && q.calls[name] >= q.failProcessAfter {
		q.mu.Unlock()
		return errors.New("queue unavailable")
	}
	q.calls[name]++
	q.mu.Unlock()
	return q.Memory.Enqueue(ctx, name, id, payload)
}

func (q *countingQueue) count(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls[name]
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	events   []schema.VideoLifecycleEvent
}

func (p *recordingPublisher) PublishJSON(subject string, v any) error {
	event, ok := v.(schema.VideoLifecycleEvent)
	if !ok {
		return fmt.Errorf("unexpected event type %T", v)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) forVideo(videoID string) []schema.VideoLifecycleEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []schema.VideoLifecycleEvent
	for _, e := range p.events {
		if e.VideoID == videoID {
			out = append(out, e)
		}
	}
	return out
}

func (p *recordingPublisher) statuses(videoID string) []string {
	var out []string
	for _, e := range p.forVideo(videoID) {
		out = append(out, e.Status)
	}
	return out
}

type harness struct {
	orch   *Orchestrator
	queue  *countingQueue
	meta   *metadata.Memory
	store  *barrier.MemoryStore
	events *recordingPublisher
	layout layout.Layout
	enc    *byteEncoder
	dir    string
}

func newHarness(t *testing.T, enc *byteEncoder, configure func(*Options)) *harness {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &harness{
		queue:  &countingQueue{Memory: queue.NewMemory(logger), calls: map[string]int{}},
		meta:   metadata.NewMemory(),
		store:  barrier.NewMemoryStore(),
		events: &recordingPublisher{},
		layout: layout.New(filepath.Join(dir, "work"), filepath.Join(dir, "out")),
		enc:    enc,
		dir:    dir,
	}
	opts := Options{
		Layout:          h.layout,
		ChunkTargetSize: 4 << 20,
		MaxAttempts:     3,
		TaskTimeout:     time.Minute,
		RetryDelay:      time.Millisecond,
		EventSubject:    "test.videos",
		SplitWorkers:    1,
		ProcessWorkers:  4,
		AssembleWorkers: 1,
	}
	if configure != nil {
		configure(&opts)
	}
	h.orch = New(Deps{
		Queue:    h.queue,
		Barrier:  h.store,
		Metadata: h.meta,
		Encoder:  enc,
		Storage:  storage.NewLocal(filepath.Join(dir, "tmp"), logger),
		Events:   h.events,
		Logger:   logger,
	}, opts)
	return h
}

// run starts consumers for roles; they stop when the test ends.
func (h *harness) run(t *testing.T, roles ...string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx, roles...) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) waitStatus(t *testing.T, videoID string, want process.Status) *process.VideoJob {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := h.meta.Get(context.Background(), videoID)
		return err == nil && job.Status == want
	}, 10*time.Second, 5*time.Millisecond, "video %s never reached %s", videoID, want)
	job, err := h.meta.Get(context.Background(), videoID)
	require.NoError(t, err)
	return job
}

func (h *harness) writeSource(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(h.dir, fmt.Sprintf("source-%d.mkv", size))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}
