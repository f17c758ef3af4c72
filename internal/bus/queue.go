package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tendant/simple-transcoder/internal/queue"
)

// WorkQueueConfig describes the JetStream stream backing the task queues.
type WorkQueueConfig struct {
	Stream          string
	SubjectPrefix   string
	AckWait         time.Duration
	DuplicateWindow time.Duration
}

// WorkQueue is a queue.Queue on a JetStream work-queue stream. Each named
// queue is one subject with one durable consumer shared by all workers, so a
// task is handed to exactly one worker at a time and redelivered until acked.
type WorkQueue struct {
	js     jetstream.JetStream
	cfg    WorkQueueConfig
	logger *slog.Logger
}

func NewWorkQueue(ctx context.Context, c *Client, cfg WorkQueueConfig, logger *slog.Logger) (*WorkQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = 2 * time.Hour
	}
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: "transcode pipeline tasks",
		Subjects:    []string{cfg.SubjectPrefix + ".>"},
		Retention:   jetstream.WorkQueuePolicy,
		Storage:     jetstream.FileStorage,
		Duplicates:  cfg.DuplicateWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}
	return &WorkQueue{js: c.js, cfg: cfg, logger: logger}, nil
}

func (q *WorkQueue) Subject(name string) string {
	return q.cfg.SubjectPrefix + "." + name
}

// Enqueue publishes payload with id as the JetStream message id, so a repeat
// within the duplicate window is discarded by the server.
func (q *WorkQueue) Enqueue(ctx context.Context, name, id string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", id, err)
	}
	ack, err := q.js.Publish(ctx, q.Subject(name), data, jetstream.WithMsgID(id))
	if err != nil {
		return fmt.Errorf("publish task %s to %s: %w", id, name, err)
	}
	if ack.Duplicate {
		q.logger.Debug("duplicate task ignored", "queue", name, "task_id", id)
	}
	return nil
}

func (q *WorkQueue) Consume(ctx context.Context, name string, concurrency int, h queue.Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}
	cons, err := q.js.CreateOrUpdateConsumer(ctx, q.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       name + "-workers",
		FilterSubject: q.Subject(name),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.cfg.AckWait,
		MaxAckPending: concurrency * 4,
	})
	if err != nil {
		return fmt.Errorf("ensure consumer for %s: %w", name, err)
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			q.handle(ctx, name, msg, h)
		}()
	}, jetstream.PullMaxMessages(concurrency))
	if err != nil {
		return fmt.Errorf("consume %s: %w", name, err)
	}
	q.logger.Info("consuming tasks", "queue", name, "subject", q.Subject(name), "concurrency", concurrency)

	<-ctx.Done()
	cc.Stop()
	wg.Wait()
	return nil
}

// taskMsg is the part of jetstream.Msg the handler loop uses.
type taskMsg interface {
	Metadata() (*jetstream.MsgMetadata, error)
	Headers() nats.Header
	Data() []byte
	Ack() error
	Nak() error
	NakWithDelay(delay time.Duration) error
	Term() error
	InProgress() error
}

func (q *WorkQueue) handle(ctx context.Context, name string, msg taskMsg, h queue.Handler) {
	attempt := 1
	if md, err := msg.Metadata(); err == nil {
		attempt = int(md.NumDelivered)
	}
	id := ""
	if hdr := msg.Headers(); hdr != nil {
		id = hdr.Get(nats.MsgIdHdr)
	}
	logger := q.logger.With("queue", name, "task_id", id, "attempt", attempt)

	stop := q.keepAlive(msg, logger)
	err := h(ctx, queue.Message{ID: id, Data: msg.Data(), Attempt: attempt})
	stop()

	switch {
	case err == nil:
		if ackErr := msg.Ack(); ackErr != nil {
			logger.Warn("ack failed", "err", ackErr)
		}
	case ctx.Err() != nil:
		// shutting down; leave the task for another worker
		if nakErr := msg.Nak(); nakErr != nil {
			logger.Warn("nak failed", "err", nakErr)
		}
	default:
		if delay, ok := queue.RetryDelay(err); ok {
			logger.Info("task scheduled for redelivery", "delay", delay, "err", err)
			if nakErr := msg.NakWithDelay(delay); nakErr != nil {
				logger.Warn("nak failed", "err", nakErr)
			}
			return
		}
		logger.Warn("task dropped", "err", err)
		if termErr := msg.Term(); termErr != nil {
			logger.Warn("term failed", "err", termErr)
		}
	}
}

// keepAlive resets the ack deadline of msg while its handler runs, so a
// long split or assembly is not redelivered to another worker. The returned
// func stops it and waits for the last reset to finish.
func (q *WorkQueue) keepAlive(msg taskMsg, logger *slog.Logger) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(q.progressInterval())
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := msg.InProgress(); err != nil {
					logger.Warn("extend ack deadline failed", "err", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (q *WorkQueue) progressInterval() time.Duration {
	wait := q.cfg.AckWait
	if wait <= 0 {
		// server default
		wait = 30 * time.Second
	}
	if interval := wait / 3; interval > 0 {
		return interval
	}
	return wait
}
