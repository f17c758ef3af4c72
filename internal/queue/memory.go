package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Memory is an in-process Queue used by tests and single-process runs. Retry
// redelivery is scheduled with time.AfterFunc; ids are remembered for the
// lifetime of the Memory value.
type Memory struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	seen   map[string]struct{}
	logger *slog.Logger
}

func NewMemory(logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		queues: make(map[string]*memQueue),
		seen:   make(map[string]struct{}),
		logger: logger,
	}
}

func (m *Memory) Enqueue(ctx context.Context, name, id string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", id, err)
	}

	key := name + "/" + id
	m.mu.Lock()
	if _, dup := m.seen[key]; dup {
		m.mu.Unlock()
		m.logger.Debug("duplicate task ignored", "queue", name, "task_id", id)
		return nil
	}
	m.seen[key] = struct{}{}
	m.mu.Unlock()

	m.queue(name).push(Message{ID: id, Data: data, Attempt: 1})
	return nil
}

func (m *Memory) Consume(ctx context.Context, name string, concurrency int, h Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}
	q := m.queue(name)
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		msg, err := q.pop(ctx)
		if err != nil {
			<-sem
			return nil
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			m.handle(ctx, q, name, msg, h)
		}()
	}
}

// Pending returns the number of messages waiting in name.
func (m *Memory) Pending(name string) int {
	return m.queue(name).len()
}

func (m *Memory) handle(ctx context.Context, q *memQueue, name string, msg Message, h Handler) {
	err := h(ctx, msg)
	if err == nil {
		return
	}
	if delay, ok := RetryDelay(err); ok {
		next := msg
		next.Attempt++
		m.logger.Debug("task scheduled for redelivery", "queue", name, "task_id", msg.ID, "attempt", next.Attempt, "delay", delay, "err", err)
		time.AfterFunc(delay, func() { q.push(next) })
		return
	}
	m.logger.Warn("task dropped", "queue", name, "task_id", msg.ID, "attempt", msg.Attempt, "err", err)
}

func (m *Memory) queue(name string) *memQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		q = &memQueue{ready: make(chan struct{}, 1)}
		m.queues[name] = q
	}
	return q
}

type memQueue struct {
	mu    sync.Mutex
	items []Message
	ready chan struct{}
}

func (q *memQueue) push(msg Message) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()
	q.signal()
}

func (q *memQueue) pop(ctx context.Context) (Message, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return msg, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-q.ready:
		}
	}
}

func (q *memQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *memQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
