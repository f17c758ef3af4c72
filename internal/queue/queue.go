// Package queue defines the at-least-once task queue the pipeline stages
// communicate through.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Queue names used by the pipeline.
const (
	Split    = "split"
	Process  = "process"
	Assemble = "assemble"
)

// Message is a single delivery of a task. Attempt starts at 1 and grows with
// every redelivery of the same task.
type Message struct {
	ID      string
	Data    []byte
	Attempt int
}

// Decode unmarshals the message payload into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode task %s: %w", m.ID, err)
	}
	return nil
}

// Handler processes one message. Returning nil acknowledges it; an error
// built with Retry redelivers it after the given delay; any other error
// drops it.
type Handler func(ctx context.Context, msg Message) error

// Queue is a named, durable, at-least-once task queue. Enqueue deduplicates
// by id: a second enqueue of an id that was already accepted is a no-op.
type Queue interface {
	Enqueue(ctx context.Context, name, id string, payload any) error
	// Consume delivers messages from name to h with at most concurrency
	// handlers in flight. It blocks until ctx is done.
	Consume(ctx context.Context, name string, concurrency int, h Handler) error
}

// RetryError asks the queue to redeliver the message after Delay.
type RetryError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry in %s: %v", e.Delay, e.Err)
}

func (e *RetryError) Unwrap() error { return e.Err }

// Retry wraps err so the queue redelivers the message after delay.
func Retry(err error, delay time.Duration) error {
	if err == nil {
		err = errors.New("retry requested")
	}
	return &RetryError{Err: err, Delay: delay}
}

// RetryDelay reports whether err asks for redelivery, and after how long.
func RetryDelay(err error) (time.Duration, bool) {
	var retryErr *RetryError
	if errors.As(err, &retryErr) {
		return retryErr.Delay, true
	}
	return 0, false
}
