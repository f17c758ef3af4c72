package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/tendant/simple-transcoder/internal/queue"
)

// Run consumes the queues named in roles (queue.Split, queue.Process,
// queue.Assemble) until ctx is done or a consumer fails.
func (o *Orchestrator) Run(ctx context.Context, roles ...string) error {
	if len(roles) == 0 {
		return fmt.Errorf("run pipeline: no roles given")
	}

	type consumer struct {
		name        string
		handler     queue.Handler
		concurrency int
	}
	consumers := make([]consumer, 0, len(roles))
	for _, role := range roles {
		c := consumer{name: role}
		switch role {
		case queue.Split:
			c.handler, c.concurrency = o.handleSplit, o.opts.SplitWorkers
		case queue.Process:
			c.handler, c.concurrency = o.handleChunk, o.opts.ProcessWorkers
		case queue.Assemble:
			c.handler, c.concurrency = o.handleAssemble, o.opts.AssembleWorkers
		default:
			return fmt.Errorf("run pipeline: unknown role %q", role)
		}
		c.concurrency = max(c.concurrency, 1)
		consumers = append(consumers, c)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range consumers {
		handler := instrument(c.name, c.handler)
		o.logger.Info("starting consumer", "queue", c.name, "concurrency", c.concurrency)
		g.Go(func() error {
			if err := o.queue.Consume(ctx, c.name, c.concurrency, handler); err != nil {
				return fmt.Errorf("consume %s: %w", c.name, err)
			}
			return nil
		})
	}
	return g.Wait()
}
