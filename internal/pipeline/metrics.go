package pipeline

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tendant/simple-transcoder/internal/queue"
)

var (
	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcoder_tasks_total",
		Help: "Tasks handled per stage and outcome (ack, retry, drop).",
	}, []string{"stage", "outcome"})
	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "transcoder_stage_duration_seconds",
		Help:    "Time spent handling one task per stage.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 14),
	}, []string{"stage"})
	activeTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "transcoder_active_tasks",
		Help: "Tasks currently being handled per stage.",
	}, []string{"stage"})
	chunksPerVideo = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcoder_chunks_per_video",
		Help:    "Number of chunks a source was split into.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
	statusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcoder_status_transitions_total",
		Help: "Applied video status transitions by target status.",
	}, []string{"status"})
	chunkRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcoder_chunk_retries_total",
		Help: "Chunk encodes scheduled for another attempt.",
	})
	missingChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcoder_missing_chunks_total",
		Help: "Processed chunks found missing at assembly time.",
	})
)

// instrument records duration, concurrency and outcome of a stage handler.
func instrument(stage string, h queue.Handler) queue.Handler {
	return func(ctx context.Context, msg queue.Message) error {
		activeTasks.WithLabelValues(stage).Inc()
		start := time.Now()
		err := h(ctx, msg)
		stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
		activeTasks.WithLabelValues(stage).Dec()

		outcome := "ack"
		if err != nil {
			outcome = "drop"
			if _, retry := queue.RetryDelay(err); retry {
				outcome = "retry"
			}
		}
		tasksTotal.WithLabelValues(stage, outcome).Inc()
		return err
	}
}
