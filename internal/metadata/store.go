// Package metadata persists video jobs and guards their status transitions.
package metadata

import (
	"context"
	"errors"
	"time"

	"github.com/tendant/simple-transcoder/internal/process"
	"github.com/tendant/simple-transcoder/internal/profile"
)

var (
	ErrNotFound = errors.New("video not found")
	ErrExists   = errors.New("video already exists")
)

// StatusUpdate moves a video to Status. Zero-valued optional fields leave
// the stored values untouched.
type StatusUpdate struct {
	Status     process.Status
	Reason     string
	ChunkCount int
	OutputPath string
}

// Transition describes the outcome of SetStatus. Applied is false when the
// video already held the requested status.
type Transition struct {
	From    process.Status
	To      process.Status
	Applied bool
}

type Store interface {
	Create(ctx context.Context, job *process.VideoJob) error
	Get(ctx context.Context, id string) (*process.VideoJob, error)
	GetProfile(ctx context.Context, id string) (profile.Profile, error)
	// SetStatus applies a single legal step of the status machine. Repeating
	// the current status is a no-op; any other illegal step returns
	// process.ErrInvalidTransition.
	SetStatus(ctx context.Context, id string, upd StatusUpdate) (Transition, error)
}

// apply mutates job in place according to upd.
func apply(job *process.VideoJob, upd StatusUpdate, now time.Time) (Transition, error) {
	t := Transition{From: job.Status, To: upd.Status}
	noop, err := process.CheckTransition(job.Status, upd.Status)
	if err != nil || noop {
		return t, err
	}

	job.Status = upd.Status
	if upd.Reason != "" {
		job.Reason = upd.Reason
	}
	if upd.ChunkCount > 0 {
		job.ChunkCount = upd.ChunkCount
	}
	if upd.OutputPath != "" {
		job.OutputPath = upd.OutputPath
	}
	job.UpdatedAt = now
	t.Applied = true
	return t, nil
}
