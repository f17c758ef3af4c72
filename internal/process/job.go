package process

import (
	"errors"
	"fmt"
	"time"

	"github.com/tendant/simple-transcoder/internal/profile"
)

// Status represents the lifecycle state of a video job.
type Status string

const (
	StatusUploaded   Status = "uploaded"
	StatusSplitting  Status = "splitting"
	StatusProcessing Status = "processing"
	StatusAssembling Status = "assembling"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// ErrInvalidTransition is returned when a status change would skip a step,
// regress, or leave a terminal state.
var ErrInvalidTransition = errors.New("invalid status transition")

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

func (s Status) Valid() bool {
	switch s {
	case StatusUploaded, StatusSplitting, StatusProcessing, StatusAssembling, StatusDone, StatusError:
		return true
	}
	return false
}

var forward = map[Status]Status{
	StatusSplitting:  StatusUploaded,
	StatusProcessing: StatusSplitting,
	StatusAssembling: StatusProcessing,
	StatusDone:       StatusAssembling,
}

// AllowedFrom returns the statuses a job may hold immediately before moving
// to target.
func AllowedFrom(target Status) []Status {
	if target == StatusError {
		return []Status{StatusUploaded, StatusSplitting, StatusProcessing, StatusAssembling}
	}
	if prev, ok := forward[target]; ok {
		return []Status{prev}
	}
	return nil
}

// CanTransition reports whether from -> to is a single legal step.
func CanTransition(from, to Status) bool {
	for _, s := range AllowedFrom(to) {
		if s == from {
			return true
		}
	}
	return false
}

// CheckTransition classifies from -> to. A repeat of the current status is
// reported as a no-op rather than an error.
func CheckTransition(from, to Status) (noop bool, err error) {
	if from == to {
		return true, nil
	}
	if !CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return false, nil
}

// VideoJob is the unit of work submitted by a client.
type VideoJob struct {
	ID         string
	SourceRef  string
	Profile    profile.Profile
	Status     Status
	Reason     string
	ChunkCount int
	OutputPath string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func NewJob(id, sourceRef string, prof profile.Profile) *VideoJob {
	now := time.Now().UTC()
	return &VideoJob{
		ID:        id,
		SourceRef: sourceRef,
		Profile:   prof,
		Status:    StatusUploaded,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ChunkStatus tracks a single chunk through processing.
type ChunkStatus string

const (
	ChunkPending    ChunkStatus = "pending"
	ChunkProcessing ChunkStatus = "processing"
	ChunkProcessed  ChunkStatus = "processed"
	ChunkFailed     ChunkStatus = "failed"
)

// Chunk is a contiguous, independently decodable slice of a source video.
// Sequence is zero-based and dense within a video.
type Chunk struct {
	VideoID    string
	Sequence   int
	SourcePath string
	Status     ChunkStatus
	Attempt    int
}
