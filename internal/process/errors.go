package process

import (
	"context"
	"errors"
	"fmt"

	"github.com/tendant/simple-transcoder/internal/profile"
	"github.com/tendant/simple-transcoder/pkg/schema"
)

// Kind names the stage an error came from.
type Kind string

const (
	KindSplit        Kind = "split"
	KindEncode       Kind = "encode"
	KindMissingChunk Kind = "missing_chunk"
	KindBarrierRace  Kind = "barrier_race"
)

// SplitError is returned when a source cannot be cut into chunks.
type SplitError struct {
	VideoID string
	Source  string
	Err     error
}

func (e *SplitError) Error() string {
	return fmt.Sprintf("split video %s (%s): %v", e.VideoID, e.Source, e.Err)
}

func (e *SplitError) Unwrap() error { return e.Err }
func (e *SplitError) Kind() Kind    { return KindSplit }

// EncodeError is returned when a single chunk transcode attempt fails.
type EncodeError struct {
	VideoID  string
	Sequence int
	Attempt  int
	Err      error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode video %s chunk %d (attempt %d): %v", e.VideoID, e.Sequence, e.Attempt, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }
func (e *EncodeError) Kind() Kind    { return KindEncode }

// MissingChunkError means assembly found a processed chunk absent. It should
// never happen once the barrier has fired.
type MissingChunkError struct {
	VideoID  string
	Sequence int
	Path     string
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("video %s: processed chunk %d missing at %s", e.VideoID, e.Sequence, e.Path)
}

func (e *MissingChunkError) Kind() Kind { return KindMissingChunk }

// BarrierRaceError reports a completion record that contradicts itself.
type BarrierRaceError struct {
	VideoID string
	Detail  string
}

func (e *BarrierRaceError) Error() string {
	return fmt.Sprintf("completion barrier inconsistent for video %s: %s", e.VideoID, e.Detail)
}

func (e *BarrierRaceError) Kind() Kind { return KindBarrierRace }

// ClassifyError maps an error to the failure type reported in lifecycle
// events.
func ClassifyError(err error) schema.FailureType {
	if err == nil {
		return ""
	}

	var (
		splitErr   *SplitError
		encodeErr  *EncodeError
		missingErr *MissingChunkError
		raceErr    *BarrierRaceError
	)
	switch {
	case errors.Is(err, profile.ErrInvalidProfile):
		return schema.FailureTypeValidation
	case errors.As(err, &raceErr), errors.Is(err, ErrInvalidTransition):
		return schema.FailureTypeInvariant
	case errors.As(err, &missingErr), errors.As(err, &splitErr):
		return schema.FailureTypePermanent
	case errors.As(err, &encodeErr):
		return schema.FailureTypeRetryable
	case errors.Is(err, context.DeadlineExceeded):
		return schema.FailureTypeRetryable
	}

	// Default to retryable for unknown errors
	return schema.FailureTypeRetryable
}
