// Package encoder provides the media operations the pipeline delegates to an
// external tool: cutting a source into chunks, transcoding a chunk, and
// concatenating processed chunks.
package encoder

import (
	"context"

	"github.com/tendant/simple-transcoder/internal/profile"
)

// Encoder defines the media capability used by the pipeline stages.
type Encoder interface {
	// Name returns the encoder name (e.g., "ffmpeg")
	Name() string

	// Segment stream-copies input into chunks of at most maxBytes each, named
	// by pattern (a printf pattern with one integer verb). It returns the
	// produced paths in playback order.
	Segment(ctx context.Context, input, pattern string, maxBytes int64) ([]string, error)

	// Transcode re-encodes input into output using prof.
	Transcode(ctx context.Context, input, output string, prof profile.Profile) error

	// Concat joins inputs, in the given order, into output without re-encoding.
	Concat(ctx context.Context, inputs []string, output string) error
}

// MediaInfo contains metadata about a media file
type MediaInfo struct {
	Size     int64   // File size in bytes
	Duration float64 // Duration in seconds
	Width    int     // Width of the first video stream
	Height   int     // Height of the first video stream
}
