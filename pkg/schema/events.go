package schema

// SplitTask asks a split worker to cut a source into chunks.
type SplitTask struct {
	VideoID          string `json:"video_id"`
	SourceRef        string `json:"source_ref"`
	TargetChunkBytes int64  `json:"target_chunk_bytes"`
}

// ChunkTask asks a process worker to transcode one chunk.
type ChunkTask struct {
	VideoID    string `json:"video_id"`
	Sequence   int    `json:"sequence"`
	SourcePath string `json:"source_path"`
}

// AssembleTask asks an assemble worker to concatenate every processed chunk.
type AssembleTask struct {
	VideoID    string `json:"video_id"`
	ChunkCount int    `json:"chunk_count"`
}

type FailureType string

const (
	FailureTypeRetryable  FailureType = "retryable"
	FailureTypePermanent  FailureType = "permanent"
	FailureTypeValidation FailureType = "validation"
	FailureTypeInvariant  FailureType = "invariant"
)

// VideoLifecycleEvent is published on every applied status change of a video.
type VideoLifecycleEvent struct {
	VideoID        string      `json:"video_id"`
	Status         string      `json:"status"`
	PreviousStatus string      `json:"previous_status,omitempty"`
	ChunkCount     int         `json:"chunk_count,omitempty"`
	OutputPath     string      `json:"output_path,omitempty"`
	Error          string      `json:"error,omitempty"`
	FailureType    FailureType `json:"failure_type,omitempty"`
	HappenedAt     int64       `json:"happened_at"`
}
