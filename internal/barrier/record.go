package barrier

import (
	"encoding/json"
	"fmt"

	"github.com/tendant/simple-transcoder/internal/layout"
	"github.com/tendant/simple-transcoder/internal/process"
)

// State is the derived position of a record in the barrier state machine.
type State string

const (
	StateNoEntries           State = "no_entries"
	StatePartial             State = "partial"
	StateCompleteUntriggered State = "complete_untriggered"
	StateCompleteTriggered   State = "complete_triggered"
	StateErrored             State = "errored"
)

// Record is the per-video completion record kept in the shared store. Chunks
// is keyed by the zero-padded sequence.
type Record struct {
	Expected  int                            `json:"expected"`
	Chunks    map[string]process.ChunkStatus `json:"chunks"`
	Triggered bool                           `json:"triggered"`
	Errored   bool                           `json:"errored"`
	Cancelled bool                           `json:"cancelled,omitempty"`
	Reason    string                         `json:"reason,omitempty"`
}

func newRecord(expected int) Record {
	chunks := make(map[string]process.ChunkStatus, expected)
	for seq := 0; seq < expected; seq++ {
		chunks[layout.PadSequence(seq)] = process.ChunkPending
	}
	return Record{Expected: expected, Chunks: chunks}
}

// Processed returns how many chunks have reported success.
func (r Record) Processed() int {
	n := 0
	for _, st := range r.Chunks {
		if st == process.ChunkProcessed {
			n++
		}
	}
	return n
}

func (r Record) ChunkStatus(seq int) process.ChunkStatus {
	return r.Chunks[layout.PadSequence(seq)]
}

func (r Record) State() State {
	switch {
	case r.Errored:
		return StateErrored
	case r.Triggered:
		return StateCompleteTriggered
	}
	switch done := r.Processed(); {
	case done == 0:
		return StateNoEntries
	case done < r.Expected:
		return StatePartial
	default:
		return StateCompleteUntriggered
	}
}

// check rejects records no sequence of barrier operations can produce.
func (r Record) check(videoID string) error {
	if r.Triggered && r.Errored {
		return &process.BarrierRaceError{VideoID: videoID, Detail: "record both triggered and errored"}
	}
	if r.Triggered && r.Processed() != r.Expected {
		return &process.BarrierRaceError{
			VideoID: videoID,
			Detail:  fmt.Sprintf("triggered with %d of %d chunks processed", r.Processed(), r.Expected),
		}
	}
	if len(r.Chunks) > r.Expected {
		return &process.BarrierRaceError{
			VideoID: videoID,
			Detail:  fmt.Sprintf("%d chunk entries for %d expected chunks", len(r.Chunks), r.Expected),
		}
	}
	return nil
}

func decodeRecord(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("decode completion record: %w", err)
	}
	if r.Chunks == nil {
		r.Chunks = make(map[string]process.ChunkStatus)
	}
	return r, nil
}

func encodeRecord(r Record) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode completion record: %w", err)
	}
	return data, nil
}
