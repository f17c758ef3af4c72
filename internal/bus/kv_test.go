package bus

import (
	"errors"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
)

func TestIsConflict(t *testing.T) {
	wrongSeq := &jetstream.APIError{Code: 400, ErrorCode: jetstream.JSErrCodeStreamWrongLastSequence, Description: "wrong last sequence: 4"}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"wrong last sequence", wrongSeq, true},
		{"wrapped", fmt.Errorf("update: %w", wrongSeq), true},
		{"key exists", jetstream.ErrKeyExists, true},
		{"not found", jetstream.ErrKeyNotFound, false},
		{"other api error", &jetstream.APIError{Code: 404, ErrorCode: jetstream.JSErrCodeStreamNotFound}, false},
		{"plain", errors.New("timeout"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isConflict(tt.err); got != tt.want {
				t.Fatalf("isConflict(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestWorkQueueSubject(t *testing.T) {
	q := &WorkQueue{cfg: WorkQueueConfig{Stream: "TRANSCODE", SubjectPrefix: "transcode.tasks"}}
	if got := q.Subject("process"); got != "transcode.tasks.process" {
		t.Fatalf("unexpected subject: %s", got)
	}
}
