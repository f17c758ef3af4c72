package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/tendant/simple-transcoder/internal/barrier"
)

// KVStore is a barrier.Store on a JetStream key-value bucket. Revisions are
// the bucket's per-key sequence numbers; Update is a publish guarded by the
// expected last sequence.
type KVStore struct {
	kv jetstream.KeyValue
}

func NewKVStore(ctx context.Context, c *Client, bucket string) (*KVStore, error) {
	kv, err := c.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "per-video chunk completion records",
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure kv bucket %s: %w", bucket, err)
	}
	return &KVStore{kv: kv}, nil
}

func (s *KVStore) Load(ctx context.Context, key string) (barrier.Entry, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return barrier.Entry{}, barrier.ErrNotFound
		}
		return barrier.Entry{}, err
	}
	return barrier.Entry{Value: entry.Value(), Revision: entry.Revision()}, nil
}

func (s *KVStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := s.kv.Create(ctx, key, value)
	if err != nil {
		if isConflict(err) {
			return 0, barrier.ErrExists
		}
		return 0, err
	}
	return rev, nil
}

func (s *KVStore) Update(ctx context.Context, key string, value []byte, rev uint64) (uint64, error) {
	next, err := s.kv.Update(ctx, key, value, rev)
	if err != nil {
		if isConflict(err) {
			return 0, barrier.ErrConflict
		}
		return 0, err
	}
	return next, nil
}

func (s *KVStore) Delete(ctx context.Context, key string) error {
	if err := s.kv.Purge(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return err
	}
	return nil
}

// isConflict reports a failed expected-last-sequence check.
func isConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
