package natsbus

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/mtzanidakis/postdeck/internal/kv"
)

// KV is a kv.Backend over a JetStream key-value bucket. Revisions are the
// bucket's sequence numbers, so compare-and-swap holds across every process
// connected to the same server.
type KV struct {
	kv jetstream.KeyValue
}

var _ kv.Backend = (*KV)(nil)

func (k *KV) Get(ctx context.Context, key string) (kv.Entry, error) {
	if err := kv.ValidateKey(key); err != nil {
		return kv.Entry{}, err
	}
	e, err := k.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return kv.Entry{}, kv.ErrNotFound
	}
	if err != nil {
		return kv.Entry{}, fmt.Errorf("kv get %s: %w", key, err)
	}
	return kv.Entry{Value: e.Value(), Revision: e.Revision()}, nil
}

func (k *KV) Put(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := kv.ValidateKey(key); err != nil {
		return 0, err
	}

	var (
		rev uint64
		err error
	)
	if revision == 0 {
		rev, err = k.kv.Create(ctx, key, value)
	} else {
		rev, err = k.kv.Update(ctx, key, value, revision)
	}
	if isWrongRevision(err) {
		return 0, kv.ErrConflict
	}
	if err != nil {
		return 0, fmt.Errorf("kv put %s: %w", key, err)
	}
	return rev, nil
}

func isWrongRevision(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
