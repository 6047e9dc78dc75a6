package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/mtzanidakis/postdeck/internal/cache"
)

const maxUpdateAttempts = 5

// Document is a JSON value of type T stored under one key. Reads are served
// from the last loaded copy while the TTL window is fresh; writes are
// compare-and-swap against the backend and retried on conflict after a
// forced reload.
type Document[T any] struct {
	mu      sync.Mutex
	backend Backend
	key     string
	ttl     *cache.TTL
	empty   func() T

	raw    []byte
	rev    uint64
	loaded bool
}

// NewDocument returns a document bound to key. empty builds the value used
// when the key does not exist yet and is the decode target for stored data.
func NewDocument[T any](b Backend, key string, ttl *cache.TTL, empty func() T) *Document[T] {
	return &Document[T]{backend: b, key: key, ttl: ttl, empty: empty}
}

// View decodes the current value and hands it to fn. Changes fn makes are
// discarded.
func (d *Document[T]) View(ctx context.Context, fn func(*T) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.load(ctx, false); err != nil {
		return err
	}
	v, err := d.decode()
	if err != nil {
		return err
	}
	return fn(&v)
}

// Update applies fn to a fresh copy of the value and persists the result.
// When fn returns an error nothing is written and the error is returned
// unchanged. fn may run more than once if another writer got in first.
func (d *Document[T]) Update(ctx context.Context, fn func(*T) error) (T, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var zero T
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		if err := d.load(ctx, attempt > 0); err != nil {
			return zero, err
		}
		v, err := d.decode()
		if err != nil {
			return zero, err
		}
		if err := fn(&v); err != nil {
			return zero, err
		}

		data, err := json.Marshal(v)
		if err != nil {
			return zero, fmt.Errorf("encode %s: %w", d.key, err)
		}
		rev, err := d.backend.Put(ctx, d.key, data, d.rev)
		if errors.Is(err, ErrConflict) {
			d.ttl.Invalidate()
			continue
		}
		if err != nil {
			return zero, fmt.Errorf("write %s: %w", d.key, err)
		}

		d.raw = data
		d.rev = rev
		d.loaded = true
		d.ttl.Touch()
		return v, nil
	}
	return zero, fmt.Errorf("write %s: %w after %d attempts", d.key, ErrConflict, maxUpdateAttempts)
}

// Reload drops the cached copy so the next read goes to the backend.
func (d *Document[T]) Reload(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.load(ctx, true)
}

func (d *Document[T]) load(ctx context.Context, force bool) error {
	if !force && d.loaded && d.ttl.Fresh() {
		return nil
	}

	entry, err := d.backend.Get(ctx, d.key)
	switch {
	case errors.Is(err, ErrNotFound):
		d.raw, d.rev = nil, 0
	case err != nil:
		return fmt.Errorf("load %s: %w", d.key, err)
	default:
		d.raw, d.rev = entry.Value, entry.Revision
	}
	d.loaded = true
	d.ttl.Touch()
	return nil
}

func (d *Document[T]) decode() (T, error) {
	v := d.empty()
	if len(d.raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(d.raw, &v); err != nil {
		var zero T
		return zero, fmt.Errorf("decode %s: %w", d.key, err)
	}
	return v, nil
}
