package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// File keeps each key as <dir>/<key>.json. Puts hold an flock on
// <dir>/.lock across the revision check and rename, so processes sharing the
// directory see compare-and-swap semantics.
type File struct {
	dir string
	mu  sync.Mutex
}

type fileEnvelope struct {
	Revision uint64          `json:"revision"`
	Value    json.RawMessage `json:"value"`
}

func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create documents dir: %w", err)
	}
	return &File{dir: dir}, nil
}

func (f *File) Dir() string {
	return f.dir
}

const lockFile = ".lock"

func (f *File) path(key string) string {
	return filepath.Join(f.dir, key+".json")
}

func (f *File) Get(_ context.Context, key string) (Entry, error) {
	if err := ValidateKey(key); err != nil {
		return Entry{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	env, err := f.read(key)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Value: []byte(env.Value), Revision: env.Revision}, nil
}

func (f *File) read(key string) (*fileEnvelope, error) {
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read document %s: %w", key, err)
	}
	var env fileEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", key, err)
	}
	return &env, nil
}

func (f *File) Put(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	if !json.Valid(value) {
		return 0, fmt.Errorf("kv: document %s is not valid JSON", key)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	unlock, err := lockPath(filepath.Join(f.dir, lockFile))
	if err != nil {
		return 0, err
	}
	defer unlock()

	var current uint64
	env, err := f.read(key)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return 0, err
	default:
		current = env.Revision
	}
	if current != revision {
		return 0, ErrConflict
	}

	next := current + 1
	data, err := json.Marshal(fileEnvelope{Revision: next, Value: value})
	if err != nil {
		return 0, fmt.Errorf("encode document %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(f.dir, key+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path(key)); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("replace document %s: %w", key, err)
	}
	return next, nil
}
