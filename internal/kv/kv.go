// Package kv defines the revisioned document storage used for the job
// schedule and the live agent status, with in-memory and file backends.
// SQLite and NATS JetStream backends live in the store and natsbus packages.
package kv

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

var (
	ErrNotFound = errors.New("kv: key not found")
	// ErrConflict means the stored revision no longer matches the one the
	// caller read; reload and retry.
	ErrConflict = errors.New("kv: revision conflict")
)

type Entry struct {
	Value    []byte
	Revision uint64
}

// Backend stores whole JSON documents under a key with compare-and-swap
// semantics.
type Backend interface {
	Get(ctx context.Context, key string) (Entry, error)
	// Put writes value if the stored revision equals revision (0 means the
	// key must not exist yet) and returns the new revision.
	Put(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

// ValidateKey rejects keys that are not safe as file names or NATS subjects.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) || key == "." || key == ".." {
		return fmt.Errorf("kv: invalid key %q", key)
	}
	return nil
}
