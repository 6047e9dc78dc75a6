package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mtzanidakis/postdeck/internal/kv"
)

// Get implements kv.Backend.
func (s *Store) Get(ctx context.Context, key string) (kv.Entry, error) {
	var (
		value string
		rev   int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT value, revision FROM documents WHERE key = ?`, key).Scan(&value, &rev)
	if errors.Is(err, sql.ErrNoRows) {
		return kv.Entry{}, kv.ErrNotFound
	}
	if err != nil {
		return kv.Entry{}, fmt.Errorf("get document: %w", err)
	}
	return kv.Entry{Value: []byte(value), Revision: uint64(rev)}, nil
}

// Put implements kv.Backend. The revision check happens inside the
// statement, so it holds across processes sharing the database file.
func (s *Store) Put(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := kv.ValidateKey(key); err != nil {
		return 0, err
	}

	var (
		res sql.Result
		err error
	)
	if revision == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO documents (key, value, revision) VALUES (?, ?, 1)
			ON CONFLICT(key) DO NOTHING`, key, string(value))
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE documents
			SET value = ?, revision = revision + 1, updated_at = CURRENT_TIMESTAMP
			WHERE key = ? AND revision = ?`, string(value), key, int64(revision))
	}
	if err != nil {
		return 0, fmt.Errorf("put document: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("put document: %w", err)
	}
	if n == 0 {
		return 0, kv.ErrConflict
	}
	return revision + 1, nil
}

// DocumentKeys lists stored document keys.
func (s *Store) DocumentKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM documents ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan document key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
