package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Credential is a platform secret sealed by the vault. The store never sees
// the plaintext.
type Credential struct {
	Name      string    `json:"name"`
	Sealed    string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Store) SaveCredential(ctx context.Context, name, sealed string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (name, sealed) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET
			sealed = excluded.sealed,
			updated_at = CURRENT_TIMESTAMP`, name, sealed)
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// GetCredential returns nil when the credential is not stored.
func (s *Store) GetCredential(ctx context.Context, name string) (*Credential, error) {
	c := &Credential{}
	err := s.db.QueryRowContext(ctx, `
		SELECT name, sealed, created_at, updated_at
		FROM credentials WHERE name = ?`, name).Scan(&c.Name, &c.Sealed, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return c, nil
}

func (s *Store) ListCredentials(ctx context.Context) ([]Credential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, sealed, created_at, updated_at
		FROM credentials ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []Credential
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.Name, &c.Sealed, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) DeleteCredential(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete credential: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
