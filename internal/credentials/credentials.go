// Package credentials resolves platform secrets. Values from the config
// file or environment win; otherwise the vault-sealed copy stored in SQLite
// is used.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/mtzanidakis/postdeck/internal/config"
	"github.com/mtzanidakis/postdeck/internal/platform"
	"github.com/mtzanidakis/postdeck/internal/store"
	"github.com/mtzanidakis/postdeck/internal/vault"
)

var (
	ErrUnknownName = errors.New("unknown credential name")
	ErrNoVault     = errors.New("no vault passphrase configured")
)

// Store is the persistence the resolver needs; *store.Store satisfies it.
type Store interface {
	SaveCredential(ctx context.Context, name, sealed string) error
	GetCredential(ctx context.Context, name string) (*store.Credential, error)
	ListCredentials(ctx context.Context) ([]store.Credential, error)
	DeleteCredential(ctx context.Context, name string) (bool, error)
}

type Resolver struct {
	static map[string]string
	store  Store
	vault  *vault.Vault
}

// Status describes where a credential currently resolves from.
type Status struct {
	Name   string `json:"name"`
	Source string `json:"source"` // "config", "vault" or "" when missing
}

// FromConfig flattens the platform config into credential names.
func FromConfig(cfg config.PlatformsConfig) map[string]string {
	m := map[string]string{
		platform.CredTwitterConsumerKey:    cfg.Twitter.ConsumerKey,
		platform.CredTwitterConsumerSecret: cfg.Twitter.ConsumerSecret,
		platform.CredTwitterAccessToken:    cfg.Twitter.AccessToken,
		platform.CredTwitterAccessSecret:   cfg.Twitter.AccessTokenSecret,
		platform.CredLinkedInAccessToken:   cfg.LinkedIn.AccessToken,
		platform.CredInstagramAccessToken:  cfg.Instagram.AccessToken,
		platform.CredInstagramUserID:       cfg.Instagram.UserID,
		platform.CredFacebookAccessToken:   cfg.Facebook.AccessToken,
		platform.CredFacebookPageID:        cfg.Facebook.PageID,
	}
	for k, v := range m {
		if v == "" {
			delete(m, k)
		}
	}
	return m
}

// NewResolver accepts a nil store or vault; stored credentials are then
// unavailable and Set fails with ErrNoVault.
func NewResolver(static map[string]string, s Store, v *vault.Vault) *Resolver {
	if static == nil {
		static = map[string]string{}
	}
	return &Resolver{static: static, store: s, vault: v}
}

// Get returns "" without error when the credential is not configured.
func (r *Resolver) Get(ctx context.Context, name string) (string, error) {
	if v := r.static[name]; v != "" {
		return v, nil
	}
	if r.store == nil || r.vault == nil {
		return "", nil
	}
	c, err := r.store.GetCredential(ctx, name)
	if err != nil {
		return "", err
	}
	if c == nil {
		return "", nil
	}
	plain, err := r.vault.Open(c.Sealed)
	if err != nil {
		return "", fmt.Errorf("open credential %s: %w", name, err)
	}
	return plain, nil
}

func (r *Resolver) Set(ctx context.Context, name, value string) error {
	if !slices.Contains(platform.CredentialNames, name) {
		return fmt.Errorf("%w: %s", ErrUnknownName, name)
	}
	if r.store == nil || r.vault == nil {
		return ErrNoVault
	}
	sealed, err := r.vault.Seal(value)
	if err != nil {
		return fmt.Errorf("seal credential: %w", err)
	}
	return r.store.SaveCredential(ctx, name, sealed)
}

func (r *Resolver) Delete(ctx context.Context, name string) (bool, error) {
	if r.store == nil {
		return false, nil
	}
	return r.store.DeleteCredential(ctx, name)
}

// List reports every known credential name and its source. Values are never
// returned.
func (r *Resolver) List(ctx context.Context) ([]Status, error) {
	stored := map[string]bool{}
	if r.store != nil {
		creds, err := r.store.ListCredentials(ctx)
		if err != nil {
			return nil, err
		}
		for _, c := range creds {
			stored[c.Name] = true
		}
	}

	out := make([]Status, 0, len(platform.CredentialNames))
	for _, name := range platform.CredentialNames {
		st := Status{Name: name}
		switch {
		case r.static[name] != "":
			st.Source = "config"
		case stored[name] && r.vault != nil:
			st.Source = "vault"
		}
		out = append(out, st)
	}
	return out, nil
}
