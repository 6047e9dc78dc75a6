// Package platform publishes posts to external social platforms behind one
// Adapter contract. Every adapter returns a PostResult; errors never cross
// the adapter boundary.
package platform

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
)

type Platform string

const (
	Twitter   Platform = "twitter"
	LinkedIn  Platform = "linkedin"
	Instagram Platform = "instagram"
	Facebook  Platform = "facebook"
)

// MaxMedia is the most media locators a post may reference.
const MaxMedia = 4

// Credential names resolved through Credentials.Get.
const (
	CredTwitterConsumerKey    = "twitter.consumer_key"
	CredTwitterConsumerSecret = "twitter.consumer_secret"
	CredTwitterAccessToken    = "twitter.access_token"
	CredTwitterAccessSecret   = "twitter.access_token_secret"
	CredLinkedInAccessToken   = "linkedin.access_token"
	CredInstagramAccessToken  = "instagram.access_token"
	CredInstagramUserID       = "instagram.user_id"
	CredFacebookAccessToken   = "facebook.access_token"
	CredFacebookPageID        = "facebook.page_id"
)

var CredentialNames = []string{
	CredTwitterConsumerKey,
	CredTwitterConsumerSecret,
	CredTwitterAccessToken,
	CredTwitterAccessSecret,
	CredLinkedInAccessToken,
	CredInstagramAccessToken,
	CredInstagramUserID,
	CredFacebookAccessToken,
	CredFacebookPageID,
}

// Credentials looks up a secret by name. A missing secret is "" with a nil
// error.
type Credentials interface {
	Get(ctx context.Context, name string) (string, error)
}

// StaticCredentials is a fixed map, handy for tests and one-off CLI runs.
type StaticCredentials map[string]string

func (s StaticCredentials) Get(_ context.Context, name string) (string, error) {
	return s[name], nil
}

type Adapter interface {
	Platform() Platform
	// Connected reports whether every credential the adapter needs is set.
	Connected(ctx context.Context) bool
	Publish(ctx context.Context, text string, media []string) PostResult
}

type PostResult struct {
	Platform  Platform `json:"platform"`
	Success   bool     `json:"success"`
	PostID    string   `json:"post_id,omitempty"`
	PostURL   string   `json:"post_url,omitempty"`
	Error     string   `json:"error,omitempty"`
	ErrorKind string   `json:"error_kind,omitempty"`
}

func succeeded(p Platform, id, url string) PostResult {
	return PostResult{Platform: p, Success: true, PostID: id, PostURL: url}
}

// Failed converts err into a failing result for p.
func Failed(p Platform, err error) PostResult {
	return PostResult{Platform: p, Success: false, Error: Message(err), ErrorKind: Kind(err)}
}

// Registry maps platform tags to adapters.
type Registry struct {
	adapters map[Platform]Adapter
	order    []Platform
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Platform]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	p := a.Platform()
	if _, ok := r.adapters[p]; !ok {
		r.order = append(r.order, p)
	}
	r.adapters[p] = a
}

func (r *Registry) Get(p Platform) (Adapter, bool) {
	a, ok := r.adapters[p]
	return a, ok
}

func (r *Registry) Platforms() []Platform {
	return slices.Clone(r.order)
}

// Publish runs the adapter for p. Unknown platforms and adapter panics come
// back as failing results.
func (r *Registry) Publish(ctx context.Context, p Platform, text string, media []string) (res PostResult) {
	a, ok := r.adapters[p]
	if !ok {
		slog.Warn("platform not yet implemented", "platform", p)
		return Failed(p, fmt.Errorf("%w: %s", ErrUnsupported, p))
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("platform adapter panicked", "platform", p, "panic", rec)
			res = Failed(p, fmt.Errorf("%w: adapter panic", ErrInternal))
		}
	}()

	res = a.Publish(ctx, text, media)
	res.Platform = p
	return res
}

// ProgressFunc receives coarse progress messages from adapters.
type ProgressFunc func(task string)

type progressKey struct{}

func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress forwards task to the ProgressFunc stored in ctx, if any.
func ReportProgress(ctx context.Context, task string) {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok && fn != nil {
		fn(task)
	}
}
