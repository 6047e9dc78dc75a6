// Package jobs is the schedule store: publish jobs kept as one JSON document
// in a kv.Backend and mutated through compare-and-swap writes.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/postdeck/internal/cache"
	"github.com/mtzanidakis/postdeck/internal/kv"
	"github.com/mtzanidakis/postdeck/internal/platform"
)

// DocumentKey is the key the job list is stored under.
const DocumentKey = "publish_jobs"

var (
	ErrNotFound          = errors.New("job not found")
	ErrAlreadyClaimed    = errors.New("job already claimed")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidJob        = errors.New("invalid job")
)

type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusPublishing Status = "publishing"
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusPublishing, StatusPublished, StatusFailed:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusPublished || s == StatusFailed
}

func (s Status) rank() int {
	switch s {
	case StatusScheduled:
		return 0
	case StatusPublishing:
		return 1
	default:
		return 2
	}
}

// CanMoveTo reports whether s -> next is a forward transition. Staying in
// the same non-terminal status is allowed so results can be appended.
func (s Status) CanMoveTo(next Status) bool {
	if !next.Valid() || s.Terminal() {
		return false
	}
	return next.rank() >= s.rank()
}

type Job struct {
	ID           string                `json:"id"`
	Content      string                `json:"content"`
	Platforms    []platform.Platform   `json:"platforms"`
	MediaRefs    []string              `json:"media_refs"`
	ScheduledFor time.Time             `json:"scheduled_for"`
	Status       Status                `json:"status"`
	CreatedAt    time.Time             `json:"created_at"`
	ClaimedAt    *time.Time            `json:"claimed_at,omitempty"`
	PublishedAt  *time.Time            `json:"published_at,omitempty"`
	Results      []platform.PostResult `json:"results"`
}

func (j Job) clone() Job {
	j.Platforms = slices.Clone(j.Platforms)
	j.MediaRefs = slices.Clone(j.MediaRefs)
	j.Results = slices.Clone(j.Results)
	if j.ClaimedAt != nil {
		t := *j.ClaimedAt
		j.ClaimedAt = &t
	}
	if j.PublishedAt != nil {
		t := *j.PublishedAt
		j.PublishedAt = &t
	}
	return j
}

// Due reports whether the job should be picked up at now.
func (j Job) Due(now time.Time) bool {
	return j.Status == StatusScheduled && !j.ScheduledFor.After(now)
}

// NewJob is the composer input for Add.
type NewJob struct {
	Content      string
	Platforms    []platform.Platform
	MediaRefs    []string
	ScheduledFor time.Time
}

// Patch is a partial update. Nil fields are left alone; Results are
// appended.
type Patch struct {
	Status      *Status
	Results     []platform.PostResult
	PublishedAt *time.Time
}

type jobList struct {
	Jobs []Job `json:"jobs"`
}

type Store struct {
	doc *kv.Document[jobList]
	now func() time.Time
}

type Option func(*Store)

// WithClock replaces time.Now for due checks and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(b kv.Backend, ttl *cache.TTL, opts ...Option) *Store {
	s := &Store{
		doc: kv.NewDocument(b, DocumentKey, ttl, func() jobList { return jobList{} }),
		now: time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Validate normalizes in and checks it can become a job.
func Validate(in *NewJob) error {
	in.Content = strings.TrimSpace(in.Content)

	var plats []platform.Platform
	for _, p := range in.Platforms {
		p = platform.Platform(strings.ToLower(strings.TrimSpace(string(p))))
		if p != "" && !slices.Contains(plats, p) {
			plats = append(plats, p)
		}
	}
	in.Platforms = plats
	if len(in.Platforms) == 0 {
		return fmt.Errorf("%w: at least one platform is required", ErrInvalidJob)
	}

	var refs []string
	for _, m := range in.MediaRefs {
		if m = strings.TrimSpace(m); m != "" {
			refs = append(refs, m)
		}
	}
	in.MediaRefs = refs
	if len(in.MediaRefs) > platform.MaxMedia {
		return fmt.Errorf("%w: at most %d media references", ErrInvalidJob, platform.MaxMedia)
	}
	if in.Content == "" && len(in.MediaRefs) == 0 {
		return fmt.Errorf("%w: content or media is required", ErrInvalidJob)
	}
	return nil
}

// Add stores a new scheduled job and returns it.
func (s *Store) Add(ctx context.Context, in NewJob) (Job, error) {
	if err := Validate(&in); err != nil {
		return Job{}, err
	}
	now := s.now().UTC()
	when := in.ScheduledFor
	if when.IsZero() {
		when = now
	}
	job := Job{
		ID:           uuid.New().String(),
		Content:      in.Content,
		Platforms:    in.Platforms,
		MediaRefs:    in.MediaRefs,
		ScheduledFor: when.UTC(),
		Status:       StatusScheduled,
		CreatedAt:    now,
		Results:      []platform.PostResult{},
	}
	if job.MediaRefs == nil {
		job.MediaRefs = []string{}
	}

	_, err := s.doc.Update(ctx, func(l *jobList) error {
		l.Jobs = append(l.Jobs, job)
		return nil
	})
	if err != nil {
		return Job{}, fmt.Errorf("add job: %w", err)
	}
	return job, nil
}

func (s *Store) Get(ctx context.Context, id string) (Job, error) {
	var out Job
	err := s.doc.View(ctx, func(l *jobList) error {
		i := index(l.Jobs, id)
		if i < 0 {
			return ErrNotFound
		}
		out = l.Jobs[i].clone()
		return nil
	})
	return out, err
}

// All returns every job in insertion order.
func (s *Store) All(ctx context.Context) ([]Job, error) {
	var out []Job
	err := s.doc.View(ctx, func(l *jobList) error {
		out = make([]Job, len(l.Jobs))
		for i, j := range l.Jobs {
			out[i] = j.clone()
		}
		return nil
	})
	return out, err
}

// ByStatus returns jobs in status st, insertion order.
func (s *Store) ByStatus(ctx context.Context, st Status) ([]Job, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(j Job) bool { return j.Status != st }), nil
}

// DueNow returns scheduled jobs whose time has come, in insertion order.
func (s *Store) DueNow(ctx context.Context) ([]Job, error) {
	now := s.now()
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(j Job) bool { return !j.Due(now) }), nil
}

// UpdateStatus applies p to job id. Backward transitions and any change to
// a terminal job fail with ErrInvalidTransition.
func (s *Store) UpdateStatus(ctx context.Context, id string, p Patch) (Job, error) {
	var out Job
	_, err := s.doc.Update(ctx, func(l *jobList) error {
		i := index(l.Jobs, id)
		if i < 0 {
			return ErrNotFound
		}
		j := &l.Jobs[i]
		if p.Status != nil {
			if !j.Status.CanMoveTo(*p.Status) {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, *p.Status)
			}
			j.Status = *p.Status
		} else if j.Status.Terminal() && (len(p.Results) > 0 || p.PublishedAt != nil) {
			return fmt.Errorf("%w: job is %s", ErrInvalidTransition, j.Status)
		}
		j.Results = append(j.Results, p.Results...)
		if p.PublishedAt != nil {
			t := p.PublishedAt.UTC()
			j.PublishedAt = &t
		}
		out = j.clone()
		return nil
	})
	if err != nil {
		return Job{}, fmt.Errorf("update job %s: %w", id, err)
	}
	return out, nil
}

// Claim moves a due job from scheduled to publishing. Only one caller can
// win; everyone else gets ErrAlreadyClaimed.
func (s *Store) Claim(ctx context.Context, id string) (Job, error) {
	var out Job
	_, err := s.doc.Update(ctx, func(l *jobList) error {
		i := index(l.Jobs, id)
		if i < 0 {
			return ErrNotFound
		}
		j := &l.Jobs[i]
		if j.Status != StatusScheduled {
			return fmt.Errorf("%w: status is %s", ErrAlreadyClaimed, j.Status)
		}
		now := s.now().UTC()
		j.Status = StatusPublishing
		j.ClaimedAt = &now
		out = j.clone()
		return nil
	})
	if err != nil {
		return Job{}, fmt.Errorf("claim job %s: %w", id, err)
	}
	return out, nil
}

// Complete records results for a publishing job and moves it to its
// terminal status: published when every platform succeeded, failed
// otherwise.
func (s *Store) Complete(ctx context.Context, id string, results []platform.PostResult) (Job, error) {
	st := OutcomeOf(results)
	p := Patch{Status: &st, Results: results}
	if slices.ContainsFunc(results, func(r platform.PostResult) bool { return r.Success }) {
		now := s.now()
		p.PublishedAt = &now
	}
	return s.UpdateStatus(ctx, id, p)
}

// OutcomeOf is published iff results is non-empty and every entry
// succeeded.
func OutcomeOf(results []platform.PostResult) Status {
	if len(results) == 0 {
		return StatusFailed
	}
	for _, r := range results {
		if !r.Success {
			return StatusFailed
		}
	}
	return StatusPublished
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.doc.Update(ctx, func(l *jobList) error {
		i := index(l.Jobs, id)
		if i < 0 {
			return ErrNotFound
		}
		l.Jobs = slices.Delete(l.Jobs, i, i+1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

// Reload drops the cached document.
func (s *Store) Reload(ctx context.Context) error {
	return s.doc.Reload(ctx)
}

func index(jobs []Job, id string) int {
	return slices.IndexFunc(jobs, func(j Job) bool { return j.ID == id })
}
