package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/postdeck/internal/cache"
	"github.com/mtzanidakis/postdeck/internal/kv"
	"github.com/mtzanidakis/postdeck/internal/platform"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*Store, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	return New(kv.NewMemory(), cache.NewTTL(time.Minute), WithClock(c.now)), c
}

func mustAdd(t *testing.T, s *Store, in NewJob) Job {
	t.Helper()
	j, err := s.Add(context.Background(), in)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	return j
}

func TestAddValidation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   NewJob
	}{
		{"no platforms", NewJob{Content: "hi"}},
		{"blank platforms", NewJob{Content: "hi", Platforms: []platform.Platform{" "}}},
		{"no content or media", NewJob{Content: "  ", Platforms: []platform.Platform{platform.Twitter}}},
		{"too many media", NewJob{Content: "hi", Platforms: []platform.Platform{platform.Twitter}, MediaRefs: []string{"a", "b", "c", "d", "e"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Add(ctx, tt.in); !errors.Is(err, ErrInvalidJob) {
				t.Errorf("expected ErrInvalidJob, got %v", err)
			}
		})
	}
}

func TestAddNormalizes(t *testing.T) {
	s, c := newTestStore(t)
	j := mustAdd(t, s, NewJob{
		Content:   "  hello ",
		Platforms: []platform.Platform{"Twitter", "linkedin", "twitter"},
	})
	if j.Content != "hello" {
		t.Errorf("expected trimmed content, got %q", j.Content)
	}
	if len(j.Platforms) != 2 || j.Platforms[0] != platform.Twitter || j.Platforms[1] != platform.LinkedIn {
		t.Errorf("expected deduplicated platforms in order, got %v", j.Platforms)
	}
	if j.Status != StatusScheduled {
		t.Errorf("expected scheduled, got %s", j.Status)
	}
	if !j.ScheduledFor.Equal(c.now()) {
		t.Errorf("expected zero scheduled_for to default to now")
	}
	if j.ID == "" {
		t.Error("expected generated id")
	}
}

func TestDueNowFiltersAndKeepsOrder(t *testing.T) {
	s, c := newTestStore(t)
	ctx := context.Background()
	now := c.now()
	tw := []platform.Platform{platform.Twitter}

	first := mustAdd(t, s, NewJob{Content: "1", Platforms: tw, ScheduledFor: now.Add(-time.Minute)})
	future := mustAdd(t, s, NewJob{Content: "2", Platforms: tw, ScheduledFor: now.Add(time.Hour)})
	second := mustAdd(t, s, NewJob{Content: "3", Platforms: tw, ScheduledFor: now.Add(-time.Hour)})
	claimed := mustAdd(t, s, NewJob{Content: "4", Platforms: tw, ScheduledFor: now})
	third := mustAdd(t, s, NewJob{Content: "5", Platforms: tw, ScheduledFor: now})

	if _, err := s.Claim(ctx, claimed.ID); err != nil {
		t.Fatal(err)
	}

	due, err := s.DueNow(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{first.ID, second.ID, third.ID}
	if len(due) != len(want) {
		t.Fatalf("expected %d due jobs, got %d", len(want), len(due))
	}
	for i, j := range due {
		if j.ID != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], j.ID)
		}
		if j.ScheduledFor.After(now) || j.Status != StatusScheduled {
			t.Errorf("job %s should not be due", j.ID)
		}
	}

	c.advance(2 * time.Hour)
	due, _ = s.DueNow(ctx)
	if len(due) != 4 || due[1].ID != future.ID {
		t.Errorf("expected future job due in insertion position after clock advance, got %d jobs", len(due))
	}
}

func TestClaimIsExclusive(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	j := mustAdd(t, s, NewJob{Content: "x", Platforms: []platform.Platform{platform.Twitter}})

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Claim(ctx, j.ID)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, ErrAlreadyClaimed) {
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("expected exactly one claim to win, got %d", wins)
	}

	got, _ := s.Get(ctx, j.ID)
	if got.Status != StatusPublishing || got.ClaimedAt == nil {
		t.Errorf("expected publishing with claimed_at, got %+v", got)
	}
}

func TestClaimAcrossStoresSharingBackend(t *testing.T) {
	b := kv.NewMemory()
	a := New(b, cache.NewTTL(time.Hour))
	other := New(b, cache.NewTTL(time.Hour))
	ctx := context.Background()

	j, err := a.Add(ctx, NewJob{Content: "x", Platforms: []platform.Platform{platform.Twitter}})
	if err != nil {
		t.Fatal(err)
	}
	// other caches the document while the job is still scheduled.
	if due, _ := other.DueNow(ctx); len(due) != 1 {
		t.Fatalf("expected job visible to second store")
	}
	if _, err := a.Claim(ctx, j.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := other.Claim(ctx, j.ID); !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("stale store must not claim twice, got %v", err)
	}
}

func TestClaimAcrossFileBackendsIsExclusive(t *testing.T) {
	dir := t.TempDir()
	open := func() *Store {
		t.Helper()
		f, err := kv.NewFile(dir)
		if err != nil {
			t.Fatal(err)
		}
		return New(f, cache.NewTTL(time.Hour))
	}
	gateway, cli := open(), open()
	ctx := context.Background()

	for round := range 50 {
		j, err := gateway.Add(ctx, NewJob{Content: "x", Platforms: []platform.Platform{platform.Twitter}})
		if err != nil {
			t.Fatal(err)
		}
		if err := cli.Reload(ctx); err != nil {
			t.Fatal(err)
		}

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for _, s := range []*Store{gateway, cli} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Claim(ctx, j.ID)
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				} else if !errors.Is(err, ErrAlreadyClaimed) {
					t.Errorf("round %d: unexpected error %v", round, err)
				}
			}()
		}
		wg.Wait()
		if wins != 1 {
			t.Fatalf("round %d: expected exactly one claim to win, got %d", round, wins)
		}
	}
}

func TestCompleteOutcome(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	both := []platform.Platform{platform.Twitter, platform.Instagram}

	j := mustAdd(t, s, NewJob{Content: "x", Platforms: both})
	if _, err := s.Claim(ctx, j.ID); err != nil {
		t.Fatal(err)
	}
	done, err := s.Complete(ctx, j.ID, []platform.PostResult{
		{Platform: platform.Twitter, Success: true, PostID: "1"},
		{Platform: platform.Instagram, Success: false, Error: "media required", ErrorKind: platform.KindMediaRequired},
	})
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != StatusFailed {
		t.Errorf("expected failed, got %s", done.Status)
	}
	if len(done.Results) != 2 || !done.Results[0].Success || done.Results[1].Success {
		t.Errorf("expected partial success preserved, got %+v", done.Results)
	}
	if done.PublishedAt == nil {
		t.Error("expected published_at when something was published")
	}

	ok := mustAdd(t, s, NewJob{Content: "y", Platforms: []platform.Platform{platform.Twitter}})
	s.Claim(ctx, ok.ID)
	done, err = s.Complete(ctx, ok.ID, []platform.PostResult{{Platform: platform.Twitter, Success: true}})
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != StatusPublished {
		t.Errorf("expected published, got %s", done.Status)
	}
}

func TestUpdateStatusForwardOnly(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	j := mustAdd(t, s, NewJob{Content: "x", Platforms: []platform.Platform{platform.Twitter}})

	publishing := StatusPublishing
	if _, err := s.UpdateStatus(ctx, j.ID, Patch{Status: &publishing}); err != nil {
		t.Fatal(err)
	}
	scheduled := StatusScheduled
	if _, err := s.UpdateStatus(ctx, j.ID, Patch{Status: &scheduled}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected backward transition rejected, got %v", err)
	}
	published := StatusPublished
	if _, err := s.UpdateStatus(ctx, j.ID, Patch{Status: &published}); err != nil {
		t.Fatal(err)
	}
	failed := StatusFailed
	if _, err := s.UpdateStatus(ctx, j.ID, Patch{Status: &failed}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected terminal status to be final, got %v", err)
	}
	if _, err := s.UpdateStatus(ctx, j.ID, Patch{Results: []platform.PostResult{{Platform: platform.Twitter}}}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected results on terminal job rejected, got %v", err)
	}
}

func TestUpdateStatusAppendsResults(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	j := mustAdd(t, s, NewJob{Content: "x", Platforms: []platform.Platform{platform.Twitter, platform.Facebook}})
	s.Claim(ctx, j.ID)

	s.UpdateStatus(ctx, j.ID, Patch{Results: []platform.PostResult{{Platform: platform.Twitter, Success: true}}})
	got, err := s.UpdateStatus(ctx, j.ID, Patch{Results: []platform.PostResult{{Platform: platform.Facebook, Success: true}}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Results) != 2 || got.Results[0].Platform != platform.Twitter {
		t.Errorf("expected results appended in order, got %+v", got.Results)
	}
}

func TestGetAndDelete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	j := mustAdd(t, s, NewJob{Content: "x", Platforms: []platform.Platform{platform.Twitter}})

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.Delete(ctx, j.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, j.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
	all, _ := s.All(ctx)
	if len(all) != 0 {
		t.Errorf("expected empty store, got %d", len(all))
	}
}

func TestReturnedJobsAreCopies(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	j := mustAdd(t, s, NewJob{Content: "x", Platforms: []platform.Platform{platform.Twitter}})

	got, _ := s.Get(ctx, j.ID)
	got.Platforms[0] = platform.Facebook
	again, _ := s.Get(ctx, j.ID)
	if again.Platforms[0] != platform.Twitter {
		t.Error("mutating a returned job must not affect the store")
	}
}

func TestPersistsAcrossStores(t *testing.T) {
	dir := t.TempDir()
	b, err := kv.NewFile(dir)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	j, err := New(b, cache.NewTTL(0)).Add(ctx, NewJob{Content: "durable", Platforms: []platform.Platform{platform.LinkedIn}})
	if err != nil {
		t.Fatal(err)
	}

	b2, _ := kv.NewFile(dir)
	got, err := New(b2, cache.NewTTL(0)).Get(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != "durable" {
		t.Errorf("expected job to survive reopen, got %+v", got)
	}
}
