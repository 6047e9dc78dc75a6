package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mtzanidakis/postdeck/internal/config"
	"github.com/mtzanidakis/postdeck/internal/kv"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDocumentCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Get(ctx, "jobs"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	rev, err := s.Put(ctx, "jobs", []byte(`{"jobs":[]}`), 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rev != 1 {
		t.Errorf("expected revision 1, got %d", rev)
	}

	if _, err := s.Put(ctx, "jobs", []byte(`{}`), 0); !errors.Is(err, kv.ErrConflict) {
		t.Errorf("expected conflict on duplicate create, got %v", err)
	}
	if _, err := s.Put(ctx, "jobs", []byte(`{}`), 7); !errors.Is(err, kv.ErrConflict) {
		t.Errorf("expected conflict on wrong revision, got %v", err)
	}

	rev, err = s.Put(ctx, "jobs", []byte(`{"jobs":[{"id":"a"}]}`), 1)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if rev != 2 {
		t.Errorf("expected revision 2, got %d", rev)
	}

	e, err := s.Get(ctx, "jobs")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(e.Value) != `{"jobs":[{"id":"a"}]}` || e.Revision != 2 {
		t.Errorf("unexpected entry %s rev %d", e.Value, e.Revision)
	}

	keys, err := s.DocumentKeys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "jobs" {
		t.Errorf("unexpected keys %v", keys)
	}
}

func TestCredentialCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveCredential(ctx, "linkedin.access_token", "v1:sealed"); err != nil {
		t.Fatalf("save: %v", err)
	}
	c, err := s.GetCredential(ctx, "linkedin.access_token")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c == nil || c.Sealed != "v1:sealed" {
		t.Fatalf("unexpected credential %+v", c)
	}

	if err := s.SaveCredential(ctx, "linkedin.access_token", "v1:other"); err != nil {
		t.Fatalf("update: %v", err)
	}
	c, _ = s.GetCredential(ctx, "linkedin.access_token")
	if c.Sealed != "v1:other" {
		t.Errorf("expected updated value, got %s", c.Sealed)
	}

	_ = s.SaveCredential(ctx, "facebook.page_id", "v1:page")
	list, err := s.ListCredentials(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Name != "facebook.page_id" {
		t.Errorf("unexpected list %+v", list)
	}

	ok, err := s.DeleteCredential(ctx, "facebook.page_id")
	if err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	ok, _ = s.DeleteCredential(ctx, "facebook.page_id")
	if ok {
		t.Error("expected second delete to report nothing deleted")
	}

	missing, err := s.GetCredential(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("expected nil for missing credential, got %+v %v", missing, err)
	}
}

func TestScanRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		results, _ := json.Marshal([]map[string]string{{"job_id": "j"}})
		err := s.SaveScanRun(ctx, &ScanRun{
			ID:         string(rune('a' + i)),
			Trigger:    "cron",
			Checked:    i,
			Published:  i,
			Results:    results,
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			FinishedAt: base.Add(time.Duration(i)*time.Minute + time.Second),
		})
		if err != nil {
			t.Fatalf("save run: %v", err)
		}
	}

	runs, err := s.ListScanRuns(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != "c" {
		t.Errorf("expected newest first, got %s", runs[0].ID)
	}
	if len(runs[0].Results) == 0 {
		t.Error("expected results to round trip")
	}
}

func TestSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Put(ctx, "agent_status", []byte(`{"version":1}`), 0); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(t.TempDir(), "snap.db")
	if err := s.Snapshot(out); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("snapshot file missing: %v", err)
	}

	copyStore, err := New(config.StoreConfig{Path: out})
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	defer copyStore.Close()
	e, err := copyStore.Get(ctx, "agent_status")
	if err != nil || string(e.Value) != `{"version":1}` {
		t.Errorf("snapshot content mismatch: %s %v", e.Value, err)
	}
}
