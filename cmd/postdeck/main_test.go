package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mtzanidakis/postdeck/internal/agentstatus"
	"github.com/mtzanidakis/postdeck/internal/cache"
	"github.com/mtzanidakis/postdeck/internal/config"
	"github.com/mtzanidakis/postdeck/internal/jobs"
	"github.com/mtzanidakis/postdeck/internal/kv"
	"github.com/mtzanidakis/postdeck/internal/natsbus"
	"github.com/mtzanidakis/postdeck/internal/platform"
	"github.com/mtzanidakis/postdeck/internal/scheduler"
)

func testConfig(t *testing.T, backend string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Store: config.StoreConfig{
			Backend:  backend,
			Path:     filepath.Join(dir, "postdeck.db"),
			Dir:      filepath.Join(dir, "docs"),
			CacheTTL: time.Minute,
		},
		NATS:      config.NATSConfig{URL: "nats://127.0.0.1:1"},
		Publisher: config.PublisherConfig{Timeout: time.Second, AgentID: "publisher"},
		Status:    config.StatusConfig{Orchestrator: "orchestrator", Agents: []string{"publisher"}},
		Media:     config.MediaConfig{Dir: filepath.Join(dir, "media")},
	}
}

func TestNewAppScanWithoutCredentials(t *testing.T) {
	for _, backend := range []string{"memory", "file", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			a, err := newApp(ctx, testConfig(t, backend), false)
			if err != nil {
				t.Fatal(err)
			}
			defer a.Close()

			if a.nats != nil {
				t.Error("expected no bus when the gateway is unreachable")
			}
			if got := a.adapters.Platforms(); len(got) != 4 {
				t.Errorf("expected 4 adapters, got %v", got)
			}

			if _, err := a.jobs.Add(ctx, jobs.NewJob{Content: "hi", Platforms: []platform.Platform{platform.Facebook}}); err != nil {
				t.Fatal(err)
			}
			sum, err := a.scanner.Scan(ctx, "test")
			if err != nil {
				t.Fatal(err)
			}
			if sum.Failed != 1 || sum.Results[0].Results[0].ErrorKind != "not_connected" {
				t.Errorf("expected not_connected failure, got %+v", sum)
			}

			runs, err := a.db.ListScanRuns(ctx, 5)
			if err != nil || len(runs) != 1 {
				t.Errorf("expected one recorded scan, got %d %v", len(runs), err)
			}
		})
	}
}

func TestNewAppNATSBackendNeedsGateway(t *testing.T) {
	if _, err := newApp(context.Background(), testConfig(t, "nats"), false); err == nil {
		t.Fatal("expected error without a reachable bus")
	}
}

func TestResolveJobID(t *testing.T) {
	ctx := context.Background()
	a, err := newApp(ctx, testConfig(t, "memory"), false)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	job, err := a.jobs.Add(ctx, jobs.NewJob{Content: "x", Platforms: []platform.Platform{platform.Twitter}})
	if err != nil {
		t.Fatal(err)
	}
	id, err := resolveJobID(ctx, a.jobs, job.ID[:8])
	if err != nil || id != job.ID {
		t.Errorf("expected %s, got %s %v", job.ID, id, err)
	}
	if _, err := resolveJobID(ctx, a.jobs, "zzzz"); !errors.Is(err, jobs.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPreview(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"line one\nline two", 40, "line one line two"},
		{"abcdefghij", 5, "abcd…"},
	}
	for _, tt := range tests {
		if got := preview(tt.in, tt.n); got != tt.want {
			t.Errorf("preview(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestLayoutOf(t *testing.T) {
	cfg := testConfig(t, "sqlite")
	if l := layoutOf(cfg); l.DocsDir != "" || l.DBPath != cfg.Store.Path {
		t.Errorf("unexpected layout %+v", l)
	}
	cfg.Store.Backend = "file"
	if l := layoutOf(cfg); l.DocsDir != cfg.Store.Dir {
		t.Errorf("expected docs dir for file backend, got %+v", l)
	}
}

func startBus(t *testing.T) (*natsbus.Bus, *natsbus.Client) {
	t.Helper()
	bus, err := natsbus.New(config.NATSConfig{Port: -1, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(bus.Close)
	client, err := natsbus.NewClient(bus)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(client.Close)
	return bus, client
}

func TestCLIScanProgressReachesGatewaySubscribers(t *testing.T) {
	ctx := context.Background()
	bus, client := startBus(t)

	gateway := agentstatus.New(kv.NewMemory(), cache.NewTTL(time.Minute), []string{"publisher"})
	sub, err := natsbus.ServeStatusUpdates(client, gateway)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()
	client.Flush()

	states := make(chan agentstatus.SwarmState, 64)
	stop := gateway.Subscribe(func(st agentstatus.SwarmState) { states <- st })
	defer stop()

	cfg := testConfig(t, "memory")
	cfg.NATS.URL = bus.ClientURL()
	a, err := newApp(ctx, cfg, false)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if a.nats == nil {
		t.Fatal("expected the CLI to reach the gateway bus")
	}

	if _, err := a.jobs.Add(ctx, jobs.NewJob{Content: "hi", Platforms: []platform.Platform{platform.Facebook}}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.scanner.Scan(ctx, "cli"); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case st := <-states:
			if st.Agents["publisher"].Status == agentstatus.StatusError {
				local, err := a.status.GetState(ctx)
				if err != nil {
					t.Fatal(err)
				}
				if local.Version != 0 {
					t.Errorf("expected progress applied by the gateway only, local version %d", local.Version)
				}
				return
			}
		case <-deadline:
			t.Fatal("gateway subscriber never saw the scan's status")
		}
	}
}

func TestCLIScanWithoutStatusResponderWritesLocally(t *testing.T) {
	ctx := context.Background()
	bus, _ := startBus(t)

	cfg := testConfig(t, "memory")
	cfg.NATS.URL = bus.ClientURL()
	a, err := newApp(ctx, cfg, false)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if _, err := a.jobs.Add(ctx, jobs.NewJob{Content: "hi", Platforms: []platform.Platform{platform.Facebook}}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.scanner.Scan(ctx, "cli"); err != nil {
		t.Fatal(err)
	}

	got, err := a.status.Get(ctx, "publisher")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != agentstatus.StatusError {
		t.Errorf("expected local fallback to record the failure, got %s", got.Status)
	}
}

func TestReloadScheduler(t *testing.T) {
	if err := reloadScheduler(nil); err != nil {
		t.Errorf("expected disabled scheduler reload to be a no-op, got %v", err)
	}

	sched, err := scheduler.New(nil, config.SchedulerConfig{PollInterval: time.Minute})
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "postdeck.yaml")
	t.Setenv("POSTDECK_CONFIG", path)

	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	write("scheduler:\n  enabled: true\n  cron: \"*/5 * * * *\"\n")
	if err := reloadScheduler(sched); err != nil {
		t.Errorf("reload valid cron: %v", err)
	}

	write("scheduler:\n  enabled: true\n  cron: \"every tuesday\"\n")
	if err := reloadScheduler(sched); err == nil {
		t.Error("expected invalid cron to be rejected")
	}
}
