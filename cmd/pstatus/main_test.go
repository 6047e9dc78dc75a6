package main

import (
	"testing"
	"time"

	"github.com/mtzanidakis/postdeck/internal/agentstatus"
	"github.com/mtzanidakis/postdeck/internal/cache"
	"github.com/mtzanidakis/postdeck/internal/config"
	"github.com/mtzanidakis/postdeck/internal/kv"
	"github.com/mtzanidakis/postdeck/internal/natsbus"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want map[string]string
	}{
		{
			name: "empty",
			args: []string{},
			want: map[string]string{},
		},
		{
			name: "multiple flags",
			args: []string{"--task", "rendering", "--progress", "40"},
			want: map[string]string{"task": "rendering", "progress": "40"},
		},
		{
			name: "flag without value is ignored",
			args: []string{"--task"},
			want: map[string]string{},
		},
		{
			name: "short prefix not treated as flag",
			args: []string{"-t", "test"},
			want: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseArgs(tt.args)
			if len(got) != len(tt.want) {
				t.Errorf("parseArgs(%v) returned %d entries, want %d", tt.args, len(got), len(tt.want))
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("parseArgs(%v)[%q] = %q, want %q", tt.args, k, got[k], v)
				}
			}
		})
	}
}

func TestBuildPatch(t *testing.T) {
	p, err := buildPatch("working", map[string]string{"task": "drawing", "progress": "25"})
	if err != nil {
		t.Fatal(err)
	}
	if *p.Status != "working" || *p.Task != "drawing" || *p.Progress != 25 {
		t.Errorf("unexpected patch %+v", p)
	}

	p, err = buildPatch("progress", map[string]string{"progress": "60"})
	if err != nil || p.Status != nil || *p.Progress != 60 {
		t.Errorf("unexpected progress patch %+v %v", p, err)
	}

	for _, tc := range []struct {
		cmd  string
		args map[string]string
	}{
		{"sleeping", nil},
		{"working", map[string]string{"progress": "150"}},
		{"working", map[string]string{"progress": "lots"}},
		{"progress", map[string]string{}},
	} {
		if _, err := buildPatch(tc.cmd, tc.args); err == nil {
			t.Errorf("expected error for %s %v", tc.cmd, tc.args)
		}
	}
}

func startGateway(t *testing.T) (string, *agentstatus.Store) {
	t.Helper()
	bus, err := natsbus.New(config.NATSConfig{
		Port:    -1,
		DataDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(bus.Close)

	client, err := natsbus.NewClient(bus)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(client.Close)

	store := agentstatus.New(kv.NewMemory(), cache.NewTTL(time.Minute), []string{"image-gen"})
	sub, err := natsbus.ServeStatusUpdates(client, store)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sub.Unsubscribe() })
	client.Flush()
	return bus.ClientURL(), store
}

func TestSendUpdate(t *testing.T) {
	url, _ := startGateway(t)

	p, _ := buildPatch("working", map[string]string{"task": "rendering", "progress": "10"})
	resp, err := sendUpdate(url, "image-gen", p)
	if err != nil {
		t.Fatalf("sendUpdate: %v", err)
	}
	if resp.Error != "" || resp.State == nil {
		t.Fatalf("unexpected reply %+v", resp)
	}
	a := resp.State.Agents["image-gen"]
	if a.Status != "working" || a.Progress == nil || *a.Progress != 10 {
		t.Errorf("unexpected agent %+v", a)
	}
	if resp.State.Agents["orchestrator"].Status != "working" {
		t.Error("expected orchestrator working")
	}
}

func TestSendUpdateRejected(t *testing.T) {
	url, _ := startGateway(t)

	status := "napping"
	resp, err := sendUpdate(url, "image-gen", patch{Status: &status})
	if err != nil {
		t.Fatalf("sendUpdate: %v", err)
	}
	if resp.Error == "" {
		t.Error("expected gateway to reject the status")
	}
}
