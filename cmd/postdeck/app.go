package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mtzanidakis/postdeck/internal/agentstatus"
	"github.com/mtzanidakis/postdeck/internal/cache"
	"github.com/mtzanidakis/postdeck/internal/config"
	"github.com/mtzanidakis/postdeck/internal/credentials"
	"github.com/mtzanidakis/postdeck/internal/jobs"
	"github.com/mtzanidakis/postdeck/internal/kv"
	"github.com/mtzanidakis/postdeck/internal/natsbus"
	"github.com/mtzanidakis/postdeck/internal/notify"
	"github.com/mtzanidakis/postdeck/internal/platform"
	"github.com/mtzanidakis/postdeck/internal/publisher"
	"github.com/mtzanidakis/postdeck/internal/store"
	"github.com/mtzanidakis/postdeck/internal/vault"
)

// app holds the components shared by the gateway and the one-shot CLI
// commands.
type app struct {
	cfg      *config.Config
	db       *store.Store
	bus      *natsbus.Bus
	nats     *natsbus.Client
	backend  kv.Backend
	creds    *credentials.Resolver
	adapters *platform.Registry
	jobs     *jobs.Store
	status   *agentstatus.Store
	scanner  *publisher.Scanner

	closers []func()
}

// newApp wires the stack. With embedBus the NATS server runs in-process;
// otherwise the gateway's bus is used when reachable.
func newApp(ctx context.Context, cfg *config.Config, embedBus bool) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.db, err = store.New(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	a.onClose(func() { a.db.Close() })
	slog.Debug("store initialized", "path", cfg.Store.Path)

	if err := a.connectBus(embedBus); err != nil {
		return nil, err
	}

	a.backend, err = a.openBackend(ctx)
	if err != nil {
		return nil, err
	}

	var v *vault.Vault
	if cfg.Vault.Passphrase != "" {
		v, err = vault.New(cfg.Vault.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("init vault: %w", err)
		}
	}
	a.creds = credentials.NewResolver(credentials.FromConfig(cfg.Platforms), a.db, v)

	client := &http.Client{Timeout: cfg.Publisher.Timeout}
	media := platform.NewMediaLoader(client, cfg.Media.Dir, cfg.Media.PublicBaseURL)
	p := cfg.Platforms
	a.adapters = platform.NewRegistry(
		platform.NewTwitter(client, a.creds, media, p.Twitter.APIBase, p.Twitter.UploadBase),
		platform.NewLinkedIn(client, a.creds, p.LinkedIn.APIBase),
		platform.NewInstagram(client, a.creds, media, p.Instagram.APIBase),
		platform.NewFacebook(client, a.creds, p.Facebook.APIBase),
	)

	a.jobs = jobs.New(a.backend, cache.NewTTL(cfg.Store.CacheTTL))
	a.status = agentstatus.New(a.backend, cache.NewTTL(cfg.Status.CacheTTL), cfg.Status.Agents,
		agentstatus.WithOrchestrator(cfg.Status.Orchestrator))

	// A CLI process reports through the gateway so its viewers see the
	// progress live.
	var updater agentstatus.Updater = a.status
	if !embedBus && a.nats != nil {
		updater = gatewayStatus{remote: natsbus.NewRemoteStatus(a.nats, 5*time.Second), local: a.status}
	}

	opts := []publisher.Option{
		publisher.WithConcurrency(cfg.Publisher.Concurrent),
		publisher.WithTimeout(cfg.Publisher.Timeout),
		publisher.WithReporter(agentstatus.NewReporter(updater, cfg.Publisher.AgentID)),
		publisher.WithRecorder(a.db),
	}
	if a.nats != nil {
		opts = append(opts, publisher.WithEvents(a.nats))
	}
	if cfg.Telegram.Token != "" {
		tg, err := notify.NewTelegram(cfg.Telegram)
		if err != nil {
			return nil, fmt.Errorf("init telegram: %w", err)
		}
		opts = append(opts, publisher.WithNotifier(tg))
	}
	a.scanner = publisher.New(a.jobs, a.adapters, opts...)

	return a, nil
}

// gatewayStatus applies updates through the gateway, falling back to the
// local store when no gateway answers.
type gatewayStatus struct {
	remote agentstatus.Updater
	local  agentstatus.Updater
}

func (g gatewayStatus) Update(ctx context.Context, id string, p agentstatus.Patch) (agentstatus.SwarmState, error) {
	st, err := g.remote.Update(ctx, id, p)
	if err == nil {
		return st, nil
	}
	slog.Debug("gateway status update failed, writing locally", "agent", id, "error", err)
	return g.local.Update(ctx, id, p)
}

func (a *app) connectBus(embed bool) error {
	var err error
	if embed {
		a.bus, err = natsbus.New(a.cfg.NATS)
		if err != nil {
			return fmt.Errorf("init nats: %w", err)
		}
		a.onClose(a.bus.Close)
		slog.Info("nats started", "port", a.bus.Port())

		a.nats, err = natsbus.NewClient(a.bus)
		if err != nil {
			return fmt.Errorf("nats client: %w", err)
		}
		a.onClose(a.nats.Close)
		return nil
	}

	a.nats, err = natsbus.NewClientFromURL(a.cfg.NATS.ClientURL())
	if err != nil {
		if a.cfg.Store.Backend == "nats" {
			return fmt.Errorf("nats backend needs a running gateway: %w", err)
		}
		slog.Debug("gateway bus not reachable, events disabled", "error", err)
		a.nats = nil
		return nil
	}
	a.onClose(a.nats.Close)
	return nil
}

func (a *app) openBackend(ctx context.Context) (kv.Backend, error) {
	switch a.cfg.Store.Backend {
	case "memory":
		return kv.NewMemory(), nil
	case "file":
		f, err := kv.NewFile(a.cfg.Store.Dir)
		if err != nil {
			return nil, fmt.Errorf("init file backend: %w", err)
		}
		return f, nil
	case "nats":
		b, err := a.nats.KeyValue(ctx, a.cfg.NATS.Bucket)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return a.db, nil
	}
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
