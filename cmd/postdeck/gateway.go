package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/postdeck/internal/natsbus"
	"github.com/mtzanidakis/postdeck/internal/scheduler"
	"github.com/mtzanidakis/postdeck/internal/web"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the postdeck gateway service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway()
		},
	}
}

func runGateway() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	slog.Info("starting postdeck gateway", "version", version, "backend", cfg.Store.Backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	// Status updates from workers in other processes
	sub, err := natsbus.ServeStatusUpdates(a.nats, a.status)
	if err != nil {
		return fmt.Errorf("serve status updates: %w", err)
	}
	defer sub.Unsubscribe()
	stopForward := natsbus.ForwardStatus(a.nats, a.status)
	defer stopForward()

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = scheduler.New(a.scanner, cfg.Scheduler)
		if err != nil {
			return fmt.Errorf("init scheduler: %w", err)
		}
		go sched.Start(ctx)
	} else {
		slog.Info("built-in scheduler disabled, waiting for the cron endpoint")
	}

	if cfg.Web.Enabled {
		srv := web.NewServer(cfg.Web, web.Deps{
			Jobs:        a.jobs,
			Scanner:     a.scanner,
			Status:      a.status,
			Adapters:    a.adapters,
			Scans:       a.db,
			Credentials: a.creds,
			NATS:        a.nats,
		}, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
				cancel()
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	if cfg.Web.CronSecret == "" && cfg.Web.Enabled {
		slog.Warn("CRON_SECRET not set, the cron endpoint is open")
	}

	// SIGHUP reloads the scheduler section; SIGINT and SIGTERM shut down.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if err := reloadScheduler(sched); err != nil {
					slog.Error("scheduler reload failed", "error", err)
				}
				continue
			}
			slog.Info("shutting down", "signal", sig)
		case <-ctx.Done():
		}
		cancel()
		return nil
	}
}

// reloadScheduler re-reads the config file and applies its scheduler
// section to the running scheduler.
func reloadScheduler(sched *scheduler.Scheduler) error {
	if sched == nil {
		slog.Info("scheduler disabled, nothing to reload")
		return nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Scheduler.Enabled {
		slog.Warn("disabling the scheduler requires a restart")
	}
	return sched.UpdateConfig(cfg.Scheduler)
}
