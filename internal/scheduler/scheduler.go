// Package scheduler triggers publish scans from inside the gateway, for
// deployments without an external cron hitting the HTTP endpoint.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/mtzanidakis/postdeck/internal/config"
	"github.com/mtzanidakis/postdeck/internal/publisher"
)

type Scanner interface {
	Scan(ctx context.Context, trigger string) (publisher.Summary, error)
}

type Scheduler struct {
	scanner Scanner
	now     func() time.Time

	mu           sync.Mutex
	pollInterval time.Duration
	cron         string
	lastCronRun  time.Time
	reloadCh     chan struct{}
}

func New(scanner Scanner, cfg config.SchedulerConfig) (*Scheduler, error) {
	s := &Scheduler{
		scanner:  scanner,
		now:      time.Now,
		reloadCh: make(chan struct{}, 1),
	}
	if err := s.configure(cfg.PollInterval, cfg.Cron); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) configure(poll time.Duration, cron string) error {
	if cron != "" && !gronx.New().IsValid(cron) {
		return fmt.Errorf("invalid scheduler cron expression: %s", cron)
	}
	if poll <= 0 {
		poll = time.Minute
	}
	// A cron schedule is checked every few seconds so no due minute is
	// missed.
	if cron != "" && poll > 15*time.Second {
		poll = 15 * time.Second
	}

	s.mu.Lock()
	s.pollInterval = poll
	s.cron = cron
	s.mu.Unlock()
	return nil
}

// UpdateConfig changes the trigger and signals the run loop to reset its
// ticker.
func (s *Scheduler) UpdateConfig(cfg config.SchedulerConfig) error {
	if err := s.configure(cfg.PollInterval, cfg.Cron); err != nil {
		return err
	}
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
	return nil
}

func (s *Scheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollInterval
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.interval(), "cron", s.cron)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.interval())
			slog.Info("scheduler config reloaded", "poll_interval", s.interval())
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.shouldRun(s.now()) {
		return
	}
	sum, err := s.scanner.Scan(ctx, "scheduler")
	if err != nil {
		slog.Error("scheduled scan failed", "error", err)
		return
	}
	if sum.Checked > 0 {
		slog.Info("scheduled scan finished", "published", sum.Published, "failed", sum.Failed, "skipped", sum.Skipped)
	}
}

// shouldRun reports whether a scan is due at now: always for plain polling,
// once per due minute for a cron schedule.
func (s *Scheduler) shouldRun(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == "" {
		return true
	}
	minute := now.Truncate(time.Minute)
	if minute.Equal(s.lastCronRun) {
		return false
	}
	due, err := gronx.New().IsDue(s.cron, now)
	if err != nil {
		slog.Error("scheduler cron check failed", "cron", s.cron, "error", err)
		return false
	}
	if due {
		s.lastCronRun = minute
	}
	return due
}
