// Package publisher runs due jobs through the platform adapters.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/postdeck/internal/agentstatus"
	"github.com/mtzanidakis/postdeck/internal/jobs"
	"github.com/mtzanidakis/postdeck/internal/natsbus"
	"github.com/mtzanidakis/postdeck/internal/notify"
	"github.com/mtzanidakis/postdeck/internal/platform"
	"github.com/mtzanidakis/postdeck/internal/store"
)

const DefaultTimeout = 30 * time.Second

// Publisher is what Scan needs from the adapter registry.
type Publisher interface {
	Publish(ctx context.Context, p platform.Platform, text string, media []string) platform.PostResult
}

type Recorder interface {
	SaveScanRun(ctx context.Context, r *store.ScanRun) error
}

type EventPublisher interface {
	PublishEvent(topic, eventType string, payload any) error
}

type JobResult struct {
	JobID   string                `json:"job_id"`
	Status  jobs.Status           `json:"status"`
	Results []platform.PostResult `json:"results"`
	Error   string                `json:"error,omitempty"`
}

type Summary struct {
	ScanID     string      `json:"scan_id"`
	Trigger    string      `json:"trigger"`
	Checked    int         `json:"checked"`
	Published  int         `json:"published"`
	Failed     int         `json:"failed"`
	Skipped    int         `json:"skipped"`
	Results    []JobResult `json:"results"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}

func (s Summary) Message() string {
	if s.Checked == 0 {
		return "No scheduled posts due"
	}
	return fmt.Sprintf("Processed %d scheduled posts", s.Checked)
}

type Scanner struct {
	jobs       *jobs.Store
	adapters   Publisher
	concurrent bool
	timeout    time.Duration
	reporter   *agentstatus.Reporter
	recorder   Recorder
	events     EventPublisher
	notifier   notify.Notifier
	now        func() time.Time
}

type Option func(*Scanner)

// WithConcurrency publishes the platforms of one job in parallel.
func WithConcurrency(on bool) Option {
	return func(s *Scanner) { s.concurrent = on }
}

// WithTimeout bounds every platform call.
func WithTimeout(d time.Duration) Option {
	return func(s *Scanner) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithReporter(r *agentstatus.Reporter) Option {
	return func(s *Scanner) { s.reporter = r }
}

func WithRecorder(r Recorder) Option {
	return func(s *Scanner) { s.recorder = r }
}

func WithEvents(e EventPublisher) Option {
	return func(s *Scanner) { s.events = e }
}

func WithNotifier(n notify.Notifier) Option {
	return func(s *Scanner) { s.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scanner) { s.now = now }
}

func New(js *jobs.Store, adapters Publisher, opts ...Option) *Scanner {
	s := &Scanner{
		jobs:     js,
		adapters: adapters,
		timeout:  DefaultTimeout,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Scan publishes every due job once. Each job is claimed before any
// platform is called, so overlapping scans never publish the same job
// twice; jobs claimed elsewhere count as skipped. An error is returned only
// when the due list itself cannot be read.
func (s *Scanner) Scan(ctx context.Context, trigger string) (Summary, error) {
	sum := Summary{
		ScanID:    uuid.New().String(),
		Trigger:   trigger,
		StartedAt: s.now().UTC(),
		Results:   []JobResult{},
	}

	// Jobs may have been added by another process since the last read.
	if err := s.jobs.Reload(ctx); err != nil {
		return sum, fmt.Errorf("reload jobs: %w", err)
	}
	due, err := s.jobs.DueNow(ctx)
	if err != nil {
		return sum, fmt.Errorf("list due jobs: %w", err)
	}
	sum.Checked = len(due)
	slog.Info("publish scan", "trigger", trigger, "due", len(due))

	if len(due) > 0 {
		s.reporter.Working(ctx, fmt.Sprintf("publishing %d due posts", len(due)), 0)
	}

	for i, job := range due {
		jr, skipped := s.runJob(ctx, job, i, len(due))
		if skipped {
			sum.Skipped++
			continue
		}
		switch jr.Status {
		case jobs.StatusPublished:
			sum.Published++
		default:
			sum.Failed++
		}
		sum.Results = append(sum.Results, jr)
	}

	sum.FinishedAt = s.now().UTC()
	s.finish(ctx, sum)
	return sum, nil
}

func (s *Scanner) runJob(ctx context.Context, job jobs.Job, idx, total int) (JobResult, bool) {
	jr := JobResult{JobID: job.ID, Status: job.Status, Results: []platform.PostResult{}}

	claimed, err := s.jobs.Claim(ctx, job.ID)
	switch {
	case errors.Is(err, jobs.ErrAlreadyClaimed), errors.Is(err, jobs.ErrNotFound):
		slog.Info("job skipped, claimed or removed elsewhere", "id", job.ID, "reason", err)
		return jr, true
	case err != nil:
		slog.Error("claim job failed", "id", job.ID, "error", err)
		jr.Error = "could not claim job"
		return jr, false
	}

	progress := func(pi int, task string) {
		pct := (idx*100 + pi*100/len(claimed.Platforms)) / total
		s.reporter.Working(ctx, task, pct)
	}
	results := s.publishAll(ctx, claimed.Platforms, claimed.Content, claimed.MediaRefs, progress)
	jr.Results = results

	done, err := s.jobs.Complete(ctx, claimed.ID, results)
	if err != nil {
		// The job stays in publishing; platforms that accepted the post
		// are not retried.
		slog.Error("record job outcome failed", "id", claimed.ID, "error", err)
		jr.Status = jobs.OutcomeOf(results)
		jr.Error = "could not record job outcome"
		return jr, false
	}
	jr.Status = done.Status

	slog.Info("job finished", "id", done.ID, "status", done.Status, "platforms", len(done.Platforms))
	s.emit(natsbus.TopicEventsJob(done.ID), natsbus.EventJobFinished, done)
	return jr, false
}

// publishAll runs every platform and returns results in platform order.
func (s *Scanner) publishAll(ctx context.Context, plats []platform.Platform, text string, media []string, progress func(int, string)) []platform.PostResult {
	results := make([]platform.PostResult, len(plats))

	run := func(i int, p platform.Platform) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("publish panicked", "platform", p, "panic", r)
				results[i] = platform.Failed(p, fmt.Errorf("%w: publish panic", platform.ErrInternal))
			}
		}()

		pctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		if progress != nil {
			progress(i, fmt.Sprintf("posting to %s", p))
			pctx = platform.WithProgress(pctx, func(task string) { progress(i, task) })
		}
		results[i] = s.adapters.Publish(pctx, p, text, media)
		results[i].Platform = p
	}

	if !s.concurrent || len(plats) < 2 {
		for i, p := range plats {
			run(i, p)
		}
		return results
	}

	var wg sync.WaitGroup
	for i, p := range plats {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(i, p)
		}()
	}
	wg.Wait()
	return results
}

// PublishNow posts immediately without creating a job.
func (s *Scanner) PublishNow(ctx context.Context, text string, plats []platform.Platform, media []string) ([]platform.PostResult, error) {
	in := jobs.NewJob{Content: text, Platforms: plats, MediaRefs: media}
	if err := jobs.Validate(&in); err != nil {
		return nil, err
	}

	s.reporter.Working(ctx, "publishing post", 0)
	progress := func(pi int, task string) {
		s.reporter.Working(ctx, task, pi*100/len(in.Platforms))
	}
	results := s.publishAll(ctx, in.Platforms, in.Content, in.MediaRefs, progress)

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	if failed > 0 {
		s.reporter.Fail(ctx, "publishing post", fmt.Errorf("%d of %d platforms failed", failed, len(results)))
	} else {
		s.reporter.Complete(ctx, "publishing post")
	}
	s.emit(natsbus.TopicEventsPost, natsbus.EventPostFinished, results)
	return results, nil
}

func (s *Scanner) finish(ctx context.Context, sum Summary) {
	if sum.Checked > 0 {
		if sum.Failed > 0 {
			s.reporter.Fail(ctx, "publish scan", fmt.Errorf("%d of %d posts failed", sum.Failed, sum.Checked))
		} else {
			s.reporter.Complete(ctx, "publish scan")
		}
	}

	if s.recorder != nil {
		run := &store.ScanRun{
			ID:         sum.ScanID,
			Trigger:    sum.Trigger,
			Checked:    sum.Checked,
			Published:  sum.Published,
			Failed:     sum.Failed,
			Skipped:    sum.Skipped,
			StartedAt:  sum.StartedAt,
			FinishedAt: sum.FinishedAt,
		}
		if data, err := json.Marshal(sum.Results); err == nil {
			run.Results = data
		}
		if err := s.recorder.SaveScanRun(ctx, run); err != nil {
			slog.Warn("record scan run failed", "id", sum.ScanID, "error", err)
		}
	}

	s.emit(natsbus.TopicEventsScan, natsbus.EventScan, sum)

	if s.notifier != nil {
		report := reportOf(sum)
		if report.Worth() {
			if err := s.notifier.Notify(ctx, notify.FormatScan(report)); err != nil {
				slog.Warn("scan notification failed", "error", err)
			}
		}
	}
}

func (s *Scanner) emit(topic, eventType string, payload any) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishEvent(topic, eventType, payload); err != nil {
		slog.Warn("publish event failed", "topic", topic, "error", err)
	}
}

func reportOf(sum Summary) notify.ScanReport {
	r := notify.ScanReport{
		Trigger:   sum.Trigger,
		Checked:   sum.Checked,
		Published: sum.Published,
		Failed:    sum.Failed,
		Skipped:   sum.Skipped,
	}
	for _, jr := range sum.Results {
		if jr.Error != "" {
			r.Failures = append(r.Failures, notify.Failure{JobID: jr.JobID, Platform: "-", Error: jr.Error})
		}
		for _, res := range jr.Results {
			if !res.Success {
				r.Failures = append(r.Failures, notify.Failure{JobID: jr.JobID, Platform: string(res.Platform), Error: res.Error})
			}
		}
	}
	return r
}
