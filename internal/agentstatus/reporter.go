package agentstatus

import (
	"context"
	"log/slog"
)

// Updater is what a Reporter writes through: the local Store, or a remote
// client for workers running in another process.
type Updater interface {
	Update(ctx context.Context, id string, p Patch) (SwarmState, error)
}

// Reporter writes progress for one agent. Failures are logged, never
// returned; status reporting must not break the work being reported.
type Reporter struct {
	u     Updater
	agent string
}

func NewReporter(u Updater, agent string) *Reporter {
	return &Reporter{u: u, agent: agent}
}

func (r *Reporter) Working(ctx context.Context, task string, progress int) {
	st := StatusWorking
	r.send(ctx, Patch{Status: &st, Task: &task, Progress: &progress})
}

func (r *Reporter) Complete(ctx context.Context, task string) {
	st := StatusComplete
	r.send(ctx, Patch{Status: &st, Task: &task})
}

func (r *Reporter) Fail(ctx context.Context, task string, err error) {
	st := StatusError
	msg := err.Error()
	r.send(ctx, Patch{Status: &st, Task: &task, Error: &msg})
}

func (r *Reporter) send(ctx context.Context, p Patch) {
	if r == nil || r.u == nil {
		return
	}
	if _, err := r.u.Update(ctx, r.agent, p); err != nil {
		slog.Warn("status report failed", "agent", r.agent, "error", err)
	}
}
