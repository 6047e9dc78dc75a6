// Package schedule turns the user-facing "scheduled_for" input into a
// concrete publish time.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// Kind of a parsed "when" expression.
const (
	KindNow      = "now"
	KindAt       = "at"
	KindRelative = "relative"
	KindCron     = "cron"
)

type When struct {
	Kind string
	Raw  string
	At   time.Time
}

// Parse resolves raw relative to now. Accepted forms: empty or "now",
// RFC 3339 timestamps, "+<duration>" offsets and cron expressions, which
// resolve to their next tick after now.
func Parse(raw string, now time.Time) (When, error) {
	raw = strings.TrimSpace(raw)

	switch {
	case raw == "" || strings.EqualFold(raw, "now"):
		return When{Kind: KindNow, Raw: raw, At: now}, nil

	case strings.HasPrefix(raw, "+"):
		d, err := time.ParseDuration(raw[1:])
		if err != nil {
			return When{}, fmt.Errorf("invalid relative time %q: %w", raw, err)
		}
		if d < 0 {
			return When{}, fmt.Errorf("relative time must be positive: %s", raw)
		}
		return When{Kind: KindRelative, Raw: raw, At: now.Add(d)}, nil
	}

	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return When{Kind: KindAt, Raw: raw, At: t}, nil
	}

	if gronx.New().IsValid(raw) {
		next, err := gronx.NextTickAfter(raw, now, false)
		if err != nil {
			return When{}, fmt.Errorf("cron expression %q has no next tick: %w", raw, err)
		}
		return When{Kind: KindCron, Raw: raw, At: next}, nil
	}

	return When{}, fmt.Errorf("invalid schedule: not a timestamp, offset or cron expression: %s", raw)
}

// IsCron reports whether expr is a valid cron expression.
func IsCron(expr string) bool {
	return gronx.New().IsValid(strings.TrimSpace(expr))
}

// Describe returns a short human-readable form of t relative to now.
func Describe(t, now time.Time) string {
	d := t.Sub(now)
	switch {
	case d <= 0:
		return "due"
	case d < time.Minute:
		return fmt.Sprintf("in %d seconds", int(d.Seconds()))
	case d < time.Hour:
		m := int(d.Minutes())
		if m == 1 {
			return "in 1 minute"
		}
		return fmt.Sprintf("in %d minutes", m)
	case d < 24*time.Hour:
		h := int(d.Hours())
		if h == 1 {
			return "in 1 hour"
		}
		return fmt.Sprintf("in %d hours", h)
	default:
		return "on " + t.Local().Format("Jan 2 15:04")
	}
}
