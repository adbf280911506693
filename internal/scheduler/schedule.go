package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
)

// Schedule tells a trigger when to fire next.
//
// Supported forms:
//   - "@every 30s": fixed rate, measured from the previous firing.
//   - a cron expression ("*/5 * * * *", "0 0 3 * * * *", "@hourly"), evaluated
//     in UTC.
type Schedule struct {
	asString string
	cronExpr *cronexpr.Expression
	interval time.Duration
}

func ParseSchedule(expr string) (*Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("empty schedule")
	}
	if rest, ok := strings.CutPrefix(expr, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("bad interval %q: %w", rest, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("bad interval %q: must be positive", rest)
		}
		return &Schedule{asString: expr, interval: d}, nil
	}
	exp, err := cronexpr.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("bad cron expression %q: %w", expr, err)
	}
	return &Schedule{asString: expr, cronExpr: exp}, nil
}

// Every is a fixed-rate schedule.
func Every(d time.Duration) *Schedule {
	return &Schedule{asString: "@every " + d.String(), interval: d}
}

// Next returns the next firing after now. prev is the previous firing, zero
// before the first one. A zero result means the schedule never fires again.
func (s *Schedule) Next(now, prev time.Time) time.Time {
	if s.cronExpr != nil {
		return s.cronExpr.Next(now.UTC())
	}
	if prev.IsZero() {
		return now.Add(s.interval)
	}
	next := prev.Add(s.interval)
	if next.Before(now) {
		next = now
	}
	return next
}

func (s *Schedule) String() string { return s.asString }
