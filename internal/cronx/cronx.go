// Package cronx evaluates five-field cron expressions at minute granularity.
//
// It wraps robfig/cron's standard parser and answers two questions:
//   - is an expression due during the minute containing an instant
//   - when is the next minute after an instant at which it is due
//
// The package is stateless. Callers that poll faster than once per minute are
// responsible for not re-firing the same due minute (see the runner).
package cronx

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Strict five-field crontab grammar (minute hour dom month dow).
// Descriptors like @hourly are rejected on purpose: schedule expressions come
// from user input and must stay portable crontab syntax.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// scanHorizon bounds how far into the future Next will report a match.
// Contradictory day-of-month/month combinations (e.g. "0 0 30 2 *") never
// match; anything beyond the horizon is treated as "never".
const scanHorizon = 4 * 365 * 24 * time.Hour

// Expression is a parsed, immutable cron expression.
// The zero value is never due and has no next run.
type Expression struct {
	raw   string
	sched cron.Schedule
}

// Parse validates raw as a five-field cron expression.
//
// Each field accepts "*", a value, a list "a,b,c", a range "a-b", and steps
// "*/n" / "a-b/n". Day-of-month and day-of-week combine with OR when both are
// restricted, per POSIX cron.
func Parse(raw string) (Expression, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Expression{}, fmt.Errorf("cron expression required")
	}
	if n := len(strings.Fields(s)); n != 5 {
		return Expression{}, fmt.Errorf(
			"invalid cron expression %q: expected 5 fields (minute hour day-of-month month day-of-week), got %d",
			raw, n,
		)
	}
	sched, err := parser.Parse(s)
	if err != nil {
		return Expression{}, fmt.Errorf("invalid cron expression %q: %w", raw, err)
	}
	return Expression{raw: s, sched: sched}, nil
}

// Validate reports whether raw is a valid five-field cron expression.
// The returned error is stable and human-readable.
func Validate(raw string) error {
	_, err := Parse(raw)
	return err
}

func (e Expression) String() string { return e.raw }

func (e Expression) IsZero() bool { return e.sched == nil }

// DueAt reports whether the expression matches the minute containing t.
// Seconds are ignored: an expression is due for the entire 60-second window
// of its matching minute, so consecutive calls within one minute all report
// true.
func (e Expression) DueAt(t time.Time) bool {
	if e.sched == nil {
		return false
	}
	minute := t.Truncate(time.Minute)
	// The first activation strictly after minute-1s is the minute itself
	// exactly when the minute matches.
	return e.sched.Next(minute.Add(-time.Second)).Equal(minute)
}

// Next returns the first instant strictly after t at which the expression is
// due. It returns the zero time when no matching minute exists within the
// scan horizon.
func (e Expression) Next(t time.Time) time.Time {
	if e.sched == nil {
		return time.Time{}
	}
	next := e.sched.Next(t)
	if next.IsZero() || next.Sub(t) > scanHorizon {
		return time.Time{}
	}
	return next
}
