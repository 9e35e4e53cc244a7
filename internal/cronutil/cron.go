// Package cronutil wraps robfig/cron's standard parser behind the two
// helpers spec.md §4.8 names explicitly: isValidCronExpression and
// getNextRunTimes. It is a separate package from the scheduler so that
// config validation can reject a bad cron expression at boot without
// importing the scheduler itself.
package cronutil

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron parses a standard five-field cron expression, returning an
// error for anything the daemon would otherwise silently never fire.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("cronutil: invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// IsValidCronExpression reports whether expr parses as a standard five-field
// cron expression.
func IsValidCronExpression(expr string) bool {
	_, err := ParseCron(expr)
	return err == nil
}

// GetNextRunTimes returns the next n fire times for expr after now, in
// order. It returns an empty slice (not an error) if expr is invalid,
// mirroring the defensive style of a read-only introspection helper; callers
// that need to surface the parse error should call ParseCron directly.
func GetNextRunTimes(expr string, n int, now time.Time) []time.Time {
	sched, err := ParseCron(expr)
	if err != nil || n <= 0 {
		return nil
	}
	times := make([]time.Time, 0, n)
	next := now
	for i := 0; i < n; i++ {
		next = sched.Next(next)
		times = append(times, next)
	}
	return times
}
