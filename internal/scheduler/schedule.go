package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts the standard 5-field minute/hour/day/month/weekday
// dialect only.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

var intervalPattern = regexp.MustCompile(`^(\d+)([smhd])$`)

// ParseInterval parses the compact interval grammar <number><unit> with
// unit one of s, m, h, d.
func ParseInterval(s string) (time.Duration, error) {
	m := intervalPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("invalid interval %q: want <number><unit> with unit s, m, h or d", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid interval %q: count must be positive", s)
	}
	var unit time.Duration
	switch m[2] {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	}
	return time.Duration(n) * unit, nil
}

// ParseCron validates a 5-field cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// ParseAt parses a one-shot schedule timestamp. RFC3339 is canonical; a
// bare "2006-01-02 15:04" is read as UTC.
func ParseAt(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("at timestamp required")
	}
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed, nil
	}
	if parsed, err := time.ParseInLocation("2006-01-02 15:04", value, time.UTC); err == nil {
		return parsed, nil
	}
	return time.Time{}, fmt.Errorf("invalid at timestamp %q", value)
}

// NextAfter computes the job's next fire time from the given instant:
// the stored timestamp for at, from plus the interval for every, and the
// next occurrence strictly after from for cron. Returns false when the
// job will never run again.
func (j *Job) NextAfter(from time.Time) (time.Time, bool) {
	if !j.Enabled || j.Expired() {
		return time.Time{}, false
	}
	if j.MaxRuns > 0 && j.RunCount >= j.MaxRuns {
		return time.Time{}, false
	}
	switch j.Kind {
	case KindAt:
		at, err := time.Parse(time.RFC3339, j.Schedule)
		if err != nil {
			return time.Time{}, false
		}
		return at, true
	case KindEvery:
		interval, err := ParseInterval(j.Schedule)
		if err != nil {
			return time.Time{}, false
		}
		return from.Add(interval), true
	case KindCron:
		sched, err := cronParser.Parse(j.Schedule)
		if err != nil {
			return time.Time{}, false
		}
		next := sched.Next(from)
		return next, !next.IsZero()
	default:
		return time.Time{}, false
	}
}
