// Package recurrence computes the next scheduled instant for repeating tasks.
// All calculations are in UTC and side-effect free.
package recurrence

import (
	"strconv"
	"strings"
	"time"

	"agentqueue/internal/model"
)

// NextRun returns the next instant after from at which the spec fires, or nil
// when the spec is absent, malformed, or of an unknown type.
func NextRun(spec *model.RecurrenceSpec, from time.Time) *time.Time {
	if spec == nil {
		return nil
	}
	from = from.UTC()

	switch spec.Type {
	case "interval":
		return nextInterval(spec, from)
	case "daily":
		return nextDaily(spec.Time, from)
	case "weekly":
		return nextWeekly(spec.Day, spec.Time, from)
	case "cron":
		return nextCron(spec.Expression, from)
	default:
		return nil
	}
}

func nextInterval(spec *model.RecurrenceSpec, from time.Time) *time.Time {
	var d time.Duration
	switch {
	case spec.IntervalMS != 0:
		d = time.Duration(spec.IntervalMS) * time.Millisecond
	case spec.IntervalDays != 0:
		d = time.Duration(spec.IntervalDays) * 24 * time.Hour
	case spec.IntervalHours != 0:
		d = time.Duration(spec.IntervalHours) * time.Hour
	}
	if d <= 0 {
		return nil
	}
	next := from.Add(d)
	return &next
}

func nextDaily(hhmm string, from time.Time) *time.Time {
	hour, minute, ok := parseClock(hhmm)
	if !ok {
		return nil
	}
	next := time.Date(from.Year(), from.Month(), from.Day(), hour, minute, 0, 0, time.UTC)
	if !next.After(from) {
		next = next.AddDate(0, 0, 1)
	}
	return &next
}

func nextWeekly(day int, hhmm string, from time.Time) *time.Time {
	if day < 0 || day > 6 {
		return nil
	}
	hour, minute, ok := parseClock(hhmm)
	if !ok {
		return nil
	}
	offset := (day - int(from.Weekday()) + 7) % 7
	next := time.Date(from.Year(), from.Month(), from.Day(), hour, minute, 0, 0, time.UTC)
	next = next.AddDate(0, 0, offset)
	if !next.After(from) {
		next = next.AddDate(0, 0, 7)
	}
	return &next
}

// nextCron evaluates a five-field expression ("min hour dom month dow") but
// honors only the minute, hour, and day-of-week fields; day-of-month and
// month are parsed and ignored. It walks forward a day at a time until the
// day-of-week constraint holds.
func nextCron(expr string, from time.Time) *time.Time {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) != 5 {
		return nil
	}

	minute, ok := parseCronField(fields[0], 0, 59)
	if !ok {
		return nil
	}
	hour, ok := parseCronField(fields[1], 0, 23)
	if !ok {
		return nil
	}
	// fields[2] (dom) and fields[3] (month) must still parse.
	if _, ok := parseCronField(fields[2], 1, 31); !ok {
		return nil
	}
	if _, ok := parseCronField(fields[3], 1, 12); !ok {
		return nil
	}
	dow := -1
	if fields[4] != "*" {
		n, ok := parseCronField(fields[4], 0, 6)
		if !ok {
			return nil
		}
		dow = n
	}

	next := time.Date(from.Year(), from.Month(), from.Day(), hour, minute, 0, 0, time.UTC)
	if !next.After(from) {
		next = next.AddDate(0, 0, 1)
	}
	for i := 0; i < 7 && dow >= 0 && int(next.Weekday()) != dow; i++ {
		next = next.AddDate(0, 0, 1)
	}
	if dow >= 0 && int(next.Weekday()) != dow {
		return nil
	}
	return &next
}

// parseCronField accepts "*" (returned as 0) or a single integer in range.
// Lists, ranges, and steps are not part of the supported grammar.
func parseCronField(f string, lo, hi int) (int, bool) {
	if f == "*" {
		return 0, true
	}
	n, err := strconv.Atoi(f)
	if err != nil || n < lo || n > hi {
		return 0, false
	}
	return n, true
}

func parseClock(hhmm string) (hour, minute int, ok bool) {
	parts := strings.SplitN(hhmm, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}
