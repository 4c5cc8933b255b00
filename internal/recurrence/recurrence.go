// Package recurrence computes the next absolute fire instant for a reminder
// specification in the user's local timezone.
//
// The math is deliberately pure: identical (spec, location, now) inputs always
// produce the identical instant, which is what makes sweep-time rescheduling
// idempotent and testable.
package recurrence

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"remindd/internal/fault"
)

type Frequency string

const (
	Once   Frequency = "Once"
	Daily  Frequency = "Daily"
	Weekly Frequency = "Weekly"
)

// ParseFrequency validates a raw frequency value.
func ParseFrequency(raw string) (Frequency, error) {
	switch Frequency(strings.TrimSpace(raw)) {
	case Once:
		return Once, nil
	case Daily:
		return Daily, nil
	case Weekly:
		return Weekly, nil
	default:
		return "", fault.Newf(fault.KindInvalid, "frequency: unknown value %q", raw)
	}
}

var weekdays = map[string]time.Weekday{
	"Sunday":    time.Sunday,
	"Monday":    time.Monday,
	"Tuesday":   time.Tuesday,
	"Wednesday": time.Wednesday,
	"Thursday":  time.Thursday,
	"Friday":    time.Friday,
	"Saturday":  time.Saturday,
}

// ParseWeekday validates a weekday name (Sunday..Saturday).
func ParseWeekday(raw string) (time.Weekday, error) {
	if d, ok := weekdays[strings.TrimSpace(raw)]; ok {
		return d, nil
	}
	return 0, fault.Newf(fault.KindInvalid, "day: unknown weekday %q", raw)
}

var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Spec is the recurrence-relevant subset of a reminder specification.
//
// Date is required iff Frequency == Once ("YYYY-MM-DD"); Day is required iff
// Frequency == Weekly (English weekday name). Both must be absent for Daily.
type Spec struct {
	Frequency Frequency
	Hour      int
	Minute    int
	Date      string
	Day       string
}

// Next returns the next fire instant for spec, strictly or weakly after now
// depending on frequency:
//
//   - Once: the zoned date+time must be strictly after now, otherwise the spec
//     is rejected. A past one-shot is never rolled forward.
//   - Daily: today at hh:mm in loc; if that is at or before now, tomorrow.
//   - Weekly: the next matching weekday at hh:mm (today counts); if that is at
//     or before now, one week later.
//
// The result is UTC-normalized so downstream comparisons never need loc again.
func Next(spec Spec, loc *time.Location, now time.Time) (time.Time, error) {
	if _, err := ParseFrequency(string(spec.Frequency)); err != nil {
		return time.Time{}, err
	}
	if spec.Hour < 0 || spec.Hour > 23 {
		return time.Time{}, fault.Newf(fault.KindInvalid, "hour: %d out of range [0,23]", spec.Hour)
	}
	if spec.Minute < 0 || spec.Minute > 59 {
		return time.Time{}, fault.Newf(fault.KindInvalid, "minute: %d out of range [0,59]", spec.Minute)
	}
	if loc == nil {
		loc = time.UTC
	}

	local := now.In(loc)

	switch spec.Frequency {
	case Once:
		return nextOnce(spec, loc, now)
	case Daily:
		cand := time.Date(local.Year(), local.Month(), local.Day(), spec.Hour, spec.Minute, 0, 0, loc)
		if !cand.After(now) {
			// Calendar-day step, not +24h: across a DST transition the wall
			// clock stays at hh:mm while the UTC offset shifts.
			cand = time.Date(local.Year(), local.Month(), local.Day()+1, spec.Hour, spec.Minute, 0, 0, loc)
		}
		return cand.UTC(), nil
	case Weekly:
		target, err := ParseWeekday(spec.Day)
		if err != nil {
			return time.Time{}, err
		}
		ahead := (int(target) - int(local.Weekday()) + 7) % 7
		cand := time.Date(local.Year(), local.Month(), local.Day()+ahead, spec.Hour, spec.Minute, 0, 0, loc)
		if !cand.After(now) {
			cand = time.Date(cand.Year(), cand.Month(), cand.Day()+7, spec.Hour, spec.Minute, 0, 0, loc)
		}
		return cand.UTC(), nil
	}
	// Unreachable: ParseFrequency covered the enum.
	return time.Time{}, fault.Newf(fault.KindInvalid, "frequency: unknown value %q", spec.Frequency)
}

func nextOnce(spec Spec, loc *time.Location, now time.Time) (time.Time, error) {
	raw := strings.TrimSpace(spec.Date)
	if !datePattern.MatchString(raw) {
		return time.Time{}, fault.Newf(fault.KindInvalid, "date: %q does not match YYYY-MM-DD", spec.Date)
	}
	year, _ := strconv.Atoi(raw[0:4])
	month, _ := strconv.Atoi(raw[5:7])
	day, _ := strconv.Atoi(raw[8:10])

	cand := time.Date(year, time.Month(month), day, spec.Hour, spec.Minute, 0, 0, loc)
	// time.Date normalizes out-of-range components (Feb 30 becomes Mar 2);
	// a round-trip mismatch means the calendar date never existed.
	if cand.Year() != year || cand.Month() != time.Month(month) || cand.Day() != day {
		return time.Time{}, fault.Newf(fault.KindInvalid, "date: %q is not a valid calendar date", spec.Date)
	}
	if !cand.After(now) {
		return time.Time{}, fault.New(fault.KindInvalid, "reminder time must be in the future")
	}
	return cand.UTC(), nil
}
