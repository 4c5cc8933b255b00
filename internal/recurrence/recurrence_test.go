package recurrence

import (
	"errors"
	"testing"
	"time"

	"remindd/internal/fault"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation(%q): %v", name, err)
	}
	return loc
}

func at(t *testing.T, loc *time.Location, y int, m time.Month, d, hh, mm int) time.Time {
	t.Helper()
	return time.Date(y, m, d, hh, mm, 0, 0, loc)
}

func TestDailyBeforeAndAfterWallClock(t *testing.T) {
	t.Parallel()
	hk := mustLoc(t, "Asia/Hong_Kong")
	spec := Spec{Frequency: Daily, Hour: 9, Minute: 0}

	// 08:00 local: today's 09:00 is still ahead.
	got, err := Next(spec, hk, at(t, hk, 2025, time.January, 15, 8, 0))
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if want := at(t, hk, 2025, time.January, 15, 9, 0); !got.Equal(want) {
		t.Fatalf("next = %v, want %v", got.In(hk), want)
	}

	// 09:30 local: today's slot has passed, expect tomorrow.
	got, err = Next(spec, hk, at(t, hk, 2025, time.January, 15, 9, 30))
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if want := at(t, hk, 2025, time.January, 16, 9, 0); !got.Equal(want) {
		t.Fatalf("next = %v, want %v", got.In(hk), want)
	}
}

func TestDailyExactBoundaryAdvances(t *testing.T) {
	t.Parallel()
	hk := mustLoc(t, "Asia/Hong_Kong")
	spec := Spec{Frequency: Daily, Hour: 9, Minute: 0}

	// now == today's hh:mm: "at or before" means advance.
	got, err := Next(spec, hk, at(t, hk, 2025, time.January, 15, 9, 0))
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if want := at(t, hk, 2025, time.January, 16, 9, 0); !got.Equal(want) {
		t.Fatalf("next = %v, want %v", got.In(hk), want)
	}
}

func TestDailyAcrossDSTTransition(t *testing.T) {
	t.Parallel()
	ny := mustLoc(t, "America/New_York")
	spec := Spec{Frequency: Daily, Hour: 9, Minute: 0}

	// 2025-03-09 is the US spring-forward date. The wall clock must stay at
	// 09:00 even though the UTC offset shifts from -05 to -04.
	now := at(t, ny, 2025, time.March, 8, 10, 0)
	got, err := Next(spec, ny, now)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	local := got.In(ny)
	if local.Hour() != 9 || local.Minute() != 0 || local.Day() != 9 {
		t.Fatalf("next local = %v, want Mar 9 09:00", local)
	}
	// 09:00 EST Mar 8 -> 09:00 EDT Mar 9 is 23h of real time, not 24h.
	if d := got.Sub(at(t, ny, 2025, time.March, 8, 9, 0)); d != 23*time.Hour {
		t.Fatalf("absolute gap = %v, want 23h", d)
	}
}

func TestWeeklySameDay(t *testing.T) {
	t.Parallel()
	hk := mustLoc(t, "Asia/Hong_Kong")
	spec := Spec{Frequency: Weekly, Day: "Monday", Hour: 8, Minute: 0}

	// 2025-01-13 is a Monday.
	got, err := Next(spec, hk, at(t, hk, 2025, time.January, 13, 7, 0))
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if want := at(t, hk, 2025, time.January, 13, 8, 0); !got.Equal(want) {
		t.Fatalf("next = %v, want same Monday 08:00", got.In(hk))
	}

	// Past the slot on the target weekday: jump a full week.
	got, err = Next(spec, hk, at(t, hk, 2025, time.January, 13, 9, 0))
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if want := at(t, hk, 2025, time.January, 20, 8, 0); !got.Equal(want) {
		t.Fatalf("next = %v, want following Monday 08:00", got.In(hk))
	}
}

func TestWeeklyFindsSoonestMatchingWeekday(t *testing.T) {
	t.Parallel()
	hk := mustLoc(t, "Asia/Hong_Kong")

	tests := []struct {
		day  string
		want time.Time
	}{
		// now is Wednesday 2025-01-15 12:00 local.
		{"Thursday", at(t, hk, 2025, time.January, 16, 10, 30)},
		{"Tuesday", at(t, hk, 2025, time.January, 21, 10, 30)},
		{"Sunday", at(t, hk, 2025, time.January, 19, 10, 30)},
	}
	now := at(t, hk, 2025, time.January, 15, 12, 0)
	for _, tt := range tests {
		t.Run(tt.day, func(t *testing.T) {
			got, err := Next(Spec{Frequency: Weekly, Day: tt.day, Hour: 10, Minute: 30}, hk, now)
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("next = %v, want %v", got.In(hk), tt.want)
			}
			if wd := got.In(hk).Weekday().String(); wd != tt.day {
				t.Fatalf("weekday = %s, want %s", wd, tt.day)
			}
		})
	}
}

func TestOnceAcceptsFutureRejectsPast(t *testing.T) {
	t.Parallel()
	hk := mustLoc(t, "Asia/Hong_Kong")
	spec := Spec{Frequency: Once, Date: "2025-01-10", Hour: 10, Minute: 0}

	got, err := Next(spec, hk, at(t, hk, 2025, time.January, 9, 12, 0))
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if want := at(t, hk, 2025, time.January, 10, 10, 0); !got.Equal(want) {
		t.Fatalf("next = %v, want %v", got.In(hk), want)
	}

	// A past one-shot is rejected, never rolled forward.
	_, err = Next(spec, hk, at(t, hk, 2025, time.January, 11, 0, 0))
	if !errors.Is(err, fault.Invalid) {
		t.Fatalf("err = %v, want invalid", err)
	}

	// Exactly now is "not strictly after".
	_, err = Next(spec, hk, at(t, hk, 2025, time.January, 10, 10, 0))
	if !errors.Is(err, fault.Invalid) {
		t.Fatalf("err = %v, want invalid for boundary", err)
	}
}

func TestValidationErrors(t *testing.T) {
	t.Parallel()
	hk := mustLoc(t, "Asia/Hong_Kong")
	now := at(t, hk, 2025, time.January, 15, 8, 0)

	tests := []struct {
		name string
		spec Spec
	}{
		{"unknown frequency", Spec{Frequency: "Hourly", Hour: 9}},
		{"hour too large", Spec{Frequency: Daily, Hour: 24}},
		{"hour negative", Spec{Frequency: Daily, Hour: -1}},
		{"minute too large", Spec{Frequency: Daily, Hour: 9, Minute: 60}},
		{"bad weekday", Spec{Frequency: Weekly, Day: "Funday", Hour: 9}},
		{"bad date format", Spec{Frequency: Once, Date: "2025/01/10", Hour: 9}},
		{"date missing", Spec{Frequency: Once, Hour: 9}},
		{"impossible date", Spec{Frequency: Once, Date: "2025-02-30", Hour: 9}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Next(tt.spec, hk, now)
			if !errors.Is(err, fault.Invalid) {
				t.Fatalf("err = %v, want invalid", err)
			}
		})
	}
}

func TestNextIsDeterministic(t *testing.T) {
	t.Parallel()
	hk := mustLoc(t, "Asia/Hong_Kong")
	spec := Spec{Frequency: Weekly, Day: "Friday", Hour: 18, Minute: 45}
	now := at(t, hk, 2025, time.January, 15, 8, 0)

	a, err := Next(spec, hk, now)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	b, err := Next(spec, hk, now)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !a.Equal(b) {
		t.Fatalf("non-deterministic: %v vs %v", a, b)
	}
}

func TestResultIsUTCNormalized(t *testing.T) {
	t.Parallel()
	hk := mustLoc(t, "Asia/Hong_Kong")
	got, err := Next(Spec{Frequency: Daily, Hour: 9, Minute: 0}, hk, at(t, hk, 2025, time.January, 15, 8, 0))
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got.Location() != time.UTC {
		t.Fatalf("result location = %v, want UTC", got.Location())
	}
}
