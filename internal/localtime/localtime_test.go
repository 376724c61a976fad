package localtime

import (
	"errors"
	"testing"
	"time"
)

func TestParseClockVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want Clock
	}{
		{name: "hhmmss", raw: "09:30:15", want: Clock{9, 30, 15}},
		{name: "hhmm normalizes seconds", raw: "22:05", want: Clock{22, 5, 0}},
		{name: "midnight", raw: "00:00:00", want: Clock{0, 0, 0}},
		{name: "last second", raw: "23:59:59", want: Clock{23, 59, 59}},
		{name: "spaces trimmed", raw: " 07:00 ", want: Clock{7, 0, 0}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseClock(tt.raw)
			if err != nil {
				t.Fatalf("ParseClock(%q) error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("ParseClock(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParseClockInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "9", "24:00:00", "12:60", "12:00:60", "ab:cd", "1:2:3:4", "-1:00"} {
		if _, err := ParseClock(raw); !errors.Is(err, ErrInvalidTime) {
			t.Fatalf("ParseClock(%q): want ErrInvalidTime, got %v", raw, err)
		}
	}
}

func TestSecondOfDayRoundTrip(t *testing.T) {
	t.Parallel()
	c := Clock{17, 45, 9}
	if got := ClockFromSecond(c.SecondOfDay()); got != c {
		t.Fatalf("round trip = %v, want %v", got, c)
	}
	if got := (Clock{0, 0, 0}).SecondOfDay(); got != 0 {
		t.Fatalf("midnight second = %d", got)
	}
	if got := (Clock{23, 59, 59}).SecondOfDay(); got != 86399 {
		t.Fatalf("last second = %d", got)
	}
}

func TestLocalToUTCWinterSummer(t *testing.T) {
	t.Parallel()
	// PST (UTC-8) in January, PDT (UTC-7) in July.
	winter, err := LocalToUTC(Clock{9, 0, 0}, "America/Los_Angeles", Date{2025, time.January, 15})
	if err != nil {
		t.Fatalf("winter: %v", err)
	}
	if winter != (Clock{17, 0, 0}) {
		t.Fatalf("winter = %v, want 17:00:00", winter)
	}
	summer, err := LocalToUTC(Clock{9, 0, 0}, "America/Los_Angeles", Date{2025, time.July, 15})
	if err != nil {
		t.Fatalf("summer: %v", err)
	}
	if summer != (Clock{16, 0, 0}) {
		t.Fatalf("summer = %v, want 16:00:00", summer)
	}
}

func TestRoundTripUTCLocal(t *testing.T) {
	t.Parallel()
	zone := "Europe/Berlin"
	date := Date{2025, time.May, 10}
	local := Clock{8, 15, 30}
	utc, err := LocalToUTC(local, zone, date)
	if err != nil {
		t.Fatalf("LocalToUTC: %v", err)
	}
	back, err := UTCToLocal(utc, zone, date)
	if err != nil {
		t.Fatalf("UTCToLocal: %v", err)
	}
	if back != local {
		t.Fatalf("round trip = %v, want %v", back, local)
	}
}

func TestSpringForwardGapShiftsForward(t *testing.T) {
	t.Parallel()
	// 2025-03-09 02:30 does not exist in America/New_York; the 02:00-03:00
	// hour is skipped. Expect resolution to 03:30 EDT = 07:30 UTC.
	got, err := ResolveLocal(Clock{2, 30, 0}, "America/New_York", Date{2025, time.March, 9})
	if err != nil {
		t.Fatalf("ResolveLocal: %v", err)
	}
	if ClockOf(got) != (Clock{3, 30, 0}) {
		t.Fatalf("gap resolution = %v, want 03:30:00 local", ClockOf(got))
	}
	if ClockOf(got.UTC()) != (Clock{7, 30, 0}) {
		t.Fatalf("gap resolution UTC = %v, want 07:30:00", ClockOf(got.UTC()))
	}
}

func TestFallBackOverlapPicksEarlierInstant(t *testing.T) {
	t.Parallel()
	// 2025-11-02 01:30 occurs twice in America/New_York (EDT then EST).
	// Expect the earlier, pre-transition instant: 01:30 EDT = 05:30 UTC.
	got, err := ResolveLocal(Clock{1, 30, 0}, "America/New_York", Date{2025, time.November, 2})
	if err != nil {
		t.Fatalf("ResolveLocal: %v", err)
	}
	if ClockOf(got.UTC()) != (Clock{5, 30, 0}) {
		t.Fatalf("overlap resolution UTC = %v, want 05:30:00 (earlier instant)", ClockOf(got.UTC()))
	}
}

func TestWeekdayInZoneCrossesDateLine(t *testing.T) {
	t.Parallel()
	// 2025-01-15 23:30 UTC is already Thursday in Tokyo, still Wednesday in LA.
	instant := time.Date(2025, time.January, 15, 23, 30, 0, 0, time.UTC)
	tokyo, err := WeekdayInZone(instant, "Asia/Tokyo")
	if err != nil {
		t.Fatalf("tokyo: %v", err)
	}
	if tokyo != time.Thursday {
		t.Fatalf("tokyo weekday = %v, want Thursday", tokyo)
	}
	la, err := WeekdayInZone(instant, "America/Los_Angeles")
	if err != nil {
		t.Fatalf("la: %v", err)
	}
	if la != time.Wednesday {
		t.Fatalf("la weekday = %v, want Wednesday", la)
	}
}

func TestLoadZoneUnknown(t *testing.T) {
	t.Parallel()
	if _, err := LoadZone("Mars/Olympus_Mons"); !errors.Is(err, ErrInvalidZone) {
		t.Fatalf("want ErrInvalidZone, got %v", err)
	}
	if _, err := LoadZone(""); !errors.Is(err, ErrInvalidZone) {
		t.Fatalf("empty: want ErrInvalidZone, got %v", err)
	}
}
