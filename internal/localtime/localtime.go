// Package localtime is the pure temporal model: wall-clock parsing,
// local<->UTC conversion and weekday arithmetic. No I/O, no state beyond
// a zone cache.
//
// DST policy (applied everywhere in the service):
//   - Spring-forward gap: a local time that does not exist is shifted
//     forward by the size of the gap (02:30 EST on a gap day fires 03:30 EDT).
//   - Fall-back overlap: a local time that exists twice resolves to the
//     earlier (pre-transition) instant.
package localtime

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidZone = errors.New("unknown timezone")
	ErrInvalidTime = errors.New("invalid time")
)

// Clock is a wall-clock time of day, second precision.
type Clock struct {
	Hour   int
	Minute int
	Second int
}

// ParseClock accepts "HH:MM" and "HH:MM:SS". "HH:MM" normalizes to :00 seconds.
func ParseClock(s string) (Clock, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return Clock{}, fmt.Errorf("%w: %q (want HH:MM or HH:MM:SS)", ErrInvalidTime, s)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Clock{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
		}
		nums[i] = n
	}
	c := Clock{Hour: nums[0], Minute: nums[1], Second: nums[2]}
	if !c.Valid() {
		return Clock{}, fmt.Errorf("%w: %q (out of range)", ErrInvalidTime, s)
	}
	return c, nil
}

// ClockOf extracts the wall clock of t (in t's own location).
func ClockOf(t time.Time) Clock {
	return Clock{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}
}

// ClockFromSecond is the inverse of SecondOfDay.
func ClockFromSecond(sec int) Clock {
	sec = ((sec % 86400) + 86400) % 86400
	return Clock{Hour: sec / 3600, Minute: (sec / 60) % 60, Second: sec % 60}
}

func (c Clock) Valid() bool {
	return c.Hour >= 0 && c.Hour <= 23 &&
		c.Minute >= 0 && c.Minute <= 59 &&
		c.Second >= 0 && c.Second <= 59
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", c.Hour, c.Minute, c.Second)
}

// SecondOfDay maps the clock onto [0, 86400).
func (c Clock) SecondOfDay() int {
	return c.Hour*3600 + c.Minute*60 + c.Second
}

// Date is a civil date with no zone attached.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf extracts the civil date of t (in t's own location).
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// zone cache: IANA lookups hit the filesystem, and the hot path resolves
// the same handful of zones over and over.
var zones sync.Map // name -> *time.Location

// LoadZone resolves an IANA zone name, caching the result.
func LoadZone(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidZone)
	}
	if v, ok := zones.Load(name); ok {
		return v.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidZone, name)
	}
	zones.Store(name, loc)
	return loc, nil
}

// ResolveLocal attaches c to date in zone and returns the resulting instant.
//
// Nonexistent local times (spring-forward gap) come back shifted forward by
// the gap; ambiguous local times (fall-back overlap) resolve to the earlier
// instant. The overlap rule is time.Date's own normalization. For a gap,
// time.Date can land before the jump (zones west of UTC), so such a result
// is moved forward by the gap. Every call site resolves through here, which
// keeps the policy identical across the service.
func ResolveLocal(c Clock, zone string, date Date) (time.Time, error) {
	if !c.Valid() {
		return time.Time{}, fmt.Errorf("%w: %s", ErrInvalidTime, c)
	}
	loc, err := LoadZone(zone)
	if err != nil {
		return time.Time{}, err
	}
	t := time.Date(date.Year, date.Month, date.Day, c.Hour, c.Minute, c.Second, 0, loc)
	want := time.Date(date.Year, date.Month, date.Day, c.Hour, c.Minute, c.Second, 0, time.UTC)
	got := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
	if gap := want.Sub(got); gap > 0 {
		t = t.Add(gap)
	}
	return t, nil
}

// LocalToUTC converts a local wall clock in zone, on the given local date,
// to the UTC wall clock of the same instant.
func LocalToUTC(c Clock, zone string, date Date) (Clock, error) {
	t, err := ResolveLocal(c, zone, date)
	if err != nil {
		return Clock{}, err
	}
	return ClockOf(t.UTC()), nil
}

// UTCToLocal is the inverse of LocalToUTC: a UTC wall clock on a UTC date,
// rendered as the wall clock observed in zone.
func UTCToLocal(c Clock, zone string, date Date) (Clock, error) {
	if !c.Valid() {
		return Clock{}, fmt.Errorf("%w: %s", ErrInvalidTime, c)
	}
	loc, err := LoadZone(zone)
	if err != nil {
		return Clock{}, err
	}
	t := time.Date(date.Year, date.Month, date.Day, c.Hour, c.Minute, c.Second, 0, time.UTC)
	return ClockOf(t.In(loc)), nil
}

// WeekdayInZone reports the weekday of instant as observed in zone.
func WeekdayInZone(instant time.Time, zone string) (time.Weekday, error) {
	loc, err := LoadZone(zone)
	if err != nil {
		return 0, err
	}
	return instant.In(loc).Weekday(), nil
}
