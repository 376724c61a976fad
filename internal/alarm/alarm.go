// Package alarm holds the canonical alarm record and its validation rules.
package alarm

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"alarmd/internal/localtime"
)

// Status is the lifecycle state of an alarm.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusTriggered Status = "triggered"
	StatusCanceled  Status = "canceled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further firing attempts happen in this status.
// A recurring alarm only ever leaves scheduled via cancel or publish failure.
func (s Status) Terminal() bool {
	return s == StatusTriggered || s == StatusCanceled || s == StatusFailed
}

func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusScheduled:
		return StatusScheduled, nil
	case StatusTriggered:
		return StatusTriggered, nil
	case StatusCanceled:
		return StatusCanceled, nil
	case StatusFailed:
		return StatusFailed, nil
	}
	return "", fmt.Errorf("unknown status %q", raw)
}

// Alarm is the authoritative scheduled unit, as persisted by the store.
//
// UTCTime is derived from LocalTime+Timezone at the date the alarm next
// fires. It is refreshed on every recurrence advance and on reconciliation,
// never frozen at creation (DST moves it).
type Alarm struct {
	CodeID    string
	Email     string
	LocalTime localtime.Clock
	UTCTime   localtime.Clock
	Timezone  string
	Recurring bool
	Days      DaySet
	Status    Status

	// LastFiredDate is the occurrence-local-date of the most recent firing,
	// "" if the alarm never fired. It is the occurrence half of the CAS gate.
	LastFiredDate string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ValidationError marks input rejected at ingress. The API layer maps it to 400.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Validate checks every ingress rule. It does not touch UTCTime: derivation
// happens after validation, against a concrete date.
func (a *Alarm) Validate() error {
	if strings.TrimSpace(a.CodeID) == "" {
		return invalid("code_id", "must not be empty")
	}
	if _, err := mail.ParseAddress(a.Email); err != nil {
		return invalid("email", "not a well-formed address")
	}
	if !a.LocalTime.Valid() {
		return invalid("time", "out of range")
	}
	if _, err := localtime.LoadZone(a.Timezone); err != nil {
		return invalid("timezone", fmt.Sprintf("unknown zone %q", a.Timezone))
	}
	if a.Recurring && a.Days.Empty() {
		return invalid("days_of_week", "recurring alarm needs at least one weekday")
	}
	return nil
}

// FiresOn reports whether the alarm qualifies on the given weekday.
// An empty day set (one-shot only) fires on any day.
func (a *Alarm) FiresOn(d time.Weekday) bool {
	if a.Days.Empty() {
		return !a.Recurring
	}
	return a.Days.Contains(d)
}

var errBadDay = errors.New("unknown weekday")

// DaySet is a subset of the week, stored as a bitmask over time.Weekday.
type DaySet uint8

// ParseDaySet reads the comma-separated form used on the wire and in the
// store: "Mon,Wed,Fri". Empty input yields the empty set.
func ParseDaySet(raw string) (DaySet, error) {
	var s DaySet
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	for _, part := range strings.Split(raw, ",") {
		d, err := parseDay(strings.TrimSpace(part))
		if err != nil {
			return 0, err
		}
		s |= 1 << uint(d)
	}
	return s, nil
}

func parseDay(s string) (time.Weekday, error) {
	switch strings.ToLower(s) {
	case "sun", "sunday":
		return time.Sunday, nil
	case "mon", "monday":
		return time.Monday, nil
	case "tue", "tuesday":
		return time.Tuesday, nil
	case "wed", "wednesday":
		return time.Wednesday, nil
	case "thu", "thursday":
		return time.Thursday, nil
	case "fri", "friday":
		return time.Friday, nil
	case "sat", "saturday":
		return time.Saturday, nil
	}
	return 0, fmt.Errorf("%w: %q", errBadDay, s)
}

func (s DaySet) Contains(d time.Weekday) bool { return s&(1<<uint(d)) != 0 }

func (s DaySet) Empty() bool { return s == 0 }

func (s DaySet) Len() int {
	n := 0
	for d := time.Sunday; d <= time.Saturday; d++ {
		if s.Contains(d) {
			n++
		}
	}
	return n
}

// String renders Mon-first to match the wire form.
func (s DaySet) String() string {
	if s == 0 {
		return ""
	}
	order := []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday, time.Sunday}
	parts := make([]string, 0, 7)
	for _, d := range order {
		if s.Contains(d) {
			parts = append(parts, d.String()[:3])
		}
	}
	return strings.Join(parts, ",")
}

// Next returns the first weekday in the set at or after from, and how many
// days ahead it is (0..6). An empty set matches from itself.
func (s DaySet) Next(from time.Weekday) (time.Weekday, int) {
	if s.Empty() {
		return from, 0
	}
	for i := 0; i < 7; i++ {
		d := time.Weekday((int(from) + i) % 7)
		if s.Contains(d) {
			return d, i
		}
	}
	return from, 0
}
