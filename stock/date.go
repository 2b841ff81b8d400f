package stock

import (
	"fmt"
	"time"
)

// DateLayout is the wire and storage format of ledger dates.
const DateLayout = "2006-01-02"

// Day truncates t to midnight UTC. Every ledger date is a calendar day.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// NewDate builds a calendar day.
func NewDate(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// DatePtr returns a pointer to the calendar day of t.
func DatePtr(t time.Time) *time.Time {
	d := Day(t)
	return &d
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	return t, nil
}

// ParseAsOf parses an optional as-of date. An empty string means unbounded.
func ParseAsOf(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := ParseDate(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// OnOrBefore reports whether t falls on or before end (inclusive, by day).
// A nil end is unbounded.
func OnOrBefore(t time.Time, end *time.Time) bool {
	if end == nil {
		return true
	}
	return !Day(t).After(Day(*end))
}

// FormatDate renders a ledger date; the zero time renders as "".
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(DateLayout)
}
