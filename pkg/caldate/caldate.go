// Package caldate holds the calendar-date helpers used throughout the clinic.
// A date is a time.Time truncated to midnight UTC; time of day never takes
// part in a comparison.
package caldate

import (
	"fmt"
	"time"
)

// Layout is the wire and CSV format for calendar dates.
const Layout = "2006-01-02"

// LegacyLayout is the day-first format found in older register exports.
const LegacyLayout = "02.01.2006"

// Of normalizes t to midnight UTC of its own calendar day.
func Of(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// New builds a date from its parts.
func New(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Parse accepts YYYY-MM-DD and falls back to DD.MM.YYYY.
func Parse(s string) (time.Time, error) {
	if t, err := time.Parse(Layout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(LegacyLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	return t, nil
}

// Format renders a date as YYYY-MM-DD. The zero time renders as "".
func Format(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(Layout)
}

// AddDays moves a date by n calendar days.
func AddDays(t time.Time, n int) time.Time {
	return Of(t).AddDate(0, 0, n)
}

// After reports whether a falls on a later calendar day than b.
func After(a, b time.Time) bool {
	return Of(a).After(Of(b))
}

// YearsBetween returns the number of completed years from birth to asOf.
// It is zero when asOf precedes birth.
func YearsBetween(birth, asOf time.Time) int {
	birth, asOf = Of(birth), Of(asOf)
	if asOf.Before(birth) {
		return 0
	}
	years := asOf.Year() - birth.Year()
	if asOf.Month() < birth.Month() || (asOf.Month() == birth.Month() && asOf.Day() < birth.Day()) {
		years--
	}
	return years
}

// MonthsBetween returns completed months from birth to asOf.
func MonthsBetween(birth, asOf time.Time) int {
	birth, asOf = Of(birth), Of(asOf)
	if asOf.Before(birth) {
		return 0
	}
	months := (asOf.Year()-birth.Year())*12 + int(asOf.Month()) - int(birth.Month())
	if asOf.Day() < birth.Day() {
		months--
	}
	return months
}

// Month returns the YYYY-MM key for t.
func Month(t time.Time) string {
	return t.Format("2006-01")
}

// ParseMonth parses a YYYY-MM key and returns the first day of that month.
func ParseMonth(s string) (time.Time, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid month %q: expected YYYY-MM", s)
	}
	return t, nil
}
