// Package timeutil converts between stored UTC instants and wall-clock time
// in a display zone. Storage is always UTC; zones only apply at the edges.
package timeutil

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultZone is used when no display zone is configured.
const DefaultZone = "Asia/Kolkata"

// DisplayLayout renders instants for operators and alert messages.
const DisplayLayout = "2006-01-02 15:04 MST"

// localLayouts are accepted by ParseLocal for wall-clock input without an offset.
var localLayouts = []string{
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// ErrEmptyTime is returned by ParseLocal for blank input.
var ErrEmptyTime = errors.New("time value is empty")

// LoadZone resolves an IANA zone name. An empty name selects DefaultZone.
func LoadZone(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load zone %q: %w", name, err)
	}
	return loc, nil
}

// ParseLocal parses value as an absolute instant and returns it in UTC.
// RFC 3339 input keeps its own offset; wall-clock input is read in loc.
func ParseLocal(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, ErrEmptyTime
	}
	if loc == nil {
		loc = time.UTC
	}

	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse time %q: expected RFC 3339 or YYYY-MM-DD HH:MM", value)
}

// ToUTC returns t as a UTC instant.
func ToUTC(t time.Time) time.Time {
	return t.UTC()
}

// In returns the wall-clock view of instant t in loc.
func In(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		return t.UTC()
	}
	return t.In(loc)
}

// Format renders instant t in loc using DisplayLayout.
func Format(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return ""
	}
	return In(t, loc).Format(DisplayLayout)
}
