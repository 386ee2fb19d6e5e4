// Package chrono pins every date computation to one configured timezone.
//
// Snapshot names and date keys are derived from calendar days, so a process
// running on a host in another zone must still agree on what "today" is.
package chrono

import (
	"fmt"
	"time"
)

// DefaultTimezone is the zone the data sources publish in.
const DefaultTimezone = "Asia/Tokyo"

// DateLayout is the layout of a date stamp.
const DateLayout = "20060102"

// Clock is the interface that anything depending on the system clock should use.
type Clock interface {
	// Now returns the current time in Location.
	Now() time.Time
	Location() *time.Location
}

// StandardClock reads the system clock.
type StandardClock struct {
	location *time.Location
}

// NewClock loads the named zone. An empty name means DefaultTimezone.
func NewClock(tz string) (StandardClock, error) {
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return StandardClock{}, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	return StandardClock{location: loc}, nil
}

func (c StandardClock) Now() time.Time {
	return time.Now().In(c.location)
}

func (c StandardClock) Location() *time.Location {
	return c.location
}

// FixedClock always returns the same instant. Used by tests and backfills.
type FixedClock struct {
	At time.Time
}

func (c FixedClock) Now() time.Time {
	return c.At
}

func (c FixedClock) Location() *time.Location {
	return c.At.Location()
}

// DateStamp formats t as YYYYMMDD in its own location.
func DateStamp(t time.Time) string {
	return t.Format(DateLayout)
}

// Today returns the YYYYMMDD stamp of the clock's current day.
func Today(c Clock) string {
	return DateStamp(c.Now().In(c.Location()))
}

// Midnight truncates t to the start of its day in loc.
func Midnight(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
