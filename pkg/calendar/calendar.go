// Package calendar answers business-day questions from a holiday list that is
// loaded once and shared by every caller.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-fetchcache/pkg/chrono"
	"github.com/illmade-knight/go-fetchcache/pkg/snapshot"
	"github.com/rs/zerolog"
)

// Loader returns the non-business dates (holidays) of the market.
type Loader func(ctx context.Context) ([]time.Time, error)

// Calendar loads its holidays on first use. Concurrent first callers block on
// a single load; a failed load is attempted again by the next caller.
type Calendar struct {
	load   Loader
	loc    *time.Location
	logger zerolog.Logger

	mu       sync.Mutex
	loaded   bool
	holidays map[string]struct{}
}

// New creates a Calendar whose dates are interpreted in loc.
func New(load Loader, loc *time.Location, logger zerolog.Logger) *Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return &Calendar{
		load:   load,
		loc:    loc,
		logger: logger.With().Str("component", "Calendar").Logger(),
	}
}

func (c *Calendar) ensure(ctx context.Context) (map[string]struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return c.holidays, nil
	}
	if c.load == nil {
		return nil, errors.New("calendar has no loader")
	}

	dates, err := c.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load holidays: %w", err)
	}
	holidays := make(map[string]struct{}, len(dates))
	for _, d := range dates {
		holidays[chrono.DateStamp(d.In(c.loc))] = struct{}{}
	}
	c.holidays = holidays
	c.loaded = true
	c.logger.Info().Int("holidays", len(holidays)).Msg("Holiday calendar loaded.")
	return holidays, nil
}

// IsBusinessDay reports whether d is neither a weekend nor a holiday.
func (c *Calendar) IsBusinessDay(ctx context.Context, d time.Time) (bool, error) {
	holidays, err := c.ensure(ctx)
	if err != nil {
		return false, err
	}
	return isBusinessDay(d.In(c.loc), holidays), nil
}

func isBusinessDay(d time.Time, holidays map[string]struct{}) bool {
	if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	_, holiday := holidays[chrono.DateStamp(d)]
	return !holiday
}

// BusinessDays returns every business day from from to to inclusive, at
// midnight in the calendar's location. It is the usual key list for a
// date-driven batch fetch.
func (c *Calendar) BusinessDays(ctx context.Context, from, to time.Time) ([]time.Time, error) {
	holidays, err := c.ensure(ctx)
	if err != nil {
		return nil, err
	}
	start := chrono.Midnight(from, c.loc)
	end := chrono.Midnight(to, c.loc)
	if end.Before(start) {
		return nil, fmt.Errorf("range end %s is before start %s", chrono.DateStamp(end), chrono.DateStamp(start))
	}

	var days []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if isBusinessDay(d, holidays) {
			days = append(days, d)
		}
	}
	return days, nil
}

// dateLayouts are accepted in holiday snapshots.
var dateLayouts = []string{chrono.DateLayout, time.DateOnly, time.RFC3339}

// SnapshotLoader reads holidays from the named column of the latest snapshot
// in the given cache group.
func SnapshotLoader(store *snapshot.Store, source, group, column string, loc *time.Location) Loader {
	return func(ctx context.Context) ([]time.Time, error) {
		t, err := store.Read(source, group, "")
		if err != nil {
			return nil, err
		}
		values, err := t.Column(column)
		if err != nil {
			return nil, err
		}
		dates := make([]time.Time, 0, len(values))
		for i, v := range values {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("row %d: holiday %v is not a string", i, v)
			}
			d, err := parseDate(s, loc)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}
			dates = append(dates, d)
		}
		return dates, nil
	}
}

func parseDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range dateLayouts {
		if d, err := time.ParseInLocation(layout, s, loc); err == nil {
			return d, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}
