// Package calendar decides whether the index options market is open for
// trading at a given instant.
package calendar

import (
	"fmt"
	"time"

	"github.com/eddiefleurent/spx_straddler/internal/models"
)

// Session reasons.
const (
	ReasonOpen         = "open"
	ReasonWeekend      = "weekend"
	ReasonHoliday      = "holiday"
	ReasonOutsideHours = "outside-hours"
)

const dateLayout = "2006-01-02"

// DefaultHolidays are the NYSE full-day closures for 2025 and 2026.
var DefaultHolidays = []string{
	"2025-01-01", "2025-01-09", "2025-01-20", "2025-02-17", "2025-04-18",
	"2025-05-26", "2025-06-19", "2025-07-04", "2025-09-01", "2025-11-27", "2025-12-25",
	"2026-01-01", "2026-01-19", "2026-02-16", "2026-04-03", "2026-05-25",
	"2026-06-19", "2026-07-03", "2026-09-07", "2026-11-26", "2026-12-25",
}

// Session is the result of a market-hours check.
type Session struct {
	Open   bool
	Reason string
}

// Config holds the raw calendar settings.
type Config struct {
	Timezone string   // e.g. "America/New_York"
	Open     string   // "HH:MM"
	Close    string   // "HH:MM"
	Holidays []string // "YYYY-MM-DD"; nil uses DefaultHolidays
}

// DefaultConfig is the regular SPX session in New York time.
var DefaultConfig = Config{
	Timezone: "America/New_York",
	Open:     "09:30",
	Close:    "16:00",
}

// Calendar evaluates trading sessions. It holds no mutable state.
type Calendar struct {
	loc      *time.Location
	holidays map[string]struct{}
	openMin  int
	closeMin int
}

// New validates cfg and builds a Calendar. Open must be strictly before close.
func New(cfg Config) (*Calendar, error) {
	tz := cfg.Timezone
	if tz == "" {
		tz = DefaultConfig.Timezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, &models.ConfigError{Field: "schedule.timezone", Reason: err.Error()}
	}

	openMin, err := parseClock(cfg.Open)
	if err != nil {
		return nil, &models.ConfigError{Field: "schedule.market_open", Reason: err.Error()}
	}
	closeMin, err := parseClock(cfg.Close)
	if err != nil {
		return nil, &models.ConfigError{Field: "schedule.market_close", Reason: err.Error()}
	}
	if openMin >= closeMin {
		return nil, &models.ConfigError{
			Field:  "schedule.market_open",
			Reason: fmt.Sprintf("open %s must be before close %s", cfg.Open, cfg.Close),
		}
	}

	days := cfg.Holidays
	if days == nil {
		days = DefaultHolidays
	}
	holidays := make(map[string]struct{}, len(days))
	for _, d := range days {
		if _, err := time.Parse(dateLayout, d); err != nil {
			return nil, &models.ConfigError{Field: "schedule.holidays", Reason: fmt.Sprintf("bad date %q", d)}
		}
		holidays[d] = struct{}{}
	}

	return &Calendar{loc: loc, holidays: holidays, openMin: openMin, closeMin: closeMin}, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Location returns the market time zone.
func (c *Calendar) Location() *time.Location { return c.loc }

// Check reports whether the market is open at now. Both the open and
// close minutes are inclusive.
func (c *Calendar) Check(now time.Time) Session {
	local := now.In(c.loc)

	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return Session{Reason: ReasonWeekend}
	}
	if c.IsHoliday(local) {
		return Session{Reason: ReasonHoliday}
	}

	minute := local.Hour()*60 + local.Minute()
	afterClose := minute > c.closeMin || (minute == c.closeMin && (local.Second() > 0 || local.Nanosecond() > 0))
	if minute < c.openMin || afterClose {
		return Session{Reason: ReasonOutsideHours}
	}
	return Session{Open: true, Reason: ReasonOpen}
}

// IsHoliday reports whether t's market-local date is a configured holiday.
func (c *Calendar) IsHoliday(t time.Time) bool {
	_, ok := c.holidays[t.In(c.loc).Format(dateLayout)]
	return ok
}

// AtOrAfterClose reports whether t is at or after the close on its market-local day.
func (c *Calendar) AtOrAfterClose(t time.Time) bool {
	local := t.In(c.loc)
	return local.Hour()*60+local.Minute() >= c.closeMin
}

// CloseOn returns the market close instant on t's market-local date.
func (c *Calendar) CloseOn(t time.Time) time.Time {
	local := t.In(c.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), c.closeMin/60, c.closeMin%60, 0, 0, c.loc)
}
