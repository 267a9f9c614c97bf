// Package markethours answers whether the exchange is in its regular session.
package markethours

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

const dateLayout = "2006-01-02"

// Config describes the regular session. Open and Close are HH:MM wall-clock
// times in Timezone; Holidays are YYYY-MM-DD dates on which the market is shut.
type Config struct {
	Enabled  bool     `mapstructure:"enabled"`
	Timezone string   `mapstructure:"timezone"`
	Open     string   `mapstructure:"open"`
	Close    string   `mapstructure:"close"`
	Holidays []string `mapstructure:"holidays"`
}

// DefaultConfig is the US equities regular session.
func DefaultConfig() Config {
	return Config{
		Enabled:  true,
		Timezone: "America/New_York",
		Open:     "09:30",
		Close:    "16:00",
		Holidays: append([]string(nil), nyseHolidays...),
	}
}

// Calendar is a resolved Config.
type Calendar struct {
	loc      *time.Location
	open     int // minutes after midnight
	close    int
	holidays map[string]struct{}
	last     string // latest listed holiday, as YYYY-MM-DD
	always   bool
}

// New resolves cfg. A disabled config yields a calendar that is always open.
func New(cfg Config) (*Calendar, error) {
	tz := cfg.Timezone
	if tz == "" {
		tz = "America/New_York"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	c := &Calendar{loc: loc, always: !cfg.Enabled, holidays: make(map[string]struct{}, len(cfg.Holidays))}
	if c.always {
		return c, nil
	}

	if c.open, err = parseClock(cfg.Open); err != nil {
		return nil, fmt.Errorf("market_hours.open: %w", err)
	}
	if c.close, err = parseClock(cfg.Close); err != nil {
		return nil, fmt.Errorf("market_hours.close: %w", err)
	}
	if c.close <= c.open {
		return nil, fmt.Errorf("market_hours.close must be after open")
	}
	for _, h := range cfg.Holidays {
		d, err := time.Parse(dateLayout, strings.TrimSpace(h))
		if err != nil {
			return nil, fmt.Errorf("market_hours.holidays: invalid date %q", h)
		}
		key := d.Format(dateLayout)
		c.holidays[key] = struct{}{}
		if key > c.last {
			c.last = key
		}
	}
	return c, nil
}

// HolidaysExhausted reports whether no listed holiday falls on or after the
// exchange date of t. Past that point every weekday counts as a trading day.
func (c *Calendar) HolidaysExhausted(t time.Time) bool {
	if c.always {
		return false
	}
	return t.In(c.loc).Format(dateLayout) > c.last
}

// Location is the exchange time zone.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// IsTradingDay reports whether t falls on a weekday that is not a holiday.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	if c.always {
		return true
	}
	local := t.In(c.loc)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	_, holiday := c.holidays[local.Format(dateLayout)]
	return !holiday
}

// IsOpen reports whether t falls inside the regular session.
func (c *Calendar) IsOpen(t time.Time) bool {
	if c.always {
		return true
	}
	if !c.IsTradingDay(t) {
		return false
	}
	local := t.In(c.loc)
	hm := local.Hour()*60 + local.Minute()
	return hm >= c.open && hm < c.close
}

// NextOpen returns the next session open at or after t. If the market is
// open at t, t itself is returned.
func (c *Calendar) NextOpen(t time.Time) time.Time {
	if c.IsOpen(t) {
		return t
	}
	local := t.In(c.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)
	if open := c.at(day, c.open); local.Before(open) && c.IsTradingDay(day) {
		return open
	}
	// A year of consecutive closures would be a configuration error.
	for i := 1; i <= 366; i++ {
		d := day.AddDate(0, 0, i)
		if c.IsTradingDay(d) {
			return c.at(d, c.open)
		}
	}
	return c.at(day.AddDate(0, 0, 1), c.open)
}

// Close returns the session close on the trading day containing t.
func (c *Calendar) Close(t time.Time) time.Time {
	local := t.In(c.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)
	if c.always {
		return day.AddDate(0, 0, 1)
	}
	return c.at(day, c.close)
}

// Status is a human-readable session summary.
func (c *Calendar) Status(t time.Time) string {
	if c.always {
		return "market hours gate disabled"
	}
	if c.IsOpen(t) {
		return fmt.Sprintf("market open, closes in %s", fmtDur(c.Close(t).Sub(t)))
	}
	next := c.NextOpen(t).In(c.loc)
	return fmt.Sprintf("market closed, opens %s %s (%s)",
		next.Weekday().String()[:3], next.Format("15:04"), fmtDur(next.Sub(t)))
}

func (c *Calendar) at(day time.Time, minutes int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), minutes/60, minutes%60, 0, 0, c.loc)
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
