package billing

import (
	"fmt"
	"time"
)

// Granularity is the length of a billing period.
type Granularity string

const (
	Monthly Granularity = "monthly"
	Daily   Granularity = "daily"
)

// CurrentPeriod is accepted wherever a period id is expected and resolves
// against the clock.
const CurrentPeriod = "current"

// Period is a half-open UTC interval [Start, End).
type Period struct {
	ID    string
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Calendar maps event timestamps to billing periods.
type Calendar struct {
	Granularity Granularity
}

// NewCalendar parses a configured granularity; an empty string means monthly.
func NewCalendar(g string) (Calendar, error) {
	switch Granularity(g) {
	case "", Monthly:
		return Calendar{Granularity: Monthly}, nil
	case Daily:
		return Calendar{Granularity: Daily}, nil
	}
	return Calendar{}, fmt.Errorf("unknown billing period %q", g)
}

func (c Calendar) layout() string {
	if c.Granularity == Daily {
		return "2006-01-02"
	}
	return "2006-01"
}

// PeriodFor returns the period containing t.
func (c Calendar) PeriodFor(t time.Time) Period {
	t = t.UTC()
	var start, end time.Time
	if c.Granularity == Daily {
		start = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 0, 1)
	} else {
		start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 1, 0)
	}
	return Period{ID: start.Format(c.layout()), Start: start, End: end}
}

// Parse resolves a period id, or CurrentPeriod relative to now.
func (c Calendar) Parse(id string, now time.Time) (Period, error) {
	if id == CurrentPeriod {
		return c.PeriodFor(now), nil
	}
	t, err := time.ParseInLocation(c.layout(), id, time.UTC)
	if err != nil {
		return Period{}, fmt.Errorf("invalid period %q: want %s", id, c.layout())
	}
	return c.PeriodFor(t), nil
}
