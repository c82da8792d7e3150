package digest

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"practice-portal/notification-service/internal/settings"
)

// Schedule turns digest frequencies into wall-clock boundaries
type Schedule struct {
	Location       *time.Location
	BeginningOfDay settings.ClockTime
	EndOfDay       settings.ClockTime
	WeeklyAt       settings.ClockTime
}

func DefaultSchedule() Schedule {
	return Schedule{
		Location:       time.UTC,
		BeginningOfDay: 8 * 60,
		EndOfDay:       18 * 60,
		WeeklyAt:       8 * 60,
	}
}

func (s Schedule) location() *time.Location {
	if s.Location == nil {
		return time.UTC
	}
	return s.Location
}

// In converts t to the schedule's time zone
func (s Schedule) In(t time.Time) time.Time {
	return t.In(s.location())
}

// Cycle is the length of one digest period
func Cycle(freq settings.Frequency) time.Duration {
	switch freq {
	case settings.FrequencyHourly:
		return time.Hour
	case settings.FrequencyEvery2h:
		return 2 * time.Hour
	case settings.FrequencyEvery4h:
		return 4 * time.Hour
	case settings.FrequencyWeekly:
		return 7 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Next returns the first boundary strictly after t. Interval frequencies are
// aligned to local midnight.
func (s Schedule) Next(freq settings.Frequency, weekday time.Weekday, t time.Time) time.Time {
	local := t.In(s.location())
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())

	switch freq {
	case settings.FrequencyHourly, settings.FrequencyEvery2h, settings.FrequencyEvery4h:
		interval := Cycle(freq)
		steps := local.Sub(midnight)/interval + 1
		return midnight.Add(steps * interval)
	case settings.FrequencyEndOfDay:
		return nextDaily(midnight, s.EndOfDay, local)
	case settings.FrequencyWeekly:
		at := atClock(midnight, s.WeeklyAt)
		ahead := (int(weekday) - int(local.Weekday()) + 7) % 7
		at = at.AddDate(0, 0, ahead)
		if !at.After(local) {
			at = at.AddDate(0, 0, 7)
		}
		return at
	default:
		return nextDaily(midnight, s.BeginningOfDay, local)
	}
}

// NextClock returns the first occurrence of c strictly after t
func (s Schedule) NextClock(c settings.ClockTime, t time.Time) time.Time {
	local := t.In(s.location())
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
	return nextDaily(midnight, c, local)
}

func nextDaily(midnight time.Time, c settings.ClockTime, after time.Time) time.Time {
	at := atClock(midnight, c)
	if !at.After(after) {
		at = atClock(midnight.AddDate(0, 0, 1), c)
	}
	return at
}

func atClock(midnight time.Time, c settings.ClockTime) time.Time {
	return time.Date(midnight.Year(), midnight.Month(), midnight.Day(), c.Hour(), c.Minute(), 0, 0, midnight.Location())
}

// ParseTick validates a cron spec for the scheduler tick
func ParseTick(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid digest tick %q: %w", spec, err)
	}
	return nil
}
