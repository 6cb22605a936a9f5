package scheduler

import (
	"fmt"
	"time"

	"github.com/carecall/carecall/internal/database/models"
)

// NextCallDate computes the next fire time for a schedule, strictly after
// now, in UTC. Daily advances one day at the configured time; weekly
// advances to the next (day-of-week, every-N-weeks) slot; monthly keeps
// the day of month, clamped to the month's last day.
func NextCallDate(s *models.Schedule, now time.Time) (time.Time, error) {
	tod, err := time.Parse("15:04", s.TimeOfDay)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time of day %q: %w", s.TimeOfDay, err)
	}
	now = now.UTC()
	hh, mm := tod.Hour(), tod.Minute()

	switch s.Frequency {
	case models.FreqDaily:
		next := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, time.UTC)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil

	case models.FreqWeekly:
		every := s.EveryNWeeks
		if every < 1 {
			every = 1
		}
		// Continue the established cadence when there is one; otherwise
		// start at the next matching weekday.
		if s.NextCallDate != nil {
			next := *s.NextCallDate
			for !next.After(now) {
				next = next.AddDate(0, 0, 7*every)
			}
			return next, nil
		}
		next := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, time.UTC)
		offset := (s.DayOfWeek - int(next.Weekday()) + 7) % 7
		next = next.AddDate(0, 0, offset)
		if !next.After(now) {
			next = next.AddDate(0, 0, 7*every)
		}
		return next, nil

	case models.FreqMonthly:
		next := monthlyOn(now.Year(), now.Month(), s.DayOfMonth, hh, mm)
		if !next.After(now) {
			y, m := now.Year(), now.Month()+1
			next = monthlyOn(y, m, s.DayOfMonth, hh, mm)
		}
		return next, nil
	}
	return time.Time{}, fmt.Errorf("unknown frequency %q", s.Frequency)
}

// monthlyOn builds the fire time for a given month, clamping the day to
// the month's last day (Jan 31 → Feb 28/29).
func monthlyOn(year int, month time.Month, day, hh, mm int) time.Time {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		day = last
	}
	if day < 1 {
		day = 1
	}
	return time.Date(year, month, day, hh, mm, 0, 0, time.UTC)
}
