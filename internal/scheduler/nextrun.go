package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/thoth-app/discovery/internal/domain"
)

// NextRun computes when a source is due again after a run completed. A
// cron expression wins over time_of_day, which wins over the plain
// interval.
func NextRun(s *domain.Schedule, completed time.Time) (time.Time, error) {
	switch {
	case s.CronExpr != "":
		sched, err := cron.ParseStandard(s.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron_expr %q: %w", s.CronExpr, err)
		}
		return sched.Next(completed), nil
	case s.TimeOfDay != "":
		return nextWallClock(s, completed)
	case s.IntervalMinutes > 0:
		return completed.Add(time.Duration(s.IntervalMinutes) * time.Minute), nil
	}
	return time.Time{}, fmt.Errorf("schedule has no cadence")
}

// nextWallClock finds the next occurrence of time_of_day strictly after
// completed, walking forward day by day until the weekday mask matches.
func nextWallClock(s *domain.Schedule, completed time.Time) (time.Time, error) {
	hour, minute, err := s.TimeOfDayParts()
	if err != nil {
		return time.Time{}, err
	}
	days, err := s.WeekdaySet()
	if err != nil {
		return time.Time{}, err
	}

	next := time.Date(completed.Year(), completed.Month(), completed.Day(),
		hour, minute, 0, 0, completed.Location())
	if !next.After(completed) {
		next = next.AddDate(0, 0, 1)
	}
	for i := 0; i < 7; i++ {
		if days == nil || days[next.Weekday()] {
			return next, nil
		}
		next = next.AddDate(0, 0, 1)
	}
	return time.Time{}, fmt.Errorf("days_of_week matches no weekday")
}

// clampPast pushes a recomputed time that already passed (clock jumps,
// long runs) at least one minute into the future.
func clampPast(next, now time.Time) time.Time {
	if next.Before(now) {
		return now.Add(time.Minute)
	}
	return next
}
