// Package scheduler runs workspace tasks and host cron jobs on their
// schedules.
package scheduler

import (
	"fmt"
	"strconv"
	"time"

	"github.com/adhocore/gronx"

	"github.com/pynchy/pynchy/internal/store"
)

// NextRun computes the next execution time for a schedule starting from now.
// "once" schedules return nil after their moment has passed, which marks the
// task completed.
func NextRun(scheduleType, scheduleValue string, now time.Time) (*time.Time, error) {
	switch scheduleType {
	case store.ScheduleCron:
		next, err := gronx.NextTickAfter(scheduleValue, now, false)
		if err != nil {
			return nil, fmt.Errorf("cron %q: %w", scheduleValue, err)
		}
		return &next, nil

	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(scheduleValue, 10, 64)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("interval %q: must be a positive millisecond count", scheduleValue)
		}
		next := now.Add(time.Duration(ms) * time.Millisecond)
		return &next, nil

	case store.ScheduleOnce:
		at, err := time.Parse(time.RFC3339, scheduleValue)
		if err != nil {
			return nil, fmt.Errorf("once %q: %w", scheduleValue, err)
		}
		if !at.After(now) {
			return nil, nil
		}
		return &at, nil

	default:
		return nil, fmt.Errorf("unknown schedule type %q", scheduleType)
	}
}

// FirstRun is NextRun for a newly created task: a "once" schedule in the
// near past still gets one immediate run.
func FirstRun(scheduleType, scheduleValue string, now time.Time) (*time.Time, error) {
	if scheduleType == store.ScheduleOnce {
		at, err := time.Parse(time.RFC3339, scheduleValue)
		if err != nil {
			return nil, fmt.Errorf("once %q: %w", scheduleValue, err)
		}
		if !at.After(now) {
			return &now, nil
		}
		return &at, nil
	}
	return NextRun(scheduleType, scheduleValue, now)
}
