package aggregate

import (
	"fmt"
	"time"

	"github.com/promptlab/engine/internal/trace"
)

// PeriodBounds returns the [start, end) window containing ref for a period
// type. Weeks start on Sunday.
func PeriodBounds(periodType string, ref time.Time) (time.Time, time.Time, error) {
	ref = ref.UTC()
	switch periodType {
	case trace.PeriodHour:
		start := ref.Truncate(time.Hour)
		return start, start.Add(time.Hour), nil
	case trace.PeriodDay:
		start := time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1), nil
	case trace.PeriodWeek:
		day := time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, time.UTC)
		start := day.AddDate(0, 0, -int(day.Weekday()))
		return start, start.AddDate(0, 0, 7), nil
	case trace.PeriodMonth:
		start := time.Date(ref.Year(), ref.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0), nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("unknown period type %q", periodType)
	}
}

func dayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
