package reservation

import (
	"sort"
	"time"
)

// SelectSlot returns the earliest slot starting on the calendar date of day (in loc)
// at or after minTimeOfDay, among slots that start after now. Slots sharing a start
// time are ordered by ascending ID so the pick never depends on input order.
func SelectSlot(slots []Slot, day time.Time, minTimeOfDay time.Duration, now time.Time, loc *time.Location) (Slot, bool) {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := day.In(loc).Date()

	var candidates []Slot
	for _, s := range slots {
		if !s.Start.After(now) {
			continue
		}
		start := s.Start.In(loc)
		sy, sm, sd := start.Date()
		if sy != y || sm != m || sd != d {
			continue
		}
		if TimeOfDay(start) < minTimeOfDay {
			continue
		}
		candidates = append(candidates, s)
	}
	if len(candidates) == 0 {
		return Slot{}, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].Start.Equal(candidates[j].Start) {
			return candidates[i].Start.Before(candidates[j].Start)
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0], true
}

// TimeOfDay is the offset of t from its own midnight.
func TimeOfDay(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second +
		time.Duration(t.Nanosecond())
}

// NextTargetDate is midnight (in loc) daysAhead calendar days after now.
func NextTargetDate(now time.Time, daysAhead int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d+daysAhead, 0, 0, 0, 0, loc)
}

// ParseTimeOfDay accepts HH:MM or HH:MM:SS.
func ParseTimeOfDay(s string) (time.Duration, error) {
	layout := "15:04"
	if len(s) == len("15:04:05") {
		layout = "15:04:05"
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return 0, err
	}
	return TimeOfDay(t), nil
}
