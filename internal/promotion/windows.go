package promotion

import (
	"sort"
	"strings"
	"time"

	"listing-optimizer/internal/metrics"
)

// Window is a recurring weekly low-activity slot.
type Window struct {
	Day     time.Weekday
	Hour    int
	Average float64
}

const (
	quietHoursEnd  = 7
	topWindowCount = 5
)

// FindLowActivityWindows buckets hourly visits by (weekday, hour), averages
// each bucket across the lookback window, and returns the quietest slots.
// Night hours before 07:00 are excluded: nobody shops then, so a discount
// there is wasted.
func FindLowActivityWindows(series []metrics.HourlyPoint) []Window {
	type bucket struct {
		total int
		count int
	}
	buckets := make(map[[2]int]*bucket)

	for _, point := range series {
		hour := point.Timestamp.Hour()
		if hour < quietHoursEnd {
			continue
		}
		key := [2]int{int(point.Timestamp.Weekday()), hour}
		b, ok := buckets[key]
		if !ok {
			b = &bucket{}
			buckets[key] = b
		}
		b.total += point.Visits
		b.count++
	}

	windows := make([]Window, 0, len(buckets))
	for key, b := range buckets {
		windows = append(windows, Window{
			Day:     time.Weekday(key[0]),
			Hour:    key[1],
			Average: float64(b.total) / float64(b.count),
		})
	}

	sort.SliceStable(windows, func(i, j int) bool {
		if windows[i].Average != windows[j].Average {
			return windows[i].Average < windows[j].Average
		}
		if windows[i].Day != windows[j].Day {
			return windows[i].Day < windows[j].Day
		}
		return windows[i].Hour < windows[j].Hour
	})

	if len(windows) > topWindowCount {
		windows = windows[:topWindowCount]
	}
	return windows
}

var dayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// NextOccurrence returns the next future timestamp matching the given
// weekday name and hour. A slot already passed this week rolls forward
// exactly 7 days; an unknown day name falls back to tomorrow at hour.
func NextOccurrence(day string, hour int, now time.Time) time.Time {
	weekday, ok := dayNames[strings.ToLower(strings.TrimSpace(day))]
	if !ok {
		tomorrow := now.AddDate(0, 0, 1)
		return time.Date(tomorrow.Year(), tomorrow.Month(), tomorrow.Day(), hour, 0, 0, 0, now.Location())
	}
	return nextWeekdayHour(weekday, hour, now)
}

func nextWeekdayHour(weekday time.Weekday, hour int, now time.Time) time.Time {
	daysAhead := (int(weekday) - int(now.Weekday()) + 7) % 7
	candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location()).AddDate(0, 0, daysAhead)
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 7)
	}
	return candidate
}
