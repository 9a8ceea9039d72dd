package promotion

import "time"

// Event is a named annual sales occasion.
type Event struct {
	Name     string
	Month    time.Month
	Day      int
	Duration time.Duration
}

const eventHorizon = 14 * 24 * time.Hour

// Fixed annual calendar. Movable feasts are approximated with fixed dates.
var annualEvents = []Event{
	{Name: "New Year Sale", Month: time.January, Day: 1, Duration: 72 * time.Hour},
	{Name: "Valentine's Day", Month: time.February, Day: 14, Duration: 48 * time.Hour},
	{Name: "Summer Kickoff", Month: time.June, Day: 21, Duration: 72 * time.Hour},
	{Name: "Back to School", Month: time.September, Day: 1, Duration: 120 * time.Hour},
	{Name: "Halloween", Month: time.October, Day: 31, Duration: 48 * time.Hour},
	{Name: "Black Friday", Month: time.November, Day: 29, Duration: 96 * time.Hour},
	{Name: "Christmas", Month: time.December, Day: 20, Duration: 120 * time.Hour},
}

// UpcomingEvents returns calendar events whose next occurrence falls within
// 14 days of today. Occurrences already passed this year roll to next year.
func UpcomingEvents(today time.Time) []Event {
	upcoming := make([]Event, 0, 2)
	for _, event := range annualEvents {
		occurrence := NextOccurrenceOf(event, today)
		if occurrence.Sub(today) <= eventHorizon {
			upcoming = append(upcoming, event)
		}
	}
	return upcoming
}

// NextOccurrenceOf returns the start timestamp of an event's next occurrence.
// "Already passed" is judged against start-of-day in today's location, not
// the absolute UTC day, so the date holds around midnight in any zone.
func NextOccurrenceOf(event Event, today time.Time) time.Time {
	startOfDay := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, today.Location())
	occurrence := time.Date(today.Year(), event.Month, event.Day, 0, 0, 0, 0, today.Location())
	if occurrence.Before(startOfDay) {
		occurrence = occurrence.AddDate(1, 0, 0)
	}
	return occurrence
}
