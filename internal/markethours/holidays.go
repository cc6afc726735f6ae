package markethours

import "time"

type day struct {
	month time.Month
	day   int
}

// NYSE full-day closures for 2026.
var nyseHolidays2026 = []day{
	{time.January, 1},   // New Year's Day
	{time.January, 19},  // Martin Luther King Jr. Day
	{time.February, 16}, // Washington's Birthday
	{time.April, 3},     // Good Friday
	{time.May, 25},      // Memorial Day
	{time.June, 19},     // Juneteenth
	{time.July, 3},      // Independence Day (observed)
	{time.September, 7}, // Labor Day
	{time.November, 26}, // Thanksgiving Day
	{time.December, 25}, // Christmas Day
}

// NYSE 13:00 early closes for 2026.
var nyseEarlyCloses2026 = []day{
	{time.November, 27}, // day after Thanksgiving
	{time.December, 24}, // Christmas Eve
}

var holidaySet, earlySet map[string]bool

func init() {
	holidaySet = make(map[string]bool, len(nyseHolidays2026))
	for _, h := range nyseHolidays2026 {
		holidaySet[dateKey(2026, h.month, h.day)] = true
	}
	earlySet = make(map[string]bool, len(nyseEarlyCloses2026))
	for _, h := range nyseEarlyCloses2026 {
		earlySet[dateKey(2026, h.month, h.day)] = true
	}
}

// IsHoliday returns true if the ET date is an NYSE holiday.
func IsHoliday(t time.Time) bool {
	et := t.In(ET)
	return holidaySet[dateKey(et.Year(), et.Month(), et.Day())]
}

// IsEarlyClose returns true if the ET date is a half day.
func IsEarlyClose(t time.Time) bool {
	et := t.In(ET)
	return earlySet[dateKey(et.Year(), et.Month(), et.Day())]
}

func dateKey(year int, month time.Month, day int) string {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC).Format("2006-01-02")
}
