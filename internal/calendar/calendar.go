// Package calendar decides whether the US equity market is open on a given
// date. Pure functions, no I/O.
package calendar

import "time"

// MarketCloseHourUTC is the regular US market close (16:00 ET) in UTC.
const MarketCloseHourUTC = 21

// IsTradingDay reports whether the market is open on the calendar date of t
// (evaluated in UTC): not a weekend and not an observed US market holiday.
func IsTradingDay(t time.Time) bool {
	d := t.UTC()
	switch d.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	// Next year's set matters too: New Year's Day observed on Dec 31.
	for _, year := range []int{d.Year(), d.Year() + 1} {
		for _, h := range Holidays(year) {
			if sameDate(d, h) {
				return false
			}
		}
	}
	return true
}

// LastTradingDayAtOrBefore walks backward from t one day at a time until it
// finds a trading day, and returns that date at midnight UTC. This anchors
// what "today's expected data" means while the market is closed.
func LastTradingDayAtOrBefore(t time.Time) time.Time {
	d := midnight(t.UTC())
	for !IsTradingDay(d) {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// MarketClose returns the regular close instant for the date of t.
func MarketClose(t time.Time) time.Time {
	d := t.UTC()
	return time.Date(d.Year(), d.Month(), d.Day(), MarketCloseHourUTC, 0, 0, 0, time.UTC)
}

// TradingDaysBetween counts trading days in [start, end] inclusive by date.
func TradingDaysBetween(start, end time.Time) int {
	from := midnight(start.UTC())
	to := midnight(end.UTC())
	if to.Before(from) {
		return 0
	}
	count := 0
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if IsTradingDay(d) {
			count++
		}
	}
	return count
}

// Holidays returns the observed US market holidays for a year. Fixed-date
// holidays falling on Saturday are observed the preceding Friday, on Sunday
// the following Monday.
func Holidays(year int) []time.Time {
	easter := easterSunday(year)

	return []time.Time{
		observed(date(year, time.January, 1)),                   // New Year's Day
		nthWeekday(year, time.January, time.Monday, 3),          // MLK Day
		nthWeekday(year, time.February, time.Monday, 3),         // Presidents' Day
		easter.AddDate(0, 0, -2),                                // Good Friday
		lastWeekday(year, time.May, time.Monday),                // Memorial Day
		observed(date(year, time.June, 19)),                     // Juneteenth
		observed(date(year, time.July, 4)),                      // Independence Day
		nthWeekday(year, time.September, time.Monday, 1),        // Labor Day
		nthWeekday(year, time.November, time.Thursday, 4),       // Thanksgiving
		observed(date(year, time.December, 25)),                 // Christmas
	}
}

// easterSunday computes Easter via the Anonymous Gregorian (Computus)
// algorithm.
func easterSunday(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return date(year, time.Month(month), day)
}

func observed(d time.Time) time.Time {
	switch d.Weekday() {
	case time.Saturday:
		return d.AddDate(0, 0, -1)
	case time.Sunday:
		return d.AddDate(0, 0, 1)
	}
	return d
}

func nthWeekday(year int, month time.Month, weekday time.Weekday, n int) time.Time {
	d := date(year, month, 1)
	for d.Weekday() != weekday {
		d = d.AddDate(0, 0, 1)
	}
	return d.AddDate(0, 0, 7*(n-1))
}

func lastWeekday(year int, month time.Month, weekday time.Weekday) time.Time {
	d := date(year, month+1, 1).AddDate(0, 0, -1)
	for d.Weekday() != weekday {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

func date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func sameDate(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month() && a.Day() == b.Day()
}
