// Package markethours decides whether CMP or LCP synchronization is valid
// at a given wall-clock time. All checks evaluate in IST, the exchange's
// local zone.
package markethours

import (
	"fmt"
	"time"
)

// IST is the Indian Standard Time location (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

// NSE trading hours in IST.
const (
	OpenHour    = 9
	OpenMinute  = 15
	CloseHour   = 15
	CloseMinute = 30
)

// IsMarketOpen returns true if t falls within NSE trading hours
// (9:15 AM – 3:30 PM IST, Mon–Fri). Both boundary minutes are inside the
// window. CMP sync is valid exactly when this is true.
func IsMarketOpen(t time.Time) bool {
	ist := t.In(IST)
	wd := ist.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	hm := ist.Hour()*60 + ist.Minute()
	return hm >= OpenHour*60+OpenMinute && hm <= CloseHour*60+CloseMinute
}

// IsPostClose returns true if the IST time-of-day is at or after market
// close (3:30 PM). LCP sync is valid exactly when this is true. There is no
// weekday guard: a weekend run rewrites Friday's close with the same
// values, which is harmless.
func IsPostClose(t time.Time) bool {
	ist := t.In(IST)
	hm := ist.Hour()*60 + ist.Minute()
	return hm >= CloseHour*60+CloseMinute
}

// IsWeekday returns true if t is Mon–Fri in IST.
func IsWeekday(t time.Time) bool {
	wd := t.In(IST).Weekday()
	return wd >= time.Monday && wd <= time.Friday
}

// IsTradingDay returns true if t is a weekday and not an NSE holiday.
// Informational only (surfaced on /status); sync gating ignores holidays.
func IsTradingDay(t time.Time) bool {
	ist := t.In(IST)
	return IsWeekday(ist) && !IsHoliday(ist)
}

// TodayClose returns today's market close time (3:30 PM IST).
func TodayClose(t time.Time) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), CloseHour, CloseMinute, 0, 0, IST)
}

// StatusString returns a human-readable market status for logs.
func StatusString(t time.Time) string {
	ist := t.In(IST)
	if IsMarketOpen(ist) {
		return fmt.Sprintf("Market Open (closes %s IST)", TodayClose(ist).Format("15:04"))
	}
	return fmt.Sprintf("Market Closed (%s %s IST)", ist.Weekday().String()[:3], ist.Format("15:04"))
}
