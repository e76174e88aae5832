// Package timeutil formats and parses the Beijing-local timestamps used
// throughout the persisted state (request logs, operation logs, model
// cache entries).
//
// The same "format at the write boundary, parse back for arithmetic" shape
// the teacher's logger package used for UTC timestamps is kept here,
// generalized to a fixed UTC+8 offset rather than the process's local zone
// — Beijing time is a display convention, not a deployment-region setting.
package timeutil

import "time"

// Layout is the on-disk/on-wire civil-time format: "YYYY-MM-DD HH:MM:SS".
const Layout = "2006-01-02 15:04:05"

// beijing is a fixed +8:00 offset, independent of the host's local zone or
// any tzdata availability — the gateway must format the same way on every
// deployment target.
var beijing = time.FixedZone("CST", 8*60*60)

// Now returns the current instant rendered in Beijing civil time.
func Now() time.Time {
	return time.Now().In(beijing)
}

// FormatBeijing renders t as a Beijing-local "YYYY-MM-DD HH:MM:SS" string,
// regardless of t's own location.
func FormatBeijing(t time.Time) string {
	return t.In(beijing).Format(Layout)
}

// ParseBeijing parses a "YYYY-MM-DD HH:MM:SS" string written in Beijing
// civil time and returns the equivalent UTC instant, ready for arithmetic
// (expiry comparisons, ordering, etc).
func ParseBeijing(s string) (time.Time, error) {
	t, err := time.ParseInLocation(Layout, s, beijing)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
