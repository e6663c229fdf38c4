// Package timeutil fixes the date and timestamp formats the engine exchanges
// with the store: dates as YYYY-MM-DD, timestamps as local-clock ISO-8601
// without fractional seconds.
package timeutil

import (
	"fmt"
	"time"
)

const (
	DateLayout  = "2006-01-02"
	StampLayout = "2006-01-02T15:04:05"
)

// Today returns the scheduling clock's current date.
func Today() string {
	return time.Now().Format(DateLayout)
}

// Now returns the current wall-clock timestamp.
func Now() string {
	return time.Now().Format(StampLayout)
}

// AddDays shifts a YYYY-MM-DD date by days (negative to go back). A
// malformed date is a caller bug and panics.
func AddDays(date string, days int) string {
	d, err := time.ParseInLocation(DateLayout, date, time.Local)
	if err != nil {
		panic(fmt.Sprintf("timeutil: malformed date %q: %v", date, err))
	}
	return d.AddDate(0, 0, days).Format(DateLayout)
}
