package planner

import (
	"fmt"
	"strings"
	"time"
)

var (
	dateLayouts = []string{"02-01-2006", "2006-01-02"}
	timeLayouts = []string{"15:04", "3:04 PM", "3:04PM"}
)

// ParseWhen combines a DD-MM-YYYY date and an HH:MM or H:MM AM/PM time in loc.
func ParseWhen(date, clock string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	d, err := parseAny(dateLayouts, strings.TrimSpace(date), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q, use DD-MM-YYYY", ErrInvalid, date)
	}
	t, err := parseAny(timeLayouts, strings.ToUpper(strings.TrimSpace(clock)), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: time %q, use HH:MM or H:MM AM/PM", ErrInvalid, clock)
	}
	return time.Date(d.Year(), d.Month(), d.Day(), t.Hour(), t.Minute(), 0, 0, loc), nil
}

func parseAny(layouts []string, v string, loc *time.Location) (time.Time, error) {
	var err error
	for _, l := range layouts {
		var t time.Time
		if t, err = time.ParseInLocation(l, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}
