package core

import (
	"errors"
	"strings"
	"time"
)

// dateLayouts are the accepted calendar date spellings, day first. Only
// four-digit years are accepted so that no pivot year is needed.
var dateLayouts = []string{
	"02/01/2006", "2/1/2006",
	"02-01-2006", "2-1-2006",
	"02.01.2006", "2.1.2006",
	"2006-01-02",
}

var errInvalidDate = errors.New("invalid date")

// ParseCalendarDate parses a day-first or ISO date and returns midnight UTC
// of that day. Dates that do not exist on the calendar fail.
func ParseCalendarDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errInvalidDate
	}
	for _, c := range s {
		if (c < '0' || c > '9') && c != '/' && c != '-' && c != '.' {
			return time.Time{}, errInvalidDate
		}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errInvalidDate
}

// DateOf truncates t to midnight UTC of its calendar day in t's location.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
