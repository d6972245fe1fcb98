package models

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var clockPattern = regexp.MustCompile(`^([01]?[0-9]|2[0-3]):[0-5][0-9]$`)

// ParseClock parses a 24-hour "HH:MM" wall-clock time.
func ParseClock(s string) (hour, minute int, err error) {
	if !clockPattern.MatchString(s) {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, m, _ := strings.Cut(s, ":")
	hour, _ = strconv.Atoi(h)
	minute, _ = strconv.Atoi(m)
	return hour, minute, nil
}

// DailyDuration returns (stop - start) mod 24h. Equal times yield a full 24h.
func DailyDuration(start, stop string) (time.Duration, error) {
	sh, sm, err := ParseClock(start)
	if err != nil {
		return 0, err
	}
	eh, em, err := ParseClock(stop)
	if err != nil {
		return 0, err
	}
	mins := (eh*60 + em) - (sh*60 + sm)
	if mins <= 0 {
		mins += 24 * 60
	}
	return time.Duration(mins) * time.Minute, nil
}
