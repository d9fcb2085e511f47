package chrono

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrNoDate is returned when a token carries no recognizable calendar date.
var ErrNoDate = errors.New("no date in token")

// ParseDate reads a date token such as "Zaterdag 18 aug. 2018",
// "vrijdag, 17 augustus 2018, 23:59" or "18 August 2018 16:00".
// The weekday is optional but must agree with the date when present.
// A clock in the token sets the time of day, otherwise midnight is used.
func (l *Locale) ParseDate(token string, loc *time.Location) (time.Time, error) {
	var (
		dayNum, year   int
		month          time.Month
		hour, minute   int
		weekday        = -1
		haveDay, haveY bool
	)

	for _, word := range fields(token) {
		switch {
		case strings.Contains(word, ":"):
			h, m, err := parseClock(word)
			if err != nil {
				return time.Time{}, fmt.Errorf("parse %q: %w", token, err)
			}
			hour, minute = h, m
		case isDigits(word) && len(word) == 4:
			year, _ = strconv.Atoi(word)
			haveY = true
		case isDigits(word) && len(word) <= 2:
			dayNum, _ = strconv.Atoi(word)
			haveDay = true
		default:
			if m := l.month(word); m != 0 {
				month = m
				continue
			}
			if wd := l.weekday(word); wd >= 0 {
				weekday = wd
				continue
			}
			return time.Time{}, fmt.Errorf("parse %q: unknown word %q", token, word)
		}
	}

	if !haveDay || !haveY || month == 0 {
		return time.Time{}, fmt.Errorf("parse %q: %w", token, ErrNoDate)
	}
	t := time.Date(year, month, dayNum, hour, minute, 0, 0, loc)
	if t.Day() != dayNum || t.Month() != month {
		return time.Time{}, fmt.Errorf("parse %q: day %d out of range for %s", token, dayNum, month)
	}
	if weekday >= 0 && int(t.Weekday()) != weekday {
		return time.Time{}, fmt.Errorf("parse %q: weekday %s does not match %s", token, l.Weekdays[weekday], t.Format(time.DateOnly))
	}
	return t, nil
}

// ParseDateTime combines a date token with a separate H:mm clock.
func (l *Locale) ParseDateTime(dateToken, clock string, loc *time.Location) (time.Time, error) {
	h, m, err := parseClock(clock)
	if err != nil {
		return time.Time{}, err
	}
	d, err := l.ParseDate(dateToken, loc)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(d.Year(), d.Month(), d.Day(), h, m, 0, 0, loc), nil
}

func (l *Locale) month(word string) time.Month {
	for i, name := range l.Months {
		if word == name || word == l.MonthsShort[i] {
			return time.January + time.Month(i)
		}
	}
	if m, ok := l.MonthAlias[word]; ok {
		return m
	}
	// Abbreviations the site may introduce later, e.g. "augus".
	if len(word) >= 3 {
		for i, name := range l.Months {
			if strings.HasPrefix(name, word) {
				return time.January + time.Month(i)
			}
		}
	}
	return 0
}

func (l *Locale) weekday(word string) int {
	for i, name := range l.Weekdays {
		if word == name || (len(word) >= 2 && strings.HasPrefix(name, word)) {
			return i
		}
	}
	return -1
}

func parseClock(s string) (int, int, error) {
	s = strings.TrimSpace(s)
	hs, ms, ok := strings.Cut(s, ":")
	if !ok || !isDigits(hs) || !isDigits(ms) || len(ms) != 2 || len(hs) > 2 {
		return 0, 0, fmt.Errorf("invalid clock %q", s)
	}
	h, _ := strconv.Atoi(hs)
	m, _ := strconv.Atoi(ms)
	if h > 23 || m > 59 {
		return 0, 0, fmt.Errorf("invalid clock %q", s)
	}
	return h, m, nil
}

// fields lower-cases the token and splits it on whitespace, dropping the
// periods and commas the site puts after abbreviations and weekdays.
func fields(token string) []string {
	token = strings.Map(func(r rune) rune {
		if r == '.' || r == ',' {
			return ' '
		}
		return r
	}, strings.ToLower(token))
	return strings.Fields(token)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
