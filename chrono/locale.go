// Package chrono parses and formats the dates, clock times and relative
// durations that appear on the order pages, for a fixed set of locales.
package chrono

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	_ "time/tzdata" // Europe/Amsterdam must resolve on minimal images

	"github.com/dustin/go-humanize"
)

const day = 24 * time.Hour

// Locale is the vocabulary needed to read and write dates in one language.
type Locale struct {
	Name        string
	Weekdays    [7]string  // Sunday first, lower case
	Months      [12]string // lower case
	MonthsShort [12]string // lower case, without trailing period
	MonthAlias  map[string]time.Month

	Today    string
	Tomorrow string
	Between  string // "%s tussen %s en %s"

	Past      string // "%s geleden"
	Future    string // "over %s"
	Earlier   string // "%s eerder"
	Later     string // "%s later"
	Unchanged string

	relative []humanize.RelTimeMagnitude
	shift    []humanize.RelTimeMagnitude
}

// Dutch is the locale used by the Albert Heijn pages.
var Dutch = &Locale{
	Name:        "nl",
	Weekdays:    [7]string{"zondag", "maandag", "dinsdag", "woensdag", "donderdag", "vrijdag", "zaterdag"},
	Months:      [12]string{"januari", "februari", "maart", "april", "mei", "juni", "juli", "augustus", "september", "oktober", "november", "december"},
	MonthsShort: [12]string{"jan", "feb", "mrt", "apr", "mei", "jun", "jul", "aug", "sep", "okt", "nov", "dec"},
	MonthAlias:  map[string]time.Month{"sept": time.September, "mar": time.March},
	Today:       "vandaag",
	Tomorrow:    "morgen",
	Between:     "%s tussen %s en %s",
	Past:        "%s geleden",
	Future:      "over %s",
	Earlier:     "%s eerder",
	Later:       "%s later",
	Unchanged:   "ongewijzigd",
	relative: []humanize.RelTimeMagnitude{
		{D: 45 * time.Second, Format: "een paar seconden%s", DivBy: 1},
		{D: 90 * time.Second, Format: "een minuut%s", DivBy: 1},
		{D: 45 * time.Minute, Format: "%d minuten%s", DivBy: time.Minute},
		{D: 90 * time.Minute, Format: "een uur%s", DivBy: 1},
		{D: 22 * time.Hour, Format: "%d uur%s", DivBy: time.Hour},
		{D: 36 * time.Hour, Format: "een dag%s", DivBy: 1},
		{D: 26 * day, Format: "%d dagen%s", DivBy: day},
		{D: 45 * day, Format: "een maand%s", DivBy: 1},
		{D: 320 * day, Format: "%d maanden%s", DivBy: 30 * day},
		{D: 548 * day, Format: "een jaar%s", DivBy: 1},
		{D: math.MaxInt64, Format: "%d jaar%s", DivBy: 365 * day},
	},
	shift: []humanize.RelTimeMagnitude{
		{D: 2 * time.Minute, Format: "1 minuut%s", DivBy: 1},
		{D: 2 * time.Hour, Format: "%d minuten%s", DivBy: time.Minute},
		{D: 48 * time.Hour, Format: "%d uur%s", DivBy: time.Hour},
		{D: math.MaxInt64, Format: "%d dagen%s", DivBy: day},
	},
}

// English is mostly useful for logs and tests.
var English = &Locale{
	Name:        "en",
	Weekdays:    [7]string{"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday"},
	Months:      [12]string{"january", "february", "march", "april", "may", "june", "july", "august", "september", "october", "november", "december"},
	MonthsShort: [12]string{"jan", "feb", "mar", "apr", "may", "jun", "jul", "aug", "sep", "oct", "nov", "dec"},
	MonthAlias:  map[string]time.Month{"sept": time.September},
	Today:       "today",
	Tomorrow:    "tomorrow",
	Between:     "%s between %s and %s",
	Past:        "%s ago",
	Future:      "in %s",
	Earlier:     "%s earlier",
	Later:       "%s later",
	Unchanged:   "unchanged",
	relative: []humanize.RelTimeMagnitude{
		{D: 45 * time.Second, Format: "a few seconds%s", DivBy: 1},
		{D: 90 * time.Second, Format: "a minute%s", DivBy: 1},
		{D: 45 * time.Minute, Format: "%d minutes%s", DivBy: time.Minute},
		{D: 90 * time.Minute, Format: "an hour%s", DivBy: 1},
		{D: 22 * time.Hour, Format: "%d hours%s", DivBy: time.Hour},
		{D: 36 * time.Hour, Format: "a day%s", DivBy: 1},
		{D: 26 * day, Format: "%d days%s", DivBy: day},
		{D: 45 * day, Format: "a month%s", DivBy: 1},
		{D: 320 * day, Format: "%d months%s", DivBy: 30 * day},
		{D: 548 * day, Format: "a year%s", DivBy: 1},
		{D: math.MaxInt64, Format: "%d years%s", DivBy: 365 * day},
	},
	shift: []humanize.RelTimeMagnitude{
		{D: 2 * time.Minute, Format: "1 minute%s", DivBy: 1},
		{D: 2 * time.Hour, Format: "%d minutes%s", DivBy: time.Minute},
		{D: 48 * time.Hour, Format: "%d hours%s", DivBy: time.Hour},
		{D: math.MaxInt64, Format: "%d days%s", DivBy: day},
	},
}

var locales = map[string]*Locale{
	"nl": Dutch,
	"en": English,
}

// Lookup returns the locale registered under name ("nl", "nl-NL", "en_GB", ...).
func Lookup(name string) (*Locale, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return Dutch, nil
	}
	if i := strings.IndexAny(key, "-_"); i > 0 {
		key = key[:i]
	}
	l, ok := locales[key]
	if !ok {
		return nil, fmt.Errorf("unsupported locale %q", name)
	}
	return l, nil
}

// WeekdayName returns the lower-case weekday name of t.
func (l *Locale) WeekdayName(t time.Time) string {
	return l.Weekdays[t.Weekday()]
}

// DayAndMonth formats t as "18 augustus".
func (l *Locale) DayAndMonth(t time.Time) string {
	return fmt.Sprintf("%d %s", t.Day(), l.Months[t.Month()-1])
}

// Label formats a window the way the calendar integration expects it:
// "zaterdag 18 augustus (16:00 - 18:00)".
func (l *Locale) Label(from, to time.Time) string {
	return fmt.Sprintf("%s %s (%s - %s)", l.WeekdayName(from), l.DayAndMonth(from), Clock(from), Clock(to))
}

// HumanLabel phrases a window relative to now: "morgen tussen 16:00 en 18:00".
func (l *Locale) HumanLabel(from, to, now time.Time) string {
	var when string
	switch calendarDays(now, from) {
	case 0:
		when = l.Today
	case 1:
		when = l.Tomorrow
	default:
		when = l.WeekdayName(from) + " " + l.DayAndMonth(from)
	}
	return fmt.Sprintf(l.Between, when, Clock(from), Clock(to))
}

// Relative phrases t relative to now: "over 2 dagen" or "3 uur geleden".
func (l *Locale) Relative(t, now time.Time) string {
	if t.Before(now) {
		return fmt.Sprintf(l.Past, l.span(now.Sub(t), l.relative))
	}
	return fmt.Sprintf(l.Future, l.span(t.Sub(now), l.relative))
}

// Shift phrases a signed change of a time window: "15 minuten later".
func (l *Locale) Shift(d time.Duration) string {
	switch {
	case d == 0:
		return l.Unchanged
	case d < 0:
		return fmt.Sprintf(l.Earlier, l.span(-d, l.shift))
	default:
		return fmt.Sprintf(l.Later, l.span(d, l.shift))
	}
}

// span renders a non-negative duration without direction. The magnitude
// formats end in an empty %s that swallows humanize's direction label.
// The duration is rounded to the unit of its magnitude first, so 47 hours
// reads as 2 days rather than 1.
func (l *Locale) span(d time.Duration, mags []humanize.RelTimeMagnitude) string {
	i := sort.Search(len(mags), func(i int) bool { return mags[i].D > d })
	if i < len(mags) && mags[i].DivBy > 1 {
		d = d.Round(mags[i].DivBy)
	}
	base := time.Unix(0, 0)
	return humanize.CustomRelTime(base, base.Add(d), "", "", mags)
}

// Clock formats the wall clock of t as H:mm.
func Clock(t time.Time) string {
	return fmt.Sprintf("%d:%02d", t.Hour(), t.Minute())
}

func calendarDays(from, to time.Time) int {
	y1, m1, d1 := from.Date()
	y2, m2, d2 := to.In(from.Location()).Date()
	a := time.Date(y1, m1, d1, 0, 0, 0, 0, time.UTC)
	b := time.Date(y2, m2, d2, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a) / day)
}
