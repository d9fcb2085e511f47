// Package diff compares a freshly parsed delivery record with the previous one.
package diff

import (
	"math"
	"time"

	"bezorgmoment/chrono"
	"bezorgmoment/pkg/delivery"
)

// Compare computes how the window moved since previous was recorded.
// It only reads previous. Deltas are nil when either side lacks the instant.
func Compare(current, previous *delivery.Record, locale *chrono.Locale, now time.Time) delivery.Comparison {
	c := delivery.Comparison{
		Compared:                     true,
		PreviousLabel:                previous.Label,
		PreviousMinutesBetweenFromTo: previous.MinutesBetweenFromTo,
	}

	if !previous.Timestamp.IsZero() {
		ts := previous.Timestamp
		c.PreviousTimestamp = &ts
		c.PreviousHumanHowLongAgo = delivery.Ptr(locale.Relative(ts, now))
	}

	c.PreviousDeltaMinutesFrom = deltaMinutes(current.InstantFrom, previous.InstantFrom)
	c.PreviousDeltaMinutesTo = deltaMinutes(current.InstantTo, previous.InstantTo)
	if c.PreviousDeltaMinutesFrom != nil {
		c.PreviousDeltaHuman = delivery.Ptr(locale.Shift(time.Duration(*c.PreviousDeltaMinutesFrom) * time.Minute))
	}

	return c
}

// Changed reports whether the comparison shows any shift of the window.
func Changed(c delivery.Comparison) bool {
	if !c.Compared {
		return false
	}
	nonZero := func(p *int) bool { return p != nil && *p != 0 }
	return nonZero(c.PreviousDeltaMinutesFrom) || nonZero(c.PreviousDeltaMinutesTo)
}

func deltaMinutes(current, previous *time.Time) *int {
	if current == nil || previous == nil {
		return nil
	}
	d := current.Sub(*previous)
	return delivery.Ptr(int(math.Round(d.Minutes())))
}
