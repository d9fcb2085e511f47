// Package parser turns the scraped order overview strings into a delivery record.
package parser

import (
	"log/slog"
	"strings"
	"time"

	"bezorgmoment/chrono"
	"bezorgmoment/diff"
	"bezorgmoment/pkg/delivery"
)

// RedactedAddress replaces the real address in debug output.
const RedactedAddress = "My street 1234, City"

// Parser converts raw scrapes into records. It is deterministic for a fixed now.
type Parser struct {
	Locale   *chrono.Locale
	Location *time.Location
	Rules    []Rule
	Redact   bool // replace the address with RedactedAddress
	Logger   *slog.Logger
}

// New creates a parser with the default rules.
func New(locale *chrono.Locale, loc *time.Location, logger *slog.Logger) *Parser {
	return &Parser{
		Locale:   locale,
		Location: loc,
		Rules:    DefaultRules,
		Logger:   logger,
	}
}

// Parse builds a record from the scrape. A summary that does not match leaves
// every date and time field nil; that is not an error. When previous is
// non-nil and refers to the same order, the comparison fields are filled in.
func (p *Parser) Parse(in delivery.RawScrape, previous *delivery.Record, now time.Time) *delivery.Record {
	acc := Extract(p.Rules, in.SummaryText, in.DetailsText)

	rec := &delivery.Record{
		OrderURL:    in.OrderURL,
		OrderNumber: in.OrderNumber(),
		Timestamp:   now,
		Source: delivery.Source{
			DeliveryDetails: in.SummaryText,
			ChangeDetails:   in.DetailsText,
		},
	}

	rec.Strings.Date, _ = acc.Get(FieldDate)
	rec.Strings.From, _ = acc.Get(FieldFrom)
	rec.Strings.To, _ = acc.Get(FieldTo)
	rec.Strings.ChangeUntil, _ = acc.Get(FieldChangeUntil)
	_, rec.Delivered = acc.Get(FieldDelivered)

	if addr, ok := acc.Get(FieldAddress); ok {
		if p.Redact {
			rec.Source.DeliveryDetails = strings.Replace(rec.Source.DeliveryDetails, addr, RedactedAddress, 1)
			addr = RedactedAddress
		}
		rec.Address = &addr
	}

	p.logger().Debug("Extraction rules applied",
		"matched", acc.Matched(),
		"date", rec.Strings.Date,
		"from", rec.Strings.From,
		"to", rec.Strings.To,
		"change_until", rec.Strings.ChangeUntil,
		"delivered", rec.Delivered)

	p.window(rec, now)
	p.changeDeadline(rec, now)

	if previous != nil {
		if previous.OrderURL == rec.OrderURL {
			rec.Comparison = diff.Compare(rec, previous, p.Locale, now)
		} else {
			p.logger().Info("Previous record belongs to another order, not comparing",
				"previous_order", previous.OrderNumber,
				"order", rec.OrderNumber)
		}
	}

	return rec
}

// window parses both instants from the same date token and derives the display fields.
// If either instant fails to parse, both stay nil.
func (p *Parser) window(rec *delivery.Record, now time.Time) {
	s := rec.Strings
	if s.Date == "" || s.From == "" || s.To == "" {
		return
	}
	from, err := p.Locale.ParseDateTime(s.Date, s.From, p.Location)
	if err != nil {
		p.logger().Warn("Failed to parse window start", "date", s.Date, "from", s.From, "error", err)
		return
	}
	to, err := p.Locale.ParseDateTime(s.Date, s.To, p.Location)
	if err != nil {
		p.logger().Warn("Failed to parse window end", "date", s.Date, "to", s.To, "error", err)
		return
	}
	if !to.After(from) {
		// "23:00 - 0:30" ends on the next day.
		to = to.AddDate(0, 0, 1)
	}

	rec.InstantFrom = &from
	rec.InstantTo = &to
	rec.MinutesBetweenFromTo = delivery.Ptr(int(to.Sub(from) / time.Minute))

	rec.Label = delivery.Ptr(p.Locale.Label(from, to))
	rec.HumanLabel = delivery.Ptr(p.Locale.HumanLabel(from, to, now))
	rec.HumanUntilDelivery = delivery.Ptr(p.Locale.Relative(from, now))
	rec.DateYMD = delivery.Ptr(from.Format(time.DateOnly))
	rec.TimeFrom = delivery.Ptr(chrono.Clock(from))
	rec.TimeTo = delivery.Ptr(chrono.Clock(to))
	rec.WeekdayName = delivery.Ptr(p.Locale.WeekdayName(from))
	rec.DayAndMonthLabel = delivery.Ptr(p.Locale.DayAndMonth(from))
}

func (p *Parser) changeDeadline(rec *delivery.Record, now time.Time) {
	if rec.Strings.ChangeUntil == "" {
		return
	}
	until, err := p.Locale.ParseDate(rec.Strings.ChangeUntil, p.Location)
	if err != nil {
		p.logger().Warn("Failed to parse change deadline", "change_until", rec.Strings.ChangeUntil, "error", err)
		return
	}
	rec.InstantChangeUntil = &until
	rec.HumanChangeUntil = delivery.Ptr(p.Locale.Relative(until, now))
}

func (p *Parser) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}
