// Package delivery contains the core domain types for the delivery-window tracker.
package delivery

import (
	"encoding/json"
	"strings"
	"time"
)

// RawScrape holds the strings captured verbatim from the order overview page.
// It only lives for the duration of a single run.
type RawScrape struct {
	SummaryText string // e.g. "Zaterdag 18 aug. 2018 16:00 - 18:00, My street 1234, City"
	DetailsText string // e.g. "Nog te wijzigen tot vrijdag, 17 augustus 2018, 23:59"
	OrderURL    string
}

// OrderNumber returns the last non-empty path segment of the order URL.
func (r RawScrape) OrderNumber() string {
	return OrderNumberFromURL(r.OrderURL)
}

// OrderNumberFromURL extracts the order number from an order URL.
func OrderNumberFromURL(orderURL string) string {
	u := orderURL
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	u = strings.TrimRight(u, "/")
	if i := strings.LastIndex(u, "/"); i >= 0 {
		return u[i+1:]
	}
	return u
}

// Strings are the raw tokens matched by the extraction rules.
// Any of them may be empty when the delivery has not reached that stage yet.
type Strings struct {
	Date        string `json:"date,omitempty"`
	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
	ChangeUntil string `json:"changeUntil,omitempty"`
}

// Source is a verbatim copy of the scraped input, kept for auditability.
type Source struct {
	DeliveryDetails string `json:"deliveryDetails"`
	ChangeDetails   string `json:"changeDetails"`
}

// Comparison holds the fields derived from diffing against the previous record.
// The fields are always serialized; Compared tells whether a diff was computed.
type Comparison struct {
	Compared                     bool       `json:"previousCompared"`
	PreviousLabel                *string    `json:"previousLabel"`
	PreviousMinutesBetweenFromTo *int       `json:"previousMinutesBetweenFromTo"`
	PreviousDeltaMinutesFrom     *int       `json:"previousDeltaMinutesFrom"`
	PreviousDeltaMinutesTo       *int       `json:"previousDeltaMinutesTo"`
	PreviousDeltaHuman           *string    `json:"previousDeltaHuman"`
	PreviousTimestamp            *time.Time `json:"previousTimestamp"`
	PreviousHumanHowLongAgo      *string    `json:"previousHumanHowLongAgo"`
}

// Record is the structured result of one run.
type Record struct {
	Label              *string `json:"label"`
	HumanLabel         *string `json:"humanLabel"`
	HumanUntilDelivery *string `json:"humanUntilDelivery"`
	HumanChangeUntil   *string `json:"humanChangeUntil"`

	DateYMD  *string `json:"dateYmd"`
	TimeFrom *string `json:"timeFrom"`
	TimeTo   *string `json:"timeTo"`

	InstantFrom          *time.Time `json:"instantFrom"`
	InstantTo            *time.Time `json:"instantTo"`
	InstantChangeUntil   *time.Time `json:"instantChangeUntil"`
	MinutesBetweenFromTo *int       `json:"minutesBetweenFromTo"`

	WeekdayName      *string `json:"weekdayName"`
	DayAndMonthLabel *string `json:"dayAndMonthLabel"`

	Address   *string `json:"address"`
	Delivered bool    `json:"delivered"`

	OrderURL    string    `json:"orderUrl"`
	OrderNumber string    `json:"orderNumber"`
	Timestamp   time.Time `json:"timestamp"`

	Source  Source  `json:"source"`
	Strings Strings `json:"strings"`

	// Output location hints, echoed from configuration.
	JSON          *string `json:"json"`
	Screenshot    *string `json:"screenshot"`
	PDF           *string `json:"pdf"`
	CalendarTitle *string `json:"calendarTitle"`

	Comparison

	Diagnostics []string `json:"diagnostics,omitempty"`

	NoOpenOrders bool   `json:"-"`
	Error        string `json:"-"`
	ErrorKind    string `json:"-"`
	ErrorDetail  string `json:"-"`
}

// Failed builds an error record. It carries no delivery fields.
func Failed(kind, message, detail string, ts time.Time) *Record {
	return &Record{Error: message, ErrorKind: kind, ErrorDetail: detail, Timestamp: ts}
}

// NoOrders builds the explicit "no open orders" result.
func NoOrders(ts time.Time) *Record {
	return &Record{NoOpenOrders: true, Timestamp: ts}
}

// HasWindow reports whether both window instants were parsed.
func (r *Record) HasWindow() bool {
	return r != nil && r.InstantFrom != nil && r.InstantTo != nil
}

type errorRecord struct {
	Error       string    `json:"error"`
	ErrorKind   string    `json:"errorKind,omitempty"`
	ErrorDetail string    `json:"errorDetail,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

type emptyRecord struct {
	NoOpenOrders bool      `json:"noOpenOrders"`
	Timestamp    time.Time `json:"timestamp"`
}

// MarshalJSON keeps error and no-open-orders records free of delivery fields.
func (r Record) MarshalJSON() ([]byte, error) {
	switch {
	case r.Error != "":
		return json.Marshal(errorRecord{
			Error:       r.Error,
			ErrorKind:   r.ErrorKind,
			ErrorDetail: r.ErrorDetail,
			Timestamp:   r.Timestamp,
		})
	case r.NoOpenOrders:
		return json.Marshal(emptyRecord{NoOpenOrders: true, Timestamp: r.Timestamp})
	}
	type plain Record
	return json.Marshal(plain(r))
}

// UnmarshalJSON restores all three record shapes.
func (r *Record) UnmarshalJSON(data []byte) error {
	var probe struct {
		errorRecord
		NoOpenOrders bool `json:"noOpenOrders"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.Error != "" {
		*r = *Failed(probe.ErrorKind, probe.Error, probe.ErrorDetail, probe.Timestamp)
		return nil
	}
	if probe.NoOpenOrders {
		*r = *NoOrders(probe.Timestamp)
		return nil
	}
	type plain Record
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = Record(p)
	return nil
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
