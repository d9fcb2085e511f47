package parser

import (
	"regexp"
	"strings"
)

// Field names a value an extraction rule may produce.
type Field int

const (
	FieldDate Field = iota
	FieldFrom
	FieldTo
	FieldAddress
	FieldChangeUntil
	FieldDelivered
)

func (f Field) String() string {
	switch f {
	case FieldDate:
		return "date"
	case FieldFrom:
		return "from"
	case FieldTo:
		return "to"
	case FieldAddress:
		return "address"
	case FieldChangeUntil:
		return "change_until"
	case FieldDelivered:
		return "delivered"
	}
	return "unknown"
}

// Input selects which scraped text a rule reads.
type Input int

const (
	Summary Input = iota
	Details
)

// Rule is one named extraction step. Capture group i+1 of Pattern feeds
// Captures[i]; every field in Flags is set to "true" when the pattern matches.
// A rule without Override never replaces a field an earlier rule already set.
type Rule struct {
	Name     string
	Input    Input
	Pattern  *regexp.Regexp
	Captures []Field
	Flags    []Field
	Override bool
}

// Fields lists every field the rule may set.
func (r Rule) Fields() []Field {
	return append(append([]Field(nil), r.Captures...), r.Flags...)
}

// DefaultRules match the Albert Heijn order overview, in lifecycle order.
// The scheduled window is only shown on the day of delivery and is more
// precise than the window in the summary, so it may override it.
var DefaultRules = []Rule{
	{
		// "Zaterdag 18 aug. 2018 16:00 - 18:00, My street 1234, City"
		Name:     "summary-window",
		Input:    Summary,
		Pattern:  regexp.MustCompile(`(.*20\d\d).(\d{1,2}:\d{2}) - (\d{1,2}:\d{2}), (.*)`),
		Captures: []Field{FieldDate, FieldFrom, FieldTo, FieldAddress},
	},
	{
		// "Nog te wijzigen tot vrijdag, 17 augustus 2018, 23:59"
		Name:     "change-deadline",
		Input:    Details,
		Pattern:  regexp.MustCompile(`(?i)nog te wijzigen tot (?:\pL+,? )?(\d{1,2} \pL+\.? 20\d\d,? \d{1,2}:\d{2})`),
		Captures: []Field{FieldChangeUntil},
	},
	{
		// "Je bezorging staat gepland tussen 16:15 en 16:45."
		Name:     "scheduled-window",
		Input:    Details,
		Pattern:  regexp.MustCompile(`(?i)gepland tussen (\d{1,2}:\d{2}) en (\d{1,2}:\d{2})`),
		Captures: []Field{FieldFrom, FieldTo},
		Override: true,
	},
	{
		Name:    "delivered",
		Input:   Details,
		Pattern: regexp.MustCompile(`(?i)\bontvangen\b`),
		Flags:   []Field{FieldDelivered},
	},
}

// Accumulator carries the values produced so far through the rule fold.
type Accumulator struct {
	values  map[Field]string
	matched []string
}

// Get returns the value of f, if set.
func (a Accumulator) Get(f Field) (string, bool) {
	v, ok := a.values[f]
	return v, ok
}

// Matched lists the names of the rules that matched, in order.
func (a Accumulator) Matched() []string {
	return a.matched
}

// with returns a copy of a with f set to v.
func (a Accumulator) with(f Field, v string) Accumulator {
	values := make(map[Field]string, len(a.values)+1)
	for k, old := range a.values {
		values[k] = old
	}
	values[f] = v
	a.values = values
	return a
}

// apply runs one rule against the texts and returns the next accumulator.
func (r Rule) apply(acc Accumulator, summary, details string) Accumulator {
	text := summary
	if r.Input == Details {
		text = details
	}
	m := r.Pattern.FindStringSubmatch(text)
	if m == nil {
		return acc
	}

	for i, f := range r.Captures {
		if i+1 >= len(m) {
			break
		}
		v := strings.TrimSpace(m[i+1])
		if v == "" {
			continue
		}
		if _, set := acc.Get(f); set && !r.Override {
			continue
		}
		acc = acc.with(f, v)
	}
	for _, f := range r.Flags {
		acc = acc.with(f, "true")
	}
	acc.matched = append(append([]string(nil), acc.matched...), r.Name)
	return acc
}

// Extract folds rules over the normalized texts.
func Extract(rules []Rule, summary, details string) Accumulator {
	summary, details = normalize(summary), normalize(details)
	var acc Accumulator
	for _, r := range rules {
		acc = r.apply(acc, summary, details)
	}
	return acc
}

// normalize collapses line breaks and runs of whitespace to single spaces.
func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
