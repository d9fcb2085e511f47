// Package pagestate classifies the page the browser is currently showing.
package pagestate

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// State is the classified condition of the loaded page.
type State int

const (
	Unknown State = iota
	MaintenanceMode
	CookieWall
	LoginForm
	LoginError
	Captcha
	OrdersPage
)

func (s State) String() string {
	switch s {
	case MaintenanceMode:
		return "maintenance"
	case CookieWall:
		return "cookie-wall"
	case LoginForm:
		return "login-form"
	case LoginError:
		return "login-error"
	case Captcha:
		return "captcha"
	case OrdersPage:
		return "orders-page"
	}
	return "unknown"
}

// Marker identifies a page state by a CSS selector and, optionally, a
// case-insensitive pattern the element's text must match.
type Marker struct {
	Selector string
	Text     string
}

// JSRegex renders Text in the /pattern/flags form browsers understand.
func (m Marker) JSRegex() string {
	return "/" + m.Text + "/i"
}

// Match reports whether the marker is present in doc.
func (m Marker) Match(doc *goquery.Document) bool {
	sel := doc.Find(m.Selector)
	if m.Text == "" {
		return sel.Length() > 0
	}
	re, err := regexp.Compile("(?i)" + m.Text)
	if err != nil {
		return false
	}
	return sel.FilterFunction(func(_ int, s *goquery.Selection) bool {
		return re.MatchString(strings.Join(strings.Fields(s.Text()), " "))
	}).Length() > 0
}

// Markers maps each state to the elements that reveal it.
type Markers struct {
	Maintenance Marker
	CookieWall  Marker
	LoginForm   Marker
	LoginError  Marker
	Captcha     Marker
	OrdersPage  Marker
}

// DefaultMarkers match www.ah.nl.
var DefaultMarkers = Markers{
	Maintenance: Marker{Selector: "h1, h2, title", Text: "onderhoud"},
	CookieWall:  Marker{Selector: `[data-testhook="cookie-popup"], #accept-cookies, button[data-testhook="accept-cookies"]`},
	LoginForm:   Marker{Selector: `input[type="password"]`},
	LoginError:  Marker{Selector: `.login-form__error, [data-testhook="login-error"]`},
	Captcha:     Marker{Selector: `iframe[src*="captcha"], #captcha, .g-recaptcha`},
	OrdersPage:  Marker{Selector: "article"},
}

// All returns every marker, in no particular order.
func (m Markers) All() []Marker {
	return []Marker{m.Maintenance, m.CookieWall, m.LoginForm, m.LoginError, m.Captcha, m.OrdersPage}
}

// AuthResult returns the markers that can follow a credential submission.
func (m Markers) AuthResult() []Marker {
	return []Marker{m.Maintenance, m.LoginError, m.Captcha, m.OrdersPage}
}

// Phase tells the classifier whether credentials were already submitted.
// After submission the login form is still in the DOM next to its error
// message, so errors and challenges take precedence over the form.
type Phase int

const (
	BeforeLogin Phase = iota
	AfterLogin
)

// Classification is the result of inspecting a page.
type Classification struct {
	State State
	// Matched holds every state whose marker was present, in priority order.
	Matched []State
	// Ambiguous is set when a challenge coexists with the orders page.
	Ambiguous bool
	// TimedOut is set when no marker appeared within the wait bound.
	TimedOut bool
}

func (c Classification) String() string {
	switch {
	case c.TimedOut:
		return "unknown (timed out)"
	case c.Ambiguous:
		return fmt.Sprintf("%s (ambiguous: %v)", c.State, c.Matched)
	}
	return c.State.String()
}

// Has reports whether s was among the matched states.
func (c Classification) Has(s State) bool {
	for _, m := range c.Matched {
		if m == s {
			return true
		}
	}
	return false
}

// Classifier picks the single best state for a page.
type Classifier struct {
	Markers Markers
}

// New creates a classifier for the given markers.
func New(markers Markers) *Classifier {
	return &Classifier{Markers: markers}
}

func (c *Classifier) order(phase Phase) []struct {
	state  State
	marker Marker
} {
	m := c.Markers
	type entry = struct {
		state  State
		marker Marker
	}
	if phase == AfterLogin {
		return []entry{
			{MaintenanceMode, m.Maintenance},
			{CookieWall, m.CookieWall},
			{LoginError, m.LoginError},
			{Captcha, m.Captcha},
			{LoginForm, m.LoginForm},
			{OrdersPage, m.OrdersPage},
		}
	}
	return []entry{
		{MaintenanceMode, m.Maintenance},
		{CookieWall, m.CookieWall},
		{LoginForm, m.LoginForm},
		{LoginError, m.LoginError},
		{Captcha, m.Captcha},
		{OrdersPage, m.OrdersPage},
	}
}

// Classify inspects a DOM snapshot. Missing markers are normal and never an error.
func (c *Classifier) Classify(doc *goquery.Document, phase Phase) Classification {
	var out Classification
	for _, e := range c.order(phase) {
		if e.marker.Selector == "" || !e.marker.Match(doc) {
			continue
		}
		out.Matched = append(out.Matched, e.state)
	}
	if len(out.Matched) == 0 {
		out.State = Unknown
		return out
	}
	out.State = out.Matched[0]
	out.Ambiguous = out.State == Captcha && out.Has(OrdersPage)
	return out
}

// Page is the part of a browser page the classifier needs.
type Page interface {
	// HTML returns the current DOM serialized as HTML.
	HTML(ctx context.Context) (string, error)
	// WaitAny blocks until one of the markers is present or timeout elapses.
	// It returns false, nil on timeout.
	WaitAny(ctx context.Context, markers []Marker, timeout time.Duration) (bool, error)
}

// Snapshot parses the page's current DOM.
func Snapshot(ctx context.Context, page Page) (*goquery.Document, error) {
	html, err := page.HTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("read page html: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse page html: %w", err)
	}
	return doc, nil
}

// Await waits up to timeout for any of the given markers, then classifies the
// page. On timeout it returns Unknown with TimedOut set, never a guessed state.
func (c *Classifier) Await(ctx context.Context, page Page, markers []Marker, phase Phase, timeout time.Duration) (Classification, error) {
	found, err := page.WaitAny(ctx, markers, timeout)
	if err != nil {
		return Classification{}, fmt.Errorf("wait for page markers: %w", err)
	}
	if !found {
		return Classification{State: Unknown, TimedOut: true}, nil
	}
	doc, err := Snapshot(ctx, page)
	if err != nil {
		return Classification{}, err
	}
	return c.Classify(doc, phase), nil
}
