package scraper

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"bezorgmoment/pkg/delivery"
)

// Selectors locate the form fields and order texts on the site.
type Selectors struct {
	CookieAccept string
	Username     string
	Password     string
	Submit       string
	LoginError   string

	// PendingHeading with PendingText marks the "orders to be delivered" section.
	PendingHeading string
	PendingText    string

	// Order matches one order on the overview. Summary, Details and
	// OrderLink are looked up inside it.
	Order     string
	Summary   string
	Details   string
	OrderLink string
}

// DefaultSelectors match www.ah.nl.
var DefaultSelectors = Selectors{
	CookieAccept:   `button[data-testhook="accept-cookies"], #accept-cookies`,
	Username:       "#username",
	Password:       "#password",
	Submit:         ".login-form button",
	LoginError:     ".login-form__error",
	PendingHeading: "h3",
	PendingText:    "Nog te leveren bestellingen",
	Order:          "article",
	Summary:        "a h2",
	Details:        "a p",
	OrderLink:      `div a[href*="/producten/eerder-gekocht/bestellingen"]`,
}

// HasPending reports whether the page lists orders still to be delivered.
func (s Selectors) HasPending(doc *goquery.Document) bool {
	want := strings.ToLower(s.PendingText)
	return doc.Find(s.PendingHeading).FilterFunction(func(_ int, sel *goquery.Selection) bool {
		return strings.Contains(strings.ToLower(collapse(sel.Text())), want)
	}).Length() > 0
}

// firstOrder returns the first order with a summary. Pending orders are
// listed above past ones, so later orders never leak into the result.
func (s Selectors) firstOrder(doc *goquery.Document) *goquery.Selection {
	return doc.Find(s.Order).FilterFunction(func(_ int, sel *goquery.Selection) bool {
		return collapse(sel.Find(s.Summary).First().Text()) != ""
	}).First()
}

// Extract reads the first pending order. Relative order links are resolved
// against base. Missing texts are left empty for the parser to degrade on.
func (s Selectors) Extract(doc *goquery.Document, base string) (delivery.RawScrape, error) {
	var out delivery.RawScrape
	order := s.firstOrder(doc)
	out.SummaryText = collapse(order.Find(s.Summary).First().Text())

	var details []string
	order.Find(s.Details).Each(func(_ int, sel *goquery.Selection) {
		if t := collapse(sel.Text()); t != "" {
			details = append(details, t)
		}
	})
	out.DetailsText = strings.Join(details, "\n")

	href, ok := order.Find(s.OrderLink).First().Attr("href")
	if !ok || href == "" {
		return out, nil
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return out, fmt.Errorf("parse base url: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return out, fmt.Errorf("parse order link %q: %w", href, err)
	}
	out.OrderURL = baseURL.ResolveReference(ref).String()
	return out, nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
