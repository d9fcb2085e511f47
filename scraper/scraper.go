// Package scraper walks the Albert Heijn order overview as an explicit state
// machine and reads the raw delivery texts from it.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"bezorgmoment/pagestate"
)

// Page is the browser tab the orchestrator drives.
type Page interface {
	pagestate.Page
	Navigate(ctx context.Context, url string) error
	Input(ctx context.Context, selector, text string) error
	Click(ctx context.Context, selector string) error
	Screenshot(ctx context.Context) ([]byte, error)
}

// Printer renders a URL to PDF, in a tab of its own.
type Printer interface {
	PDF(ctx context.Context, url string) ([]byte, error)
}

// Artifacts stores side-effect files by name.
type Artifacts interface {
	Put(ctx context.Context, name string, data []byte) error
}

// Credentials for the customer account.
type Credentials struct {
	Username string
	Password string
}

// LogValue keeps the password out of logs.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(slog.String("username", c.Username))
}

// URLs of the site.
type URLs struct {
	Orders string
	Print  string
}

// DefaultURLs point at www.ah.nl.
var DefaultURLs = URLs{
	Orders: "https://www.ah.nl/producten/eerder-gekocht/bestellingen",
	Print:  "https://www.ah.nl/producten/eerder-gekocht/bestelling/print",
}

// PrintURL returns the printable view of an order.
func (u URLs) PrintURL(orderNumber string) string {
	return u.Print + "?orderno=" + url.QueryEscape(orderNumber)
}

// Timeouts bound the waits for page state.
type Timeouts struct {
	Classify   time.Duration
	AuthResult time.Duration
}

// DefaultTimeouts are generous enough for a slow login redirect.
var DefaultTimeouts = Timeouts{
	Classify:   15 * time.Second,
	AuthResult: 20 * time.Second,
}

// SideEffects are optional captures taken after a successful extraction.
// An empty name disables the capture.
type SideEffects struct {
	Screenshot string
	PDF        string
	Printer    Printer
	Store      Artifacts
}

// Orchestrator runs the session state machine.
type Orchestrator struct {
	Classifier  *pagestate.Classifier
	Selectors   Selectors
	URLs        URLs
	Timeouts    Timeouts
	Credentials Credentials
	logger      *slog.Logger
}

// New creates an orchestrator with the www.ah.nl defaults.
func New(creds Credentials, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		Classifier:  pagestate.New(pagestate.DefaultMarkers),
		Selectors:   DefaultSelectors,
		URLs:        DefaultURLs,
		Timeouts:    DefaultTimeouts,
		Credentials: creds,
		logger:      logger,
	}
}

type run struct {
	o            *Orchestrator
	page         Page
	out          *Outcome
	consentTried bool
}

// Run drives page from the order overview to a terminal state.
//
// Expected endings (maintenance, login error, challenge, ambiguous result,
// unrecognized page, no open orders) are reported through Outcome.Kind with
// a nil error. An unexpected fault returns a *StateError naming the state it
// happened in, together with the outcome so far.
func (o *Orchestrator) Run(ctx context.Context, page Page, sfx SideEffects) (*Outcome, error) {
	r := &run{o: o, page: page, out: &Outcome{}}
	start := time.Now()

	state := Start
	for {
		r.out.Trail = append(r.out.Trail, state)
		o.logger.Debug("Entering state", "state", state)

		var next State
		var err error
		switch state {
		case Start:
			next = Navigating
		case Navigating:
			err = page.Navigate(ctx, o.URLs.Orders)
			next = ClassifyingState
		case ClassifyingState:
			next, err = r.classify(ctx)
		case HandlingMaintenance:
			next = r.fail(KindMaintenance, "site is in maintenance mode")
		case HandlingConsent:
			r.consentTried = true
			err = page.Click(ctx, o.Selectors.CookieAccept)
			next = ClassifyingState
		case Authenticating:
			err = r.authenticate(ctx)
			next = AwaitingAuthResult
		case AwaitingAuthResult:
			next, err = r.awaitAuth(ctx)
		case Extracting:
			next, err = r.extract(ctx)
		case Done:
			if r.out.Kind == KindExtracted {
				r.capture(ctx, sfx)
			}
			o.logger.Info("Session finished", "outcome", r.out.Kind, "order_number", r.out.Scrape.OrderNumber(),
				"duration_ms", time.Since(start).Milliseconds())
			return r.out, nil
		case Failed:
			o.logger.Warn("Session failed", "outcome", r.out.Kind, "detail", r.out.Detail,
				"duration_ms", time.Since(start).Milliseconds())
			return r.out, nil
		}

		if err != nil {
			r.out.Trail = append(r.out.Trail, Failed)
			return r.out, &StateError{State: state, Err: err}
		}
		state = next
	}
}

func (r *run) fail(kind Kind, detail string) State {
	r.out.Kind = kind
	r.out.Detail = detail
	return Failed
}

func (r *run) classify(ctx context.Context) (State, error) {
	o := r.o
	cls, err := o.Classifier.Await(ctx, r.page, o.Classifier.Markers.All(), pagestate.BeforeLogin, o.Timeouts.Classify)
	if err != nil {
		return Failed, err
	}
	o.logger.Info("Page classified", "state", cls.State, "matched", fmt.Sprint(cls.Matched), "timed_out", cls.TimedOut)

	switch {
	case cls.TimedOut:
		return r.fail(KindUnrecognized, fmt.Sprintf("no known page element appeared within %s", o.Timeouts.Classify)), nil
	case cls.Ambiguous:
		return r.fail(KindAmbiguous, cls.String()), nil
	}

	switch cls.State {
	case pagestate.MaintenanceMode:
		return HandlingMaintenance, nil
	case pagestate.CookieWall:
		if r.consentTried {
			return r.fail(KindUnrecognized, "cookie wall still shown after accepting"), nil
		}
		return HandlingConsent, nil
	case pagestate.LoginForm:
		return Authenticating, nil
	case pagestate.LoginError:
		return r.fail(KindLoginFailed, r.loginErrorText(ctx)), nil
	case pagestate.Captcha:
		return r.fail(KindChallenge, "interactive challenge shown"), nil
	case pagestate.OrdersPage:
		return Extracting, nil
	}
	return r.fail(KindUnrecognized, cls.String()), nil
}

func (r *run) authenticate(ctx context.Context) error {
	o := r.o
	if o.Credentials.Username == "" || o.Credentials.Password == "" {
		return errors.New("login form shown but no credentials configured")
	}
	o.logger.Info("Submitting credentials", "credentials", o.Credentials)

	if err := r.page.Input(ctx, o.Selectors.Username, o.Credentials.Username); err != nil {
		return err
	}
	if err := r.page.Input(ctx, o.Selectors.Password, o.Credentials.Password); err != nil {
		return err
	}
	return r.page.Click(ctx, o.Selectors.Submit)
}

func (r *run) awaitAuth(ctx context.Context) (State, error) {
	o := r.o
	cls, err := o.Classifier.Await(ctx, r.page, o.Classifier.Markers.AuthResult(), pagestate.AfterLogin, o.Timeouts.AuthResult)
	if err != nil {
		return Failed, err
	}
	o.logger.Info("Login result classified", "state", cls.State, "matched", fmt.Sprint(cls.Matched), "timed_out", cls.TimedOut)

	switch {
	case cls.TimedOut:
		return r.fail(KindAmbiguous, fmt.Sprintf("no login error, challenge or order overview within %s", o.Timeouts.AuthResult)), nil
	case cls.Ambiguous:
		return r.fail(KindAmbiguous, cls.String()), nil
	}

	switch cls.State {
	case pagestate.MaintenanceMode:
		return HandlingMaintenance, nil
	case pagestate.LoginError:
		return r.fail(KindLoginFailed, r.loginErrorText(ctx)), nil
	case pagestate.Captcha:
		return r.fail(KindChallenge, "interactive challenge shown after login"), nil
	case pagestate.OrdersPage:
		return Extracting, nil
	}
	return r.fail(KindAmbiguous, cls.String()), nil
}

// loginErrorText reads the on-screen error. Failing to read it is not a fault.
func (r *run) loginErrorText(ctx context.Context) string {
	doc, err := pagestate.Snapshot(ctx, r.page)
	if err != nil {
		r.o.logger.Warn("Failed to read login error text", "error", err)
		return "login error shown"
	}
	text := collapse(doc.Find(r.o.Selectors.LoginError).First().Text())
	if pw := r.o.Credentials.Password; pw != "" {
		text = strings.ReplaceAll(text, pw, "***")
	}
	if text == "" {
		return "login error shown"
	}
	return text
}

func (r *run) extract(ctx context.Context) (State, error) {
	doc, err := pagestate.Snapshot(ctx, r.page)
	if err != nil {
		return Failed, err
	}
	if !r.o.Selectors.HasPending(doc) {
		r.out.Kind = KindNoOpenOrders
		return Done, nil
	}
	scrape, err := r.o.Selectors.Extract(doc, r.o.URLs.Orders)
	if err != nil {
		return Failed, err
	}
	r.out.Kind = KindExtracted
	r.out.Scrape = scrape
	return Done, nil
}

// capture takes the optional screenshot and PDF. Failures become diagnostics.
func (r *run) capture(ctx context.Context, sfx SideEffects) {
	note := func(what string, err error) {
		r.o.logger.Warn("Side effect failed", "what", what, "error", err)
		r.out.Diagnostics = append(r.out.Diagnostics, fmt.Sprintf("%s: %v", what, err))
	}
	if (sfx.Screenshot != "" || sfx.PDF != "") && sfx.Store == nil {
		note("artifacts", errors.New("no artifact store configured"))
		return
	}

	if sfx.Screenshot != "" {
		data, err := r.page.Screenshot(ctx)
		if err == nil {
			err = sfx.Store.Put(ctx, sfx.Screenshot, data)
		}
		if err != nil {
			note("screenshot", err)
		} else {
			r.out.Screenshot = sfx.Screenshot
		}
	}

	if sfx.PDF != "" {
		if err := r.printOrder(ctx, sfx); err != nil {
			note("pdf", err)
		} else {
			r.out.PDF = sfx.PDF
		}
	}
}

func (r *run) printOrder(ctx context.Context, sfx SideEffects) error {
	number := r.out.Scrape.OrderNumber()
	if number == "" {
		return errors.New("no order number to print")
	}
	if sfx.Printer == nil {
		return errors.New("no printer configured")
	}
	data, err := sfx.Printer.PDF(ctx, r.o.URLs.PrintURL(number))
	if err != nil {
		return err
	}
	return sfx.Store.Put(ctx, sfx.PDF, data)
}
