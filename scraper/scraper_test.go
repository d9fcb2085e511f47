package scraper

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"bezorgmoment/chrono"
	"bezorgmoment/pagestate"
	"bezorgmoment/parser"
	"bezorgmoment/pkg/delivery"
)

const (
	maintenancePage = `<html><head><title>Albert Heijn</title></head><body><h1>We zijn bezig met onderhoud</h1></body></html>`
	loginPage       = `<html><body><form class="login-form"><input id="username"><input id="password" type="password"><button>Inloggen</button></form></body></html>`
	loginErrorPage  = `<html><body><form class="login-form"><p class="login-form__error">
		Onjuiste  gegevens </p><input id="username"><input id="password" type="password"><button>Inloggen</button></form></body></html>`
	captchaPage   = `<html><body><div class="g-recaptcha"></div></body></html>`
	ambiguousPage = `<html><body><div class="g-recaptcha"></div><article></article></body></html>`
	cookiePage    = `<html><body><div data-testhook="cookie-popup"><button data-testhook="accept-cookies">Accepteren</button></div></body></html>`
	blankPage     = `<html><body><p>Hallo</p></body></html>`
	ordersPage    = `<html><body>
<h3>Nog te leveren bestellingen</h3>
<article>
  <a href="/producten/eerder-gekocht/bestellingen/12345">
    <h2>Zaterdag 18 aug. 2018 16:00 - 18:00, My street 1234, City</h2>
    <p>Nog te wijzigen tot
       vrijdag 17 augustus 2018, 23:59</p>
  </a>
  <div><a href="/producten/eerder-gekocht/bestellingen/12345">Bekijk bestelling</a></div>
</article>
</body></html>`
	withPastOrdersPage = `<html><body>
<h3>Nog te leveren bestellingen</h3>
<article>
  <a href="/producten/eerder-gekocht/bestellingen/12345">
    <h2>Zaterdag 18 aug. 2018 16:00 - 18:00, My street 1234, City</h2>
    <p>Nog te wijzigen tot vrijdag 17 augustus 2018, 23:59</p>
  </a>
  <div><a href="/producten/eerder-gekocht/bestellingen/12345">Bekijk bestelling</a></div>
</article>
<h3>Eerdere bestellingen</h3>
<article>
  <a href="/producten/eerder-gekocht/bestellingen/999">
    <h2>Zaterdag 11 aug. 2018</h2>
    <p>Ontvangen</p>
    <p>Gepland tussen 08:00 - 10:00</p>
  </a>
  <div><a href="/producten/eerder-gekocht/bestellingen/999">Bekijk bestelling</a></div>
</article>
</body></html>`
	deliveredOnlyPage = `<html><body>
<h3>Eerdere bestellingen</h3>
<article><a href="/producten/eerder-gekocht/bestellingen/999"><h2>Zaterdag 11 aug. 2018</h2><p>Ontvangen</p></a></article>
</body></html>`
)

// fakePage is an in-memory page whose DOM changes in response to actions.
type fakePage struct {
	html        string
	transitions map[string]string
	actions     []string
	navigations int
	navErr      error
	shot        []byte
	shotErr     error
}

func (p *fakePage) apply(action string) {
	p.actions = append(p.actions, action)
	if next, ok := p.transitions[action]; ok {
		p.html = next
	}
}

func (p *fakePage) Navigate(_ context.Context, url string) error {
	p.navigations++
	if p.navErr != nil {
		return p.navErr
	}
	p.apply("navigate")
	return nil
}

func (p *fakePage) Input(_ context.Context, selector, _ string) error {
	p.apply("input " + selector)
	return nil
}

func (p *fakePage) Click(_ context.Context, selector string) error {
	p.apply("click " + selector)
	return nil
}

func (p *fakePage) Screenshot(context.Context) ([]byte, error) { return p.shot, p.shotErr }

func (p *fakePage) HTML(context.Context) (string, error) { return p.html, nil }

func (p *fakePage) WaitAny(_ context.Context, markers []pagestate.Marker, _ time.Duration) (bool, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(p.html))
	if err != nil {
		return false, err
	}
	for _, m := range markers {
		if m.Match(doc) {
			return true, nil
		}
	}
	return false, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newOrchestrator(logger *slog.Logger) *Orchestrator {
	return New(Credentials{Username: "klant@example.com", Password: "hunter2"}, logger)
}

var submit = "click " + DefaultSelectors.Submit

func TestRunOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		page      *fakePage
		wantKind  Kind
		wantTrail []State
	}{
		{
			name:      "maintenance aborts without further navigation",
			page:      &fakePage{transitions: map[string]string{"navigate": maintenancePage}},
			wantKind:  KindMaintenance,
			wantTrail: []State{Start, Navigating, ClassifyingState, HandlingMaintenance, Failed},
		},
		{
			name:      "login then extract",
			page:      &fakePage{transitions: map[string]string{"navigate": loginPage, submit: ordersPage}},
			wantKind:  KindExtracted,
			wantTrail: []State{Start, Navigating, ClassifyingState, Authenticating, AwaitingAuthResult, Extracting, Done},
		},
		{
			name:      "no pending heading after login",
			page:      &fakePage{transitions: map[string]string{"navigate": loginPage, submit: deliveredOnlyPage}},
			wantKind:  KindNoOpenOrders,
			wantTrail: []State{Start, Navigating, ClassifyingState, Authenticating, AwaitingAuthResult, Extracting, Done},
		},
		{
			name:      "reused session skips login",
			page:      &fakePage{transitions: map[string]string{"navigate": ordersPage}},
			wantKind:  KindExtracted,
			wantTrail: []State{Start, Navigating, ClassifyingState, Extracting, Done},
		},
		{
			name:      "login error",
			page:      &fakePage{transitions: map[string]string{"navigate": loginPage, submit: loginErrorPage}},
			wantKind:  KindLoginFailed,
			wantTrail: []State{Start, Navigating, ClassifyingState, Authenticating, AwaitingAuthResult, Failed},
		},
		{
			name:      "challenge after login",
			page:      &fakePage{transitions: map[string]string{"navigate": loginPage, submit: captchaPage}},
			wantKind:  KindChallenge,
			wantTrail: []State{Start, Navigating, ClassifyingState, Authenticating, AwaitingAuthResult, Failed},
		},
		{
			name:      "challenge next to orders is ambiguous",
			page:      &fakePage{transitions: map[string]string{"navigate": loginPage, submit: ambiguousPage}},
			wantKind:  KindAmbiguous,
			wantTrail: []State{Start, Navigating, ClassifyingState, Authenticating, AwaitingAuthResult, Failed},
		},
		{
			name:      "nothing after submit is ambiguous",
			page:      &fakePage{transitions: map[string]string{"navigate": loginPage}},
			wantKind:  KindAmbiguous,
			wantTrail: []State{Start, Navigating, ClassifyingState, Authenticating, AwaitingAuthResult, Failed},
		},
		{
			name: "cookie wall dismissed once",
			page: &fakePage{transitions: map[string]string{
				"navigate": cookiePage,
				"click " + DefaultSelectors.CookieAccept: ordersPage,
			}},
			wantKind:  KindExtracted,
			wantTrail: []State{Start, Navigating, ClassifyingState, HandlingConsent, ClassifyingState, Extracting, Done},
		},
		{
			name:      "cookie wall that stays",
			page:      &fakePage{transitions: map[string]string{"navigate": cookiePage}},
			wantKind:  KindUnrecognized,
			wantTrail: []State{Start, Navigating, ClassifyingState, HandlingConsent, ClassifyingState, Failed},
		},
		{
			name:      "unknown page",
			page:      &fakePage{transitions: map[string]string{"navigate": blankPage}},
			wantKind:  KindUnrecognized,
			wantTrail: []State{Start, Navigating, ClassifyingState, Failed},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := newOrchestrator(discard()).Run(context.Background(), tt.page, SideEffects{})
			require.NoError(t, err)
			if out.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q (detail %q)", out.Kind, tt.wantKind, out.Detail)
			}
			if diff := cmp.Diff(tt.wantTrail, out.Trail); diff != "" {
				t.Errorf("Trail mismatch (-want +got):\n%s", diff)
			}
			if tt.page.navigations != 1 {
				t.Errorf("navigations = %d, want 1", tt.page.navigations)
			}
		})
	}
}

func TestRunMaintenanceTouchesNothing(t *testing.T) {
	page := &fakePage{transitions: map[string]string{"navigate": maintenancePage}}
	out, err := newOrchestrator(discard()).Run(context.Background(), page, SideEffects{Screenshot: "screenshot.png"})
	require.NoError(t, err)

	if diff := cmp.Diff([]string{"navigate"}, page.actions); diff != "" {
		t.Errorf("actions mismatch (-want +got):\n%s", diff)
	}
	if out.Screenshot != "" || len(out.Diagnostics) != 0 {
		t.Errorf("side effects ran on failure: %+v", out)
	}
	if !out.Kind.Failure() || out.Kind.Message() != "maintenance" {
		t.Errorf("Kind = %q", out.Kind)
	}
}

func TestRunExtractsScrape(t *testing.T) {
	page := &fakePage{transitions: map[string]string{"navigate": ordersPage}}
	out, err := newOrchestrator(discard()).Run(context.Background(), page, SideEffects{})
	require.NoError(t, err)

	want := delivery.RawScrape{
		SummaryText: "Zaterdag 18 aug. 2018 16:00 - 18:00, My street 1234, City",
		DetailsText: "Nog te wijzigen tot vrijdag 17 augustus 2018, 23:59",
		OrderURL:    "https://www.ah.nl/producten/eerder-gekocht/bestellingen/12345",
	}
	if diff := cmp.Diff(want, out.Scrape); diff != "" {
		t.Errorf("Scrape mismatch (-want +got):\n%s", diff)
	}
	if out.Scrape.OrderNumber() != "12345" {
		t.Errorf("OrderNumber() = %q", out.Scrape.OrderNumber())
	}
}

func TestRunLoginErrorText(t *testing.T) {
	page := &fakePage{transitions: map[string]string{"navigate": loginPage, submit: loginErrorPage}}
	out, err := newOrchestrator(discard()).Run(context.Background(), page, SideEffects{})
	require.NoError(t, err)
	if out.Detail != "Onjuiste gegevens" {
		t.Errorf("Detail = %q, want on-screen error text", out.Detail)
	}
}

func TestRunNeverLogsPassword(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	page := &fakePage{transitions: map[string]string{"navigate": loginPage, submit: ordersPage}}

	_, err := newOrchestrator(logger).Run(context.Background(), page, SideEffects{})
	require.NoError(t, err)

	if strings.Contains(buf.String(), "hunter2") {
		t.Error("password appeared in logs")
	}
	if !strings.Contains(buf.String(), "klant@example.com") {
		t.Error("username missing from login log line")
	}
}

func TestRunMissingCredentials(t *testing.T) {
	page := &fakePage{transitions: map[string]string{"navigate": loginPage}}
	_, err := New(Credentials{}, discard()).Run(context.Background(), page, SideEffects{})

	state, ok := FaultState(err)
	if !ok || state != Authenticating {
		t.Errorf("FaultState() = %v, %v; want authenticating", state, ok)
	}
}

func TestRunNavigationFault(t *testing.T) {
	boom := errors.New("net::ERR_NAME_NOT_RESOLVED")
	page := &fakePage{navErr: boom}

	out, err := newOrchestrator(discard()).Run(context.Background(), page, SideEffects{})

	var se *StateError
	if !errors.As(err, &se) {
		t.Fatalf("Run() error = %v, want *StateError", err)
	}
	if se.State != Navigating || !errors.Is(err, boom) {
		t.Errorf("StateError = %v", se)
	}
	if out.Final() != Failed {
		t.Errorf("Final() = %v, want failed", out.Final())
	}
}

type memArtifacts map[string][]byte

func (m memArtifacts) Put(_ context.Context, name string, data []byte) error {
	m[name] = data
	return nil
}

type fakePrinter struct {
	url string
	err error
}

func (p *fakePrinter) PDF(_ context.Context, url string) ([]byte, error) {
	p.url = url
	if p.err != nil {
		return nil, p.err
	}
	return []byte("%PDF-1.4"), nil
}

func TestRunSideEffects(t *testing.T) {
	t.Run("both captured", func(t *testing.T) {
		store := memArtifacts{}
		printer := &fakePrinter{}
		page := &fakePage{transitions: map[string]string{"navigate": ordersPage}, shot: []byte("png")}

		out, err := newOrchestrator(discard()).Run(context.Background(), page, SideEffects{
			Screenshot: "screenshot.png", PDF: "bestelling.pdf", Printer: printer, Store: store,
		})
		require.NoError(t, err)

		if out.Screenshot != "screenshot.png" || out.PDF != "bestelling.pdf" {
			t.Errorf("artifacts = %q, %q", out.Screenshot, out.PDF)
		}
		if string(store["screenshot.png"]) != "png" || string(store["bestelling.pdf"]) != "%PDF-1.4" {
			t.Errorf("store contents = %v", store)
		}
		if printer.url != "https://www.ah.nl/producten/eerder-gekocht/bestelling/print?orderno=12345" {
			t.Errorf("print url = %q", printer.url)
		}
		if len(out.Diagnostics) != 0 {
			t.Errorf("Diagnostics = %v", out.Diagnostics)
		}
	})

	t.Run("failures are diagnostics", func(t *testing.T) {
		page := &fakePage{transitions: map[string]string{"navigate": ordersPage}, shotErr: errors.New("target closed")}
		out, err := newOrchestrator(discard()).Run(context.Background(), page, SideEffects{
			Screenshot: "screenshot.png", PDF: "bestelling.pdf",
			Printer: &fakePrinter{err: errors.New("print failed")}, Store: memArtifacts{},
		})
		require.NoError(t, err)

		if out.Kind != KindExtracted {
			t.Errorf("Kind = %q, side-effect failure must not fail the run", out.Kind)
		}
		if len(out.Diagnostics) != 2 {
			t.Errorf("Diagnostics = %v, want screenshot and pdf entries", out.Diagnostics)
		}
		if out.Screenshot != "" || out.PDF != "" {
			t.Errorf("failed artifacts reported as written: %q, %q", out.Screenshot, out.PDF)
		}
	})
}

func TestStateString(t *testing.T) {
	if AwaitingAuthResult.String() != "awaiting-auth-result" || State(42).String() != "State(42)" {
		t.Errorf("unexpected state names")
	}
}

func TestExtractIgnoresPastOrders(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(withPastOrdersPage))
	require.NoError(t, err)
	scrape, err := DefaultSelectors.Extract(doc, DefaultURLs.Orders)
	require.NoError(t, err)

	want := delivery.RawScrape{
		SummaryText: "Zaterdag 18 aug. 2018 16:00 - 18:00, My street 1234, City",
		DetailsText: "Nog te wijzigen tot vrijdag 17 augustus 2018, 23:59",
		OrderURL:    "https://www.ah.nl/producten/eerder-gekocht/bestellingen/12345",
	}
	if diff := cmp.Diff(want, scrape); diff != "" {
		t.Errorf("Extract() mismatch (-want +got):\n%s", diff)
	}

	loc, err := time.LoadLocation("Europe/Amsterdam")
	require.NoError(t, err)
	now := time.Date(2018, time.August, 16, 10, 0, 0, 0, loc)
	rec := parser.New(chrono.Dutch, loc, nil).Parse(scrape, nil, now)
	if rec.Delivered {
		t.Error("past order marked the pending order as delivered")
	}
	require.NotNil(t, rec.InstantFrom)
	if want := time.Date(2018, time.August, 18, 16, 0, 0, 0, loc); !rec.InstantFrom.Equal(want) {
		t.Errorf("InstantFrom = %v, want %v", rec.InstantFrom, want)
	}
	if rec.OrderNumber != "12345" {
		t.Errorf("OrderNumber = %q", rec.OrderNumber)
	}
}

func TestExtractSkipsEmptyOrders(t *testing.T) {
	page := `<html><body><article></article>` + withPastOrdersPage[len("<html><body>"):]
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	require.NoError(t, err)
	scrape, err := DefaultSelectors.Extract(doc, DefaultURLs.Orders)
	require.NoError(t, err)
	if scrape.OrderNumber() != "12345" {
		t.Errorf("OrderNumber() = %q, want 12345", scrape.OrderNumber())
	}
}

// Integration test - reads a saved copy of the order overview when one is provided.
func TestExtractSavedPage(t *testing.T) {
	path := os.Getenv("AH_SAVED_ORDERS_PAGE")
	if testing.Short() || path == "" {
		t.Skip("set AH_SAVED_ORDERS_PAGE to a saved order overview")
	}
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	doc, err := goquery.NewDocumentFromReader(f)
	require.NoError(t, err)
	scrape, err := DefaultSelectors.Extract(doc, DefaultURLs.Orders)
	require.NoError(t, err)
	t.Logf("summary=%q details=%q order=%q", scrape.SummaryText, scrape.DetailsText, scrape.OrderURL)
}
