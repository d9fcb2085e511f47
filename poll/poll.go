// Package poll coordinates one check of the delivery window: load the previous
// record, scrape, parse, persist and notify.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"bezorgmoment/chrono"
	"bezorgmoment/diff"
	"bezorgmoment/email"
	"bezorgmoment/parser"
	"bezorgmoment/pkg/delivery"
	"bezorgmoment/scraper"
	"bezorgmoment/storage"
)

// Flags select the optional behaviour of one check.
type Flags struct {
	PDF       bool   // print the order to PDF
	Compare   bool   // fill in the comparison with the previous record
	Cached    bool   // return the stored record without scraping when there is one
	Faster    bool   // block heavy resources while browsing
	Debug     bool   // visible browser and a redacted address
	Daemon    bool   // keep the browser running between checks
	Locale    string // "nl" when empty
	ServerURL string // prefix for output location hints
}

// Session is an open browser.
type Session interface {
	NewPage(ctx context.Context) (scraper.Page, error)
	PDF(ctx context.Context, url string) ([]byte, error)
	Close() error
}

// Launcher opens browser sessions.
type Launcher interface {
	Open(ctx context.Context, flags Flags) (Session, error)
}

// Runner drives a page to an outcome.
type Runner interface {
	Run(ctx context.Context, page scraper.Page, sfx scraper.SideEffects) (*scraper.Outcome, error)
}

// Store persists records and artifacts.
type Store interface {
	LoadRecord(ctx context.Context, name string) (*delivery.Record, error)
	SaveRecord(ctx context.Context, name string, rec *delivery.Record) error
	Put(ctx context.Context, name string, data []byte) error
	Delete(ctx context.Context, name string) error
	Path(name string) string
}

// Notifier tells someone the window changed.
type Notifier interface {
	SendChange(ctx context.Context, rec *delivery.Record, reason email.Reason) error
}

// Outputs names the persisted files. An empty name disables that output.
type Outputs struct {
	JSON          string
	Screenshot    string
	PDF           string
	CalendarTitle string
}

// Monitor runs checks. Checks are serialized: the stored record and the
// session handle are read and then rewritten by every check.
type Monitor struct {
	launcher Launcher
	runner   Runner
	store    Store
	notifier Notifier
	outputs  Outputs
	location *time.Location
	logger   *slog.Logger
	now      func() time.Time

	mu sync.Mutex
}

// New creates a new poll monitor. notifier may be nil.
func New(launcher Launcher, runner Runner, store Store, notifier Notifier, outputs Outputs, loc *time.Location, logger *slog.Logger) *Monitor {
	return &Monitor{
		launcher: launcher,
		runner:   runner,
		store:    store,
		notifier: notifier,
		outputs:  outputs,
		location: loc,
		logger:   logger,
		now:      time.Now,
	}
}

// Error kinds for failures outside the page state machine.
const (
	KindConfig  = "config"
	KindSession = "session"
	KindFault   = "fault"
)

// Check performs one check and always returns a record to emit. Failures
// produce an error record; the returned error carries the underlying cause
// for unexpected faults and is nil for expected outcomes.
func (m *Monitor) Check(ctx context.Context, flags Flags) (*delivery.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().In(m.location)
	logger := m.logger.With("run_id", uuid.NewString())
	start := time.Now()
	logger.Info("Starting delivery check",
		"compare", flags.Compare, "cached", flags.Cached, "pdf", flags.PDF,
		"faster", flags.Faster, "debug", flags.Debug, "daemon", flags.Daemon)

	locale, err := chrono.Lookup(flags.Locale)
	if err != nil {
		return delivery.Failed(KindConfig, "invalid locale", err.Error(), now), err
	}

	previous := m.loadPrevious(ctx, flags, logger)
	if flags.Cached && previous != nil {
		logger.Info("Returning cached record", "order_number", previous.OrderNumber, "recorded", previous.Timestamp)
		return previous, nil
	}

	outcome, err := m.scrape(ctx, flags, logger)
	if err != nil {
		kind := KindFault
		if errors.Is(err, errSession) {
			kind = KindSession
		}
		logger.Error("Delivery check failed", "kind", kind, "error", err)
		return delivery.Failed(kind, "unexpected failure", err.Error(), now), err
	}

	switch outcome.Kind {
	case scraper.KindNoOpenOrders:
		logger.Info("No open orders", "duration_ms", time.Since(start).Milliseconds())
		m.clearArtifacts(ctx, logger)
		return delivery.NoOrders(now), nil
	case scraper.KindExtracted:
	default:
		return delivery.Failed(string(outcome.Kind), outcome.Kind.Message(), outcome.Detail, now), nil
	}

	p := parser.New(locale, m.location, logger)
	p.Redact = flags.Debug
	var compareWith *delivery.Record
	if flags.Compare {
		compareWith = previous
	}
	rec := p.Parse(outcome.Scrape, compareWith, now)
	rec.Diagnostics = append(rec.Diagnostics, outcome.Diagnostics...)
	m.setHints(rec, outcome, flags)

	// Notify first so a failed send is stored with the record.
	m.notify(ctx, previous, rec, locale, now, logger)

	if m.outputs.JSON != "" {
		if err := m.store.SaveRecord(ctx, m.outputs.JSON, rec); err != nil {
			logger.Warn("Failed to persist record", "error", err)
			rec.Diagnostics = append(rec.Diagnostics, fmt.Sprintf("persist: %v", err))
		}
	}

	logger.Info("Delivery check completed",
		"order_number", rec.OrderNumber,
		"has_window", rec.HasWindow(),
		"delivered", rec.Delivered,
		"diagnostics", len(rec.Diagnostics),
		"duration_ms", time.Since(start).Milliseconds())
	return rec, nil
}

// loadPrevious returns the stored record, or nil when there is none usable.
func (m *Monitor) loadPrevious(ctx context.Context, flags Flags, logger *slog.Logger) *delivery.Record {
	if m.outputs.JSON == "" || !(flags.Compare || flags.Cached || m.notifier != nil) {
		return nil
	}
	rec, err := m.store.LoadRecord(ctx, m.outputs.JSON)
	if err != nil {
		if !storage.IsNotFound(err) {
			logger.Warn("Failed to load previous record", "error", err)
		}
		return nil
	}
	if rec.Error != "" || rec.NoOpenOrders {
		return nil
	}
	return rec
}

var errSession = errors.New("browser session unavailable")

func (m *Monitor) scrape(ctx context.Context, flags Flags, logger *slog.Logger) (*scraper.Outcome, error) {
	session, err := m.launcher.Open(ctx, flags)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errSession, err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("Failed to close browser session", "error", err)
		}
	}()

	page, err := session.NewPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errSession, err)
	}

	sfx := scraper.SideEffects{
		Screenshot: m.outputs.Screenshot,
		Printer:    session,
		Store:      m.store,
	}
	if flags.PDF {
		sfx.PDF = m.outputs.PDF
	}
	return m.runner.Run(ctx, page, sfx)
}

// clearArtifacts removes the screenshot and PDF of an order that is no longer open.
func (m *Monitor) clearArtifacts(ctx context.Context, logger *slog.Logger) {
	for _, name := range []string{m.outputs.Screenshot, m.outputs.PDF} {
		if name == "" {
			continue
		}
		if err := m.store.Delete(ctx, name); err != nil {
			logger.Warn("Failed to remove stale artifact", "name", name, "error", err)
		}
	}
}

func (m *Monitor) setHints(rec *delivery.Record, outcome *scraper.Outcome, flags Flags) {
	hint := func(name string) *string {
		if name == "" {
			return nil
		}
		if flags.ServerURL != "" {
			if u, err := url.JoinPath(flags.ServerURL, name); err == nil {
				return &u
			}
		}
		if p := m.store.Path(name); p != "" {
			return &p
		}
		return &name
	}
	rec.JSON = hint(m.outputs.JSON)
	rec.Screenshot = hint(outcome.Screenshot)
	rec.PDF = hint(outcome.PDF)
	if m.outputs.CalendarTitle != "" {
		rec.CalendarTitle = delivery.Ptr(m.outputs.CalendarTitle)
	}
}

// notify sends at most one notification. Failures become diagnostics.
func (m *Monitor) notify(ctx context.Context, previous, rec *delivery.Record, locale *chrono.Locale, now time.Time, logger *slog.Logger) {
	if m.notifier == nil {
		return
	}
	reason, c, ok := changeReason(previous, rec, locale, now)
	if !ok {
		logger.Debug("Nothing to notify")
		return
	}
	// The mail describes the shift even when the printed record carries no comparison.
	mail := *rec
	mail.Comparison = c
	if err := m.notifier.SendChange(ctx, &mail, reason); err != nil {
		logger.Warn("Failed to send notification", "reason", reason, "error", err)
		rec.Diagnostics = append(rec.Diagnostics, fmt.Sprintf("notify: %v", err))
	}
}

// changeReason decides whether rec is news compared to previous and returns
// the comparison to describe it with.
func changeReason(previous, rec *delivery.Record, locale *chrono.Locale, now time.Time) (email.Reason, delivery.Comparison, bool) {
	if previous == nil || previous.OrderURL != rec.OrderURL {
		return email.ReasonNewOrder, rec.Comparison, rec.HasWindow()
	}
	c := rec.Comparison
	if !c.Compared {
		c = diff.Compare(rec, previous, locale, now)
	}
	if rec.Delivered && !previous.Delivered {
		return email.ReasonDelivered, c, true
	}
	if rec.HasWindow() && diff.Changed(c) {
		return email.ReasonShifted, c, true
	}
	return "", c, false
}
