// Package browser drives a Chrome session over the DevTools protocol.
//
// A session is either attached to a browser left running by an earlier
// invocation, or launched fresh. In long-lived mode the launched browser
// outlives the process and its DevTools URL is persisted so the next
// invocation can reattach and skip the login.
package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// AttachOutcome tells how a session came to be.
type AttachOutcome int

const (
	// Attached means an existing browser was reused.
	Attached AttachOutcome = iota
	// Launched means no handle was stored and a new browser was started.
	Launched
	// LaunchedAfterStaleHandle means the stored handle no longer worked,
	// was cleaned up, and a new browser was started.
	LaunchedAfterStaleHandle
)

func (o AttachOutcome) String() string {
	switch o {
	case Attached:
		return "attached"
	case Launched:
		return "launched"
	case LaunchedAfterStaleHandle:
		return "launched-after-stale-handle"
	}
	return fmt.Sprintf("AttachOutcome(%d)", int(o))
}

// HandleStore persists the DevTools URL of a long-lived browser.
// Load returns "" when nothing is stored.
type HandleStore interface {
	Load() (string, error)
	Save(handle string) error
	Remove() error
}

// Options configure how a browser is found or started.
type Options struct {
	Bin        string // local Chrome binary, looked up when empty
	RemoteURL  string // DevTools endpoint of a browser running elsewhere
	LongLived  bool   // keep the browser running after Close and persist its handle
	Headful    bool   // show the window, for debugging
	Faster     bool   // block images, fonts and media
	UserAgent  string
	Navigation time.Duration // per-navigation bound
}

// DefaultNavigationTimeout bounds a single navigation when Options leave it unset.
const DefaultNavigationTimeout = 30 * time.Second

// Session owns the connection to one browser.
type Session struct {
	Outcome AttachOutcome
	Handle  string

	opts     Options
	logger   *slog.Logger
	browser  *rod.Browser
	launcher *launcher.Launcher
	owned    bool

	mu    sync.Mutex
	pages []*Page
}

// Open attaches to the stored session or launches a new browser.
// handles may be nil, in which case nothing is reused or persisted.
func Open(ctx context.Context, opts Options, handles HandleStore, logger *slog.Logger) (*Session, error) {
	if opts.Navigation <= 0 {
		opts.Navigation = DefaultNavigationTimeout
	}
	s := &Session{opts: opts, logger: logger}

	if opts.RemoteURL != "" {
		if err := s.openRemote(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}

	stale := false
	if handles != nil {
		handle, err := handles.Load()
		if err != nil {
			logger.Warn("Failed to read browser session handle", "error", err)
		}
		if handle != "" {
			b, err := s.attach(ctx, handle)
			if err == nil {
				s.browser, s.Handle, s.Outcome = b, handle, Attached
				logger.Info("Attached to running browser", "outcome", s.Outcome)
				return s, nil
			}
			logger.Info("Stored browser session is gone", "error", err)
			stale = true
			if !opts.LongLived {
				if err := handles.Remove(); err != nil {
					logger.Warn("Failed to remove stale session handle", "error", err)
				}
			}
		}
	}

	if err := s.launch(ctx); err != nil {
		return nil, err
	}
	s.Outcome = Launched
	if stale {
		s.Outcome = LaunchedAfterStaleHandle
	}

	if opts.LongLived && handles != nil {
		if err := handles.Save(s.Handle); err != nil {
			logger.Warn("Failed to persist session handle", "error", err)
		}
	}
	logger.Info("Browser ready", "outcome", s.Outcome, "long_lived", opts.LongLived, "headful", opts.Headful)
	return s, nil
}

func (s *Session) attach(ctx context.Context, handle string) (*rod.Browser, error) {
	var b *rod.Browser
	err := retry.Do(
		func() error {
			candidate := rod.New().ControlURL(handle).Context(ctx)
			if err := candidate.Connect(); err != nil {
				return err
			}
			b = candidate
			return nil
		},
		retry.Attempts(2),
		retry.Delay(500*time.Millisecond),
		retry.Context(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("attach to %s: %w", handle, err)
	}
	return b, nil
}

func (s *Session) openRemote(ctx context.Context) error {
	s.logger.Info("Connecting to remote browser", "url", s.opts.RemoteURL)

	var wsURL string
	err := retry.Do(
		func() error {
			u, err := launcher.ResolveURL(s.opts.RemoteURL)
			if err != nil {
				return err
			}
			wsURL = u
			return nil
		},
		retry.Attempts(10),
		retry.Delay(2*time.Second),
		retry.MaxDelay(2*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("DevTools endpoint not ready, retrying", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("resolve remote browser: %w", err)
	}

	b := rod.New().ControlURL(wsURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("connect remote browser: %w", err)
	}
	s.browser, s.Handle, s.Outcome = b, wsURL, Attached
	return nil
}

func (s *Session) launch(ctx context.Context) error {
	bin := s.opts.Bin
	if bin == "" {
		if path, found := launcher.LookPath(); found {
			bin = path
		}
	}

	l := launcher.New().
		Headless(!s.opts.Headful).
		NoSandbox(true).
		Leakless(!s.opts.LongLived)
	if bin != "" {
		l = l.Bin(bin)
	}

	u, err := l.Launch()
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	b := rod.New().ControlURL(u).Context(ctx)
	if err := b.Connect(); err != nil {
		l.Kill()
		return fmt.Errorf("connect launched browser: %w", err)
	}
	s.browser, s.Handle, s.launcher = b, u, l
	s.owned = !s.opts.LongLived
	return nil
}

// NewPage opens a blank tab, with resource blocking in faster mode.
// The tab is closed by Session.Close.
func (s *Session) NewPage(ctx context.Context) (*Page, error) {
	p, err := s.newPage(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.pages = append(s.pages, p)
	s.mu.Unlock()
	return p, nil
}

func (s *Session) newPage(ctx context.Context) (*Page, error) {
	rp, err := s.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: ""})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	if s.opts.UserAgent != "" {
		if err := rp.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: s.opts.UserAgent}); err != nil {
			s.logger.Warn("Failed to set user agent", "error", err)
		}
	}

	p := &Page{page: rp, navigation: s.opts.Navigation, logger: s.logger}
	if s.opts.Faster {
		if err := p.blockHeavyResources(); err != nil {
			s.logger.Warn("Failed to enable resource blocking", "error", err)
		}
	}
	return p, nil
}

// PDF renders url as an A4 document in a separate tab.
func (s *Session) PDF(ctx context.Context, url string) ([]byte, error) {
	p, err := s.newPage(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := p.Close(); err != nil {
			s.logger.Debug("Failed to close print page", "error", err)
		}
	}()

	if err := p.Navigate(ctx, url); err != nil {
		return nil, err
	}
	if err := p.page.Context(ctx).AddStyleTag("", "body { background-color: transparent !important }"); err != nil {
		return nil, fmt.Errorf("add print style: %w", err)
	}

	width, height := 8.27, 11.69
	r, err := p.page.Context(ctx).PDF(&proto.PagePrintToPDF{
		PaperWidth:  &width,
		PaperHeight: &height,
	})
	if err != nil {
		return nil, fmt.Errorf("print pdf: %w", err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read pdf stream: %w", err)
	}
	return data, nil
}

// Close closes the pages opened by this session. The browser itself is
// only shut down when this process launched it outside long-lived mode.
func (s *Session) Close() error {
	s.mu.Lock()
	pages := s.pages
	s.pages = nil
	s.mu.Unlock()

	var errs []error
	for _, p := range pages {
		if err := p.Close(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}

	if s.owned {
		if err := s.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close browser: %w", err))
		}
		if s.launcher != nil {
			s.launcher.Cleanup()
		}
	}
	return errors.Join(errs...)
}
