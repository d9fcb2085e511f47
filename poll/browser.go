package poll

import (
	"context"
	"log/slog"
	"time"

	"bezorgmoment/browser"
	"bezorgmoment/scraper"
	"bezorgmoment/storage"
)

// RodLauncher opens Chrome sessions through the browser package. The debug
// flag shows the window and the daemon flag keeps the browser alive.
type RodLauncher struct {
	Bin        string
	RemoteURL  string
	UserAgent  string
	Navigation time.Duration
	Handles    *storage.HandleFile
	Logger     *slog.Logger
}

// Open implements Launcher.
func (l *RodLauncher) Open(ctx context.Context, flags Flags) (Session, error) {
	opts := browser.Options{
		Bin:        l.Bin,
		RemoteURL:  l.RemoteURL,
		LongLived:  flags.Daemon,
		Headful:    flags.Debug,
		Faster:     flags.Faster,
		UserAgent:  l.UserAgent,
		Navigation: l.Navigation,
	}
	var handles browser.HandleStore
	if l.Handles != nil {
		handles = l.Handles
	}
	s, err := browser.Open(ctx, opts, handles, l.Logger)
	if err != nil {
		return nil, err
	}
	return rodSession{s}, nil
}

type rodSession struct {
	*browser.Session
}

func (s rodSession) NewPage(ctx context.Context) (scraper.Page, error) {
	p, err := s.Session.NewPage(ctx)
	if err != nil {
		return nil, err
	}
	return p, nil
}
