package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"bezorgmoment/pagestate"
)

// Page is a single browser tab.
type Page struct {
	page       *rod.Page
	navigation time.Duration
	router     *rod.HijackRouter
	logger     *slog.Logger
}

// Navigate loads url and waits for the load event, bounded by the
// session's navigation timeout.
func (p *Page) Navigate(ctx context.Context, url string) error {
	pg := p.page.Context(ctx).Timeout(p.navigation)
	defer pg.CancelTimeout()

	start := time.Now()
	if err := pg.Navigate(url); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	if err := pg.WaitLoad(); err != nil {
		return fmt.Errorf("wait for %s to load: %w", url, err)
	}
	p.logger.Debug("Page loaded", "url", url, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// HTML returns the serialized DOM.
func (p *Page) HTML(ctx context.Context) (string, error) {
	return p.page.Context(ctx).HTML()
}

// WaitAny blocks until one of markers is present or timeout elapses.
// A timeout is reported as false with a nil error; it is not a fault.
func (p *Page) WaitAny(ctx context.Context, markers []pagestate.Marker, timeout time.Duration) (bool, error) {
	if len(markers) == 0 {
		return false, nil
	}

	pg := p.page.Context(ctx).Timeout(timeout)
	defer pg.CancelTimeout()

	race := pg.Race()
	for _, m := range markers {
		if m.Selector == "" {
			continue
		}
		if m.Text == "" {
			race = race.Element(m.Selector)
		} else {
			race = race.ElementR(m.Selector, m.JSRegex())
		}
	}

	if _, err := race.Do(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Input types text into the first element matching selector.
func (p *Page) Input(ctx context.Context, selector, text string) error {
	return p.withElement(ctx, selector, func(el *rod.Element) error {
		if err := el.Input(text); err != nil {
			return fmt.Errorf("type into %s: %w", selector, err)
		}
		return nil
	})
}

// Click clicks the first element matching selector.
func (p *Page) Click(ctx context.Context, selector string) error {
	return p.withElement(ctx, selector, func(el *rod.Element) error {
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return fmt.Errorf("click %s: %w", selector, err)
		}
		return nil
	})
}

func (p *Page) withElement(ctx context.Context, selector string, fn func(*rod.Element) error) error {
	pg := p.page.Context(ctx).Timeout(p.navigation)
	defer pg.CancelTimeout()

	el, err := pg.Element(selector)
	if err != nil {
		return fmt.Errorf("find %s: %w", selector, err)
	}
	return fn(el)
}

// Screenshot captures the full page as PNG.
func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	data, err := p.page.Context(ctx).Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return data, nil
}

// blockHeavyResources fails requests for images, fonts and media.
func (p *Page) blockHeavyResources() error {
	router := p.page.HijackRequests()
	block := func(h *rod.Hijack) {
		h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
	}
	for _, t := range []proto.NetworkResourceType{
		proto.NetworkResourceTypeImage,
		proto.NetworkResourceTypeFont,
		proto.NetworkResourceTypeMedia,
	} {
		if err := router.Add("*", t, block); err != nil {
			return fmt.Errorf("block %s requests: %w", t, err)
		}
	}
	go router.Run()
	p.router = router
	return nil
}

// Close stops request interception and closes the tab.
func (p *Page) Close() error {
	if p.router != nil {
		if err := p.router.Stop(); err != nil {
			p.logger.Debug("Failed to stop request router", "error", err)
		}
	}
	return p.page.Close()
}
