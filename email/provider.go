// Package email sends delivery-window change notifications via multiple providers.
package email

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"bezorgmoment/pkg/delivery"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Reason says why a notification is sent.
type Reason string

const (
	ReasonShifted   Reason = "shifted"
	ReasonNewOrder  Reason = "new-order"
	ReasonDelivered Reason = "delivered"
)

// Sender sends change notifications using a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	to       string
	title    string // subject prefix, the calendar title
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger, to, title string) *Sender {
	if title == "" {
		title = "Albert Heijn bezorgmoment"
	}
	return &Sender{
		provider: provider,
		logger:   logger,
		to:       to,
		title:    title,
	}
}

// SendChange tells the recipient about a new, moved or delivered window.
func (s *Sender) SendChange(ctx context.Context, rec *delivery.Record, reason Reason) error {
	if s.to == "" {
		return errors.New("no recipient configured")
	}
	subject := s.subject(rec, reason)
	body := formatChangeBody(rec, reason)

	s.logger.Info("Sending change notification",
		"to", s.to,
		"subject", subject,
		"reason", reason,
		"order_number", rec.OrderNumber)

	return s.provider.Send(ctx, s.to, subject, body)
}

func (s *Sender) subject(rec *delivery.Record, reason Reason) string {
	switch {
	case reason == ReasonDelivered:
		return s.title + ": bezorgd"
	case rec.Label != nil:
		return s.title + ": " + *rec.Label
	}
	return s.title
}

// sendRetry retries transient API failures the same way for every provider.
func sendRetry(ctx context.Context, logger *slog.Logger, provider string, fn func() error) error {
	return retry.Do(
		fn,
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying email send after error", "provider", provider, "attempt", n, "error", err)
		}),
	)
}
