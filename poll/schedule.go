package poll

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"bezorgmoment/pkg/delivery"
)

// Scheduler triggers checks from a cron schedule. Each tick only runs a check
// once the interval derived from the last record has elapsed.
type Scheduler struct {
	monitor *Monitor
	flags   Flags
	timeout time.Duration
	logger  *slog.Logger
	cron    *cron.Cron

	mu     sync.Mutex
	ctx    context.Context
	last   *delivery.Record
	lastAt time.Time
}

// NewScheduler creates a scheduler. schedule uses the standard five-field syntax
// and is evaluated in loc.
func NewScheduler(monitor *Monitor, schedule string, flags Flags, timeout time.Duration, loc *time.Location, logger *slog.Logger) (*Scheduler, error) {
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		monitor: monitor,
		flags:   flags,
		timeout: timeout,
		logger:  logger,
		ctx:     context.Background(),
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start runs the first check immediately and then follows the schedule.
// Cancelling ctx also cancels a scheduled check in flight.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	go func() {
		s.run(ctx)
		s.cron.Start()
		<-ctx.Done()
		<-s.cron.Stop().Done()
		s.logger.Info("Scheduler stopped")
	}()
}

// Last returns the most recent record produced by the scheduler.
func (s *Scheduler) Last() *delivery.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx, last, lastAt := s.ctx, s.last, s.lastAt
	s.mu.Unlock()

	now := s.monitor.now()
	interval := Interval(last, now)
	if !lastAt.IsZero() && now.Sub(lastAt) < interval {
		s.logger.Debug("Skipping scheduled check", "next_in", interval-now.Sub(lastAt))
		return
	}
	s.run(ctx)
}

func (s *Scheduler) run(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	rec, err := s.monitor.Check(ctx, s.flags)
	if err != nil {
		s.logger.Error("Scheduled check failed", "error", err)
	}

	s.mu.Lock()
	s.last, s.lastAt = rec, s.monitor.now()
	s.mu.Unlock()
}

// Interval returns how long to wait before the next check given the last
// record. Checks get more frequent as the delivery window approaches.
func Interval(rec *delivery.Record, now time.Time) time.Duration {
	if rec == nil || rec.Error != "" {
		return 0
	}
	if rec.NoOpenOrders || rec.Delivered || !rec.HasWindow() {
		return 6 * time.Hour
	}

	until := rec.InstantFrom.Sub(now)
	switch {
	case until < 30*time.Minute:
		return 5 * time.Minute
	case until < 2*time.Hour:
		return 10 * time.Minute
	case until < 6*time.Hour:
		return 20 * time.Minute
	case until < 24*time.Hour:
		return time.Hour
	default:
		return 6 * time.Hour
	}
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
