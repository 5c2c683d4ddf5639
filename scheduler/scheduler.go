// Package scheduler runs the periodic reminder, expiry and overdue-review sweeps.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"procastinot-backend/clock"
	"procastinot-backend/core/challenge"
	"procastinot-backend/core/notification"
	"procastinot-backend/metrics"
	"procastinot-backend/services"
)

// Sweep names, used in logs, metrics and lock keys.
const (
	SweepReminder = "reminder"
	SweepExpiry   = "expiry"
	SweepOverdue  = "overdue_review"
)

// Record results.
const (
	resultSucceeded = "succeeded"
	resultFailed    = "failed"
	resultSkipped   = "skipped"
)

// Config holds sweep cadences and limits.
type Config struct {
	ReminderInterval time.Duration
	ExpiryInterval   time.Duration
	OverdueInterval  time.Duration
	// ReminderWindow is how far ahead of a deadline the proof reminder goes out.
	ReminderWindow time.Duration
	// Workers bounds concurrent records per sweep.
	Workers int
	LockTTL time.Duration
}

// DefaultConfig returns hourly reminders, daily expiry and half-hourly overdue alerts.
func DefaultConfig() Config {
	return Config{
		ReminderInterval: time.Hour,
		ExpiryInterval:   24 * time.Hour,
		OverdueInterval:  30 * time.Minute,
		ReminderWindow:   24 * time.Hour,
		Workers:          4,
		LockTTL:          5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ReminderInterval <= 0 {
		c.ReminderInterval = d.ReminderInterval
	}
	if c.ExpiryInterval <= 0 {
		c.ExpiryInterval = d.ExpiryInterval
	}
	if c.OverdueInterval <= 0 {
		c.OverdueInterval = d.OverdueInterval
	}
	if c.ReminderWindow <= 0 {
		c.ReminderWindow = d.ReminderWindow
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	return c
}

// Deps are the collaborators a Scheduler drives.
type Deps struct {
	Lifecycle *services.Lifecycle
	// Notifier delivers reminders and alerts inline; the dispatcher in production.
	Notifier services.Handler
	Clock    clock.Clock
	Locker   RecordLocker
	Log      logrus.FieldLogger
	Metrics  *metrics.Metrics
}

// SweepReport summarises one sweep run.
type SweepReport struct {
	Matched   int `json:"matched"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

func (r *SweepReport) add(result string) {
	switch result {
	case resultSucceeded:
		r.Succeeded++
	case resultSkipped:
		r.Skipped++
	default:
		r.Failed++
	}
}

// Scheduler owns its running state; independent instances never share anything.
type Scheduler struct {
	cfg       Config
	lifecycle *services.Lifecycle
	notifier  services.Handler
	clock     clock.Clock
	locker    RecordLocker
	log       logrus.FieldLogger
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	mu        sync.Mutex
	isRunning bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New builds a stopped scheduler.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if deps.Lifecycle == nil {
		return nil, errors.New("scheduler requires a lifecycle")
	}
	if deps.Notifier == nil {
		return nil, errors.New("scheduler requires a notifier")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Locker == nil {
		deps.Locker = NewLocalLocker()
	}
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}
	return &Scheduler{
		cfg:       cfg.withDefaults(),
		lifecycle: deps.Lifecycle,
		notifier:  deps.Notifier,
		clock:     deps.Clock,
		locker:    deps.Locker,
		log:       deps.Log.WithField("component", "scheduler"),
		metrics:   deps.Metrics,
		tracer:    otel.Tracer("procastinot/scheduler"),
	}, nil
}

// Start launches one goroutine per sweep. Each sweep runs once immediately, then on its own ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return fmt.Errorf("scheduler is already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.isRunning = true

	loops := []struct {
		name     string
		interval time.Duration
		run      func(context.Context) (SweepReport, error)
	}{
		{SweepReminder, s.cfg.ReminderInterval, s.RunReminderSweep},
		{SweepExpiry, s.cfg.ExpiryInterval, s.RunExpirySweep},
		{SweepOverdue, s.cfg.OverdueInterval, s.RunOverdueSweep},
	}
	for _, l := range loops {
		ticker := s.clock.NewTicker(l.interval)
		s.wg.Add(1)
		go s.loop(ctx, l.name, ticker, l.run)
	}
	s.log.WithFields(logrus.Fields{
		"reminder_interval": s.cfg.ReminderInterval,
		"expiry_interval":   s.cfg.ExpiryInterval,
		"overdue_interval":  s.cfg.OverdueInterval,
		"workers":           s.cfg.Workers,
	}).Info("scheduler started")
	return nil
}

// Stop halts the tickers and waits for in-flight records to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is not running")
	}
	s.isRunning = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("scheduler stopped")
	return nil
}

// IsRunning reports whether Start has been called without a matching Stop.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

func (s *Scheduler) loop(ctx context.Context, name string, ticker clock.Ticker, run func(context.Context) (SweepReport, error)) {
	defer s.wg.Done()
	defer ticker.Stop()
	tick := func() {
		if _, err := run(ctx); err != nil && ctx.Err() == nil {
			s.log.WithError(err).WithField("sweep", name).Error("sweep failed")
		}
	}
	if ctx.Err() == nil {
		tick()
	}
	for {
		select {
		case <-ticker.C():
			tick()
		case <-ctx.Done():
			return
		}
	}
}

// RunReminderSweep sends the proof reminder for challenges nearing their deadline.
func (s *Scheduler) RunReminderSweep(ctx context.Context) (SweepReport, error) {
	return s.sweep(ctx, SweepReminder,
		func(ctx context.Context, now time.Time) ([]challenge.Challenge, error) {
			return s.lifecycle.DueForReminder(ctx, now, s.cfg.ReminderWindow)
		},
		func(ctx context.Context, c challenge.Challenge) string {
			return s.remind(ctx, SweepReminder, notification.KindProofReminder, c.Creator.Email, c, c.DeadlineAt.Add(-s.cfg.ReminderWindow))
		})
}

// RunExpirySweep fails active challenges whose deadline passed without proof.
func (s *Scheduler) RunExpirySweep(ctx context.Context) (SweepReport, error) {
	return s.sweep(ctx, SweepExpiry, s.lifecycle.Expired,
		func(ctx context.Context, c challenge.Challenge) string {
			// reward-available is dispatched inline so its outcome decides the record result.
			var outcome notification.Outcome
			expiring := s.lifecycle.WithEmitter(services.EmitterFunc(func(ctx context.Context, ev notification.Event) {
				outcome = s.notifier.HandleEvent(ctx, ev)
			}))
			if _, err := expiring.MarkExpired(ctx, c.ID); err != nil {
				s.log.WithError(err).WithFields(logrus.Fields{"sweep": SweepExpiry, "challenge_id": c.ID}).Error("failed to expire challenge")
				return resultFailed
			}
			switch outcome {
			case notification.OutcomeFailed:
				return resultFailed
			case notification.OutcomeSkipped:
				return resultSkipped
			default:
				return resultSucceeded
			}
		})
}

// RunOverdueSweep alerts reviewers sitting on submitted proof past the deadline.
func (s *Scheduler) RunOverdueSweep(ctx context.Context) (SweepReport, error) {
	return s.sweep(ctx, SweepOverdue, s.lifecycle.OverdueReviews,
		func(ctx context.Context, c challenge.Challenge) string {
			return s.remind(ctx, SweepOverdue, notification.KindOverdueReviewAlert, c.Reviewer.Email, c, c.DeadlineAt)
		})
}

func (s *Scheduler) remind(ctx context.Context, sweep string, kind notification.Kind, recipient string, c challenge.Challenge, scheduledFor time.Time) string {
	outcome := s.notifier.HandleEvent(ctx, notification.Event{Kind: kind, Recipient: recipient, Challenge: c})
	row := notification.ReminderFor(c.ID, kind, scheduledFor, outcome, challenge.Truncate(s.clock.Now()))
	if err := s.lifecycle.RecordReminder(ctx, row); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"sweep": sweep, "challenge_id": c.ID}).Error("failed to record reminder")
		return resultFailed
	}
	switch outcome {
	case notification.OutcomeSent:
		return resultSucceeded
	case notification.OutcomeSkipped:
		return resultSkipped
	default:
		return resultFailed
	}
}

type lister func(ctx context.Context, now time.Time) ([]challenge.Challenge, error)

func (s *Scheduler) sweep(ctx context.Context, name string, list lister, each func(context.Context, challenge.Challenge) string) (SweepReport, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.sweep", trace.WithAttributes(attribute.String("sweep", name)))
	defer span.End()
	start := time.Now()
	log := s.log.WithField("sweep", name)

	var report SweepReport
	matched, err := list(ctx, s.clock.Now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return report, fmt.Errorf("%s sweep query failed: %w", name, err)
	}
	report.Matched = len(matched)
	log.WithField("matched", report.Matched).Info("sweep started")

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Workers)
	for _, c := range matched {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// ctx may be cancelled while g.Go waits for a free worker.
			if ctx.Err() != nil {
				return nil
			}
			result := s.process(ctx, name, c, each)
			mu.Lock()
			report.add(result)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	s.metrics.SweepRun(name, time.Since(start))
	span.SetAttributes(
		attribute.Int("matched", report.Matched),
		attribute.Int("succeeded", report.Succeeded),
		attribute.Int("failed", report.Failed),
		attribute.Int("skipped", report.Skipped),
	)
	log.WithFields(logrus.Fields{
		"matched":   report.Matched,
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
		"skipped":   report.Skipped,
		"took":      time.Since(start),
	}).Info("sweep finished")
	return report, nil
}

// process handles one record under its lock. Cancellation of ctx does not interrupt it.
func (s *Scheduler) process(ctx context.Context, sweep string, c challenge.Challenge, each func(context.Context, challenge.Challenge) string) (result string) {
	ctx = context.WithoutCancel(ctx)
	log := s.log.WithFields(logrus.Fields{"sweep": sweep, "challenge_id": c.ID})
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("record processing panicked")
			result = resultFailed
		}
		s.metrics.SweepRecord(sweep, result)
		log.WithField("outcome", result).Debug("record processed")
	}()

	unlock, ok, err := s.locker.TryLock(ctx, "challenge:"+c.ID, s.cfg.LockTTL)
	if err != nil {
		log.WithError(err).Error("failed to take record lock")
		return resultFailed
	}
	if !ok {
		log.Debug("record locked elsewhere, skipping")
		return resultSkipped
	}
	defer func() {
		if err := unlock(ctx); err != nil {
			log.WithError(err).Warn("failed to release record lock")
		}
	}()
	return each(ctx, c)
}
