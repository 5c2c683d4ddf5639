// Package notify renders notification templates and delivers them through a mail Transport.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"procastinot-backend/clock"
	"procastinot-backend/core/challenge"
	"procastinot-backend/core/notification"
	"procastinot-backend/metrics"
)

// Recorder appends to the notification log.
type Recorder interface {
	AppendNotification(ctx context.Context, rec notification.Record) error
}

// Config controls sender identity, links and the delivery budget.
type Config struct {
	FromName    string
	FromEmail   string
	FrontendURL string
	// Timeout bounds a single Transport.Send.
	Timeout time.Duration
	// RatePerSecond caps sends across all callers; zero disables the cap.
	RatePerSecond float64
	Burst         int
}

// DefaultTimeout is applied when Config.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// Request is one notification to deliver.
type Request struct {
	ChallengeID string
	Recipient   string
	Kind        notification.Kind
	View        View
}

// Dispatcher delivers notifications and records every attempt. It never returns an error.
type Dispatcher struct {
	cfg       Config
	templates *Templates
	transport Transport
	records   Recorder
	clock     clock.Clock
	limiter   *rate.Limiter
	log       logrus.FieldLogger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	newID     func() string
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(log logrus.FieldLogger) Option {
	return func(d *Dispatcher) { d.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher parses the templates and builds a dispatcher around transport.
func NewDispatcher(cfg Config, transport Transport, records Recorder, clk clock.Clock, opts ...Option) (*Dispatcher, error) {
	templates, err := LoadTemplates()
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.FromName == "" {
		cfg.FromName = defaultBrand
	}
	if transport == nil {
		transport = NopTransport{}
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	d := &Dispatcher{
		cfg:       cfg,
		templates: templates,
		transport: transport,
		records:   records,
		clock:     clk,
		limiter:   rate.NewLimiter(limit, burst),
		log:       logrus.StandardLogger(),
		tracer:    otel.Tracer("procastinot/notify"),
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.WithField("component", "dispatcher")
	if !transport.Configured() {
		d.log.Warn("no mail transport configured, notifications will be recorded as skipped")
	}
	return d, nil
}

// RequestFor builds the request for kind about c, addressed to recipient.
func (d *Dispatcher) RequestFor(kind notification.Kind, recipient string, c challenge.Challenge) Request {
	return Request{
		ChallengeID: c.ID,
		Recipient:   recipient,
		Kind:        kind,
		View:        NewView(c, d.clock.Now(), d.cfg.FrontendURL, d.cfg.FromName),
	}
}

// HandleEvent dispatches a lifecycle event.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev notification.Event) notification.Outcome {
	return d.Dispatch(ctx, d.RequestFor(ev.Kind, ev.Recipient, ev.Challenge))
}

// Dispatch renders and sends req, then appends exactly one notification log row.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) notification.Outcome {
	ctx, span := d.tracer.Start(ctx, "notify.Dispatch", trace.WithAttributes(
		attribute.String("challenge_id", req.ChallengeID),
		attribute.String("kind", string(req.Kind)),
	))
	defer span.End()
	start := time.Now()
	log := d.log.WithFields(logrus.Fields{
		"challenge_id": req.ChallengeID,
		"kind":         req.Kind,
		"recipient":    req.Recipient,
	})

	rec := notification.Record{
		ID:          d.newID(),
		ChallengeID: req.ChallengeID,
		Recipient:   req.Recipient,
		Kind:        req.Kind,
	}
	outcome, err := d.deliver(ctx, req, &rec)
	rec.Outcome = outcome
	rec.AttemptedAt = challenge.Truncate(d.clock.Now())
	if err != nil {
		rec.Error = err.Error()
	}
	span.SetAttributes(attribute.String("outcome", string(outcome)))

	if appendErr := d.records.AppendNotification(context.WithoutCancel(ctx), rec); appendErr != nil {
		log.WithError(appendErr).Error("failed to record notification")
	}
	d.metrics.Dispatch(string(req.Kind), string(outcome), time.Since(start))

	log = log.WithField("outcome", outcome)
	switch outcome {
	case notification.OutcomeSent:
		log.Info("notification sent")
	case notification.OutcomeSkipped:
		log.Warn("mail transport not configured, notification skipped")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, rec.Error)
		log.WithError(err).Error("notification failed")
	}
	return outcome
}

// HandleDropped appends a failed row for an event that never reached Dispatch.
func (d *Dispatcher) HandleDropped(ctx context.Context, ev notification.Event, reason error) {
	rec := notification.Record{
		ID:          d.newID(),
		ChallengeID: ev.Challenge.ID,
		Recipient:   ev.Recipient,
		Kind:        ev.Kind,
		Outcome:     notification.OutcomeFailed,
		Error:       "dropped: " + reason.Error(),
		AttemptedAt: challenge.Truncate(d.clock.Now()),
	}
	log := d.log.WithFields(logrus.Fields{"challenge_id": ev.Challenge.ID, "kind": ev.Kind, "recipient": ev.Recipient})
	if err := d.records.AppendNotification(ctx, rec); err != nil {
		log.WithError(err).Error("failed to record dropped notification")
		return
	}
	d.metrics.Dispatch(string(ev.Kind), string(notification.OutcomeFailed), 0)
	log.WithError(reason).Error("notification dropped before dispatch")
}

func (d *Dispatcher) deliver(ctx context.Context, req Request, rec *notification.Record) (notification.Outcome, error) {
	if req.Recipient == "" {
		return notification.OutcomeFailed, errors.New("notification has no recipient")
	}
	rendered, err := d.templates.Render(req.Kind, req.View)
	if err != nil {
		return notification.OutcomeFailed, err
	}
	rec.Subject = rendered.Subject
	rec.Body = rendered.HTML
	rec.Digest = notification.Digest(rendered.HTML)

	if !d.transport.Configured() {
		return notification.OutcomeSkipped, ErrNotConfigured
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return notification.OutcomeFailed, fmt.Errorf("send budget wait failed: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	msg := Message{
		From:    mail.Address{Name: d.cfg.FromName, Address: d.cfg.FromEmail},
		To:      req.Recipient,
		Subject: rendered.Subject,
		HTML:    rendered.HTML,
		Text:    rendered.Text,
	}
	// The transport may ignore ctx; the buffered channel lets an abandoned send finish on its own.
	done := make(chan error, 1)
	go func() { done <- d.transport.Send(sendCtx, msg) }()
	select {
	case err := <-done:
		if err != nil {
			return notification.OutcomeFailed, fmt.Errorf("send failed: %w", err)
		}
		return notification.OutcomeSent, nil
	case <-sendCtx.Done():
		return notification.OutcomeFailed, fmt.Errorf("send abandoned after %s: %w", d.cfg.Timeout, sendCtx.Err())
	}
}
