package services

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"procastinot-backend/core/notification"
	"procastinot-backend/metrics"
)

// Emitter receives lifecycle events after the store change they describe has committed.
type Emitter interface {
	Emit(ctx context.Context, ev notification.Event)
}

// Handler consumes events; the notification dispatcher is the production handler.
type Handler interface {
	HandleEvent(ctx context.Context, ev notification.Event) notification.Outcome
}

// DropHandler is implemented by handlers that log events the queue could not accept.
type DropHandler interface {
	HandleDropped(ctx context.Context, ev notification.Event, reason error)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, ev notification.Event)

func (f EmitterFunc) Emit(ctx context.Context, ev notification.Event) { f(ctx, ev) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(context.Context, notification.Event) {})

// Direct hands each event to its handler on the caller's goroutine.
type Direct struct {
	handler Handler
}

func NewDirect(h Handler) *Direct { return &Direct{handler: h} }

func (d *Direct) Emit(ctx context.Context, ev notification.Event) {
	d.handler.HandleEvent(ctx, ev)
}

type queued struct {
	ctx context.Context
	ev  notification.Event
}

// Queue decouples event producers from delivery with a bounded channel and a fixed worker pool.
// Emit never blocks: when the buffer is full the event is dropped, counted and, if the handler
// is a DropHandler, recorded.
type Queue struct {
	handler Handler
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	events  chan queued
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

var (
	// ErrQueueClosed is returned by a second Close and is the drop reason after Close.
	ErrQueueClosed = errors.New("event queue already closed")
	// ErrQueueFull is the drop reason when the buffer has no room.
	ErrQueueFull = errors.New("event queue full")
)

// NewQueue starts workers goroutines draining a buffer of size events.
func NewQueue(h Handler, size, workers int, log logrus.FieldLogger, m *metrics.Metrics) *Queue {
	if size <= 0 {
		size = 256
	}
	if workers <= 0 {
		workers = 2
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	q := &Queue{
		handler: h,
		log:     log.WithField("component", "event_queue"),
		metrics: m,
		events:  make(chan queued, size),
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for item := range q.events {
		q.metrics.EventQueueDepth(len(q.events))
		q.handler.HandleEvent(item.ctx, item.ev)
	}
}

// Emit enqueues ev. The request context's cancellation is detached so delivery outlives the caller.
func (q *Queue) Emit(ctx context.Context, ev notification.Event) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	fields := logrus.Fields{"challenge_id": ev.Challenge.ID, "kind": ev.Kind}
	if q.closed {
		q.log.WithFields(fields).Warn("event queue closed, dropping event")
		q.drop(ctx, ev, ErrQueueClosed)
		return
	}
	select {
	case q.events <- queued{ctx: context.WithoutCancel(ctx), ev: ev}:
		q.metrics.EventQueueDepth(len(q.events))
	default:
		q.log.WithFields(fields).Warn("event queue full, dropping event")
		q.drop(ctx, ev, ErrQueueFull)
	}
}

func (q *Queue) drop(ctx context.Context, ev notification.Event, reason error) {
	q.metrics.EventDropped()
	if dh, ok := q.handler.(DropHandler); ok {
		dh.HandleDropped(context.WithoutCancel(ctx), ev, reason)
	}
}

// Close stops accepting events and waits for queued ones to drain or ctx to end.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.closed = true
	close(q.events)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
