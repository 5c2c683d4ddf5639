package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"procastinot-backend/clock"
	"procastinot-backend/core/challenge"
	"procastinot-backend/core/notification"
	"procastinot-backend/metrics"
)

type fakeTransport struct {
	mu         sync.Mutex
	configured bool
	err        error
	// hang blocks Send until release is closed, ignoring ctx.
	hang    bool
	release chan struct{}
	sent    []Message
}

func (f *fakeTransport) Configured() bool { return f.configured }

func (f *fakeTransport) Send(ctx context.Context, msg Message) error {
	if f.hang {
		<-f.release
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.sent...)
}

type memRecorder struct {
	mu   sync.Mutex
	err  error
	recs []notification.Record
}

func (m *memRecorder) AppendNotification(_ context.Context, rec notification.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memRecorder) records() []notification.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]notification.Record(nil), m.recs...)
}

type dispatchHarness struct {
	transport *fakeTransport
	records   *memRecorder
	hook      *test.Hook
	registry  *prometheus.Registry
	clock     *clock.Fake
	d         *Dispatcher
}

func newDispatchHarness(t *testing.T, transport *fakeTransport, cfg Config) *dispatchHarness {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	reg := prometheus.NewRegistry()
	h := &dispatchHarness{
		transport: transport,
		records:   &memRecorder{},
		hook:      hook,
		registry:  reg,
		clock:     clock.NewFake(created.Add(30*time.Minute + 400*time.Millisecond)),
	}
	if cfg.FromEmail == "" {
		cfg.FromEmail = "noreply@procastinot.app"
	}
	if cfg.FrontendURL == "" {
		cfg.FrontendURL = "https://app.example"
	}
	d, err := NewDispatcher(cfg, transport, h.records, h.clock, WithLogger(logger), WithMetrics(metrics.New(reg)))
	require.NoError(t, err)
	h.d = d
	return h
}

func (h *dispatchHarness) request(kind notification.Kind, recipient string) Request {
	return h.d.RequestFor(kind, recipient, sampleChallenge())
}

func TestDispatchSent(t *testing.T) {
	h := newDispatchHarness(t, &fakeTransport{configured: true}, Config{FromName: "ProcastiNot"})

	out := h.d.Dispatch(context.Background(), h.request(notification.KindACPAssignment, "acp@example.com"))
	assert.Equal(t, notification.OutcomeSent, out)

	msgs := h.transport.messages()
	require.Len(t, msgs, 1)
	msg := msgs[0]
	assert.Equal(t, "acp@example.com", msg.To)
	assert.Equal(t, "ProcastiNot", msg.From.Name)
	assert.Equal(t, "noreply@procastinot.app", msg.From.Address)
	assert.Equal(t, "New Challenge Assignment - Run five kilometres before breakfast", msg.Subject)
	assert.NotEmpty(t, msg.Text)

	recs := h.records.records()
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, sampleChallenge().ID, rec.ChallengeID)
	assert.Equal(t, notification.KindACPAssignment, rec.Kind)
	assert.Equal(t, notification.OutcomeSent, rec.Outcome)
	assert.Equal(t, msg.Subject, rec.Subject)
	assert.Equal(t, msg.HTML, rec.Body)
	assert.Equal(t, notification.Digest(msg.HTML), rec.Digest)
	assert.Empty(t, rec.Error)
	assert.Equal(t, created.Add(30*time.Minute), rec.AttemptedAt)

	assert.Equal(t, 1.0, notificationCount(t, h.registry, "acp-assignment", "sent"))
}

func TestDispatchSkippedWhenUnconfigured(t *testing.T) {
	h := newDispatchHarness(t, &fakeTransport{configured: false}, Config{})

	out := h.d.Dispatch(context.Background(), h.request(notification.KindProofReminder, "creator@example.com"))
	assert.Equal(t, notification.OutcomeSkipped, out)
	assert.Empty(t, h.transport.messages())

	recs := h.records.records()
	require.Len(t, recs, 1)
	assert.Equal(t, notification.OutcomeSkipped, recs[0].Outcome)
	assert.NotEmpty(t, recs[0].Subject)

	var warned bool
	for _, e := range h.hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Data["outcome"] == notification.OutcomeSkipped {
			warned = true
		}
	}
	assert.True(t, warned, "skipped dispatch should log at warn level")
}

func TestDispatchTransportFailure(t *testing.T) {
	h := newDispatchHarness(t, &fakeTransport{configured: true, err: errors.New("554 rejected")}, Config{})

	out := h.d.Dispatch(context.Background(), h.request(notification.KindReviewDecision, "creator@example.com"))
	assert.Equal(t, notification.OutcomeFailed, out)

	recs := h.records.records()
	require.Len(t, recs, 1)
	assert.Equal(t, notification.OutcomeFailed, recs[0].Outcome)
	assert.Contains(t, recs[0].Error, "554 rejected")

	entry := h.hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
}

func TestDispatchAbandonsSlowTransport(t *testing.T) {
	transport := &fakeTransport{configured: true, hang: true, release: make(chan struct{})}
	t.Cleanup(func() { close(transport.release) })
	h := newDispatchHarness(t, transport, Config{Timeout: 30 * time.Millisecond})

	start := time.Now()
	out := h.d.Dispatch(context.Background(), h.request(notification.KindOverdueReviewAlert, "acp@example.com"))
	assert.Equal(t, notification.OutcomeFailed, out)
	assert.Less(t, time.Since(start), 2*time.Second)

	recs := h.records.records()
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].Error, "abandoned")
}

func TestDispatchMissingRecipient(t *testing.T) {
	h := newDispatchHarness(t, &fakeTransport{configured: true}, Config{})

	out := h.d.Dispatch(context.Background(), h.request(notification.KindRewardAvailable, ""))
	assert.Equal(t, notification.OutcomeFailed, out)
	assert.Empty(t, h.transport.messages())
	require.Len(t, h.records.records(), 1)
}

func TestDispatchUnknownKindIsRecorded(t *testing.T) {
	h := newDispatchHarness(t, &fakeTransport{configured: true}, Config{})

	out := h.d.Dispatch(context.Background(), Request{ChallengeID: "c1", Recipient: "a@example.com", Kind: "fax"})
	assert.Equal(t, notification.OutcomeFailed, out)
	recs := h.records.records()
	require.Len(t, recs, 1)
	assert.Empty(t, recs[0].Digest)
}

func TestDispatchRecordFailureDoesNotChangeOutcome(t *testing.T) {
	h := newDispatchHarness(t, &fakeTransport{configured: true}, Config{})
	h.records.err = errors.New("disk full")

	out := h.d.Dispatch(context.Background(), h.request(notification.KindACPAssignment, "acp@example.com"))
	assert.Equal(t, notification.OutcomeSent, out)

	var logged bool
	for _, e := range h.hook.AllEntries() {
		if e.Message == "failed to record notification" {
			logged = true
		}
	}
	assert.True(t, logged)
}

func TestDispatchRecordsAfterCallerCancels(t *testing.T) {
	h := newDispatchHarness(t, &fakeTransport{configured: true}, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := h.d.Dispatch(ctx, h.request(notification.KindACPAssignment, "acp@example.com"))
	assert.Equal(t, notification.OutcomeFailed, out)
	require.Len(t, h.records.records(), 1)
}

func TestHandleEvent(t *testing.T) {
	h := newDispatchHarness(t, &fakeTransport{configured: true}, Config{})

	c := sampleChallenge()
	approved := created.Add(time.Hour)
	c.Status = challenge.StatusProofApproved
	c.ProofApprovedAt = &approved
	out := h.d.HandleEvent(context.Background(), notification.Event{
		Kind:      notification.KindReviewDecision,
		Recipient: c.Creator.Email,
		Challenge: c,
	})
	assert.Equal(t, notification.OutcomeSent, out)

	msgs := h.transport.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Challenge Approved", msgs[0].Subject)
	assert.Equal(t, "creator@example.com", msgs[0].To)
}

func TestHandleDropped(t *testing.T) {
	h := newDispatchHarness(t, &fakeTransport{configured: true}, Config{})
	c := sampleChallenge()

	h.d.HandleDropped(context.Background(), notification.Event{Kind: notification.KindProofSubmitted, Recipient: "acp@example.com", Challenge: c}, errors.New("event queue full"))

	assert.Empty(t, h.transport.messages())
	recs := h.records.records()
	require.Len(t, recs, 1)
	assert.NotEmpty(t, recs[0].ID)
	assert.Equal(t, c.ID, recs[0].ChallengeID)
	assert.Equal(t, notification.OutcomeFailed, recs[0].Outcome)
	assert.Equal(t, "dropped: event queue full", recs[0].Error)
	assert.Empty(t, recs[0].Body)
	require.NotNil(t, h.hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, h.hook.LastEntry().Level)
}

func TestDispatchRateLimit(t *testing.T) {
	h := newDispatchHarness(t, &fakeTransport{configured: true}, Config{RatePerSecond: 1000, Burst: 2})

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.d.Dispatch(context.Background(), h.request(notification.KindProofReminder, "creator@example.com"))
		}()
	}
	wg.Wait()
	assert.Len(t, h.transport.messages(), 6)
	assert.Len(t, h.records.records(), 6)
}

func notificationCount(t *testing.T, reg *prometheus.Registry, kind, outcome string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "procastinot_notifications_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["kind"] == kind && labels["outcome"] == outcome {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}
