package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"procastinot-backend/clock"
	"procastinot-backend/core/challenge"
	"procastinot-backend/core/notification"
	"procastinot-backend/metrics"
	"procastinot-backend/notify"
	"procastinot-backend/scheduler"
	"procastinot-backend/services"
	store "procastinot-backend/storage/challenge"
)

var t0 = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

const (
	creatorWallet  = "0x1a2b3c4d5e6f7a8b9c0d1e2f3a4b5c6d7e8f9a0b1c2d3e4f5a6b7c8d9e0f1a2b"
	reviewerWallet = "0xffeeddccbbaa99887766554433221100ffeeddccbbaa99887766554433221100"
)

type outbox struct {
	mu   sync.Mutex
	fail error
	sent []notify.Message
}

func (o *outbox) Configured() bool { return true }

func (o *outbox) Send(_ context.Context, msg notify.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail != nil {
		return o.fail
	}
	o.sent = append(o.sent, msg)
	return nil
}

func (o *outbox) messages() []notify.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]notify.Message(nil), o.sent...)
}

type stubResolver struct {
	url string
	err error
}

func (s stubResolver) ResolveProofURL(context.Context, string) (string, error) { return s.url, s.err }

type server struct {
	clock  *clock.Fake
	store  *store.MemoryStore
	outbox *outbox
	router http.Handler
}

func newServer(t *testing.T) *server {
	t.Helper()
	logger, _ := test.NewNullLogger()
	s := &server{clock: clock.NewFake(t0), store: store.NewMemoryStore(), outbox: &outbox{}}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	disp, err := notify.NewDispatcher(notify.Config{FromEmail: "noreply@procastinot.app", FrontendURL: "https://app.procastinot.test"},
		s.outbox, s.store, s.clock, notify.WithLogger(logger), notify.WithMetrics(m))
	require.NoError(t, err)
	lifecycle := services.NewLifecycle(s.store, s.clock, services.NewDirect(disp),
		services.WithLogger(logger), services.WithMetrics(m))
	sched, err := scheduler.New(scheduler.Config{Workers: 2}, scheduler.Deps{
		Lifecycle: lifecycle,
		Notifier:  disp,
		Clock:     s.clock,
		Log:       logger,
	})
	require.NoError(t, err)

	s.router = NewRouter(Routes{
		Health:        NewHealthHandler(services.NewHealthService(s.store, s.clock, sched.IsRunning), logger),
		Challenges:    NewChallengeHandler(lifecycle, logger),
		Notifications: NewNotificationHandler(lifecycle, stubResolver{url: "https://gateway.test/ipfs/bafyproof"}, disp, logger),
		Sweeps:        NewSweepHandler(sched, s.clock, logger),
		Metrics:       reg,
	})
	return s
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Errors  []string        `json:"errors"`
	Meta    map[string]any  `json:"meta"`
}

func (s *server) do(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec.Code, env
}

func createBody(externalID int64) map[string]any {
	return map[string]any{
		"creator_email":                 "creator@example.com",
		"creator_wallet":                creatorWallet,
		"task_description":              "Write the migration guide",
		"accountability_partner_email":  "acp@example.com",
		"accountability_partner_wallet": reviewerWallet,
		"stake_amount":                  "1.5",
		"duration_minutes":              60,
		"challenge_id":                  externalID,
	}
}

func (s *server) create(t *testing.T, externalID int64) challenge.Challenge {
	t.Helper()
	code, env := s.do(t, http.MethodPost, "/api/challenges", createBody(externalID))
	require.Equal(t, http.StatusCreated, code, env.Message)
	var c challenge.Challenge
	require.NoError(t, json.Unmarshal(env.Data, &c))
	return c
}

func TestCreateChallenge(t *testing.T) {
	s := newServer(t)
	c := s.create(t, 7)

	assert.Equal(t, challenge.StatusActive, c.Status)
	assert.True(t, t0.Add(time.Hour).Equal(c.DeadlineAt), "deadline %s", c.DeadlineAt)
	assert.Equal(t, "1.5", c.StakeAmount.String())

	msgs := s.outbox.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "acp@example.com", msgs[0].To)
	assert.Contains(t, msgs[0].Subject, "New Challenge Assignment")
}

func TestCreateChallengeValidation(t *testing.T) {
	s := newServer(t)
	body := createBody(1)
	body["creator_wallet"] = "0x123"
	body["duration_minutes"] = 1

	code, env := s.do(t, http.MethodPost, "/api/challenges", body)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, env.Success)
	assert.Equal(t, "Validation error", env.Message)
	assert.Len(t, env.Errors, 2)
	assert.Empty(t, s.outbox.messages())
}

func TestMalformedBody(t *testing.T) {
	s := newServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/challenges", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/challenges", strings.NewReader("a=b"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestGetChallenge(t *testing.T) {
	s := newServer(t)
	c := s.create(t, 1)

	code, env := s.do(t, http.MethodGet, "/api/challenges/"+c.ID, nil)
	require.Equal(t, http.StatusOK, code)
	var got challenge.Challenge
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, c.ID, got.ID)

	code, env = s.do(t, http.MethodGet, "/api/challenges/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Challenge not found", env.Message)
}

func TestContractData(t *testing.T) {
	s := newServer(t)
	c := s.create(t, 42)

	code, env := s.do(t, http.MethodGet, "/api/challenges/"+c.ID+"/contract-data", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), "1500000000000000000")
}

func TestProofAndReviewFlow(t *testing.T) {
	s := newServer(t)
	c := s.create(t, 1)
	base := "/api/challenges/" + c.ID

	code, env := s.do(t, http.MethodPost, base+"/review", map[string]any{"decision": "approve", "comment": "Looks complete to me"})
	assert.Equal(t, http.StatusConflict, code, "review before proof")
	assert.False(t, env.Success)

	proof := map[string]any{"proof_description": "Guide merged to main", "evidence_url": "https://example.com/pr/1"}
	code, env = s.do(t, http.MethodPost, base+"/proof", proof)
	require.Equal(t, http.StatusOK, code, env.Errors)
	assert.Equal(t, "Proof submitted successfully", env.Message)

	code, _ = s.do(t, http.MethodPost, base+"/proof", proof)
	assert.Equal(t, http.StatusConflict, code, "second proof")

	code, env = s.do(t, http.MethodPost, base+"/review", map[string]any{"decision": "approve", "comment": "Looks complete to me"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Proof approved successfully", env.Message)
	var got challenge.Challenge
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, challenge.StatusProofApproved, got.Status)

	code, env = s.do(t, http.MethodPost, base+"/complete", nil)
	require.Equal(t, http.StatusOK, code, env.Message)

	code, env = s.do(t, http.MethodGet, base+"/notifications", nil)
	require.Equal(t, http.StatusOK, code)
	var recs []notification.Record
	require.NoError(t, json.Unmarshal(env.Data, &recs))
	kinds := make([]notification.Kind, 0, len(recs))
	for _, r := range recs {
		kinds = append(kinds, r.Kind)
	}
	assert.ElementsMatch(t, []notification.Kind{
		notification.KindACPAssignment,
		notification.KindProofSubmitted,
		notification.KindReviewDecision,
	}, kinds)
}

func TestLateProofIsRejected(t *testing.T) {
	s := newServer(t)
	c := s.create(t, 1)
	s.clock.Set(c.DeadlineAt.Add(time.Second))

	code, env := s.do(t, http.MethodPost, "/api/challenges/"+c.ID+"/proof",
		map[string]any{"proof_description": "Guide merged to main", "evidence_url": "https://example.com/pr/1"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Challenge deadline has passed", env.Message)
}

func TestListRoutes(t *testing.T) {
	s := newServer(t)
	s.create(t, 1)
	s.create(t, 2)

	code, env := s.do(t, http.MethodGet, "/api/challenges/creator/creator@example.com", nil)
	require.Equal(t, http.StatusOK, code)
	var list []challenge.Challenge
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list, 2)

	code, env = s.do(t, http.MethodGet, "/api/challenges/acp/acp@example.com", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list, 2)

	code, env = s.do(t, http.MethodGet, "/api/challenges/creator/not-an-email", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Valid email is required", env.Message)

	code, env = s.do(t, http.MethodGet, "/api/challenges?limit=1", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list, 1)
	assert.EqualValues(t, 1, env.Meta["count"])

	code, _ = s.do(t, http.MethodGet, "/api/challenges?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodGet, "/api/challenges?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestLookupEmail(t *testing.T) {
	s := newServer(t)
	s.create(t, 1)

	tests := []struct {
		name    string
		wallet  string
		code    int
		message string
	}{
		{"found", creatorWallet, http.StatusOK, "User email found"},
		{"malformed", "0xabc", http.StatusBadRequest, "Valid wallet address is required (0x + 64 hex characters)"},
		{"unknown", "0x" + strings.Repeat("0", 64), http.StatusNotFound, "No email found for this wallet address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := s.do(t, http.MethodGet, "/api/challenges/user/"+tt.wallet, nil)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.message, env.Message)
		})
	}
}

func TestNotifyACP(t *testing.T) {
	s := newServer(t)
	s.create(t, 9)

	code, env := s.do(t, http.MethodPost, "/api/notify-acp", map[string]any{"challengeId": 9, "proofCid": "bafyproof"})
	require.Equal(t, http.StatusOK, code, env.Message)
	assert.Equal(t, "ACP notification sent successfully", env.Message)

	msgs := s.outbox.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "acp@example.com", msgs[1].To)
	assert.Contains(t, msgs[1].HTML, "https://gateway.test/ipfs/bafyproof")
}

func TestNotifyACPErrors(t *testing.T) {
	s := newServer(t)
	s.create(t, 9)

	code, env := s.do(t, http.MethodPost, "/api/notify-acp", map[string]any{"challengeId": 0, "proofCid": " "})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Len(t, env.Errors, 2)

	code, env = s.do(t, http.MethodPost, "/api/notify-acp", map[string]any{"challengeId": 10, "proofCid": "bafy"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Challenge not found", env.Message)

	s.outbox.mu.Lock()
	s.outbox.fail = errors.New("550 mailbox unavailable")
	s.outbox.mu.Unlock()
	code, env = s.do(t, http.MethodPost, "/api/notify-acp", map[string]any{"challengeId": 9, "proofCid": "bafy"})
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "Failed to send email notification", env.Message)
}

func TestRunSweep(t *testing.T) {
	s := newServer(t)
	c := s.create(t, 1)
	s.clock.Set(c.DeadlineAt.Add(time.Minute))

	code, env := s.do(t, http.MethodPost, "/api/sweeps/expiry", nil)
	require.Equal(t, http.StatusOK, code, env.Message)
	var report struct {
		Sweep     string `json:"sweep"`
		Matched   int    `json:"matched"`
		Succeeded int    `json:"succeeded"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.Equal(t, scheduler.SweepExpiry, report.Sweep)
	assert.Equal(t, 1, report.Matched)
	assert.Equal(t, 1, report.Succeeded)

	got, err := s.store.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, challenge.StatusFailed, got.Status)

	code, _ = s.do(t, http.MethodPost, "/api/sweeps/bogus", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newServer(t)
	s.create(t, 1)

	code, env := s.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)
	assert.Contains(t, string(env.Data), `"scheduler":"stopped"`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "procastinot_notifications_total")
}

func TestReviewRequiresDecision(t *testing.T) {
	s := newServer(t)
	c := s.create(t, 1)
	base := "/api/challenges/" + c.ID
	proof := map[string]any{"proof_description": "Guide merged to main", "evidence_url": "https://example.com/pr/1"}
	code, env := s.do(t, http.MethodPost, base+"/proof", proof)
	require.Equal(t, http.StatusOK, code, env.Errors)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing", map[string]any{"comment": "Looks complete to me"}},
		{"legacy boolean", map[string]any{"approved": true, "comment": "Looks complete to me"}},
		{"unknown verdict", map[string]any{"decision": "maybe", "comment": "Looks complete to me"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := s.do(t, http.MethodPost, base+"/review", tt.body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Equal(t, "Validation error", env.Message)
		})
	}

	code, env = s.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, code)
	var got challenge.Challenge
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, challenge.StatusProofSubmitted, got.Status)
	assert.Nil(t, got.ProofRejectedAt)

	code, env = s.do(t, http.MethodPost, base+"/review", map[string]any{"decision": "reject", "comment": "Evidence link is broken"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Proof rejected successfully", env.Message)
}

func TestUnknownRouteAndMethod(t *testing.T) {
	s := newServer(t)

	code, env := s.do(t, http.MethodGet, "/api/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, env.Success)

	c := s.create(t, 5)
	for _, tt := range []struct{ method, path string }{
		{http.MethodDelete, "/api/challenges"},
		{http.MethodGet, "/api/challenges/" + c.ID + "/review"},
		{http.MethodDelete, "/api/challenges/" + c.ID},
		{http.MethodGet, "/api/notify-acp"},
	} {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			code, env := s.do(t, tt.method, tt.path, nil)
			assert.Equal(t, http.StatusMethodNotAllowed, code)
			assert.Equal(t, "Method not allowed", env.Message)
		})
	}
}
