package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"procastinot-backend/clock"
	"procastinot-backend/core/challenge"
	"procastinot-backend/core/notification"
	"procastinot-backend/metrics"
	store "procastinot-backend/storage/challenge"
)

// DefaultReminderLead is how long before the deadline the proof reminder is due.
const DefaultReminderLead = 24 * time.Hour

// Lifecycle is the only writer of challenge status. Every mutation is a conditional update keyed
// on the status it was computed from, so concurrent writers cannot both win.
type Lifecycle struct {
	store        store.Store
	clock        clock.Clock
	emitter      Emitter
	log          logrus.FieldLogger
	metrics      *metrics.Metrics
	reminderLead time.Duration
	newID        func() string
}

// Option configures a Lifecycle.
type Option func(*Lifecycle)

func WithLogger(log logrus.FieldLogger) Option { return func(l *Lifecycle) { l.log = log } }
func WithMetrics(m *metrics.Metrics) Option    { return func(l *Lifecycle) { l.metrics = m } }
func WithReminderLead(d time.Duration) Option  { return func(l *Lifecycle) { l.reminderLead = d } }
func WithIDGenerator(f func() string) Option   { return func(l *Lifecycle) { l.newID = f } }

// NewLifecycle builds the service. A nil emitter discards events.
func NewLifecycle(s store.Store, clk clock.Clock, emitter Emitter, opts ...Option) *Lifecycle {
	l := &Lifecycle{
		store:        s,
		clock:        clk,
		emitter:      emitter,
		log:          logrus.StandardLogger(),
		reminderLead: DefaultReminderLead,
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.clock == nil {
		l.clock = clock.Real()
	}
	if l.emitter == nil {
		l.emitter = Discard
	}
	l.log = l.log.WithField("component", "lifecycle")
	return l
}

// WithEmitter returns a copy of l that sends events to e instead.
func (l *Lifecycle) WithEmitter(e Emitter) *Lifecycle {
	cp := *l
	cp.emitter = e
	return &cp
}

// ReminderLead reports the configured proof reminder lead time.
func (l *Lifecycle) ReminderLead() time.Duration { return l.reminderLead }

// CreateChallenge validates the input, persists an active challenge with its pending proof reminder
// and notifies the reviewer.
func (l *Lifecycle) CreateChallenge(ctx context.Context, in challenge.NewChallenge) (challenge.Challenge, error) {
	in.CreatorEmail = strings.TrimSpace(in.CreatorEmail)
	in.ReviewerEmail = strings.TrimSpace(in.ReviewerEmail)
	in.Task = strings.TrimSpace(in.Task)
	if err := in.Validate(); err != nil {
		return challenge.Challenge{}, err
	}

	now := challenge.Truncate(l.clock.Now())
	c := challenge.Challenge{
		ID:                  l.newID(),
		ExternalChallengeID: in.ExternalChallengeID,
		Creator:             challenge.Party{Email: in.CreatorEmail, Wallet: in.CreatorWallet},
		Reviewer:            challenge.Party{Email: in.ReviewerEmail, Wallet: in.ReviewerWallet},
		Task:                in.Task,
		StakeAmount:         in.StakeAmount,
		DurationMinutes:     in.DurationMinutes,
		Status:              challenge.StatusActive,
		CreatedAt:           now,
		UpdatedAt:           now,
		DeadlineAt:          now.Add(time.Duration(in.DurationMinutes) * time.Minute),
		ContractAddress:     in.ContractAddress,
		TransactionHash:     in.TransactionHash,
	}
	reminder := notification.Reminder{
		ChallengeID:  c.ID,
		Kind:         notification.KindProofReminder,
		ScheduledFor: c.DeadlineAt.Add(-l.reminderLead),
		Status:       notification.ReminderPending,
	}
	if err := l.store.Create(ctx, c, reminder); err != nil {
		return challenge.Challenge{}, challenge.Persistence("create challenge", err)
	}

	l.metrics.Transition("new", string(c.Status))
	l.log.WithFields(logrus.Fields{"challenge_id": c.ID, "deadline_at": c.DeadlineAt}).Info("challenge created")
	l.emit(ctx, notification.KindACPAssignment, c.Reviewer.Email, c)
	return c, nil
}

// SubmitProof moves an active challenge to proof_submitted and notifies the reviewer.
func (l *Lifecycle) SubmitProof(ctx context.Context, id string, proof challenge.ProofSubmission) (challenge.Challenge, error) {
	proof.Description = strings.TrimSpace(proof.Description)
	proof.EvidenceURL = strings.TrimSpace(proof.EvidenceURL)
	if err := proof.Validate(); err != nil {
		return challenge.Challenge{}, err
	}
	c, _, err := l.apply(ctx, id, proof)
	if err != nil {
		return challenge.Challenge{}, err
	}
	l.emit(ctx, notification.KindProofSubmitted, c.Reviewer.Email, c)
	return c, nil
}

// ReviewProof records the reviewer's decision and notifies the creator.
func (l *Lifecycle) ReviewProof(ctx context.Context, id string, decision challenge.ReviewDecision) (challenge.Challenge, error) {
	decision.Comment = strings.TrimSpace(decision.Comment)
	if err := decision.Validate(); err != nil {
		return challenge.Challenge{}, err
	}
	c, _, err := l.apply(ctx, id, decision)
	if err != nil {
		return challenge.Challenge{}, err
	}
	l.emit(ctx, notification.KindReviewDecision, c.Creator.Email, c)
	return c, nil
}

// MarkExpired fails an active challenge whose deadline passed without proof and tells the reviewer
// the stake can be claimed. An already failed challenge is returned unchanged with no event.
func (l *Lifecycle) MarkExpired(ctx context.Context, id string) (challenge.Challenge, error) {
	c, changed, err := l.apply(ctx, id, challenge.Expiry{})
	if err != nil {
		return challenge.Challenge{}, err
	}
	if changed {
		l.emit(ctx, notification.KindRewardAvailable, c.Reviewer.Email, c)
	}
	return c, nil
}

// MarkDisputed records a dispute raised on-chain. Repeating it is a no-op.
func (l *Lifecycle) MarkDisputed(ctx context.Context, id string) (challenge.Challenge, error) {
	c, _, err := l.apply(ctx, id, challenge.Dispute{})
	return c, err
}

// MarkCompleted records on-chain settlement. Repeating it is a no-op.
func (l *Lifecycle) MarkCompleted(ctx context.Context, id string) (challenge.Challenge, error) {
	c, _, err := l.apply(ctx, id, challenge.Settlement{})
	return c, err
}

// RecordRewardsClaimed stamps rewards_claimed_at on a completed or failed challenge.
func (l *Lifecycle) RecordRewardsClaimed(ctx context.Context, id string) (challenge.Challenge, error) {
	c, _, err := l.apply(ctx, id, challenge.RewardsClaim{})
	return c, err
}

// LinkContract records the on-chain identifiers of a challenge.
func (l *Lifecycle) LinkContract(ctx context.Context, id string, link challenge.ContractLink) (challenge.Challenge, error) {
	if link.ExternalChallengeID != nil && *link.ExternalChallengeID < 0 {
		return challenge.Challenge{}, &challenge.ValidationError{Fields: []challenge.FieldError{
			{Field: "challenge_id", Message: "must not be negative"},
		}}
	}
	c, _, err := l.apply(ctx, id, link)
	return c, err
}

// apply runs one transition as read, compute, conditional write. changed is false when the
// challenge already sat in the transition's target status, which is reported as success.
func (l *Lifecycle) apply(ctx context.Context, id string, tr challenge.Transition) (challenge.Challenge, bool, error) {
	current, err := l.store.Get(ctx, id)
	if err != nil {
		return challenge.Challenge{}, false, challenge.Persistence("get challenge", err)
	}
	if idempotent(tr, current) {
		return current, false, nil
	}

	next, err := tr.Apply(current, l.clock.Now())
	if err != nil {
		return challenge.Challenge{}, false, err
	}
	if err := l.store.UpdateIf(ctx, next, current.Status); err != nil {
		if !errors.Is(err, store.ErrStaleStatus) {
			return challenge.Challenge{}, false, challenge.Persistence(tr.Name(), err)
		}
		// Another writer got there first; report what it left behind.
		latest, gerr := l.store.Get(ctx, id)
		if gerr != nil {
			return challenge.Challenge{}, false, challenge.Persistence("get challenge", gerr)
		}
		if idempotent(tr, latest) {
			return latest, false, nil
		}
		return challenge.Challenge{}, false, &challenge.InvalidStateError{
			ID: id, Current: latest.Status, Expected: []challenge.Status{current.Status},
		}
	}

	fields := logrus.Fields{"challenge_id": id, "transition": tr.Name()}
	if next.Status != current.Status {
		l.metrics.Transition(string(current.Status), string(next.Status))
		fields["from"] = current.Status
		fields["to"] = next.Status
	}
	l.log.WithFields(fields).Info("challenge updated")
	return next, true, nil
}

// idempotent reports whether tr has nothing left to do on c. Proof submission and review are
// never idempotent: a second attempt is a conflict the caller must see.
func idempotent(tr challenge.Transition, c challenge.Challenge) bool {
	switch tr.(type) {
	case challenge.Expiry, challenge.Dispute, challenge.Settlement:
		return c.Status == tr.Target()
	}
	return false
}

func (l *Lifecycle) emit(ctx context.Context, kind notification.Kind, recipient string, c challenge.Challenge) {
	l.emitter.Emit(ctx, notification.Event{Kind: kind, Recipient: recipient, Challenge: c})
}

// Get returns one challenge.
func (l *Lifecycle) Get(ctx context.Context, id string) (challenge.Challenge, error) {
	c, err := l.store.Get(ctx, id)
	return c, challenge.Persistence("get challenge", err)
}

// GetByExternalID returns the challenge carrying the on-chain id.
func (l *Lifecycle) GetByExternalID(ctx context.Context, externalID int64) (challenge.Challenge, error) {
	c, err := l.store.GetByExternalID(ctx, externalID)
	return c, challenge.Persistence("get challenge", err)
}

// OpenStatuses are the statuses listed by ListOpen.
var OpenStatuses = []challenge.Status{challenge.StatusActive, challenge.StatusProofSubmitted, challenge.StatusDisputed}

// ListOpen returns challenges still awaiting proof, review or jury resolution.
func (l *Lifecycle) ListOpen(ctx context.Context, limit int) ([]challenge.Challenge, error) {
	return l.List(ctx, challenge.Filter{Statuses: OpenStatuses, Limit: limit})
}

// ListByCreatorEmail returns every challenge created by email, newest first.
func (l *Lifecycle) ListByCreatorEmail(ctx context.Context, email string) ([]challenge.Challenge, error) {
	return l.List(ctx, challenge.Filter{CreatorEmail: strings.TrimSpace(email)})
}

// ListByReviewerEmail returns every challenge reviewed by email, newest first.
func (l *Lifecycle) ListByReviewerEmail(ctx context.Context, email string) ([]challenge.Challenge, error) {
	return l.List(ctx, challenge.Filter{ReviewerEmail: strings.TrimSpace(email)})
}

// ListPendingReview returns the reviewer's challenges with proof awaiting a decision.
func (l *Lifecycle) ListPendingReview(ctx context.Context, reviewerEmail string) ([]challenge.Challenge, error) {
	list, err := l.List(ctx, challenge.Filter{
		ReviewerEmail: strings.TrimSpace(reviewerEmail),
		Statuses:      []challenge.Status{challenge.StatusProofSubmitted},
	})
	if err != nil {
		return nil, err
	}
	out := list[:0]
	for _, c := range list {
		if !c.HasDecision() {
			out = append(out, c)
		}
	}
	return out, nil
}

// List returns challenges matching filter.
func (l *Lifecycle) List(ctx context.Context, filter challenge.Filter) ([]challenge.Challenge, error) {
	list, err := l.store.List(ctx, filter)
	if err != nil {
		return nil, challenge.Persistence("list challenges", err)
	}
	return list, nil
}

// LookupEmailByWallet returns the creator email most recently used with wallet.
func (l *Lifecycle) LookupEmailByWallet(ctx context.Context, wallet string) (string, error) {
	wallet = strings.TrimSpace(wallet)
	if !challenge.ValidWallet(wallet) {
		return "", &challenge.ValidationError{Fields: []challenge.FieldError{
			{Field: "wallet", Message: "must be 0x followed by 64 hex characters"},
		}}
	}
	email, err := l.store.LookupEmailByWallet(ctx, wallet)
	return email, challenge.Persistence("lookup email", err)
}

// ContractView returns the contract-boundary form of a challenge.
func (l *Lifecycle) ContractView(ctx context.Context, id string) (challenge.ContractChallenge, error) {
	c, err := l.Get(ctx, id)
	if err != nil {
		return challenge.ContractChallenge{}, err
	}
	return challenge.ContractView(c), nil
}

// Notifications returns the dispatch log of a challenge.
func (l *Lifecycle) Notifications(ctx context.Context, id string) ([]notification.Record, error) {
	if _, err := l.Get(ctx, id); err != nil {
		return nil, err
	}
	recs, err := l.store.ListNotifications(ctx, id)
	return recs, challenge.Persistence("list notifications", err)
}

// DueForReminder lists active challenges whose deadline falls within window of now and whose
// proof reminder has not been sent.
func (l *Lifecycle) DueForReminder(ctx context.Context, now time.Time, window time.Duration) ([]challenge.Challenge, error) {
	list, err := l.store.DueForReminder(ctx, now, window)
	return list, challenge.Persistence("due for reminder", err)
}

// Expired lists active challenges past their deadline without proof.
func (l *Lifecycle) Expired(ctx context.Context, now time.Time) ([]challenge.Challenge, error) {
	list, err := l.store.Expired(ctx, now)
	return list, challenge.Persistence("expired challenges", err)
}

// OverdueReviews lists submitted proofs still undecided after the deadline.
func (l *Lifecycle) OverdueReviews(ctx context.Context, now time.Time) ([]challenge.Challenge, error) {
	list, err := l.store.OverdueReviews(ctx, now)
	return list, challenge.Persistence("overdue reviews", err)
}

// RecordReminder writes the outcome of a reminder dispatch. A sent reminder is never downgraded.
func (l *Lifecycle) RecordReminder(ctx context.Context, r notification.Reminder) error {
	return challenge.Persistence("record reminder", l.store.UpsertReminder(ctx, r))
}
