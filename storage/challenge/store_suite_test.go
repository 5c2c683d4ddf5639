package challenge

import (
	"context"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"procastinot-backend/core/challenge"
	"procastinot-backend/core/notification"
)

var suiteBase = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

// fixture builds an active challenge with unique parties so suites can share a database.
func fixture(created time.Time, minutes int) challenge.Challenge {
	id := uuid.NewString()
	created = challenge.Truncate(created)
	return challenge.Challenge{
		ID:              id,
		Creator:         challenge.Party{Email: "creator-" + id[:8] + "@example.com", Wallet: "0x" + id[:8] + "000000000000000000000000000000000000000000000000000000aa"},
		Reviewer:        challenge.Party{Email: "acp-" + id[:8] + "@example.com", Wallet: "0x" + id[:8] + "000000000000000000000000000000000000000000000000000000bb"},
		Task:            "Finish the migration guide",
		StakeAmount:     decimal.RequireFromString("0.12345678"),
		DurationMinutes: minutes,
		Status:          challenge.StatusActive,
		CreatedAt:       created,
		UpdatedAt:       created,
		DeadlineAt:      created.Add(time.Duration(minutes) * time.Minute),
	}
}

func idsOf(list []challenge.Challenge) []string {
	out := make([]string, 0, len(list))
	for _, c := range list {
		out = append(out, c.ID)
	}
	return out
}

func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create and get round trip", func(t *testing.T) {
		s := open(t)
		c := fixture(suiteBase, 90)
		ext := rand.Int63n(1 << 40)
		c.ExternalChallengeID = &ext
		c.ContractAddress = "0xcontract"
		reminder := notification.Reminder{ChallengeID: c.ID, Kind: notification.KindProofReminder,
			ScheduledFor: c.DeadlineAt.Add(-24 * time.Hour), Status: notification.ReminderPending}
		require.NoError(t, s.Create(ctx, c, reminder))

		got, err := s.Get(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, c.Creator, got.Creator)
		assert.Equal(t, c.Reviewer, got.Reviewer)
		assert.True(t, c.StakeAmount.Equal(got.StakeAmount))
		assert.True(t, c.CreatedAt.Equal(got.CreatedAt))
		assert.True(t, c.DeadlineAt.Equal(got.DeadlineAt))
		assert.Equal(t, c.CreatedAt.Add(90*time.Minute), got.DeadlineAt)
		assert.Nil(t, got.ProofSubmittedAt)
		assert.Equal(t, "0xcontract", got.ContractAddress)
		require.NotNil(t, got.ExternalChallengeID)
		assert.Equal(t, ext, *got.ExternalChallengeID)

		byExt, err := s.GetByExternalID(ctx, ext)
		require.NoError(t, err)
		assert.Equal(t, c.ID, byExt.ID)

		r, err := s.GetReminder(ctx, c.ID, notification.KindProofReminder)
		require.NoError(t, err)
		assert.Equal(t, notification.ReminderPending, r.Status)
		assert.True(t, reminder.ScheduledFor.Equal(r.ScheduledFor))
	})

	t.Run("missing records", func(t *testing.T) {
		s := open(t)
		_, err := s.Get(ctx, uuid.NewString())
		assert.ErrorIs(t, err, challenge.ErrNotFound)
		_, err = s.GetByExternalID(ctx, -42)
		assert.ErrorIs(t, err, challenge.ErrNotFound)
		_, err = s.LookupEmailByWallet(ctx, "0xnobody")
		assert.ErrorIs(t, err, challenge.ErrNotFound)
		_, err = s.GetReminder(ctx, uuid.NewString(), notification.KindProofReminder)
		assert.ErrorIs(t, err, ErrReminderNotFound)
	})

	t.Run("list filters and orders newest first", func(t *testing.T) {
		s := open(t)
		older := fixture(suiteBase, 60)
		newer := older
		newer.ID = uuid.NewString()
		newer.CreatedAt = older.CreatedAt.Add(time.Minute)
		newer.DeadlineAt = newer.CreatedAt.Add(time.Hour)
		newer.Status = challenge.StatusProofSubmitted
		require.NoError(t, s.Create(ctx, older))
		require.NoError(t, s.Create(ctx, newer))

		all, err := s.List(ctx, challenge.Filter{CreatorEmail: strings.ToUpper(older.Creator.Email)})
		require.NoError(t, err)
		assert.Equal(t, []string{newer.ID, older.ID}, idsOf(all))

		active, err := s.List(ctx, challenge.Filter{ReviewerEmail: older.Reviewer.Email, Statuses: []challenge.Status{challenge.StatusActive}})
		require.NoError(t, err)
		assert.Equal(t, []string{older.ID}, idsOf(active))

		limited, err := s.List(ctx, challenge.Filter{CreatorWallet: older.Creator.Wallet, Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{newer.ID}, idsOf(limited))

		email, err := s.LookupEmailByWallet(ctx, older.Creator.Wallet)
		require.NoError(t, err)
		assert.Equal(t, older.Creator.Email, email)
	})

	t.Run("conditional update", func(t *testing.T) {
		s := open(t)
		c := fixture(suiteBase, 60)
		require.NoError(t, s.Create(ctx, c))

		next, err := challenge.ProofSubmission{Description: "Guide is published", EvidenceURL: "https://example.com/g"}.
			Apply(c, suiteBase.Add(10*time.Minute))
		require.NoError(t, err)
		require.NoError(t, s.UpdateIf(ctx, next, challenge.StatusActive))

		got, err := s.Get(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, challenge.StatusProofSubmitted, got.Status)
		require.NotNil(t, got.ProofSubmittedAt)
		assert.True(t, suiteBase.Add(10*time.Minute).Equal(*got.ProofSubmittedAt))
		assert.Equal(t, "https://example.com/g", got.ProofEvidenceURL)

		assert.ErrorIs(t, s.UpdateIf(ctx, next, challenge.StatusActive), ErrStaleStatus)

		missing := next
		missing.ID = uuid.NewString()
		assert.ErrorIs(t, s.UpdateIf(ctx, missing, challenge.StatusActive), challenge.ErrNotFound)
	})

	t.Run("sweep queries", func(t *testing.T) {
		s := open(t)
		now := suiteBase.Add(48 * time.Hour)

		dueSoon := fixture(now.Add(-time.Hour), 60+12*60) // deadline now+12h
		farOff := fixture(now.Add(-time.Hour), 60+48*60)  // deadline now+48h
		expired := fixture(now.Add(-2*time.Hour), 60)     // deadline now-1h
		atDeadline := fixture(now.Add(-time.Hour), 60)    // deadline == now
		reminded := fixture(now.Add(-time.Hour), 60+6*60) // deadline now+6h, already reminded
		submitted := fixture(now.Add(-3*time.Hour), 60)   // deadline now-2h, proof in
		reviewed := fixture(now.Add(-3*time.Hour), 60)    // deadline now-2h, decided
		alerted := fixture(now.Add(-3*time.Hour), 60)     // deadline now-2h, alert sent

		for _, c := range []challenge.Challenge{dueSoon, farOff, expired, atDeadline, reminded} {
			require.NoError(t, s.Create(ctx, c))
		}
		for _, c := range []challenge.Challenge{submitted, reviewed, alerted} {
			at := c.CreatedAt.Add(time.Minute)
			c.Status = challenge.StatusProofSubmitted
			c.ProofSubmittedAt = &at
			if c.ID == reviewed.ID {
				c.Status = challenge.StatusProofApproved
				c.ProofApprovedAt = &at
			}
			require.NoError(t, s.Create(ctx, c))
		}
		sentAt := now.Add(-time.Minute)
		require.NoError(t, s.UpsertReminder(ctx, notification.Reminder{ChallengeID: reminded.ID,
			Kind: notification.KindProofReminder, ScheduledFor: reminded.DeadlineAt.Add(-24 * time.Hour),
			SentAt: &sentAt, Status: notification.ReminderSent}))
		require.NoError(t, s.UpsertReminder(ctx, notification.Reminder{ChallengeID: alerted.ID,
			Kind: notification.KindOverdueReviewAlert, ScheduledFor: alerted.DeadlineAt,
			SentAt: &sentAt, Status: notification.ReminderSent}))

		due, err := s.DueForReminder(ctx, now, 24*time.Hour)
		require.NoError(t, err)
		dueIDs := idsOf(due)
		assert.Contains(t, dueIDs, dueSoon.ID)
		assert.Contains(t, dueIDs, atDeadline.ID)
		assert.NotContains(t, dueIDs, farOff.ID)
		assert.NotContains(t, dueIDs, expired.ID)
		assert.NotContains(t, dueIDs, reminded.ID)
		assert.NotContains(t, dueIDs, submitted.ID)

		exp, err := s.Expired(ctx, now)
		require.NoError(t, err)
		expIDs := idsOf(exp)
		assert.Contains(t, expIDs, expired.ID)
		assert.NotContains(t, expIDs, atDeadline.ID)
		assert.NotContains(t, expIDs, submitted.ID)
		assert.NotContains(t, expIDs, dueSoon.ID)

		overdue, err := s.OverdueReviews(ctx, now)
		require.NoError(t, err)
		overdueIDs := idsOf(overdue)
		assert.Contains(t, overdueIDs, submitted.ID)
		assert.NotContains(t, overdueIDs, reviewed.ID)
		assert.NotContains(t, overdueIDs, alerted.ID)
	})

	t.Run("sent reminder is sticky", func(t *testing.T) {
		s := open(t)
		c := fixture(suiteBase, 60)
		require.NoError(t, s.Create(ctx, c))
		at := suiteBase.Add(time.Minute)

		require.NoError(t, s.UpsertReminder(ctx, notification.ReminderFor(c.ID, notification.KindProofReminder, c.DeadlineAt, notification.OutcomeFailed, at)))
		r, err := s.GetReminder(ctx, c.ID, notification.KindProofReminder)
		require.NoError(t, err)
		assert.Equal(t, notification.ReminderFailed, r.Status)

		require.NoError(t, s.UpsertReminder(ctx, notification.ReminderFor(c.ID, notification.KindProofReminder, c.DeadlineAt, notification.OutcomeSent, at)))
		require.NoError(t, s.UpsertReminder(ctx, notification.ReminderFor(c.ID, notification.KindProofReminder, c.DeadlineAt, notification.OutcomeFailed, at.Add(time.Hour))))
		r, err = s.GetReminder(ctx, c.ID, notification.KindProofReminder)
		require.NoError(t, err)
		assert.Equal(t, notification.ReminderSent, r.Status)
		require.NotNil(t, r.SentAt)
		assert.True(t, at.Equal(*r.SentAt))
	})

	t.Run("notification log", func(t *testing.T) {
		s := open(t)
		c := fixture(suiteBase, 60)
		require.NoError(t, s.Create(ctx, c))
		for i, outcome := range []notification.Outcome{notification.OutcomeSent, notification.OutcomeFailed} {
			rec := notification.Record{
				ID: uuid.NewString(), ChallengeID: c.ID, Recipient: c.Reviewer.Email,
				Kind: notification.KindACPAssignment, Subject: "subject", Body: "<p>body</p>",
				Digest: notification.Digest("<p>body</p>"), Outcome: outcome,
				AttemptedAt: suiteBase.Add(time.Duration(i) * time.Second),
			}
			if outcome == notification.OutcomeFailed {
				rec.Error = "connection refused"
			}
			require.NoError(t, s.AppendNotification(ctx, rec))
		}
		recs, err := s.ListNotifications(ctx, c.ID)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, notification.OutcomeSent, recs[0].Outcome)
		assert.Equal(t, "connection refused", recs[1].Error)
		assert.Equal(t, notification.KindACPAssignment, recs[1].Kind)
	})
}
