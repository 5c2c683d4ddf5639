package notification

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindReminder(t *testing.T) {
	for _, k := range Kinds {
		assert.True(t, k.Valid())
		want := k == KindProofReminder || k == KindOverdueReviewAlert
		assert.Equal(t, want, k.IsReminder(), string(k))
	}
	assert.False(t, Kind("newsletter").Valid())
}

func TestReminderFor(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sent := ReminderFor("c1", KindProofReminder, at.Add(-time.Hour), OutcomeSent, at)
	assert.Equal(t, ReminderSent, sent.Status)
	assert.Equal(t, at, *sent.SentAt)

	for _, o := range []Outcome{OutcomeFailed, OutcomeSkipped} {
		r := ReminderFor("c1", KindProofReminder, at, o, at)
		assert.Equal(t, ReminderFailed, r.Status)
		assert.Nil(t, r.SentAt)
	}
}

func TestDigest(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Digest(""))
	assert.Len(t, Digest("<p>hello</p>"), 64)
}
