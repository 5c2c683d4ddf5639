// Package notification holds the notification kinds, dispatch outcomes and audit records.
package notification

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"procastinot-backend/core/challenge"
)

// Kind selects a template and recipient role.
type Kind string

const (
	KindACPAssignment      Kind = "acp-assignment"
	KindProofSubmitted     Kind = "proof-submitted"
	KindReviewDecision     Kind = "review-decision"
	KindProofReminder      Kind = "proof-reminder"
	KindOverdueReviewAlert Kind = "overdue-review-alert"
	KindRewardAvailable    Kind = "reward-available"
)

// Kinds lists every known kind.
var Kinds = []Kind{
	KindACPAssignment,
	KindProofSubmitted,
	KindReviewDecision,
	KindProofReminder,
	KindOverdueReviewAlert,
	KindRewardAvailable,
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// IsReminder reports whether at most one successful send per challenge is wanted for k.
func (k Kind) IsReminder() bool {
	return k == KindProofReminder || k == KindOverdueReviewAlert
}

// Event is emitted by the lifecycle after a committed change that someone should hear about.
type Event struct {
	Kind      Kind
	Recipient string
	Challenge challenge.Challenge
}

// Outcome is the result of one dispatch attempt.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Record is one row of the notification log.
type Record struct {
	ID          string    `json:"id"`
	ChallengeID string    `json:"challenge_id"`
	Recipient   string    `json:"recipient"`
	Kind        Kind      `json:"kind"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	Digest      string    `json:"digest"`
	Outcome     Outcome   `json:"outcome"`
	Error       string    `json:"error,omitempty"`
	AttemptedAt time.Time `json:"attempted_at"`
}

// ReminderStatus tracks a deadline-relative reminder.
type ReminderStatus string

const (
	ReminderPending ReminderStatus = "pending"
	ReminderSent    ReminderStatus = "sent"
	ReminderFailed  ReminderStatus = "failed"
)

// Reminder is the single row kept per (challenge, kind).
type Reminder struct {
	ChallengeID  string         `json:"challenge_id"`
	Kind         Kind           `json:"kind"`
	ScheduledFor time.Time      `json:"scheduled_for"`
	SentAt       *time.Time     `json:"sent_at,omitempty"`
	Status       ReminderStatus `json:"status"`
}

// ReminderFor maps a dispatch outcome onto the reminder row written after it.
func ReminderFor(challengeID string, kind Kind, scheduledFor time.Time, outcome Outcome, at time.Time) Reminder {
	r := Reminder{ChallengeID: challengeID, Kind: kind, ScheduledFor: scheduledFor, Status: ReminderFailed}
	if outcome == OutcomeSent {
		sent := at
		r.SentAt = &sent
		r.Status = ReminderSent
	}
	return r
}

// Digest returns the sha256 hex of a rendered body.
func Digest(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}
