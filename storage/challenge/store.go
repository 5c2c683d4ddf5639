// Package challenge persists challenges, the notification log and reminder rows.
package challenge

import (
	"context"
	"strings"
	"time"

	"procastinot-backend/core/challenge"
	"procastinot-backend/core/notification"
)

// ErrStaleStatus is returned by UpdateIf when the stored status no longer matches the expected one.
const ErrStaleStatus = challenge.Err("challenge status changed concurrently")

// Store is the persistence boundary shared by the lifecycle service and the scheduler.
type Store interface {
	// Create inserts a new challenge together with its initial reminder rows.
	Create(ctx context.Context, c challenge.Challenge, reminders ...notification.Reminder) error
	Get(ctx context.Context, id string) (challenge.Challenge, error)
	GetByExternalID(ctx context.Context, externalID int64) (challenge.Challenge, error)
	List(ctx context.Context, filter challenge.Filter) ([]challenge.Challenge, error)
	// LookupEmailByWallet returns the creator email of the newest challenge created by wallet.
	LookupEmailByWallet(ctx context.Context, wallet string) (string, error)
	// UpdateIf writes c only if the stored status equals expected.
	UpdateIf(ctx context.Context, c challenge.Challenge, expected challenge.Status) error

	DueForReminder(ctx context.Context, now time.Time, window time.Duration) ([]challenge.Challenge, error)
	Expired(ctx context.Context, now time.Time) ([]challenge.Challenge, error)
	OverdueReviews(ctx context.Context, now time.Time) ([]challenge.Challenge, error)

	AppendNotification(ctx context.Context, rec notification.Record) error
	ListNotifications(ctx context.Context, challengeID string) ([]notification.Record, error)
	// UpsertReminder writes the row for (challenge, kind). A sent row is never downgraded.
	UpsertReminder(ctx context.Context, r notification.Reminder) error
	GetReminder(ctx context.Context, challengeID string, kind notification.Kind) (notification.Reminder, error)

	Close()
}

// ErrReminderNotFound is returned by GetReminder when no row exists.
const ErrReminderNotFound = challenge.Err("reminder not found")

func matchesFilter(c challenge.Challenge, f challenge.Filter) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if c.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.CreatorEmail != "" && !strings.EqualFold(c.Creator.Email, f.CreatorEmail) {
		return false
	}
	if f.CreatorWallet != "" && !strings.EqualFold(c.Creator.Wallet, f.CreatorWallet) {
		return false
	}
	if f.ReviewerEmail != "" && !strings.EqualFold(c.Reviewer.Email, f.ReviewerEmail) {
		return false
	}
	if f.ReviewerWallet != "" && !strings.EqualFold(c.Reviewer.Wallet, f.ReviewerWallet) {
		return false
	}
	return true
}

func statusStrings(statuses []challenge.Status) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const challengeColumns = `id, external_challenge_id, creator_email, creator_wallet,
  accountability_partner_email, accountability_partner_wallet, task_description, stake_amount,
  duration_minutes, status, created_at, updated_at, deadline_at, proof_submitted_at,
  proof_approved_at, proof_rejected_at, completed_at, failed_at, rewards_claimed_at,
  proof_evidence_url, proof_description, review_comment, contract_address, transaction_hash`
