package challenge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"procastinot-backend/core/challenge"
	"procastinot-backend/core/notification"
)

// PGStore persists challenges in Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects and initializes the schema.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := NewSchemaManager(pool).Initialize(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

// Close shuts down the pool.
func (s *PGStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool exposes the underlying pool for health checks.
func (s *PGStore) Pool() *pgxpool.Pool { return s.pool }

const pgSelectChallenge = `
SELECT id, external_challenge_id, creator_email, creator_wallet,
  accountability_partner_email, accountability_partner_wallet, task_description, stake_amount::text,
  duration_minutes, status, created_at, updated_at, deadline_at, proof_submitted_at,
  proof_approved_at, proof_rejected_at, completed_at, failed_at, rewards_claimed_at,
  proof_evidence_url, proof_description, review_comment, contract_address, transaction_hash
FROM challenges c`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPGChallenge(row rowScanner) (challenge.Challenge, error) {
	var (
		c                                          challenge.Challenge
		externalID                                 sql.NullInt64
		stake, status                              string
		submitted, approved, rejected              sql.NullTime
		completed, failed, claimed                 sql.NullTime
		evidence, description, comment, addr, hash sql.NullString
	)
	if err := row.Scan(
		&c.ID, &externalID, &c.Creator.Email, &c.Creator.Wallet,
		&c.Reviewer.Email, &c.Reviewer.Wallet, &c.Task, &stake,
		&c.DurationMinutes, &status, &c.CreatedAt, &c.UpdatedAt, &c.DeadlineAt, &submitted,
		&approved, &rejected, &completed, &failed, &claimed,
		&evidence, &description, &comment, &addr, &hash,
	); err != nil {
		return challenge.Challenge{}, err
	}
	amount, err := decimal.NewFromString(stake)
	if err != nil {
		return challenge.Challenge{}, fmt.Errorf("parse stake %q: %w", stake, err)
	}
	c.StakeAmount = amount
	c.Status = challenge.Status(status)
	if externalID.Valid {
		v := externalID.Int64
		c.ExternalChallengeID = &v
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	c.DeadlineAt = c.DeadlineAt.UTC()
	c.ProofSubmittedAt = nullTime(submitted)
	c.ProofApprovedAt = nullTime(approved)
	c.ProofRejectedAt = nullTime(rejected)
	c.CompletedAt = nullTime(completed)
	c.FailedAt = nullTime(failed)
	c.RewardsClaimedAt = nullTime(claimed)
	c.ProofEvidenceURL = evidence.String
	c.ProofDescription = description.String
	c.ReviewComment = comment.String
	c.ContractAddress = addr.String
	c.TransactionHash = hash.String
	return c, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func (s *PGStore) Create(ctx context.Context, c challenge.Challenge, reminders ...notification.Reminder) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return challenge.Persistence("begin create", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
INSERT INTO challenges (`+challengeColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8::numeric,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
`, challengeArgs(c, func(t time.Time) any { return t })...)
	if err != nil {
		return challenge.Persistence("insert challenge", err)
	}
	for _, r := range reminders {
		if err := upsertReminderPG(ctx, tx, r); err != nil {
			return challenge.Persistence("insert reminder", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return challenge.Persistence("commit create", err)
	}
	return nil
}

// challengeArgs flattens c in challengeColumns order; ts encodes timestamps for the driver.
func challengeArgs(c challenge.Challenge, ts func(time.Time) any) []any {
	opt := func(t *time.Time) any {
		if t == nil {
			return nil
		}
		return ts(*t)
	}
	var external any
	if c.ExternalChallengeID != nil {
		external = *c.ExternalChallengeID
	}
	return []any{
		c.ID, external, c.Creator.Email, c.Creator.Wallet,
		c.Reviewer.Email, c.Reviewer.Wallet, c.Task, c.StakeAmount.String(),
		c.DurationMinutes, string(c.Status), ts(c.CreatedAt), ts(c.UpdatedAt), ts(c.DeadlineAt), opt(c.ProofSubmittedAt),
		opt(c.ProofApprovedAt), opt(c.ProofRejectedAt), opt(c.CompletedAt), opt(c.FailedAt), opt(c.RewardsClaimedAt),
		nullIfEmpty(c.ProofEvidenceURL), nullIfEmpty(c.ProofDescription), nullIfEmpty(c.ReviewComment),
		nullIfEmpty(c.ContractAddress), nullIfEmpty(c.TransactionHash),
	}
}

func (s *PGStore) getOne(ctx context.Context, op, where string, arg any) (challenge.Challenge, error) {
	c, err := scanPGChallenge(s.pool.QueryRow(ctx, pgSelectChallenge+" WHERE "+where, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return challenge.Challenge{}, challenge.ErrNotFound
		}
		return challenge.Challenge{}, challenge.Persistence(op, err)
	}
	return c, nil
}

func (s *PGStore) Get(ctx context.Context, id string) (challenge.Challenge, error) {
	return s.getOne(ctx, "get challenge", "c.id = $1", id)
}

func (s *PGStore) GetByExternalID(ctx context.Context, externalID int64) (challenge.Challenge, error) {
	return s.getOne(ctx, "get challenge by external id", "c.external_challenge_id = $1", externalID)
}

func (s *PGStore) List(ctx context.Context, filter challenge.Filter) ([]challenge.Challenge, error) {
	return s.query(ctx, "list challenges", pgSelectChallenge+`
WHERE (cardinality($1::text[]) = 0 OR c.status = ANY($1::text[]))
  AND ($2 = '' OR LOWER(c.creator_email) = LOWER($2))
  AND ($3 = '' OR LOWER(c.creator_wallet) = LOWER($3))
  AND ($4 = '' OR LOWER(c.accountability_partner_email) = LOWER($4))
  AND ($5 = '' OR LOWER(c.accountability_partner_wallet) = LOWER($5))
ORDER BY c.created_at DESC, c.id
LIMIT NULLIF($6, 0)
`, statusStrings(filter.Statuses), filter.CreatorEmail, filter.CreatorWallet,
		filter.ReviewerEmail, filter.ReviewerWallet, filter.Limit)
}

func (s *PGStore) query(ctx context.Context, op, sqlText string, args ...any) ([]challenge.Challenge, error) {
	rows, err := s.pool.Query(ctx, sqlText, args...)
	if err != nil {
		return nil, challenge.Persistence(op, err)
	}
	defer rows.Close()

	out := make([]challenge.Challenge, 0)
	for rows.Next() {
		c, err := scanPGChallenge(rows)
		if err != nil {
			return nil, challenge.Persistence(op, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, challenge.Persistence(op, err)
	}
	return out, nil
}

func (s *PGStore) LookupEmailByWallet(ctx context.Context, wallet string) (string, error) {
	var email string
	err := s.pool.QueryRow(ctx, `
SELECT creator_email FROM challenges
WHERE LOWER(creator_wallet) = LOWER($1)
ORDER BY created_at DESC
LIMIT 1
`, wallet).Scan(&email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", challenge.ErrNotFound
		}
		return "", challenge.Persistence("lookup email", err)
	}
	return email, nil
}

func (s *PGStore) UpdateIf(ctx context.Context, c challenge.Challenge, expected challenge.Status) error {
	args := challengeArgs(c, func(t time.Time) any { return t })
	args = append(args, string(expected))
	tag, err := s.pool.Exec(ctx, `
UPDATE challenges SET
  external_challenge_id = $2, creator_email = $3, creator_wallet = $4,
  accountability_partner_email = $5, accountability_partner_wallet = $6, task_description = $7,
  stake_amount = $8::numeric, duration_minutes = $9, status = $10, created_at = $11, updated_at = $12,
  deadline_at = $13, proof_submitted_at = $14, proof_approved_at = $15, proof_rejected_at = $16,
  completed_at = $17, failed_at = $18, rewards_claimed_at = $19, proof_evidence_url = $20,
  proof_description = $21, review_comment = $22, contract_address = $23, transaction_hash = $24
WHERE id = $1 AND status = $25
`, args...)
	if err != nil {
		return challenge.Persistence("update challenge", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, c.ID); err != nil {
			return err
		}
		return ErrStaleStatus
	}
	return nil
}

func (s *PGStore) DueForReminder(ctx context.Context, now time.Time, window time.Duration) ([]challenge.Challenge, error) {
	now = challenge.Truncate(now)
	return s.query(ctx, "due for reminder", pgSelectChallenge+`
WHERE c.status = 'active' AND c.proof_submitted_at IS NULL
  AND c.deadline_at >= $1 AND c.deadline_at <= $2
  AND NOT EXISTS (SELECT 1 FROM reminders r
    WHERE r.challenge_id = c.id AND r.kind = $3 AND r.status = 'sent')
ORDER BY c.deadline_at, c.id
`, now, now.Add(window), string(notification.KindProofReminder))
}

func (s *PGStore) Expired(ctx context.Context, now time.Time) ([]challenge.Challenge, error) {
	return s.query(ctx, "expired challenges", pgSelectChallenge+`
WHERE c.status = 'active' AND c.proof_submitted_at IS NULL AND c.deadline_at < $1
ORDER BY c.deadline_at, c.id
`, challenge.Truncate(now))
}

func (s *PGStore) OverdueReviews(ctx context.Context, now time.Time) ([]challenge.Challenge, error) {
	return s.query(ctx, "overdue reviews", pgSelectChallenge+`
WHERE c.status = 'proof_submitted' AND c.deadline_at < $1
  AND c.proof_approved_at IS NULL AND c.proof_rejected_at IS NULL
  AND NOT EXISTS (SELECT 1 FROM reminders r
    WHERE r.challenge_id = c.id AND r.kind = $2 AND r.status = 'sent')
ORDER BY c.deadline_at, c.id
`, challenge.Truncate(now), string(notification.KindOverdueReviewAlert))
}

func (s *PGStore) AppendNotification(ctx context.Context, rec notification.Record) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO notification_log (id, challenge_id, recipient, kind, subject, body, digest, outcome, error, attempted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`, rec.ID, rec.ChallengeID, rec.Recipient, string(rec.Kind), rec.Subject, rec.Body, rec.Digest,
		string(rec.Outcome), nullIfEmpty(rec.Error), rec.AttemptedAt)
	return challenge.Persistence("append notification", err)
}

func (s *PGStore) ListNotifications(ctx context.Context, challengeID string) ([]notification.Record, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, challenge_id, recipient, kind, subject, body, digest, outcome, error, attempted_at
FROM notification_log WHERE challenge_id = $1
ORDER BY attempted_at, id
`, challengeID)
	if err != nil {
		return nil, challenge.Persistence("list notifications", err)
	}
	defer rows.Close()

	out := make([]notification.Record, 0)
	for rows.Next() {
		var (
			rec           notification.Record
			kind, outcome string
			errText       sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.ChallengeID, &rec.Recipient, &kind, &rec.Subject, &rec.Body,
			&rec.Digest, &outcome, &errText, &rec.AttemptedAt); err != nil {
			return nil, challenge.Persistence("list notifications", err)
		}
		rec.Kind = notification.Kind(kind)
		rec.Outcome = notification.Outcome(outcome)
		rec.Error = errText.String
		rec.AttemptedAt = rec.AttemptedAt.UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, challenge.Persistence("list notifications", err)
	}
	return out, nil
}

type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func upsertReminderPG(ctx context.Context, db pgExecer, r notification.Reminder) error {
	var sent any
	if r.SentAt != nil {
		sent = *r.SentAt
	}
	_, err := db.Exec(ctx, pgUpsertReminder, r.ChallengeID, string(r.Kind), r.ScheduledFor, sent, string(r.Status))
	return err
}

const pgUpsertReminder = `
INSERT INTO reminders (challenge_id, kind, scheduled_for, sent_at, status)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (challenge_id, kind) DO UPDATE
  SET scheduled_for = EXCLUDED.scheduled_for, sent_at = EXCLUDED.sent_at, status = EXCLUDED.status
  WHERE reminders.status <> 'sent'
`

func (s *PGStore) UpsertReminder(ctx context.Context, r notification.Reminder) error {
	return challenge.Persistence("upsert reminder", upsertReminderPG(ctx, s.pool, r))
}

func (s *PGStore) GetReminder(ctx context.Context, challengeID string, kind notification.Kind) (notification.Reminder, error) {
	var (
		r      notification.Reminder
		sent   sql.NullTime
		status string
	)
	err := s.pool.QueryRow(ctx, `
SELECT scheduled_for, sent_at, status FROM reminders WHERE challenge_id = $1 AND kind = $2
`, challengeID, string(kind)).Scan(&r.ScheduledFor, &sent, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return notification.Reminder{}, ErrReminderNotFound
		}
		return notification.Reminder{}, challenge.Persistence("get reminder", err)
	}
	r.ChallengeID = challengeID
	r.Kind = kind
	r.ScheduledFor = r.ScheduledFor.UTC()
	r.SentAt = nullTime(sent)
	r.Status = notification.ReminderStatus(status)
	return r, nil
}
