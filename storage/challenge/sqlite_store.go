package challenge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"procastinot-backend/core/challenge"
	"procastinot-backend/core/notification"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists challenges in a single SQLite file for lite deployments.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens path with the modernc driver and initializes the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps conditional updates serialized and :memory: databases shared.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s, err := NewSQLiteStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an open database and creates missing tables.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if err := InitializeSQLite(ctx, db); err != nil {
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

// DB exposes the handle for health checks.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

const sqliteSelectChallenge = `SELECT ` + challengeColumns + ` FROM challenges c`

func unix(t time.Time) any { return t.UTC().Unix() }

func fromUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func scanSQLiteChallenge(row rowScanner) (challenge.Challenge, error) {
	var (
		c                                          challenge.Challenge
		externalID                                 sql.NullInt64
		stake, status                              string
		created, updated, deadline                 int64
		submitted, approved, rejected              sql.NullInt64
		completed, failed, claimed                 sql.NullInt64
		evidence, description, comment, addr, hash sql.NullString
	)
	if err := row.Scan(
		&c.ID, &externalID, &c.Creator.Email, &c.Creator.Wallet,
		&c.Reviewer.Email, &c.Reviewer.Wallet, &c.Task, &stake,
		&c.DurationMinutes, &status, &created, &updated, &deadline, &submitted,
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
	c.CreatedAt = time.Unix(created, 0).UTC()
	c.UpdatedAt = time.Unix(updated, 0).UTC()
	c.DeadlineAt = time.Unix(deadline, 0).UTC()
	c.ProofSubmittedAt = fromUnix(submitted)
	c.ProofApprovedAt = fromUnix(approved)
	c.ProofRejectedAt = fromUnix(rejected)
	c.CompletedAt = fromUnix(completed)
	c.FailedAt = fromUnix(failed)
	c.RewardsClaimedAt = fromUnix(claimed)
	c.ProofEvidenceURL = evidence.String
	c.ProofDescription = description.String
	c.ReviewComment = comment.String
	c.ContractAddress = addr.String
	c.TransactionHash = hash.String
	return c, nil
}

func (s *SQLiteStore) Create(ctx context.Context, c challenge.Challenge, reminders ...notification.Reminder) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return challenge.Persistence("begin create", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", 24), ",")
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO challenges (`+challengeColumns+`) VALUES (`+placeholders+`)`,
		challengeArgs(c, unix)...); err != nil {
		return challenge.Persistence("insert challenge", err)
	}
	for _, r := range reminders {
		if err := upsertReminderSQLite(ctx, tx, r); err != nil {
			return challenge.Persistence("insert reminder", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return challenge.Persistence("commit create", err)
	}
	return nil
}

func (s *SQLiteStore) getOne(ctx context.Context, op, where string, arg any) (challenge.Challenge, error) {
	c, err := scanSQLiteChallenge(s.db.QueryRowContext(ctx, sqliteSelectChallenge+` WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return challenge.Challenge{}, challenge.ErrNotFound
		}
		return challenge.Challenge{}, challenge.Persistence(op, err)
	}
	return c, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (challenge.Challenge, error) {
	return s.getOne(ctx, "get challenge", "c.id = ?", id)
}

func (s *SQLiteStore) GetByExternalID(ctx context.Context, externalID int64) (challenge.Challenge, error) {
	return s.getOne(ctx, "get challenge by external id", "c.external_challenge_id = ?", externalID)
}

func (s *SQLiteStore) query(ctx context.Context, op, sqlText string, args ...any) ([]challenge.Challenge, error) {
	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, challenge.Persistence(op, err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]challenge.Challenge, 0)
	for rows.Next() {
		c, err := scanSQLiteChallenge(rows)
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

func (s *SQLiteStore) List(ctx context.Context, filter challenge.Filter) ([]challenge.Challenge, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		where = append(where, "c.status IN ("+strings.TrimSuffix(strings.Repeat("?,", len(filter.Statuses)), ",")+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	eq := func(column, value string) {
		if value != "" {
			where = append(where, "LOWER("+column+") = LOWER(?)")
			args = append(args, value)
		}
	}
	eq("c.creator_email", filter.CreatorEmail)
	eq("c.creator_wallet", filter.CreatorWallet)
	eq("c.accountability_partner_email", filter.ReviewerEmail)
	eq("c.accountability_partner_wallet", filter.ReviewerWallet)

	q := sqliteSelectChallenge
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	limit := -1
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	q += " ORDER BY c.created_at DESC, c.id LIMIT ?"
	args = append(args, limit)
	return s.query(ctx, "list challenges", q, args...)
}

func (s *SQLiteStore) LookupEmailByWallet(ctx context.Context, wallet string) (string, error) {
	var email string
	err := s.db.QueryRowContext(ctx,
		`SELECT creator_email FROM challenges WHERE LOWER(creator_wallet) = LOWER(?) ORDER BY created_at DESC LIMIT 1`,
		wallet).Scan(&email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", challenge.ErrNotFound
		}
		return "", challenge.Persistence("lookup email", err)
	}
	return email, nil
}

func (s *SQLiteStore) UpdateIf(ctx context.Context, c challenge.Challenge, expected challenge.Status) error {
	args := challengeArgs(c, unix)
	// id moves to the WHERE clause.
	args = append(args[1:], c.ID, string(expected))
	res, err := s.db.ExecContext(ctx, `
UPDATE challenges SET
  external_challenge_id = ?, creator_email = ?, creator_wallet = ?,
  accountability_partner_email = ?, accountability_partner_wallet = ?, task_description = ?,
  stake_amount = ?, duration_minutes = ?, status = ?, created_at = ?, updated_at = ?,
  deadline_at = ?, proof_submitted_at = ?, proof_approved_at = ?, proof_rejected_at = ?,
  completed_at = ?, failed_at = ?, rewards_claimed_at = ?, proof_evidence_url = ?,
  proof_description = ?, review_comment = ?, contract_address = ?, transaction_hash = ?
WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return challenge.Persistence("update challenge", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return challenge.Persistence("update challenge", err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, c.ID); err != nil {
			return err
		}
		return ErrStaleStatus
	}
	return nil
}

func (s *SQLiteStore) DueForReminder(ctx context.Context, now time.Time, window time.Duration) ([]challenge.Challenge, error) {
	now = challenge.Truncate(now)
	return s.query(ctx, "due for reminder", sqliteSelectChallenge+`
WHERE c.status = 'active' AND c.proof_submitted_at IS NULL
  AND c.deadline_at >= ? AND c.deadline_at <= ?
  AND NOT EXISTS (SELECT 1 FROM reminders r
    WHERE r.challenge_id = c.id AND r.kind = ? AND r.status = 'sent')
ORDER BY c.deadline_at, c.id`, now.Unix(), now.Add(window).Unix(), string(notification.KindProofReminder))
}

func (s *SQLiteStore) Expired(ctx context.Context, now time.Time) ([]challenge.Challenge, error) {
	return s.query(ctx, "expired challenges", sqliteSelectChallenge+`
WHERE c.status = 'active' AND c.proof_submitted_at IS NULL AND c.deadline_at < ?
ORDER BY c.deadline_at, c.id`, challenge.Truncate(now).Unix())
}

func (s *SQLiteStore) OverdueReviews(ctx context.Context, now time.Time) ([]challenge.Challenge, error) {
	return s.query(ctx, "overdue reviews", sqliteSelectChallenge+`
WHERE c.status = 'proof_submitted' AND c.deadline_at < ?
  AND c.proof_approved_at IS NULL AND c.proof_rejected_at IS NULL
  AND NOT EXISTS (SELECT 1 FROM reminders r
    WHERE r.challenge_id = c.id AND r.kind = ? AND r.status = 'sent')
ORDER BY c.deadline_at, c.id`, challenge.Truncate(now).Unix(), string(notification.KindOverdueReviewAlert))
}

func (s *SQLiteStore) AppendNotification(ctx context.Context, rec notification.Record) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO notification_log (id, challenge_id, recipient, kind, subject, body, digest, outcome, error, attempted_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ChallengeID, rec.Recipient, string(rec.Kind), rec.Subject, rec.Body, rec.Digest,
		string(rec.Outcome), nullIfEmpty(rec.Error), rec.AttemptedAt.UTC().Unix())
	return challenge.Persistence("append notification", err)
}

func (s *SQLiteStore) ListNotifications(ctx context.Context, challengeID string) ([]notification.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, challenge_id, recipient, kind, subject, body, digest, outcome, error, attempted_at
FROM notification_log WHERE challenge_id = ?
ORDER BY attempted_at, rowid`, challengeID)
	if err != nil {
		return nil, challenge.Persistence("list notifications", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]notification.Record, 0)
	for rows.Next() {
		var (
			rec           notification.Record
			kind, outcome string
			errText       sql.NullString
			attempted     int64
		)
		if err := rows.Scan(&rec.ID, &rec.ChallengeID, &rec.Recipient, &kind, &rec.Subject, &rec.Body,
			&rec.Digest, &outcome, &errText, &attempted); err != nil {
			return nil, challenge.Persistence("list notifications", err)
		}
		rec.Kind = notification.Kind(kind)
		rec.Outcome = notification.Outcome(outcome)
		rec.Error = errText.String
		rec.AttemptedAt = time.Unix(attempted, 0).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, challenge.Persistence("list notifications", err)
	}
	return out, nil
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertReminderSQLite(ctx context.Context, db sqlExecer, r notification.Reminder) error {
	var sent any
	if r.SentAt != nil {
		sent = r.SentAt.UTC().Unix()
	}
	_, err := db.ExecContext(ctx, `
INSERT INTO reminders (challenge_id, kind, scheduled_for, sent_at, status)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (challenge_id, kind) DO UPDATE
  SET scheduled_for = excluded.scheduled_for, sent_at = excluded.sent_at, status = excluded.status
  WHERE reminders.status <> 'sent'`,
		r.ChallengeID, string(r.Kind), r.ScheduledFor.UTC().Unix(), sent, string(r.Status))
	return err
}

func (s *SQLiteStore) UpsertReminder(ctx context.Context, r notification.Reminder) error {
	return challenge.Persistence("upsert reminder", upsertReminderSQLite(ctx, s.db, r))
}

func (s *SQLiteStore) GetReminder(ctx context.Context, challengeID string, kind notification.Kind) (notification.Reminder, error) {
	var (
		scheduled int64
		sent      sql.NullInt64
		status    string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT scheduled_for, sent_at, status FROM reminders WHERE challenge_id = ? AND kind = ?`,
		challengeID, string(kind)).Scan(&scheduled, &sent, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notification.Reminder{}, ErrReminderNotFound
		}
		return notification.Reminder{}, challenge.Persistence("get reminder", err)
	}
	return notification.Reminder{
		ChallengeID:  challengeID,
		Kind:         kind,
		ScheduledFor: time.Unix(scheduled, 0).UTC(),
		SentAt:       fromUnix(sent),
		Status:       notification.ReminderStatus(status),
	}, nil
}
