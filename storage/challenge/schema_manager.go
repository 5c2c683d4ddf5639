package challenge

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SchemaManager handles database schema migrations
type SchemaManager struct {
	pool *pgxpool.Pool
}

// NewSchemaManager creates a new schema manager
func NewSchemaManager(pool *pgxpool.Pool) *SchemaManager {
	return &SchemaManager{pool: pool}
}

// Initialize creates the database schema
func (m *SchemaManager) Initialize(ctx context.Context) error {
	_, err := m.pool.Exec(ctx, postgresSchema)
	return err
}

// InitializeSQLite creates the SQLite flavour of the schema on db.
func InitializeSQLite(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, sqliteSchema)
	return err
}

const postgresSchema = `
-- Challenges table
CREATE TABLE IF NOT EXISTS challenges (
  id TEXT PRIMARY KEY,
  external_challenge_id BIGINT UNIQUE,
  creator_email TEXT NOT NULL,
  creator_wallet TEXT NOT NULL,
  accountability_partner_email TEXT NOT NULL,
  accountability_partner_wallet TEXT NOT NULL,
  task_description TEXT NOT NULL,
  stake_amount NUMERIC(38,8) NOT NULL CHECK (stake_amount > 0),
  duration_minutes INT NOT NULL CHECK (duration_minutes BETWEEN 5 AND 129600),
  status TEXT NOT NULL DEFAULT 'active' CHECK (status IN
    ('active','proof_submitted','proof_approved','proof_rejected','completed','failed','disputed')),
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  deadline_at TIMESTAMPTZ NOT NULL,
  proof_submitted_at TIMESTAMPTZ,
  proof_approved_at TIMESTAMPTZ,
  proof_rejected_at TIMESTAMPTZ,
  completed_at TIMESTAMPTZ,
  failed_at TIMESTAMPTZ,
  rewards_claimed_at TIMESTAMPTZ,
  proof_evidence_url TEXT,
  proof_description TEXT,
  review_comment TEXT,
  contract_address TEXT,
  transaction_hash TEXT,
  CHECK (proof_approved_at IS NULL OR proof_rejected_at IS NULL)
);

-- Notification log
CREATE TABLE IF NOT EXISTS notification_log (
  id TEXT PRIMARY KEY,
  challenge_id TEXT NOT NULL,
  recipient TEXT NOT NULL,
  kind TEXT NOT NULL,
  subject TEXT NOT NULL,
  body TEXT NOT NULL,
  digest TEXT NOT NULL,
  outcome TEXT NOT NULL CHECK (outcome IN ('sent','failed','skipped')),
  error TEXT,
  attempted_at TIMESTAMPTZ NOT NULL
);

-- Reminders
CREATE TABLE IF NOT EXISTS reminders (
  challenge_id TEXT NOT NULL REFERENCES challenges(id),
  kind TEXT NOT NULL,
  scheduled_for TIMESTAMPTZ NOT NULL,
  sent_at TIMESTAMPTZ,
  status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','sent','failed')),
  PRIMARY KEY (challenge_id, kind)
);

-- Indexes for the sweeps and listings
CREATE INDEX IF NOT EXISTS idx_challenges_status_deadline ON challenges(status, deadline_at);
CREATE INDEX IF NOT EXISTS idx_challenges_creator_email ON challenges(LOWER(creator_email));
CREATE INDEX IF NOT EXISTS idx_challenges_partner_email ON challenges(LOWER(accountability_partner_email));
CREATE INDEX IF NOT EXISTS idx_challenges_creator_wallet ON challenges(LOWER(creator_wallet));
CREATE INDEX IF NOT EXISTS idx_notification_log_challenge ON notification_log(challenge_id, attempted_at);
`

// Times are Unix seconds; stake is the decimal string.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS challenges (
  id TEXT PRIMARY KEY,
  external_challenge_id INTEGER UNIQUE,
  creator_email TEXT NOT NULL,
  creator_wallet TEXT NOT NULL,
  accountability_partner_email TEXT NOT NULL,
  accountability_partner_wallet TEXT NOT NULL,
  task_description TEXT NOT NULL,
  stake_amount TEXT NOT NULL,
  duration_minutes INTEGER NOT NULL,
  status TEXT NOT NULL DEFAULT 'active',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  deadline_at INTEGER NOT NULL,
  proof_submitted_at INTEGER,
  proof_approved_at INTEGER,
  proof_rejected_at INTEGER,
  completed_at INTEGER,
  failed_at INTEGER,
  rewards_claimed_at INTEGER,
  proof_evidence_url TEXT,
  proof_description TEXT,
  review_comment TEXT,
  contract_address TEXT,
  transaction_hash TEXT
);
CREATE TABLE IF NOT EXISTS notification_log (
  id TEXT PRIMARY KEY,
  challenge_id TEXT NOT NULL,
  recipient TEXT NOT NULL,
  kind TEXT NOT NULL,
  subject TEXT NOT NULL,
  body TEXT NOT NULL,
  digest TEXT NOT NULL,
  outcome TEXT NOT NULL,
  error TEXT,
  attempted_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS reminders (
  challenge_id TEXT NOT NULL REFERENCES challenges(id),
  kind TEXT NOT NULL,
  scheduled_for INTEGER NOT NULL,
  sent_at INTEGER,
  status TEXT NOT NULL DEFAULT 'pending',
  PRIMARY KEY (challenge_id, kind)
);
CREATE INDEX IF NOT EXISTS idx_challenges_status_deadline ON challenges(status, deadline_at);
CREATE INDEX IF NOT EXISTS idx_notification_log_challenge ON notification_log(challenge_id, attempted_at);
`
