package challenge

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle position of a challenge.
type Status string

const (
	StatusActive         Status = "active"
	StatusProofSubmitted Status = "proof_submitted"
	StatusProofApproved  Status = "proof_approved"
	StatusProofRejected  Status = "proof_rejected"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusDisputed       Status = "disputed"
)

// AllStatuses lists every status in state-machine order.
var AllStatuses = []Status{
	StatusActive,
	StatusProofSubmitted,
	StatusProofApproved,
	StatusProofRejected,
	StatusCompleted,
	StatusFailed,
	StatusDisputed,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further application-level transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Party identifies one side of a challenge.
type Party struct {
	Email  string `json:"email"`
	Wallet string `json:"wallet"`
}

// Challenge is the off-chain record of a staked, time-boxed task.
type Challenge struct {
	ID                  string          `json:"id"`
	ExternalChallengeID *int64          `json:"external_challenge_id,omitempty"`
	Creator             Party           `json:"creator"`
	Reviewer            Party           `json:"reviewer"`
	Task                string          `json:"task_description"`
	StakeAmount         decimal.Decimal `json:"stake_amount"`
	DurationMinutes     int             `json:"duration_minutes"`
	Status              Status          `json:"status"`

	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	DeadlineAt       time.Time  `json:"deadline_at"`
	ProofSubmittedAt *time.Time `json:"proof_submitted_at,omitempty"`
	ProofApprovedAt  *time.Time `json:"proof_approved_at,omitempty"`
	ProofRejectedAt  *time.Time `json:"proof_rejected_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	FailedAt         *time.Time `json:"failed_at,omitempty"`
	RewardsClaimedAt *time.Time `json:"rewards_claimed_at,omitempty"`

	ProofEvidenceURL string `json:"proof_evidence_url,omitempty"`
	ProofDescription string `json:"proof_description,omitempty"`
	ReviewComment    string `json:"review_comment,omitempty"`

	ContractAddress string `json:"contract_address,omitempty"`
	TransactionHash string `json:"transaction_hash,omitempty"`
}

// HasProof reports whether proof has been submitted.
func (c Challenge) HasProof() bool { return c.ProofSubmittedAt != nil }

// HasDecision reports whether the reviewer has approved or rejected the proof.
func (c Challenge) HasDecision() bool {
	return c.ProofApprovedAt != nil || c.ProofRejectedAt != nil
}

// Expired reports whether the deadline lies strictly before now, at second precision.
func (c Challenge) Expired(now time.Time) bool {
	return Truncate(c.DeadlineAt).Before(Truncate(now))
}

// NewChallenge is the input to challenge creation.
type NewChallenge struct {
	CreatorEmail        string          `json:"creator_email"`
	CreatorWallet       string          `json:"creator_wallet"`
	Task                string          `json:"task_description"`
	ReviewerEmail       string          `json:"accountability_partner_email"`
	ReviewerWallet      string          `json:"accountability_partner_wallet"`
	StakeAmount         decimal.Decimal `json:"stake_amount"`
	DurationMinutes     int             `json:"duration_minutes"`
	ContractAddress     string          `json:"contract_address,omitempty"`
	TransactionHash     string          `json:"transaction_hash,omitempty"`
	ExternalChallengeID *int64          `json:"challenge_id,omitempty"`
}

// ProofSubmission carries the fields required to move active -> proof_submitted.
type ProofSubmission struct {
	Description string `json:"proof_description"`
	EvidenceURL string `json:"evidence_url"`
}

// Verdict is the reviewer's call on submitted proof.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictReject  Verdict = "reject"
)

// Valid reports whether v is approve or reject.
func (v Verdict) Valid() bool { return v == VerdictApprove || v == VerdictReject }

// ReviewDecision carries the reviewer's verdict on submitted proof. Decision has no default.
type ReviewDecision struct {
	Decision Verdict `json:"decision"`
	Comment  string  `json:"comment"`
}

// Approved reports whether the verdict approves the proof.
func (d ReviewDecision) Approved() bool { return d.Decision == VerdictApprove }

// ContractLink records on-chain identifiers once the create transaction confirms.
type ContractLink struct {
	ExternalChallengeID *int64 `json:"challenge_id,omitempty"`
	ContractAddress     string `json:"contract_address,omitempty"`
	TransactionHash     string `json:"transaction_hash,omitempty"`
}

// Filter narrows challenge listings.
type Filter struct {
	Statuses       []Status
	CreatorEmail   string
	CreatorWallet  string
	ReviewerEmail  string
	ReviewerWallet string
	Limit          int
}

// Truncate drops sub-second precision; all lifecycle comparisons happen at second granularity.
func Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
