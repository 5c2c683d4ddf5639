package challenge

import "time"

// edges is the state machine. A status absent from the map has no outgoing edge.
var edges = map[Status][]Status{
	StatusActive:         {StatusProofSubmitted, StatusFailed, StatusDisputed},
	StatusProofSubmitted: {StatusProofApproved, StatusProofRejected, StatusDisputed},
	StatusProofApproved:  {StatusCompleted, StatusDisputed},
	StatusProofRejected:  {StatusCompleted, StatusDisputed},
	StatusDisputed:       {StatusCompleted},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Sources returns every status with an edge into to.
func Sources(to Status) []Status {
	var out []Status
	for _, from := range AllStatuses {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Transition is one typed state change. Apply checks preconditions against the current record
// and returns the updated copy; it never mutates its argument.
type Transition interface {
	Name() string
	Target() Status
	Apply(c Challenge, at time.Time) (Challenge, error)
}

func requireEdge(c Challenge, to Status) error {
	if CanTransition(c.Status, to) {
		return nil
	}
	return &InvalidStateError{ID: c.ID, Current: c.Status, Expected: Sources(to)}
}

func stamp(at time.Time) *time.Time {
	t := Truncate(at)
	return &t
}

func (p ProofSubmission) Name() string   { return "submit_proof" }
func (p ProofSubmission) Target() Status { return StatusProofSubmitted }

// Apply moves an active challenge to proof_submitted if the deadline has not passed.
func (p ProofSubmission) Apply(c Challenge, at time.Time) (Challenge, error) {
	if c.Status != StatusActive {
		return c, &InvalidStateError{ID: c.ID, Current: c.Status, Expected: []Status{StatusActive}}
	}
	if c.Expired(at) {
		return c, &DeadlinePassedError{ID: c.ID, Deadline: c.DeadlineAt, At: at}
	}
	c.Status = StatusProofSubmitted
	c.ProofSubmittedAt = stamp(at)
	c.ProofDescription = p.Description
	c.ProofEvidenceURL = p.EvidenceURL
	c.UpdatedAt = Truncate(at)
	return c, nil
}

func (d ReviewDecision) Name() string { return "review_proof" }

func (d ReviewDecision) Target() Status {
	if d.Approved() {
		return StatusProofApproved
	}
	return StatusProofRejected
}

// Apply records the reviewer's verdict on a proof_submitted challenge.
func (d ReviewDecision) Apply(c Challenge, at time.Time) (Challenge, error) {
	if c.Status != StatusProofSubmitted || c.HasDecision() {
		return c, &InvalidStateError{ID: c.ID, Current: c.Status, Expected: []Status{StatusProofSubmitted}}
	}
	if !d.Decision.Valid() {
		return c, &ValidationError{Fields: []FieldError{{Field: "decision", Message: "must be approve or reject"}}}
	}
	c.Status = d.Target()
	if d.Approved() {
		c.ProofApprovedAt = stamp(at)
	} else {
		c.ProofRejectedAt = stamp(at)
	}
	c.ReviewComment = d.Comment
	c.UpdatedAt = Truncate(at)
	return c, nil
}

// Expiry fails an active challenge whose deadline passed without proof.
type Expiry struct{}

func (Expiry) Name() string   { return "expire" }
func (Expiry) Target() Status { return StatusFailed }

func (Expiry) Apply(c Challenge, at time.Time) (Challenge, error) {
	if c.Status != StatusActive || c.HasProof() {
		return c, &InvalidStateError{ID: c.ID, Current: c.Status, Expected: []Status{StatusActive}}
	}
	if !c.Expired(at) {
		return c, &InvalidStateError{ID: c.ID, Current: c.Status, Expected: []Status{StatusActive}}
	}
	c.Status = StatusFailed
	c.FailedAt = stamp(at)
	c.UpdatedAt = Truncate(at)
	return c, nil
}

// Dispute records that a contract-level dispute was raised.
type Dispute struct{}

func (Dispute) Name() string   { return "dispute" }
func (Dispute) Target() Status { return StatusDisputed }

func (Dispute) Apply(c Challenge, at time.Time) (Challenge, error) {
	if err := requireEdge(c, StatusDisputed); err != nil {
		return c, err
	}
	c.Status = StatusDisputed
	c.UpdatedAt = Truncate(at)
	return c, nil
}

// Settlement records that the on-chain claim completed the challenge.
type Settlement struct{}

func (Settlement) Name() string   { return "complete" }
func (Settlement) Target() Status { return StatusCompleted }

func (Settlement) Apply(c Challenge, at time.Time) (Challenge, error) {
	if err := requireEdge(c, StatusCompleted); err != nil {
		return c, err
	}
	c.Status = StatusCompleted
	c.CompletedAt = stamp(at)
	c.UpdatedAt = Truncate(at)
	return c, nil
}

// RewardsClaim stamps rewards_claimed_at on a terminal challenge without changing status.
type RewardsClaim struct{}

func (RewardsClaim) Name() string   { return "rewards_claimed" }
func (RewardsClaim) Target() Status { return "" }

func (RewardsClaim) Apply(c Challenge, at time.Time) (Challenge, error) {
	if !c.Status.Terminal() {
		return c, &InvalidStateError{ID: c.ID, Current: c.Status, Expected: []Status{StatusCompleted, StatusFailed}}
	}
	if c.RewardsClaimedAt == nil {
		c.RewardsClaimedAt = stamp(at)
		c.UpdatedAt = Truncate(at)
	}
	return c, nil
}

func (l ContractLink) Name() string   { return "link_contract" }
func (l ContractLink) Target() Status { return "" }

// Apply fills on-chain identifiers. An external id, once set, never changes.
func (l ContractLink) Apply(c Challenge, at time.Time) (Challenge, error) {
	if l.ExternalChallengeID != nil {
		if c.ExternalChallengeID != nil && *c.ExternalChallengeID != *l.ExternalChallengeID {
			verr := &ValidationError{}
			verr.add("challenge_id", "already linked to %d", *c.ExternalChallengeID)
			return c, verr
		}
		id := *l.ExternalChallengeID
		c.ExternalChallengeID = &id
	}
	if l.ContractAddress != "" {
		c.ContractAddress = l.ContractAddress
	}
	if l.TransactionHash != "" {
		c.TransactionHash = l.TransactionHash
	}
	c.UpdatedAt = Truncate(at)
	return c, nil
}
