package challenge

import (
	"net/mail"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

const (
	MinDurationMinutes = 5
	MaxDurationMinutes = 129600
	MinTaskLength      = 10
	MaxTaskLength      = 1000
	MinProofLength     = 10
	MaxProofLength     = 1000
	MinCommentLength   = 10
	MaxCommentLength   = 500
	StakePrecision     = 8
)

var walletPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)

// ValidWallet reports whether s is a 0x-prefixed 64 hex digit address.
func ValidWallet(s string) bool { return walletPattern.MatchString(s) }

// ValidEmail reports whether s is a bare email address.
func ValidEmail(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return false
	}
	return addr.Address == s && strings.Contains(s[strings.LastIndex(s, "@")+1:], ".")
}

func checkLength(verr *ValidationError, field, value string, min, max int) {
	n := utf8.RuneCountInString(strings.TrimSpace(value))
	switch {
	case n < min:
		verr.add(field, "must be at least %d characters", min)
	case n > max:
		verr.add(field, "must be at most %d characters", max)
	}
}

// ValidateStake enforces a positive amount with at most StakePrecision fractional digits.
func ValidateStake(amount decimal.Decimal) error {
	verr := &ValidationError{}
	validateStake(verr, amount)
	return verr.orNil()
}

func validateStake(verr *ValidationError, amount decimal.Decimal) {
	if !amount.IsPositive() {
		verr.add("stake_amount", "must be greater than zero")
		return
	}
	if !amount.Equal(amount.Truncate(StakePrecision)) {
		verr.add("stake_amount", "must have at most %d decimal places", StakePrecision)
	}
}

// Validate checks every creation constraint and reports all violations at once.
func (n NewChallenge) Validate() error {
	verr := &ValidationError{}
	if !ValidEmail(n.CreatorEmail) {
		verr.add("creator_email", "must be a valid email address")
	}
	if !ValidWallet(n.CreatorWallet) {
		verr.add("creator_wallet", "must be 0x followed by 64 hex characters")
	}
	if !ValidEmail(n.ReviewerEmail) {
		verr.add("accountability_partner_email", "must be a valid email address")
	}
	if !ValidWallet(n.ReviewerWallet) {
		verr.add("accountability_partner_wallet", "must be 0x followed by 64 hex characters")
	}
	checkLength(verr, "task_description", n.Task, MinTaskLength, MaxTaskLength)
	validateStake(verr, n.StakeAmount)
	if n.DurationMinutes < MinDurationMinutes || n.DurationMinutes > MaxDurationMinutes {
		verr.add("duration_minutes", "must be between %d and %d", MinDurationMinutes, MaxDurationMinutes)
	}
	if n.ExternalChallengeID != nil && *n.ExternalChallengeID < 0 {
		verr.add("challenge_id", "must not be negative")
	}
	return verr.orNil()
}

// Validate checks the proof description and evidence URL.
func (p ProofSubmission) Validate() error {
	verr := &ValidationError{}
	checkLength(verr, "proof_description", p.Description, MinProofLength, MaxProofLength)
	if !validEvidenceURL(p.EvidenceURL) {
		verr.add("evidence_url", "must be an absolute http or https URL")
	}
	return verr.orNil()
}

// Validate checks the verdict and the reviewer comment.
func (d ReviewDecision) Validate() error {
	verr := &ValidationError{}
	if !d.Decision.Valid() {
		verr.add("decision", "must be %q or %q", VerdictApprove, VerdictReject)
	}
	checkLength(verr, "comment", d.Comment, MinCommentLength, MaxCommentLength)
	return verr.orNil()
}

func validEvidenceURL(raw string) bool {
	u, err := url.ParseRequestURI(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return true
	}
	return false
}
