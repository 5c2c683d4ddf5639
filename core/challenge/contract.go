package challenge

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// FixedPointScale is the number of decimal places in the contract's integer stake unit.
const FixedPointScale = 18

// ToFixedPoint converts a decimal stake into the contract's 10^18-scaled integer, flooring any
// remainder so the result never exceeds the authorised amount.
func ToFixedPoint(amount decimal.Decimal) *big.Int {
	return amount.Shift(FixedPointScale).Floor().BigInt()
}

// FromFixedPoint converts a contract integer back into a decimal stake.
func FromFixedPoint(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -FixedPointScale)
}

// ContractChallenge is the challenge as the on-chain contract expects it.
type ContractChallenge struct {
	ID          uint64 `json:"id"`
	Task        string `json:"task"`
	ACP         string `json:"acp"`
	Staker      string `json:"staker"`
	StakeAmount string `json:"stake_amount"`
	CreatedAt   int64  `json:"created_at"`
	TimeLimit   int64  `json:"time_limit"`
}

// ContractView converts a challenge into contract form. Timestamps are Unix seconds.
func ContractView(c Challenge) ContractChallenge {
	return ContractChallenge{
		ID:          contractID(c),
		Task:        c.Task,
		ACP:         c.Reviewer.Wallet,
		Staker:      c.Creator.Wallet,
		StakeAmount: ToFixedPoint(c.StakeAmount).String(),
		CreatedAt:   c.CreatedAt.Unix(),
		TimeLimit:   c.DeadlineAt.Unix(),
	}
}

// contractID prefers the id assigned on-chain; before confirmation it derives a u64 from the
// first 8 hex digits of the record id.
func contractID(c Challenge) uint64 {
	if c.ExternalChallengeID != nil && *c.ExternalChallengeID >= 0 {
		return uint64(*c.ExternalChallengeID)
	}
	hex := strings.ReplaceAll(c.ID, "-", "")
	if len(hex) > 8 {
		hex = hex[:8]
	}
	v, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return 0
	}
	return v
}
