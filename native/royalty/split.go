package royalty

import (
	"fmt"
	"math/big"

	"soundchain/core/types"
)

// BpsDenominator is the basis-point scale used for all fee and royalty
// percentages.
const BpsDenominator = 10_000

// DefaultShareCeilingBps leaves 1000 bps of headroom for the platform cut.
// The ceiling is policy, not a protocol invariant, and is configurable at
// every call site.
const DefaultShareCeilingBps = 9_000

// Share describes a single collaborator entitlement. PreferredChain zero means
// the settlement chain; an empty PreferredAsset means the settlement asset.
type Share struct {
	Recipient      [20]byte
	PercentageBps  uint32
	PreferredChain uint64
	PreferredAsset string
}

// Payout is the computed amount owed to one collaborator. Zero-percentage
// shares still occupy a slot so the output stays auditable against the input
// list; callers skip the actual transfer when Amount is zero.
type Payout struct {
	Share  Share
	Amount *big.Int
}

// Result captures a full split of a gross amount. The conservation invariant
// Fee + sum(Payouts) + SellerRemainder == gross holds exactly; rounding loss
// is absorbed into the seller remainder.
type Result struct {
	Fee             *big.Int
	Payouts         []Payout
	SellerRemainder *big.Int
}

// ValidateShares rejects malformed collaborator lists before any value moves.
// The ceiling bounds the summed percentages; pass BpsDenominator to allow the
// full range or DefaultShareCeilingBps to reserve platform-fee headroom.
func ValidateShares(shares []Share, ceilingBps uint32) error {
	if ceilingBps == 0 || ceilingBps > BpsDenominator {
		return fmt.Errorf("royalty: share ceiling %d out of range", ceilingBps)
	}
	total := uint64(0)
	for i, share := range shares {
		if share.PercentageBps > BpsDenominator {
			return fmt.Errorf("royalty: share %d percentage %d exceeds %d bps", i, share.PercentageBps, BpsDenominator)
		}
		if share.PercentageBps > 0 && share.Recipient == ([20]byte{}) {
			return fmt.Errorf("royalty: share %d has no recipient", i)
		}
		total += uint64(share.PercentageBps)
	}
	if total > uint64(ceilingBps) {
		return fmt.Errorf("royalty: shares total %d bps exceeds ceiling %d", total, ceilingBps)
	}
	return nil
}

// Split computes the platform fee, per-collaborator payouts, and seller
// remainder for a gross settlement amount. The fee is taken first; each
// collaborator share is floor((gross-fee) * bps / 10000) evaluated in input
// order; whatever remains goes to the seller. The function is pure and never
// mutates its inputs.
func Split(gross *big.Int, platformFeeBps uint32, shares []Share) (Result, error) {
	amount := big.NewInt(0)
	if gross != nil {
		amount = new(big.Int).Set(gross)
	}
	if amount.Sign() < 0 {
		return Result{}, fmt.Errorf("royalty: gross amount must be non-negative")
	}
	if platformFeeBps > BpsDenominator {
		return Result{}, fmt.Errorf("royalty: platform fee %d bps out of range", platformFeeBps)
	}

	fee := new(big.Int).Mul(amount, big.NewInt(int64(platformFeeBps)))
	fee.Div(fee, big.NewInt(BpsDenominator))

	base := new(big.Int).Sub(amount, fee)
	paid := big.NewInt(0)
	payouts := make([]Payout, 0, len(shares))
	for _, share := range shares {
		cut := new(big.Int).Mul(base, big.NewInt(int64(share.PercentageBps)))
		cut.Div(cut, big.NewInt(BpsDenominator))
		paid.Add(paid, cut)
		normalized := share
		normalized.PreferredAsset = types.NormalizeAsset(share.PreferredAsset)
		payouts = append(payouts, Payout{Share: normalized, Amount: cut})
	}
	remainder := new(big.Int).Sub(base, paid)
	if remainder.Sign() < 0 {
		return Result{}, fmt.Errorf("royalty: shares exceed fee-adjusted base")
	}
	return Result{Fee: fee, Payouts: payouts, SellerRemainder: remainder}, nil
}
