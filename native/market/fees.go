package market

import (
	"fmt"
	"math/big"
)

// Fee policy bounds. PlatformBps is administrator-tunable up to
// MaxPlatformFeeBps; the surcharges are fixed-percentage tiers.
const (
	DefaultPlatformFeeBps  = 250
	DefaultPremiumFeeBps   = 500
	DefaultHighValueFeeBps = 100

	MaxPlatformFeeBps = 1000
	MaxPremiumFeeBps  = 2000
)

var bpsDenominator = big.NewInt(10_000)

// FeePolicy computes the platform fee charged at sale time. Quote is a pure
// function of the price, category and high-value flag captured at listing
// creation; retuning the policy never alters fees already charged.
type FeePolicy struct {
	PlatformBps  uint32
	PremiumBps   uint32
	HighValueBps uint32
}

// DefaultFeePolicy returns the policy applied when the registry is built
// without overrides: 2.5% base, +5% premium category, +1% high-value tier.
func DefaultFeePolicy() FeePolicy {
	return FeePolicy{
		PlatformBps:  DefaultPlatformFeeBps,
		PremiumBps:   DefaultPremiumFeeBps,
		HighValueBps: DefaultHighValueFeeBps,
	}
}

// Sanitize validates the policy against its hard ceilings.
func (p FeePolicy) Sanitize() (FeePolicy, error) {
	if p.PlatformBps > MaxPlatformFeeBps {
		return FeePolicy{}, fmt.Errorf("%w: platform fee %d bps exceeds ceiling %d", ErrValidation, p.PlatformBps, MaxPlatformFeeBps)
	}
	if p.PremiumBps > MaxPremiumFeeBps {
		return FeePolicy{}, fmt.Errorf("%w: premium fee %d bps exceeds ceiling %d", ErrValidation, p.PremiumBps, MaxPremiumFeeBps)
	}
	if p.HighValueBps > MaxPlatformFeeBps {
		return FeePolicy{}, fmt.Errorf("%w: high-value fee %d bps exceeds ceiling %d", ErrValidation, p.HighValueBps, MaxPlatformFeeBps)
	}
	return p, nil
}

// Quote returns the fee owed for a sale at the given price. Each tier is an
// independent bps addend on the full price, so the result is non-decreasing
// in price and monotone in the surcharge flags.
func (p FeePolicy) Quote(price *big.Int, category Category, highValue bool) *big.Int {
	fee := big.NewInt(0)
	if price == nil || price.Sign() <= 0 {
		return fee
	}
	fee.Add(fee, bpsShare(price, p.PlatformBps))
	if highValue {
		fee.Add(fee, bpsShare(price, p.HighValueBps))
	}
	if category == CategoryPremium {
		fee.Add(fee, bpsShare(price, p.PremiumBps))
	}
	return fee
}

func bpsShare(price *big.Int, bps uint32) *big.Int {
	if bps == 0 {
		return big.NewInt(0)
	}
	share := new(big.Int).Mul(price, new(big.Int).SetUint64(uint64(bps)))
	return share.Div(share, bpsDenominator)
}
