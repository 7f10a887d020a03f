package market

import (
	"math/big"
	"testing"
)

func TestQuoteBaseFee(t *testing.T) {
	policy := DefaultFeePolicy()
	fee := policy.Quote(big.NewInt(1000), CategoryGeneral, false)
	if fee.Cmp(big.NewInt(25)) != 0 {
		t.Fatalf("expected fee 25, got %s", fee)
	}
}

func TestQuoteHighValuePremium(t *testing.T) {
	policy := DefaultFeePolicy()
	// 2.5% base + 1% high value + 5% premium on 20000 = 500 + 200 + 1000.
	fee := policy.Quote(big.NewInt(20_000), CategoryPremium, true)
	if fee.Cmp(big.NewInt(1700)) != 0 {
		t.Fatalf("expected fee 1700, got %s", fee)
	}
}

func TestQuoteMonotoneInPrice(t *testing.T) {
	policy := DefaultFeePolicy()
	prev := big.NewInt(-1)
	for _, price := range []int64{1, 39, 40, 999, 1000, 9999, 10_000, 123_456} {
		fee := policy.Quote(big.NewInt(price), CategoryPremium, true)
		if fee.Cmp(prev) < 0 {
			t.Fatalf("fee decreased at price %d: %s < %s", price, fee, prev)
		}
		prev = fee
	}
}

func TestQuoteTierOrdering(t *testing.T) {
	policy := DefaultFeePolicy()
	price := big.NewInt(50_000)
	premiumHigh := policy.Quote(price, CategoryPremium, true)
	premium := policy.Quote(price, CategoryPremium, false)
	plain := policy.Quote(price, CategoryGeneral, false)
	if premiumHigh.Cmp(premium) < 0 {
		t.Fatalf("high-value premium fee %s below premium fee %s", premiumHigh, premium)
	}
	if premium.Cmp(plain) < 0 {
		t.Fatalf("premium fee %s below plain fee %s", premium, plain)
	}
}

func TestQuoteZeroAndNilPrice(t *testing.T) {
	policy := DefaultFeePolicy()
	if fee := policy.Quote(nil, CategoryGeneral, false); fee.Sign() != 0 {
		t.Fatalf("expected zero fee for nil price, got %s", fee)
	}
	if fee := policy.Quote(big.NewInt(0), CategoryGeneral, false); fee.Sign() != 0 {
		t.Fatalf("expected zero fee for zero price, got %s", fee)
	}
}

func TestSanitizeRejectsExcessiveBps(t *testing.T) {
	policy := FeePolicy{PlatformBps: MaxPlatformFeeBps + 1}
	if _, err := policy.Sanitize(); err == nil {
		t.Fatal("expected ceiling violation")
	}
	policy = FeePolicy{PlatformBps: 100, PremiumBps: MaxPremiumFeeBps + 1}
	if _, err := policy.Sanitize(); err == nil {
		t.Fatal("expected premium ceiling violation")
	}
}
