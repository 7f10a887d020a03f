package market

import (
	"bytes"
	"math/big"
	"testing"

	"custodia/core/events"
	"custodia/native/ledger"
)

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

var (
	testAdmin  = newTestAddress(0xAD)
	testSeller = newTestAddress(0x5E)
	testBuyer  = newTestAddress(0xB1)
)

type testEnv struct {
	registry *Registry
	token    *ledger.Token
	emitter  *events.MemoryEmitter
	now      int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{token: ledger.NewToken(), emitter: events.NewMemoryEmitter(), now: 1_700_000_000}
	registry, err := NewRegistry(env.token, testAdmin)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	registry.SetEmitter(env.emitter)
	registry.SetNowFunc(func() int64 { return env.now })
	env.registry = registry
	return env
}

func (env *testEnv) createListing(t *testing.T, price int64, category Category) *Listing {
	t.Helper()
	listing, err := env.registry.CreateListing(testSeller, CreateListingInput{
		Title:         "vintage synthesizer",
		Description:   "fully serviced, new keybed",
		MediaRef:      "ipfs://bafy-synth",
		Category:      category,
		Price:         big.NewInt(price),
		DeliveryHours: 48,
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	return listing
}

// fundBuyer credits the buyer and authorizes price to the vault plus fee to
// the registry account, mirroring the pre-authorization flow callers follow.
func (env *testEnv) fundBuyer(t *testing.T, listing *Listing, buyer [20]byte) {
	t.Helper()
	fee := env.registry.QuoteFee(listing.Price, listing.Category, listing.HighValue)
	total := new(big.Int).Add(listing.Price, fee)
	if err := env.token.Mint(buyer, total); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := env.token.Approve(buyer, listing.VaultAddress(), listing.Price); err != nil {
		t.Fatalf("approve price: %v", err)
	}
	if fee.Sign() > 0 {
		if err := env.token.Approve(buyer, RegistryAddress(), fee); err != nil {
			t.Fatalf("approve fee: %v", err)
		}
	}
}

func (env *testEnv) buy(t *testing.T, listing *Listing, buyer [20]byte) {
	t.Helper()
	env.fundBuyer(t, listing, buyer)
	if err := env.registry.Buy(buyer, listing.ID); err != nil {
		t.Fatalf("buy: %v", err)
	}
}

func (env *testEnv) eventTypes() []string {
	emitted := env.emitter.Events()
	types := make([]string, 0, len(emitted))
	for _, evt := range emitted {
		types = append(types, evt.EventType())
	}
	return types
}
