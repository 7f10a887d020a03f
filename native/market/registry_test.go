package market

import (
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"

	"custodia/storage"
)

func TestCreateListingAssignsSequentialIDs(t *testing.T) {
	env := newTestEnv(t)
	first := env.createListing(t, 1000, CategoryGeneral)
	second := env.createListing(t, 2000, CategoryDigital)
	if first.ID != 1 || second.ID != 2 {
		t.Fatalf("expected ids 1 and 2, got %d and %d", first.ID, second.ID)
	}
	if env.registry.Stats().TotalListings != 2 {
		t.Fatalf("expected 2 listings in stats")
	}
}

func TestCreateListingRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	created := env.createListing(t, 1000, CategoryDigital)
	got, err := env.registry.Get(created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "vintage synthesizer" || got.Description != "fully serviced, new keybed" || got.MediaRef != "ipfs://bafy-synth" {
		t.Fatalf("metadata mismatch: %+v", got)
	}
	if got.Category != CategoryDigital || got.Price.Cmp(big.NewInt(1000)) != 0 || got.DeliveryHours != 48 {
		t.Fatalf("listing fields mismatch: %+v", got)
	}
	if got.Status != StatusCreated {
		t.Fatalf("expected created status, got %s", got.Status)
	}
	if got.HighValue {
		t.Fatal("price 1000 must not be flagged high value")
	}
	if got.Seller != testSeller {
		t.Fatal("seller mismatch")
	}
}

func TestConcurrentCreateListings(t *testing.T) {
	env := newTestEnv(t)
	const sellers = 8
	var wg sync.WaitGroup
	errs := make(chan error, sellers)
	for i := 0; i < sellers; i++ {
		seller := newTestAddress(byte(0x10 + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.registry.CreateListing(seller, CreateListingInput{
				Title:         "vintage synthesizer",
				Category:      CategoryGeneral,
				Price:         big.NewInt(1000),
				DeliveryHours: 48,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent create failed: %v", err)
		}
	}
	for id := uint64(1); id <= sellers; id++ {
		if _, err := env.registry.Get(id); err != nil {
			t.Fatalf("listing %d missing after concurrent creation: %v", id, err)
		}
	}
	if stats := env.registry.Stats(); stats.TotalListings != sellers {
		t.Fatalf("total listings %d, want %d", stats.TotalListings, sellers)
	}
}

func TestCreateListingHighValueFlag(t *testing.T) {
	env := newTestEnv(t)
	below := env.createListing(t, 9_999, CategoryGeneral)
	atThreshold := env.createListing(t, 10_000, CategoryGeneral)
	if below.HighValue {
		t.Fatal("9999 flagged high value")
	}
	if !atThreshold.HighValue {
		t.Fatal("10000 not flagged high value")
	}
}

func TestCreateListingValidation(t *testing.T) {
	env := newTestEnv(t)
	base := CreateListingInput{
		Title:         "ok",
		Category:      CategoryGeneral,
		Price:         big.NewInt(100),
		DeliveryHours: 24,
	}
	cases := []struct {
		name   string
		mutate func(*CreateListingInput)
	}{
		{"empty title", func(in *CreateListingInput) { in.Title = "  " }},
		{"title too long", func(in *CreateListingInput) { in.Title = strings.Repeat("x", MaxTitleLen+1) }},
		{"description too long", func(in *CreateListingInput) { in.Description = strings.Repeat("x", MaxDescriptionLen+1) }},
		{"media ref too long", func(in *CreateListingInput) { in.MediaRef = strings.Repeat("x", MaxMediaRefLen+1) }},
		{"zero price", func(in *CreateListingInput) { in.Price = big.NewInt(0) }},
		{"negative price", func(in *CreateListingInput) { in.Price = big.NewInt(-5) }},
		{"price above max", func(in *CreateListingInput) { in.Price = new(big.Int).Add(MaxPrice, big.NewInt(1)) }},
		{"delivery too short", func(in *CreateListingInput) { in.DeliveryHours = 0 }},
		{"delivery too long", func(in *CreateListingInput) { in.DeliveryHours = MaxDeliveryHours + 1 }},
		{"invalid category", func(in *CreateListingInput) { in.Category = Category(99) }},
	}
	for _, tc := range cases {
		in := base
		tc.mutate(&in)
		if _, err := env.registry.CreateListing(testSeller, in); !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: expected ErrValidation, got %v", tc.name, err)
		}
	}
	if env.registry.Stats().TotalListings != 0 {
		t.Fatal("failed creations must not count")
	}
}

func TestCreateListingWhilePaused(t *testing.T) {
	env := newTestEnv(t)
	if err := env.registry.Pause(testAdmin); err != nil {
		t.Fatalf("pause: %v", err)
	}
	_, err := env.registry.CreateListing(testSeller, CreateListingInput{
		Title: "blocked", Category: CategoryGeneral, Price: big.NewInt(10), DeliveryHours: 24,
	})
	if !errors.Is(err, ErrPaused) {
		t.Fatalf("expected ErrPaused, got %v", err)
	}
	if err := env.registry.Unpause(testAdmin); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	env.createListing(t, 100, CategoryGeneral)
}

func TestPauseRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	if err := env.registry.Pause(testSeller); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestListPageBounds(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		env.createListing(t, 100, CategoryGeneral)
	}
	if _, err := env.registry.ListPage(0, 0); !errors.Is(err, ErrValidation) {
		t.Fatalf("limit 0: expected ErrValidation, got %v", err)
	}
	if _, err := env.registry.ListPage(MaxPageLimit+1, 0); !errors.Is(err, ErrValidation) {
		t.Fatalf("limit over max: expected ErrValidation, got %v", err)
	}
	if _, err := env.registry.ListPage(10, 5); !errors.Is(err, ErrValidation) {
		t.Fatalf("offset at total: expected ErrValidation, got %v", err)
	}
	if _, err := env.registry.ListPage(10, -1); !errors.Is(err, ErrValidation) {
		t.Fatalf("negative offset: expected ErrValidation, got %v", err)
	}
}

func TestListPageSweepMatchesCreationOrder(t *testing.T) {
	env := newTestEnv(t)
	const total = 23
	for i := 0; i < total; i++ {
		env.createListing(t, 100+int64(i), CategoryGeneral)
	}
	var swept []uint64
	for offset := 0; offset < total; offset += 7 {
		page, err := env.registry.ListPage(7, offset)
		if err != nil {
			t.Fatalf("page at offset %d: %v", offset, err)
		}
		for _, l := range page {
			swept = append(swept, l.ID)
		}
	}
	if len(swept) != total {
		t.Fatalf("sweep returned %d listings, want %d", len(swept), total)
	}
	for i, id := range swept {
		if id != uint64(i+1) {
			t.Fatalf("position %d holds id %d, want %d", i, id, i+1)
		}
	}
}

func TestListFiltered(t *testing.T) {
	env := newTestEnv(t)
	env.createListing(t, 500, CategoryGeneral)
	premium := env.createListing(t, 20_000, CategoryPremium)
	env.createListing(t, 800, CategoryDigital)
	env.buy(t, premium, testBuyer)

	cat := CategoryPremium
	byCategory, err := env.registry.ListFiltered(Filter{Category: &cat}, 10, 0)
	if err != nil {
		t.Fatalf("filter by category: %v", err)
	}
	if len(byCategory) != 1 || byCategory[0].ID != premium.ID {
		t.Fatalf("expected only the premium listing, got %d results", len(byCategory))
	}

	buyer := testBuyer
	byBuyer, err := env.registry.ListFiltered(Filter{Buyer: &buyer}, 10, 0)
	if err != nil {
		t.Fatalf("filter by buyer: %v", err)
	}
	if len(byBuyer) != 1 || byBuyer[0].ID != premium.ID {
		t.Fatalf("expected the bought listing, got %d results", len(byBuyer))
	}

	min := big.NewInt(600)
	max := big.NewInt(1000)
	byPrice, err := env.registry.ListFiltered(Filter{MinPrice: min, MaxPrice: max}, 10, 0)
	if err != nil {
		t.Fatalf("filter by price: %v", err)
	}
	if len(byPrice) != 1 || byPrice[0].Price.Cmp(big.NewInt(800)) != 0 {
		t.Fatalf("expected the 800 listing, got %d results", len(byPrice))
	}

	if _, err := env.registry.ListFiltered(Filter{}, 0, 0); !errors.Is(err, ErrValidation) {
		t.Fatalf("limit 0: expected ErrValidation, got %v", err)
	}
}

func TestSetPlatformFeeBps(t *testing.T) {
	env := newTestEnv(t)
	if err := env.registry.SetPlatformFeeBps(testSeller, 100); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-admin retune: expected ErrUnauthorized, got %v", err)
	}
	if err := env.registry.SetPlatformFeeBps(testAdmin, MaxPlatformFeeBps+1); !errors.Is(err, ErrValidation) {
		t.Fatalf("over ceiling: expected ErrValidation, got %v", err)
	}
	if err := env.registry.SetPlatformFeeBps(testAdmin, 500); err != nil {
		t.Fatalf("retune: %v", err)
	}
	fee := env.registry.QuoteFee(big.NewInt(1000), CategoryGeneral, false)
	if fee.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("expected fee 50 after retune, got %s", fee)
	}
}

func TestFeeRetuneDoesNotAffectPastSales(t *testing.T) {
	env := newTestEnv(t)
	listing := env.createListing(t, 1000, CategoryGeneral)
	env.buy(t, listing, testBuyer)
	feesBefore := env.registry.Stats().TotalFees

	if err := env.registry.SetPlatformFeeBps(testAdmin, 1000); err != nil {
		t.Fatalf("retune: %v", err)
	}
	if env.registry.Stats().TotalFees.Cmp(feesBefore) != 0 {
		t.Fatal("retune altered already-collected fees")
	}
}

func TestSetFeeRecipient(t *testing.T) {
	env := newTestEnv(t)
	if err := env.registry.SetFeeRecipient(testAdmin, [20]byte{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("zero recipient: expected ErrValidation, got %v", err)
	}
	treasury := newTestAddress(0x77)
	if err := env.registry.SetFeeRecipient(testAdmin, treasury); err != nil {
		t.Fatalf("set recipient: %v", err)
	}
	listing := env.createListing(t, 1000, CategoryGeneral)
	env.buy(t, listing, testBuyer)
	if got := env.token.BalanceOf(treasury); got.Cmp(big.NewInt(25)) != 0 {
		t.Fatalf("treasury received %s, want 25", got)
	}
}

func TestTransferAdmin(t *testing.T) {
	env := newTestEnv(t)
	next := newTestAddress(0x99)
	if err := env.registry.TransferAdmin(testSeller, next); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-admin transfer: expected ErrUnauthorized, got %v", err)
	}
	if err := env.registry.TransferAdmin(testAdmin, [20]byte{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("zero admin: expected ErrValidation, got %v", err)
	}
	if err := env.registry.TransferAdmin(testAdmin, next); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := env.registry.Pause(testAdmin); !errors.Is(err, ErrUnauthorized) {
		t.Fatal("old admin retained privileges")
	}
	if err := env.registry.Pause(next); err != nil {
		t.Fatalf("new admin pause: %v", err)
	}
}

func TestSweepMisdirected(t *testing.T) {
	env := newTestEnv(t)
	stray := newTestAddress(0x45)
	if err := env.token.Mint(stray, big.NewInt(500)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := env.token.Transfer(stray, RegistryAddress(), big.NewInt(500)); err != nil {
		t.Fatalf("misdirect: %v", err)
	}
	recovered, err := env.registry.SweepMisdirected(testAdmin, stray)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if recovered.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("recovered %s, want 500", recovered)
	}
	if got := env.token.BalanceOf(stray); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("stray balance %s, want 500", got)
	}
}

func TestSweepDoesNotTouchVaults(t *testing.T) {
	env := newTestEnv(t)
	listing := env.createListing(t, 1000, CategoryGeneral)
	env.buy(t, listing, testBuyer)
	if _, err := env.registry.SweepMisdirected(testAdmin, testAdmin); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := env.token.BalanceOf(listing.VaultAddress()); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("vault balance %s after sweep, want 1000", got)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	db := storage.NewMemDB()
	env.registry.SetStore(db)

	listing := env.createListing(t, 20_000, CategoryPremium)
	env.buy(t, listing, testBuyer)
	env.createListing(t, 300, CategoryDigital)

	rebuilt, err := NewRegistry(env.token, testAdmin)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	rebuilt.SetStore(db)
	if err := rebuilt.LoadFromStore(); err != nil {
		t.Fatalf("load: %v", err)
	}
	got, err := rebuilt.Get(listing.ID)
	if err != nil {
		t.Fatalf("get after reload: %v", err)
	}
	if got.Status != StatusSold || got.Buyer != testBuyer {
		t.Fatalf("reloaded listing lost escrow state: %+v", got)
	}
	stats := rebuilt.Stats()
	if stats.TotalListings != 2 || stats.TotalSales != 1 {
		t.Fatalf("reloaded stats mismatch: %+v", stats)
	}
	if stats.TotalFees.Cmp(big.NewInt(1700)) != 0 {
		t.Fatalf("reloaded fees %s, want 1700", stats.TotalFees)
	}
	next, err := rebuilt.CreateListing(testSeller, CreateListingInput{
		Title: "post-reload", Category: CategoryGeneral, Price: big.NewInt(10), DeliveryHours: 24,
	})
	if err != nil {
		t.Fatalf("create after reload: %v", err)
	}
	if next.ID != 3 {
		t.Fatalf("id counter not restored, got %d", next.ID)
	}
}
