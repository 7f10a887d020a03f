package market

import (
	"math/big"
	"testing"
)

func TestParseCategoryRoundTrip(t *testing.T) {
	for _, c := range []Category{CategoryGeneral, CategoryDigital, CategoryServices, CategoryPhysical, CategoryPremium} {
		parsed, err := ParseCategory(c.String())
		if err != nil {
			t.Fatalf("parse %s: %v", c, err)
		}
		if parsed != c {
			t.Fatalf("round trip %s -> %s", c, parsed)
		}
	}
	if _, err := ParseCategory("antiques"); err == nil {
		t.Fatal("expected error for unknown category")
	}
	if parsed, err := ParseCategory(" Premium "); err != nil || parsed != CategoryPremium {
		t.Fatalf("case/space-insensitive parse failed: %v", err)
	}
}

func TestVaultAddressDeterministicAndDistinct(t *testing.T) {
	if VaultAddress(1) != VaultAddress(1) {
		t.Fatal("vault address not deterministic")
	}
	if VaultAddress(1) == VaultAddress(2) {
		t.Fatal("distinct listings share a vault")
	}
	if VaultAddress(1) == RegistryAddress() {
		t.Fatal("vault collides with registry account")
	}
}

func TestListingCloneDetachesPrice(t *testing.T) {
	original := &Listing{ID: 7, Title: "t", Price: big.NewInt(100)}
	clone := original.Clone()
	clone.Price.SetInt64(999)
	if original.Price.Cmp(big.NewInt(100)) != 0 {
		t.Fatal("clone shares price with original")
	}
}

func TestStatusTerminal(t *testing.T) {
	if StatusCreated.Terminal() || StatusSold.Terminal() {
		t.Fatal("non-terminal status reported terminal")
	}
	if !StatusDelivered.Terminal() || !StatusCancelled.Terminal() {
		t.Fatal("terminal status not reported terminal")
	}
}
