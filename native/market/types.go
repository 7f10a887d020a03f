package market

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Listing limits enforced at creation time.
const (
	MaxTitleLen       = 128
	MaxDescriptionLen = 1024
	MaxMediaRefLen    = 256

	MinDeliveryHours = 1
	MaxDeliveryHours = 720
)

// MaxPrice bounds the listing price; HighValueThreshold selects the
// high-value fee tier. Both are denominated in the ledger's base unit.
var (
	MaxPrice           = big.NewInt(1_000_000_000)
	HighValueThreshold = big.NewInt(10_000)
)

// Category is the closed set of listing categories. Premium listings carry a
// category fee surcharge.
type Category uint8

const (
	CategoryGeneral Category = iota
	CategoryDigital
	CategoryServices
	CategoryPhysical
	CategoryPremium
)

// Valid reports whether the category value is within the supported range.
func (c Category) Valid() bool {
	return c <= CategoryPremium
}

// String returns the canonical lowercase name of the category.
func (c Category) String() string {
	switch c {
	case CategoryGeneral:
		return "general"
	case CategoryDigital:
		return "digital"
	case CategoryServices:
		return "services"
	case CategoryPhysical:
		return "physical"
	case CategoryPremium:
		return "premium"
	default:
		return fmt.Sprintf("category(%d)", uint8(c))
	}
}

// ParseCategory maps a case-insensitive name to its Category.
func ParseCategory(name string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "general":
		return CategoryGeneral, nil
	case "digital":
		return CategoryDigital, nil
	case "services":
		return CategoryServices, nil
	case "physical":
		return CategoryPhysical, nil
	case "premium":
		return CategoryPremium, nil
	default:
		return 0, fmt.Errorf("%w: unknown category %q", ErrValidation, name)
	}
}

// Status represents the lifecycle states of a listing's escrow. Transitions
// are monotonic: Created -> Sold -> Delivered, or Created/Sold -> Cancelled.
type Status uint8

const (
	StatusCreated Status = iota
	StatusSold
	StatusDelivered
	StatusCancelled
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	return s <= StatusCancelled
}

// Terminal reports whether no further state-mutating operation is legal.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// String returns the canonical lowercase name of the status.
func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusSold:
		return "sold"
	case StatusDelivered:
		return "delivered"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ParseStatus resolves a canonical status name back to its value.
func ParseStatus(name string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "created":
		return StatusCreated, nil
	case "sold":
		return StatusSold, nil
	case "delivered":
		return StatusDelivered, nil
	case "cancelled":
		return StatusCancelled, nil
	default:
		return 0, fmt.Errorf("%w: unknown status %q", ErrValidation, name)
	}
}

// CancelReasonTimeout is recorded when a buyer reclaims funds after the
// delivery deadline lapsed.
const CancelReasonTimeout = "delivery timeout"

// CancelReasonDelisted is recorded when a seller withdraws a never-sold
// listing.
const CancelReasonDelisted = "delisted by seller"

// Listing couples the immutable sale offer metadata with the mutable escrow
// state of its custodial sale. The registry assigns the identifier once and
// never reuses it, even after cancellation.
type Listing struct {
	ID            uint64   `json:"id"`
	Seller        [20]byte `json:"seller"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	MediaRef      string   `json:"mediaRef"`
	Category      Category `json:"category"`
	Price         *big.Int `json:"price"`
	DeliveryHours uint64   `json:"deliveryHours"`
	HighValue     bool     `json:"highValue"`
	MetaHash      [32]byte `json:"metaHash"`
	CreatedAt     int64    `json:"createdAt"`

	Status       Status   `json:"status"`
	Buyer        [20]byte `json:"buyer"`
	PurchasedAt  int64    `json:"purchasedAt"`
	Deadline     int64    `json:"deadline"`
	CancelReason string   `json:"cancelReason,omitempty"`
}

// Clone returns a deep copy so callers can mutate the copy without affecting
// the stored instance.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	clone := *l
	if l.Price != nil {
		clone.Price = new(big.Int).Set(l.Price)
	} else {
		clone.Price = big.NewInt(0)
	}
	return &clone
}

// VaultAddress derives the deterministic custody account for this listing's
// escrow. The escrow instance itself is the holder of record between sale and
// settlement.
func (l *Listing) VaultAddress() [20]byte {
	return VaultAddress(l.ID)
}

// VaultAddress derives the custody account for a listing id.
func VaultAddress(id uint64) [20]byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	hash := ethcrypto.Keccak256([]byte("custodia/market/vault"), buf[:])
	var addr [20]byte
	copy(addr[:], hash[12:])
	return addr
}

// metaHash commits to the listing's descriptive fields so off-core indexers
// can verify metadata without trusting the gateway.
func metaHash(title, description, mediaRef string) [32]byte {
	return ethcrypto.Keccak256Hash([]byte(title), []byte{0}, []byte(description), []byte{0}, []byte(mediaRef))
}

// SanitizeListing validates and normalises the supplied listing, returning a
// cloned instance with a non-nil price. The original value is not mutated.
func SanitizeListing(l *Listing) (*Listing, error) {
	if l == nil {
		return nil, fmt.Errorf("%w: nil listing", ErrValidation)
	}
	clone := l.Clone()
	if strings.TrimSpace(clone.Title) == "" {
		return nil, fmt.Errorf("%w: title must not be empty", ErrValidation)
	}
	if len(clone.Title) > MaxTitleLen {
		return nil, fmt.Errorf("%w: title exceeds %d characters", ErrValidation, MaxTitleLen)
	}
	if len(clone.Description) > MaxDescriptionLen {
		return nil, fmt.Errorf("%w: description exceeds %d characters", ErrValidation, MaxDescriptionLen)
	}
	if len(clone.MediaRef) > MaxMediaRefLen {
		return nil, fmt.Errorf("%w: media reference exceeds %d characters", ErrValidation, MaxMediaRefLen)
	}
	if !clone.Category.Valid() {
		return nil, fmt.Errorf("%w: invalid category %d", ErrValidation, clone.Category)
	}
	if clone.Price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: price must be positive", ErrValidation)
	}
	if clone.Price.Cmp(MaxPrice) > 0 {
		return nil, fmt.Errorf("%w: price exceeds maximum", ErrValidation)
	}
	if clone.DeliveryHours < MinDeliveryHours || clone.DeliveryHours > MaxDeliveryHours {
		return nil, fmt.Errorf("%w: delivery window must be between %d and %d hours", ErrValidation, MinDeliveryHours, MaxDeliveryHours)
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("%w: invalid status %d", ErrValidation, clone.Status)
	}
	return clone, nil
}
