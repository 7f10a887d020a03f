package events

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"custodia/core/types"
)

const (
	TypeListingCreated    = "market.listing.created"
	TypeListingSold       = "market.listing.sold"
	TypeDeliveryConfirmed = "market.listing.delivered"
	TypeListingCancelled  = "market.listing.cancelled"
	TypeListingRefunded   = "market.listing.refunded"
	TypeListingDelisted   = "market.listing.delisted"
	TypeFeeCollected      = "market.fee.collected"
)

// ListingCreated is emitted once per listing when the registry admits it.
type ListingCreated struct {
	ID        uint64
	Seller    [20]byte
	Category  string
	Price     *big.Int
	HighValue bool
	MetaHash  [32]byte
	CreatedAt int64
}

func (ListingCreated) EventType() string { return TypeListingCreated }

func (e ListingCreated) Event() *types.Event {
	return &types.Event{
		Type: TypeListingCreated,
		Attributes: map[string]string{
			"id":        strconv.FormatUint(e.ID, 10),
			"seller":    hex.EncodeToString(e.Seller[:]),
			"category":  e.Category,
			"price":     formatAmount(e.Price),
			"highValue": strconv.FormatBool(e.HighValue),
			"metaHash":  hex.EncodeToString(e.MetaHash[:]),
			"createdAt": strconv.FormatInt(e.CreatedAt, 10),
		},
	}
}

// ListingSold is emitted when a buyer's funds are captured into escrow.
type ListingSold struct {
	ID          uint64
	Buyer       [20]byte
	Seller      [20]byte
	Price       *big.Int
	Fee         *big.Int
	PurchasedAt int64
	Deadline    int64
}

func (ListingSold) EventType() string { return TypeListingSold }

func (e ListingSold) Event() *types.Event {
	return &types.Event{
		Type: TypeListingSold,
		Attributes: map[string]string{
			"id":          strconv.FormatUint(e.ID, 10),
			"buyer":       hex.EncodeToString(e.Buyer[:]),
			"seller":      hex.EncodeToString(e.Seller[:]),
			"price":       formatAmount(e.Price),
			"fee":         formatAmount(e.Fee),
			"purchasedAt": strconv.FormatInt(e.PurchasedAt, 10),
			"deadline":    strconv.FormatInt(e.Deadline, 10),
		},
	}
}

// DeliveryConfirmed is emitted when escrowed funds are released to the seller.
type DeliveryConfirmed struct {
	ID     uint64
	Buyer  [20]byte
	Seller [20]byte
	Price  *big.Int
}

func (DeliveryConfirmed) EventType() string { return TypeDeliveryConfirmed }

func (e DeliveryConfirmed) Event() *types.Event {
	return &types.Event{
		Type: TypeDeliveryConfirmed,
		Attributes: map[string]string{
			"id":     strconv.FormatUint(e.ID, 10),
			"buyer":  hex.EncodeToString(e.Buyer[:]),
			"seller": hex.EncodeToString(e.Seller[:]),
			"price":  formatAmount(e.Price),
		},
	}
}

// ListingCancelled is emitted for an administrator emergency cancellation.
type ListingCancelled struct {
	ID     uint64
	Buyer  [20]byte
	Price  *big.Int
	Reason string
}

func (ListingCancelled) EventType() string { return TypeListingCancelled }

func (e ListingCancelled) Event() *types.Event {
	return &types.Event{
		Type: TypeListingCancelled,
		Attributes: map[string]string{
			"id":     strconv.FormatUint(e.ID, 10),
			"buyer":  hex.EncodeToString(e.Buyer[:]),
			"price":  formatAmount(e.Price),
			"reason": e.Reason,
		},
	}
}

// ListingRefunded is emitted when the buyer reclaims escrowed funds after the
// delivery deadline lapsed.
type ListingRefunded struct {
	ID       uint64
	Buyer    [20]byte
	Price    *big.Int
	Deadline int64
}

func (ListingRefunded) EventType() string { return TypeListingRefunded }

func (e ListingRefunded) Event() *types.Event {
	return &types.Event{
		Type: TypeListingRefunded,
		Attributes: map[string]string{
			"id":       strconv.FormatUint(e.ID, 10),
			"buyer":    hex.EncodeToString(e.Buyer[:]),
			"price":    formatAmount(e.Price),
			"deadline": strconv.FormatInt(e.Deadline, 10),
		},
	}
}

// ListingDelisted is emitted when a seller withdraws a never-sold listing.
type ListingDelisted struct {
	ID     uint64
	Seller [20]byte
}

func (ListingDelisted) EventType() string { return TypeListingDelisted }

func (e ListingDelisted) Event() *types.Event {
	return &types.Event{
		Type: TypeListingDelisted,
		Attributes: map[string]string{
			"id":     strconv.FormatUint(e.ID, 10),
			"seller": hex.EncodeToString(e.Seller[:]),
		},
	}
}

// FeeCollected is emitted alongside a sale whenever a non-zero platform fee
// was routed to the fee recipient.
type FeeCollected struct {
	ID        uint64
	Payer     [20]byte
	Recipient [20]byte
	Amount    *big.Int
}

func (FeeCollected) EventType() string { return TypeFeeCollected }

func (e FeeCollected) Event() *types.Event {
	return &types.Event{
		Type: TypeFeeCollected,
		Attributes: map[string]string{
			"id":        strconv.FormatUint(e.ID, 10),
			"payer":     hex.EncodeToString(e.Payer[:]),
			"recipient": hex.EncodeToString(e.Recipient[:]),
			"amount":    formatAmount(e.Amount),
		},
	}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
