package market

import (
	"fmt"
	"math/big"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"custodia/core/events"
	nativecommon "custodia/native/common"
)

// reentrancyGuard serializes listing operations across goroutines and rejects
// true re-entry: a ledger callback on the same goroutine calling back into the
// engine while its own operation is still in flight. The guard is taken before
// the registry mutex, so re-entry fails with ErrReentrancy instead of
// deadlocking. An independent concurrent caller blocks until the holder
// finishes and then proceeds to the state check, so a lost race surfaces as
// ErrInvalidState.
type reentrancyGuard struct {
	mu      sync.Mutex
	cond    *sync.Cond
	holders map[uint64]uint64
}

func (g *reentrancyGuard) acquire(slot uint64) (func(), error) {
	gid := currentGoroutineID()
	g.mu.Lock()
	if g.holders == nil {
		g.holders = make(map[uint64]uint64)
		g.cond = sync.NewCond(&g.mu)
	}
	for {
		holder, busy := g.holders[slot]
		if !busy {
			break
		}
		if holder == gid {
			g.mu.Unlock()
			return nil, ErrReentrancy
		}
		g.cond.Wait()
	}
	g.holders[slot] = gid
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		delete(g.holders, slot)
		g.cond.Broadcast()
		g.mu.Unlock()
	}, nil
}

// currentGoroutineID parses the id out of the runtime stack header
// ("goroutine N [running]:"). The runtime exposes no direct accessor.
func currentGoroutineID() uint64 {
	var buf [32]byte
	n := runtime.Stack(buf[:], false)
	header := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	if idx := strings.IndexByte(header, ' '); idx > 0 {
		if id, err := strconv.ParseUint(header[:idx], 10, 64); err == nil {
			return id
		}
	}
	return 0
}

const secondsPerHour = 3600

// Buy captures the price into the listing's escrow custody and charges the
// platform fee. The caller must have pre-authorized the price to the escrow
// vault and, when a fee applies, the fee to the registry account. Price
// capture and fee debit appear atomic to observers: a failed fee debit
// unwinds the capture before the mutex is released.
func (r *Registry) Buy(caller [20]byte, id uint64) error {
	release, err := r.guard.acquire(id)
	if err != nil {
		return err
	}
	defer release()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := nativecommon.Guard(r.pauses, moduleName); err != nil {
		return ErrPaused
	}
	listing, ok := r.listings[id]
	if !ok {
		return ErrNotFound
	}
	if listing.Status != StatusCreated {
		return fmt.Errorf("%w: cannot buy listing in state %s", ErrInvalidState, listing.Status)
	}
	if caller == listing.Seller {
		return ErrSelfPurchase
	}

	price := new(big.Int).Set(listing.Price)
	fee := r.feePolicy.Quote(price, listing.Category, listing.HighValue)
	vault := listing.VaultAddress()

	if r.ledger.Allowance(caller, vault).Cmp(price) < 0 {
		return fmt.Errorf("%w: price not authorized to escrow", ErrInsufficientAllowance)
	}
	if fee.Sign() > 0 && r.ledger.Allowance(caller, RegistryAddress()).Cmp(fee) < 0 {
		return fmt.Errorf("%w: fee not authorized to registry", ErrInsufficientAllowance)
	}
	required := new(big.Int).Add(price, fee)
	if r.ledger.BalanceOf(caller).Cmp(required) < 0 {
		return fmt.Errorf("%w: balance below price plus fee", ErrInsufficientFunds)
	}

	if err := r.ledger.TransferFrom(vault, caller, vault, price); err != nil {
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	}

	now := r.now()
	listing.Buyer = caller
	listing.PurchasedAt = now
	listing.Deadline = now + int64(listing.DeliveryHours)*secondsPerHour
	listing.Status = StatusSold

	if fee.Sign() > 0 {
		if err := r.ledger.TransferFrom(RegistryAddress(), caller, r.feeTo, fee); err != nil {
			// Unwind the capture so the sale never half-applies. The
			// caller->vault allowance consumed by the capture is not
			// restored: the ledger interface exposes no approval
			// surface, and the upfront allowance and combined balance
			// checks above make this branch unreachable with a
			// conforming ledger.
			_ = r.ledger.Transfer(vault, caller, price)
			listing.Buyer = [20]byte{}
			listing.PurchasedAt = 0
			listing.Deadline = 0
			listing.Status = StatusCreated
			return fmt.Errorf("%w: fee debit failed: %v", ErrInsufficientFunds, err)
		}
		r.stats.TotalFees = new(big.Int).Add(cloneOrZero(r.stats.TotalFees), fee)
		r.emit(events.FeeCollected{
			ID:        id,
			Payer:     caller,
			Recipient: r.feeTo,
			Amount:    new(big.Int).Set(fee),
		})
	}

	r.stats.TotalSales++
	r.stats.TotalVolume = new(big.Int).Add(cloneOrZero(r.stats.TotalVolume), price)
	r.persist(listing)

	r.emit(events.ListingSold{
		ID:          id,
		Buyer:       caller,
		Seller:      listing.Seller,
		Price:       price,
		Fee:         fee,
		PurchasedAt: listing.PurchasedAt,
		Deadline:    listing.Deadline,
	})
	return nil
}

// ConfirmDelivery releases the escrowed price to the seller. Only the
// recorded buyer may confirm.
func (r *Registry) ConfirmDelivery(caller [20]byte, id uint64) error {
	release, err := r.guard.acquire(id)
	if err != nil {
		return err
	}
	defer release()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := nativecommon.Guard(r.pauses, moduleName); err != nil {
		return ErrPaused
	}
	listing, ok := r.listings[id]
	if !ok {
		return ErrNotFound
	}
	if listing.Status != StatusSold {
		return fmt.Errorf("%w: cannot confirm delivery in state %s", ErrInvalidState, listing.Status)
	}
	if caller != listing.Buyer {
		return fmt.Errorf("%w: only the buyer confirms delivery", ErrUnauthorized)
	}
	if err := r.ledger.Transfer(listing.VaultAddress(), listing.Seller, listing.Price); err != nil {
		return fmt.Errorf("%w: escrow release failed: %v", ErrInsufficientFunds, err)
	}
	listing.Status = StatusDelivered
	r.persist(listing)

	r.emit(events.DeliveryConfirmed{
		ID:     id,
		Buyer:  listing.Buyer,
		Seller: listing.Seller,
		Price:  new(big.Int).Set(listing.Price),
	})
	return nil
}

// RequestRefund lets the buyer reclaim escrowed funds strictly after the
// delivery deadline. It is invoked directly by the buyer and stays available
// while the registry is paused, so a pause never strands escrowed funds past
// their deadline.
func (r *Registry) RequestRefund(caller [20]byte, id uint64) error {
	release, err := r.guard.acquire(id)
	if err != nil {
		return err
	}
	defer release()

	r.mu.Lock()
	defer r.mu.Unlock()

	listing, ok := r.listings[id]
	if !ok {
		return ErrNotFound
	}
	if listing.Status != StatusSold {
		return fmt.Errorf("%w: cannot refund in state %s", ErrInvalidState, listing.Status)
	}
	if caller != listing.Buyer {
		return fmt.Errorf("%w: only the buyer requests a refund", ErrUnauthorized)
	}
	if r.now() <= listing.Deadline {
		return ErrDeadlineNotReached
	}
	if err := r.ledger.Transfer(listing.VaultAddress(), listing.Buyer, listing.Price); err != nil {
		return fmt.Errorf("%w: escrow refund failed: %v", ErrInsufficientFunds, err)
	}
	listing.Status = StatusCancelled
	listing.CancelReason = CancelReasonTimeout
	r.persist(listing)

	r.emit(events.ListingRefunded{
		ID:       id,
		Buyer:    listing.Buyer,
		Price:    new(big.Int).Set(listing.Price),
		Deadline: listing.Deadline,
	})
	return nil
}

// Cancel is the administrator emergency exit for a sold listing: captured
// funds return to the buyer and the listing terminates with the given
// reason. It remains available while the registry is paused.
func (r *Registry) Cancel(caller [20]byte, id uint64, reason string) error {
	release, err := r.guard.acquire(id)
	if err != nil {
		return err
	}
	defer release()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requireAdmin(caller); err != nil {
		return err
	}
	if strings.TrimSpace(reason) == "" {
		return fmt.Errorf("%w: cancellation reason must not be empty", ErrValidation)
	}
	listing, ok := r.listings[id]
	if !ok {
		return ErrNotFound
	}
	if listing.Status != StatusSold {
		return fmt.Errorf("%w: emergency cancel requires a sold listing, state is %s", ErrInvalidState, listing.Status)
	}
	if err := r.ledger.Transfer(listing.VaultAddress(), listing.Buyer, listing.Price); err != nil {
		return fmt.Errorf("%w: escrow refund failed: %v", ErrInsufficientFunds, err)
	}
	listing.Status = StatusCancelled
	listing.CancelReason = reason
	r.persist(listing)

	r.emit(events.ListingCancelled{
		ID:     id,
		Buyer:  listing.Buyer,
		Price:  new(big.Int).Set(listing.Price),
		Reason: reason,
	})
	return nil
}

// Delist lets the seller withdraw a listing that was never sold. No funds
// move; the listing terminates with a delist reason and its identifier is
// never reused.
func (r *Registry) Delist(caller [20]byte, id uint64) error {
	release, err := r.guard.acquire(id)
	if err != nil {
		return err
	}
	defer release()

	r.mu.Lock()
	defer r.mu.Unlock()

	listing, ok := r.listings[id]
	if !ok {
		return ErrNotFound
	}
	if listing.Status != StatusCreated {
		return fmt.Errorf("%w: only unsold listings can be delisted, state is %s", ErrInvalidState, listing.Status)
	}
	if caller != listing.Seller {
		return fmt.Errorf("%w: only the seller delists", ErrUnauthorized)
	}
	listing.Status = StatusCancelled
	listing.CancelReason = CancelReasonDelisted
	r.persist(listing)

	r.emit(events.ListingDelisted{ID: id, Seller: listing.Seller})
	return nil
}
