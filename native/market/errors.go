package market

import "errors"

// Error taxonomy surfaced by the registry. Every failure is synchronous and
// leaves engine state untouched; callers branch with errors.Is.
var (
	// ErrValidation marks malformed input. The caller may retry with
	// corrected parameters.
	ErrValidation = errors.New("market: invalid input")
	// ErrInvalidState marks an operation that is illegal for the listing's
	// current lifecycle state.
	ErrInvalidState = errors.New("market: invalid listing state")
	// ErrUnauthorized marks a caller that is not permitted to perform the
	// operation.
	ErrUnauthorized = errors.New("market: unauthorized caller")
	// ErrInsufficientFunds marks a ledger balance shortfall.
	ErrInsufficientFunds = errors.New("market: insufficient funds")
	// ErrInsufficientAllowance marks a missing or short pre-authorization.
	ErrInsufficientAllowance = errors.New("market: insufficient allowance")
	// ErrDeadlineNotReached marks a refund attempted at or before the
	// delivery deadline.
	ErrDeadlineNotReached = errors.New("market: delivery deadline not reached")
	// ErrNotFound marks an unknown listing identifier.
	ErrNotFound = errors.New("market: listing not found")
	// ErrPaused marks an operation rejected while the registry is paused.
	ErrPaused = errors.New("market: registry paused")
	// ErrSelfPurchase marks a buyer identical to the seller.
	ErrSelfPurchase = errors.New("market: seller cannot buy own listing")
	// ErrReentrancy marks a call that re-entered a listing with an operation
	// already in flight.
	ErrReentrancy = errors.New("market: reentrant call rejected")
)
