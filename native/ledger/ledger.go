// Package ledger defines the value-transfer interface the settlement engine
// consumes, together with a reference in-memory token implementation. The
// engine never touches balances directly: every fund movement goes through
// Transfer or TransferFrom and is checked for failure before engine state is
// mutated.
package ledger

import (
	"errors"
	"math/big"
)

var (
	ErrInsufficientBalance   = errors.New("ledger: insufficient balance")
	ErrInsufficientAllowance = errors.New("ledger: insufficient allowance")
	ErrInvalidAmount         = errors.New("ledger: amount must be positive")
)

// Ledger is the external collaborator holding account balances for the
// fungible value unit. All four operations are fallible; callers must treat a
// returned error as "no state changed".
type Ledger interface {
	// BalanceOf reports the spendable balance of the account.
	BalanceOf(addr [20]byte) *big.Int
	// Allowance reports how much spender may pull from owner via TransferFrom.
	Allowance(owner, spender [20]byte) *big.Int
	// TransferFrom debits owner in favour of to, consuming the spender's
	// allowance. The spender is the engine account performing the pull.
	TransferFrom(spender, owner, to [20]byte, amount *big.Int) error
	// Transfer moves funds the caller account holds directly.
	Transfer(from, to [20]byte, amount *big.Int) error
}
