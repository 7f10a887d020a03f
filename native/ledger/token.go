package ledger

import (
	"math/big"
	"sync"
)

// Token is the reference in-memory ledger. It keeps balances and owner ->
// spender allowances under a single mutex so each transfer is atomic, and it
// either fully applies an operation or leaves both maps untouched.
type Token struct {
	mu         sync.RWMutex
	balances   map[[20]byte]*big.Int
	allowances map[[20]byte]map[[20]byte]*big.Int
}

// NewToken returns an empty ledger. Balances are established with Mint.
func NewToken() *Token {
	return &Token{
		balances:   make(map[[20]byte]*big.Int),
		allowances: make(map[[20]byte]map[[20]byte]*big.Int),
	}
}

// Mint credits the account. Used for genesis allocations and tests.
func (t *Token) Mint(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances[addr] = new(big.Int).Add(t.balanceLocked(addr), amount)
	return nil
}

// Approve sets the exact amount spender may pull from owner.
func (t *Token) Approve(owner, spender [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.allowances[owner]
	if !ok {
		row = make(map[[20]byte]*big.Int)
		t.allowances[owner] = row
	}
	row[spender] = new(big.Int).Set(amount)
	return nil
}

// BalanceOf implements Ledger.
func (t *Token) BalanceOf(addr [20]byte) *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return new(big.Int).Set(t.balanceLocked(addr))
}

// Allowance implements Ledger.
func (t *Token) Allowance(owner, spender [20]byte) *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return new(big.Int).Set(t.allowanceLocked(owner, spender))
}

// Transfer implements Ledger.
func (t *Token) Transfer(from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.moveLocked(from, to, amount)
}

// TransferFrom implements Ledger. The allowance check happens before any
// balance movement so a failed pull leaves both accounts intact.
func (t *Token) TransferFrom(spender, owner, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	allowed := t.allowanceLocked(owner, spender)
	if allowed.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	if err := t.moveLocked(owner, to, amount); err != nil {
		return err
	}
	t.allowances[owner][spender] = new(big.Int).Sub(allowed, amount)
	return nil
}

func (t *Token) balanceLocked(addr [20]byte) *big.Int {
	if bal, ok := t.balances[addr]; ok && bal != nil {
		return bal
	}
	return big.NewInt(0)
}

func (t *Token) allowanceLocked(owner, spender [20]byte) *big.Int {
	if row, ok := t.allowances[owner]; ok {
		if allowed, ok := row[spender]; ok && allowed != nil {
			return allowed
		}
	}
	return big.NewInt(0)
}

func (t *Token) moveLocked(from, to [20]byte, amount *big.Int) error {
	fromBal := t.balanceLocked(from)
	if fromBal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	t.balances[from] = new(big.Int).Sub(fromBal, amount)
	t.balances[to] = new(big.Int).Add(t.balanceLocked(to), amount)
	return nil
}
