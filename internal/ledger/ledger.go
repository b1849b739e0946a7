package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var ErrInsufficientBalance = errors.New("insufficient balance")

// Balance is an account's collateral state. Free is the spendable
// balance; Locked is collateral committed to open positions. Both are
// non-negative at all times.
type Balance struct {
	Free   int64
	Locked int64
}

// CollateralLedger maintains in-memory account balances. It exclusively
// owns Balance records; every mutation is all-or-nothing.
type CollateralLedger struct {
	balances map[uuid.UUID]*Balance
}

func NewCollateralLedger() *CollateralLedger {
	return &CollateralLedger{
		balances: make(map[uuid.UUID]*Balance),
	}
}

// Get returns the account's balance. Unknown accounts have a zero
// balance (default value semantics, not an error).
func (l *CollateralLedger) Get(account uuid.UUID) Balance {
	if b := l.balances[account]; b != nil {
		return *b
	}
	return Balance{}
}

// Credit adds amount to the account's free balance.
func (l *CollateralLedger) Credit(account uuid.UUID, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("credit amount must be non-negative: %d", amount)
	}
	l.getOrCreate(account).Free += amount
	return nil
}

// Debit removes amount from the account's free balance. Fails before
// any mutation if the result would be negative.
func (l *CollateralLedger) Debit(account uuid.UUID, amount int64) error {
	b := l.getOrCreate(account)
	if b.Free-amount < 0 {
		return fmt.Errorf("%w: free=%d, debit=%d", ErrInsufficientBalance, b.Free, amount)
	}
	b.Free -= amount
	return nil
}

// SetBalance overwrites the account's free balance. Negative targets
// are rejected without mutation.
func (l *CollateralLedger) SetBalance(account uuid.UUID, newFree int64) error {
	if newFree < 0 {
		return fmt.Errorf("%w: target free balance %d", ErrInsufficientBalance, newFree)
	}
	l.getOrCreate(account).Free = newFree
	return nil
}

// LockCollateral moves amount from free to locked. This is the debit
// the position engine performs when collateral is committed.
func (l *CollateralLedger) LockCollateral(account uuid.UUID, amount int64) error {
	b := l.getOrCreate(account)
	if b.Free-amount < 0 {
		return fmt.Errorf("%w: free=%d, required=%d", ErrInsufficientBalance, b.Free, amount)
	}
	b.Free -= amount
	b.Locked += amount
	return nil
}

// ValidateNonNegative checks the free-balance invariant for an account.
func (l *CollateralLedger) ValidateNonNegative(account uuid.UUID) error {
	b := l.Get(account)
	if b.Free < 0 {
		return fmt.Errorf("account %s has negative free balance: %d", account, b.Free)
	}
	if b.Locked < 0 {
		return fmt.Errorf("account %s has negative locked balance: %d", account, b.Locked)
	}
	return nil
}

// Restore directly sets an account balance (used for snapshot restore).
func (l *CollateralLedger) Restore(account uuid.UUID, b Balance) {
	l.balances[account] = &Balance{Free: b.Free, Locked: b.Locked}
}

// Snapshot returns a copy of all balances.
func (l *CollateralLedger) Snapshot() map[uuid.UUID]Balance {
	out := make(map[uuid.UUID]Balance, len(l.balances))
	for id, b := range l.balances {
		out[id] = *b
	}
	return out
}

func (l *CollateralLedger) getOrCreate(account uuid.UUID) *Balance {
	b := l.balances[account]
	if b == nil {
		b = &Balance{}
		l.balances[account] = b
	}
	return b
}
