// Package credential tracks the permission credentials that gate
// permissioned labels. Call-limited labels escrow one unit per accepted
// request; the unit is burned or refunded once the execution is terminal.
package credential

import (
	"context"
	"errors"
)

var (
	ErrInsufficient = errors.New("insufficient credential balance")
	ErrNoHold       = errors.New("no escrowed credential to release")
	ErrZeroAmount   = errors.New("amount must be positive")
)

// Store holds per-label credential balances.
type Store interface {
	// Balance is the number of free units a holder owns for a label.
	Balance(ctx context.Context, label, holder string) (uint64, error)
	// Held is the number of units currently escrowed for a holder.
	Held(ctx context.Context, label, holder string) (uint64, error)
	Mint(ctx context.Context, label, holder string, amount uint64) error
	// Hold moves one free unit into escrow.
	Hold(ctx context.Context, label, holder string) error
	// Burn destroys one escrowed unit.
	Burn(ctx context.Context, label, holder string) error
	// Refund returns one escrowed unit to the free balance.
	Refund(ctx context.Context, label, holder string) error
}
