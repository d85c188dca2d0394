package room

import (
	"context"
	"errors"
	"sync"

	"gridclash.app/internal/sim/battle/grid"
)

var ErrInsufficientFunds = errors.New("insufficient funds")

// Wallet is the long-lived currency source KE spend is debited from.
type Wallet interface {
	Balance(ctx context.Context, roomID string, team grid.Team) (int64, error)
	Debit(ctx context.Context, roomID string, team grid.Team, amount int64) (int64, error)
}

// MemWallet keeps balances in memory. Debits never go below zero; an
// overdraft drains the balance and reports ErrInsufficientFunds.
type MemWallet struct {
	mu  sync.Mutex
	bal map[string]int64
}

func NewMemWallet() *MemWallet { return &MemWallet{bal: map[string]int64{}} }

func walletKey(roomID string, team grid.Team) string { return roomID + "/" + team.String() }

func (w *MemWallet) Credit(roomID string, team grid.Team, amount int64) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	k := walletKey(roomID, team)
	w.bal[k] += amount
	return w.bal[k]
}

func (w *MemWallet) Balance(_ context.Context, roomID string, team grid.Team) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bal[walletKey(roomID, team)], nil
}

func (w *MemWallet) Debit(_ context.Context, roomID string, team grid.Team, amount int64) (int64, error) {
	if amount <= 0 {
		return w.Balance(context.Background(), roomID, team)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	k := walletKey(roomID, team)
	if w.bal[k] < amount {
		w.bal[k] = 0
		return 0, ErrInsufficientFunds
	}
	w.bal[k] -= amount
	return w.bal[k], nil
}
