// Package ledger keeps per-account balances, custody totals and the bank
// state singleton.
//
// Mutations go through a Tx that journals the prior value of every record it
// touches. Rolling back restores them in reverse order, so a failed operation
// leaves no trace. The bank runs at most one Tx at a time.
package ledger

import (
	"bytes"
	"math/big"
	"sort"
	"sync"

	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/custody_bank/internal/domain/custody"
	"github.com/R3E-Network/custody_bank/internal/errors"
)

type positionKey struct {
	account util.Uint160
	asset   util.Uint160
}

// Ledger is the in-memory book of record.
type Ledger struct {
	mu       sync.RWMutex
	balances map[positionKey]custody.Balance
	custody  map[util.Uint160]*big.Int
	state    custody.BankState
}

// Snapshot is a point-in-time copy of the ledger.
type Snapshot struct {
	State     custody.BankState
	Positions []custody.Position
	Holdings  []custody.Holding
}

// New creates an empty ledger with the given immutable limits.
func New(capacityLimit, withdrawalLimit *big.Int) *Ledger {
	return &Ledger{
		balances: make(map[positionKey]custody.Balance),
		custody:  make(map[util.Uint160]*big.Int),
		state: custody.BankState{
			TotalValueLocked: new(big.Int),
			CapacityLimit:    new(big.Int).Set(capacityLimit),
			WithdrawalLimit:  new(big.Int).Set(withdrawalLimit),
		},
	}
}

// BalanceOf returns the balance of (account, asset); zero if never touched.
func (l *Ledger) BalanceOf(account, asset util.Uint160) custody.Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if b, ok := l.balances[positionKey{account, asset}]; ok {
		return b.Clone()
	}
	return custody.NewBalance()
}

// AllBalances returns one row per asset in assets, zero rows included.
func (l *Ledger) AllBalances(account util.Uint160, assets []util.Uint160) []custody.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]custody.Position, 0, len(assets))
	for _, asset := range assets {
		b, ok := l.balances[positionKey{account, asset}]
		if ok {
			b = b.Clone()
		} else {
			b = custody.NewBalance()
		}
		out = append(out, custody.Position{Account: account, Asset: asset, Balance: b})
	}
	return out
}

// CustodyOf returns the raw amount of asset held by the bank.
func (l *Ledger) CustodyOf(asset util.Uint160) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if v, ok := l.custody[asset]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// State returns a copy of the bank state.
func (l *Ledger) State() custody.BankState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.Clone()
}

// Snapshot copies the full ledger. Rows are sorted for stable output.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snap := Snapshot{State: l.state.Clone()}
	for k, b := range l.balances {
		snap.Positions = append(snap.Positions, custody.Position{Account: k.account, Asset: k.asset, Balance: b.Clone()})
	}
	sort.Slice(snap.Positions, func(i, j int) bool {
		a, b := snap.Positions[i], snap.Positions[j]
		if c := bytes.Compare(a.Account.BytesBE(), b.Account.BytesBE()); c != 0 {
			return c < 0
		}
		return bytes.Compare(a.Asset.BytesBE(), b.Asset.BytesBE()) < 0
	})
	for asset, v := range l.custody {
		snap.Holdings = append(snap.Holdings, custody.Holding{Asset: asset, Amount: new(big.Int).Set(v)})
	}
	sort.Slice(snap.Holdings, func(i, j int) bool {
		return bytes.Compare(snap.Holdings[i].Asset.BytesBE(), snap.Holdings[j].Asset.BytesBE()) < 0
	})
	return snap
}

// Restore replaces the ledger contents with snap.
func (l *Ledger) Restore(snap Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.state = snap.State.Clone()
	l.balances = make(map[positionKey]custody.Balance, len(snap.Positions))
	for _, p := range snap.Positions {
		l.balances[positionKey{p.Account, p.Asset}] = p.Balance.Clone()
	}
	l.custody = make(map[util.Uint160]*big.Int, len(snap.Holdings))
	for _, h := range snap.Holdings {
		l.custody[h.Asset] = new(big.Int).Set(h.Amount)
	}
}

// Begin opens a journaled transaction.
func (l *Ledger) Begin() *Tx {
	return &Tx{l: l}
}

// Tx is a journaled set of ledger mutations.
type Tx struct {
	l    *Ledger
	undo []func()
	done bool
}

// Credit adds raw to the account's balance and cumulative deposits.
func (tx *Tx) Credit(account, asset util.Uint160, raw *big.Int) {
	tx.l.mu.Lock()
	defer tx.l.mu.Unlock()

	key := positionKey{account, asset}
	prev, existed := tx.l.balances[key]
	next := custody.NewBalance()
	if existed {
		next = prev.Clone()
	}
	next.Amount.Add(next.Amount, raw)
	next.CumulativeDeposited.Add(next.CumulativeDeposited, raw)
	tx.l.balances[key] = next

	tx.journal(func() {
		if existed {
			tx.l.balances[key] = prev
		} else {
			delete(tx.l.balances, key)
		}
	})
}

// Debit removes raw from the account's balance and adds it to cumulative
// withdrawals.
func (tx *Tx) Debit(account, asset util.Uint160, raw *big.Int) error {
	tx.l.mu.Lock()
	defer tx.l.mu.Unlock()

	key := positionKey{account, asset}
	prev, existed := tx.l.balances[key]
	if !existed || prev.Amount.Cmp(raw) < 0 {
		available := "0"
		if existed {
			available = prev.Amount.String()
		}
		return errors.ErrInsufficientBalance.
			WithDetails("available", available).
			WithDetails("requested", raw.String())
	}
	next := prev.Clone()
	next.Amount.Sub(next.Amount, raw)
	next.CumulativeWithdrawn.Add(next.CumulativeWithdrawn, raw)
	tx.l.balances[key] = next

	tx.journal(func() { tx.l.balances[key] = prev })
	return nil
}

// AddCustody records raw more of asset held by the bank.
func (tx *Tx) AddCustody(asset util.Uint160, raw *big.Int) {
	tx.l.mu.Lock()
	defer tx.l.mu.Unlock()
	tx.setCustody(asset, new(big.Int).Add(tx.custodyOf(asset), raw))
}

// RemoveCustody records raw less of asset held by the bank.
func (tx *Tx) RemoveCustody(asset util.Uint160, raw *big.Int) error {
	tx.l.mu.Lock()
	defer tx.l.mu.Unlock()

	held := tx.custodyOf(asset)
	if held.Cmp(raw) < 0 {
		return errors.ErrInsufficientBalance.
			WithDetails("custody", held.String()).
			WithDetails("requested", raw.String())
	}
	tx.setCustody(asset, new(big.Int).Sub(held, raw))
	return nil
}

func (tx *Tx) custodyOf(asset util.Uint160) *big.Int {
	if v, ok := tx.l.custody[asset]; ok {
		return v
	}
	return new(big.Int)
}

func (tx *Tx) setCustody(asset util.Uint160, v *big.Int) {
	prev, existed := tx.l.custody[asset]
	tx.l.custody[asset] = v
	tx.journal(func() {
		if existed {
			tx.l.custody[asset] = prev
		} else {
			delete(tx.l.custody, asset)
		}
	})
}

// IncreaseTVL adds value to total value locked.
func (tx *Tx) IncreaseTVL(value *big.Int) {
	tx.l.mu.Lock()
	defer tx.l.mu.Unlock()
	tx.setTVL(new(big.Int).Add(tx.l.state.TotalValueLocked, value))
}

// DecreaseTVL subtracts value from total value locked, stopping at zero.
// Prices move between deposit and withdrawal, so a withdrawal can be worth
// more than the value its deposit added.
func (tx *Tx) DecreaseTVL(value *big.Int) {
	tx.l.mu.Lock()
	defer tx.l.mu.Unlock()
	next := new(big.Int).Sub(tx.l.state.TotalValueLocked, value)
	if next.Sign() < 0 {
		next.SetInt64(0)
	}
	tx.setTVL(next)
}

func (tx *Tx) setTVL(v *big.Int) {
	prev := tx.l.state.TotalValueLocked
	tx.l.state.TotalValueLocked = v
	tx.journal(func() { tx.l.state.TotalValueLocked = prev })
}

// CountDeposit increments the deposit counter.
func (tx *Tx) CountDeposit() {
	tx.l.mu.Lock()
	defer tx.l.mu.Unlock()
	tx.l.state.DepositCount++
	tx.journal(func() { tx.l.state.DepositCount-- })
}

// CountWithdrawal increments the withdrawal counter.
func (tx *Tx) CountWithdrawal() {
	tx.l.mu.Lock()
	defer tx.l.mu.Unlock()
	tx.l.state.WithdrawalCount++
	tx.journal(func() { tx.l.state.WithdrawalCount-- })
}

// SetPaused sets the pause flag.
func (tx *Tx) SetPaused(paused bool) {
	tx.l.mu.Lock()
	defer tx.l.mu.Unlock()
	prev := tx.l.state.Paused
	tx.l.state.Paused = paused
	tx.journal(func() { tx.l.state.Paused = prev })
}

func (tx *Tx) journal(undo func()) {
	tx.undo = append(tx.undo, undo)
}

// Commit keeps every mutation. The Tx cannot be used afterwards.
func (tx *Tx) Commit() {
	tx.undo = nil
	tx.done = true
}

// Rollback reverts every mutation in reverse order. It is a no-op after
// Commit or a previous Rollback.
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	tx.l.mu.Lock()
	defer tx.l.mu.Unlock()
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.done = true
}
