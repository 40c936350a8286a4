package custody

import (
	"math/big"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/util"
)

// Asset is the registry record for a depositable asset. Records are never
// removed; deregistration only clears Supported.
type Asset struct {
	ID           util.Uint160
	Decimals     uint8
	PriceSource  string
	Supported    bool
	RegisteredAt time.Time
}

// Balance tracks one account's holdings of one asset.
//
// Amount always equals CumulativeDeposited - CumulativeWithdrawn.
type Balance struct {
	Amount              *big.Int
	CumulativeDeposited *big.Int
	CumulativeWithdrawn *big.Int
}

// NewBalance returns an all-zero balance.
func NewBalance() Balance {
	return Balance{
		Amount:              new(big.Int),
		CumulativeDeposited: new(big.Int),
		CumulativeWithdrawn: new(big.Int),
	}
}

// Clone deep-copies the balance.
func (b Balance) Clone() Balance {
	return Balance{
		Amount:              cloneInt(b.Amount),
		CumulativeDeposited: cloneInt(b.CumulativeDeposited),
		CumulativeWithdrawn: cloneInt(b.CumulativeWithdrawn),
	}
}

// BankState is the bank-wide singleton.
type BankState struct {
	TotalValueLocked *big.Int
	DepositCount     uint64
	WithdrawalCount  uint64
	WithdrawalLimit  *big.Int
	CapacityLimit    *big.Int
	Paused           bool
}

// Clone deep-copies the state.
func (s BankState) Clone() BankState {
	cp := s
	cp.TotalValueLocked = cloneInt(s.TotalValueLocked)
	cp.WithdrawalLimit = cloneInt(s.WithdrawalLimit)
	cp.CapacityLimit = cloneInt(s.CapacityLimit)
	return cp
}

// Position is a single (account, asset) balance row.
type Position struct {
	Account util.Uint160
	Asset   util.Uint160
	Balance Balance
}

// Holding is the raw amount of one asset held in custody.
type Holding struct {
	Asset  util.Uint160
	Amount *big.Int
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
