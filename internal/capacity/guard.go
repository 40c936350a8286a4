// Package capacity decides whether a mutation fits the bank's ceilings.
package capacity

import (
	"math/big"

	"github.com/R3E-Network/custody_bank/internal/domain/custody"
	"github.com/R3E-Network/custody_bank/internal/errors"
)

// Guard holds no state; its checks are pure functions of the bank state.
type Guard struct{}

// CheckDeposit rejects a deposit that would lift TVL above capacity.
func (Guard) CheckDeposit(state custody.BankState, value *big.Int) error {
	next := new(big.Int).Add(state.TotalValueLocked, value)
	if next.Cmp(state.CapacityLimit) > 0 {
		return errors.ErrCapacityExceeded.
			WithDetails("tvl", state.TotalValueLocked.String()).
			WithDetails("value", value.String()).
			WithDetails("capacity", state.CapacityLimit.String())
	}
	return nil
}

// CheckWithdrawal rejects a withdrawal worth more than the per-operation limit.
func (Guard) CheckWithdrawal(state custody.BankState, value *big.Int) error {
	if value.Cmp(state.WithdrawalLimit) > 0 {
		return errors.ErrWithdrawalLimitExceeded.
			WithDetails("value", value.String()).
			WithDetails("limit", state.WithdrawalLimit.String())
	}
	return nil
}
