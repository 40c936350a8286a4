package memory

import (
	"context"
	"math/big"
	"sync"

	"github.com/nspcc-dev/neo-go/pkg/util"
)

// Native simulates the chain's native currency.
type Native struct {
	mu        sync.Mutex
	custodian util.Uint160
	wallets   map[util.Uint160]*big.Int
	rejecting map[util.Uint160]bool
	failWith  error
	onSend    TransferHook
}

// NewNative creates an empty native ledger.
func NewNative(custodian util.Uint160) *Native {
	return &Native{
		custodian: custodian,
		wallets:   make(map[util.Uint160]*big.Int),
		rejecting: make(map[util.Uint160]bool),
	}
}

// Fund credits account.
func (n *Native) Fund(account util.Uint160, amount *big.Int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.wallet(account).Add(n.wallet(account), amount)
}

// BalanceOf returns account's holdings.
func (n *Native) BalanceOf(account util.Uint160) *big.Int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return new(big.Int).Set(n.wallet(account))
}

// Reject makes payments to account fail, as a recipient that refuses
// incoming value would.
func (n *Native) Reject(account util.Uint160, reject bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rejecting[account] = reject
}

// FailWith makes every call return err.
func (n *Native) FailWith(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failWith = err
}

// OnSend installs a hook fired after successful payments.
func (n *Native) OnSend(hook TransferHook) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onSend = hook
}

func (n *Native) Receive(_ context.Context, from util.Uint160, amount *big.Int) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failWith != nil {
		return false, n.failWith
	}
	if n.wallet(from).Cmp(amount) < 0 {
		return false, nil
	}
	n.wallet(from).Sub(n.wallet(from), amount)
	n.wallet(n.custodian).Add(n.wallet(n.custodian), amount)
	return true, nil
}

func (n *Native) Send(ctx context.Context, to util.Uint160, amount *big.Int) (bool, error) {
	n.mu.Lock()
	if n.failWith != nil {
		err := n.failWith
		n.mu.Unlock()
		return false, err
	}
	if n.rejecting[to] || n.wallet(n.custodian).Cmp(amount) < 0 {
		n.mu.Unlock()
		return false, nil
	}
	n.wallet(n.custodian).Sub(n.wallet(n.custodian), amount)
	n.wallet(to).Add(n.wallet(to), amount)
	hook := n.onSend
	n.mu.Unlock()

	if hook != nil {
		hook(ctx, to, amount)
	}
	return true, nil
}

func (n *Native) wallet(account util.Uint160) *big.Int {
	w, ok := n.wallets[account]
	if !ok {
		w = new(big.Int)
		n.wallets[account] = w
	}
	return w
}
