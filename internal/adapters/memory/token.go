package memory

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/custody_bank/internal/transfer"
)

// TransferHook runs after a token or native transfer settles, outside any
// lock. It models receiver callbacks.
type TransferHook func(ctx context.Context, to util.Uint160, amount *big.Int)

// Token simulates a token contract whose calls are issued by the custody
// account.
type Token struct {
	mu         sync.Mutex
	symbol     string
	custodian  util.Uint160
	silent     bool
	balances   map[util.Uint160]*big.Int
	allowances map[util.Uint160]*big.Int

	rejectInbound  bool
	rejectOutbound bool
	failWith       error
	onTransfer     TransferHook
}

// NewToken creates a token with no supply.
func NewToken(symbol string, custodian util.Uint160) *Token {
	return &Token{
		symbol:     symbol,
		custodian:  custodian,
		balances:   make(map[util.Uint160]*big.Int),
		allowances: make(map[util.Uint160]*big.Int),
	}
}

// Symbol returns the token symbol.
func (t *Token) Symbol() string { return t.symbol }

// SetSilent makes the token return no value from its calls.
func (t *Token) SetSilent(silent bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.silent = silent
}

// RejectInbound makes TransferFrom report false.
func (t *Token) RejectInbound(reject bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rejectInbound = reject
}

// RejectOutbound makes Transfer report false.
func (t *Token) RejectOutbound(reject bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rejectOutbound = reject
}

// FailWith makes every call return err. nil restores normal behaviour.
func (t *Token) FailWith(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failWith = err
}

// OnTransfer installs a hook fired after successful transfers.
func (t *Token) OnTransfer(hook TransferHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTransfer = hook
}

// Mint credits account out of thin air.
func (t *Token) Mint(account util.Uint160, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.credit(account, amount)
}

// BalanceOf returns account's balance.
func (t *Token) BalanceOf(account util.Uint160) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(big.Int).Set(t.balance(account))
}

// Allowance returns the custody account's allowance for spender.
func (t *Token) Allowance(spender util.Uint160) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.allowances[spender]; ok {
		return new(big.Int).Set(a)
	}
	return new(big.Int)
}

func (t *Token) TransferFrom(ctx context.Context, from, to util.Uint160, amount *big.Int) (transfer.CallResult, error) {
	return t.move(ctx, from, to, amount, t.rejectInboundLocked)
}

func (t *Token) Transfer(ctx context.Context, to util.Uint160, amount *big.Int) (transfer.CallResult, error) {
	return t.move(ctx, t.custodian, to, amount, t.rejectOutboundLocked)
}

func (t *Token) Approve(_ context.Context, spender util.Uint160, amount *big.Int) (transfer.CallResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failWith != nil {
		return transfer.CallResult{}, t.failWith
	}
	t.allowances[spender] = new(big.Int).Set(amount)
	return t.result(true)
}

// Draw moves amount from the custody account to `to` against spender's
// allowance. Venues use it to collect swap input.
func (t *Token) Draw(spender, to util.Uint160, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	allowed, ok := t.allowances[spender]
	if !ok || allowed.Cmp(amount) < 0 {
		return fmt.Errorf("%s: allowance exceeded", t.symbol)
	}
	if t.balance(t.custodian).Cmp(amount) < 0 {
		return fmt.Errorf("%s: insufficient balance", t.symbol)
	}
	allowed.Sub(allowed, amount)
	t.debit(t.custodian, amount)
	t.credit(to, amount)
	return nil
}

func (t *Token) rejectInboundLocked() bool  { return t.rejectInbound }
func (t *Token) rejectOutboundLocked() bool { return t.rejectOutbound }

func (t *Token) move(ctx context.Context, from, to util.Uint160, amount *big.Int, reject func() bool) (transfer.CallResult, error) {
	t.mu.Lock()
	if t.failWith != nil {
		err := t.failWith
		t.mu.Unlock()
		return transfer.CallResult{}, err
	}
	if reject() {
		res, err := t.result(false)
		t.mu.Unlock()
		return res, err
	}
	if amount.Sign() < 0 || t.balance(from).Cmp(amount) < 0 {
		res, err := t.result(false)
		t.mu.Unlock()
		return res, err
	}
	t.debit(from, amount)
	t.credit(to, amount)
	hook := t.onTransfer
	res, err := t.result(true)
	t.mu.Unlock()

	if hook != nil {
		hook(ctx, to, amount)
	}
	return res, err
}

// result encodes ok the way this token reports outcomes. Silent tokens cannot
// report false, so their failures abort.
func (t *Token) result(ok bool) (transfer.CallResult, error) {
	if t.silent {
		if !ok {
			return transfer.CallResult{}, fmt.Errorf("%s: transfer aborted", t.symbol)
		}
		return transfer.Silent, nil
	}
	return transfer.Reported(ok), nil
}

func (t *Token) balance(account util.Uint160) *big.Int {
	if b, ok := t.balances[account]; ok {
		return b
	}
	return new(big.Int)
}

func (t *Token) credit(account util.Uint160, amount *big.Int) {
	b, ok := t.balances[account]
	if !ok {
		b = new(big.Int)
		t.balances[account] = b
	}
	b.Add(b, amount)
}

func (t *Token) debit(account util.Uint160, amount *big.Int) {
	t.credit(account, new(big.Int).Neg(amount))
}

// Tokens maps assets to simulated token contracts.
type Tokens struct {
	mu     sync.RWMutex
	tokens map[util.Uint160]*Token
}

// NewTokens creates an empty token set.
func NewTokens() *Tokens {
	return &Tokens{tokens: make(map[util.Uint160]*Token)}
}

// Add registers token for asset.
func (s *Tokens) Add(asset util.Uint160, token *Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[asset] = token
}

// Get returns the simulator for asset.
func (s *Tokens) Get(asset util.Uint160) (*Token, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[asset]
	return t, ok
}

func (s *Tokens) Token(asset util.Uint160) (transfer.Token, error) {
	t, ok := s.Get(asset)
	if !ok {
		return nil, fmt.Errorf("no token contract for asset %s", asset.StringLE())
	}
	return t, nil
}
