// Package transfer moves assets between accounts and the bank's custody.
//
// Tokens are handled tolerantly: a call that returns nothing counts as
// success, an explicit false or an error counts as failure. Native transfers
// report a success flag and fail the operation when it is false.
package transfer

import (
	"context"
	"math/big"

	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/custody_bank/internal/domain/custody"
	"github.com/R3E-Network/custody_bank/internal/errors"
)

// CallResult is the outcome reported by a token contract call. Returned is
// nil when the token returns no value.
type CallResult struct {
	Returned *bool
}

// Reported builds a result carrying an explicit return value.
func Reported(ok bool) CallResult {
	return CallResult{Returned: &ok}
}

// Silent is the result of a token that returns nothing.
var Silent = CallResult{}

// Token is the bank's handle on a token contract. Every call is issued with
// the bank's custody account as the invoker.
type Token interface {
	// TransferFrom moves amount from `from` to `to` under from's allowance to
	// the custody account.
	TransferFrom(ctx context.Context, from, to util.Uint160, amount *big.Int) (CallResult, error)
	// Transfer moves amount out of the custody account.
	Transfer(ctx context.Context, to util.Uint160, amount *big.Int) (CallResult, error)
	// Approve sets the custody account's allowance for spender.
	Approve(ctx context.Context, spender util.Uint160, amount *big.Int) (CallResult, error)
}

// Native moves the chain's native currency.
type Native interface {
	// Receive collects amount attached by `from` into custody.
	Receive(ctx context.Context, from util.Uint160, amount *big.Int) (bool, error)
	// Send pays amount out of custody to `to`.
	Send(ctx context.Context, to util.Uint160, amount *big.Int) (bool, error)
}

// TokenResolver finds the token contract for an asset.
type TokenResolver interface {
	Token(asset util.Uint160) (Token, error)
}

// Mover performs inbound pulls and outbound pushes for any asset.
type Mover struct {
	custodian util.Uint160
	native    Native
	tokens    TokenResolver
}

// NewMover creates a mover acting for custodian.
func NewMover(custodian util.Uint160, native Native, tokens TokenResolver) *Mover {
	return &Mover{custodian: custodian, native: native, tokens: tokens}
}

// Custodian is the bank's custody account.
func (m *Mover) Custodian() util.Uint160 { return m.custodian }

// PullIn brings amount of asset from `from` into custody.
func (m *Mover) PullIn(ctx context.Context, asset, from util.Uint160, amount *big.Int) error {
	if custody.IsNative(asset) {
		ok, err := m.native.Receive(ctx, from, amount)
		return checkNative(ok, err, "receive")
	}
	token, err := m.token(asset)
	if err != nil {
		return err
	}
	res, err := token.TransferFrom(ctx, from, m.custodian, amount)
	return checkToken(res, err, "transferFrom")
}

// PushOut pays amount of asset from custody to `to`.
func (m *Mover) PushOut(ctx context.Context, asset, to util.Uint160, amount *big.Int) error {
	if custody.IsNative(asset) {
		ok, err := m.native.Send(ctx, to, amount)
		return checkNative(ok, err, "send")
	}
	token, err := m.token(asset)
	if err != nil {
		return err
	}
	res, err := token.Transfer(ctx, to, amount)
	return checkToken(res, err, "transfer")
}

// Approve sets custody's allowance of asset for spender. Native currency
// cannot be approved.
func (m *Mover) Approve(ctx context.Context, asset, spender util.Uint160, amount *big.Int) error {
	if custody.IsNative(asset) {
		return errors.ErrTransferFailed.WithDetails("reason", "native currency has no allowance")
	}
	token, err := m.token(asset)
	if err != nil {
		return err
	}
	res, err := token.Approve(ctx, spender, amount)
	return checkToken(res, err, "approve")
}

func (m *Mover) token(asset util.Uint160) (Token, error) {
	token, err := m.tokens.Token(asset)
	if err != nil {
		return nil, errors.ErrTransferFailed.WithDetails("asset", custody.FormatAsset(asset)).Wrap(err)
	}
	return token, nil
}

func checkToken(res CallResult, err error, call string) error {
	if err != nil {
		return errors.ErrTransferFailed.WithDetails("call", call).Wrap(err)
	}
	if res.Returned != nil && !*res.Returned {
		return errors.ErrTransferFailed.WithDetails("call", call).WithDetails("reason", "token returned false")
	}
	return nil
}

func checkNative(ok bool, err error, call string) error {
	if err != nil {
		return errors.ErrTransferFailed.WithDetails("call", call).Wrap(err)
	}
	if !ok {
		return errors.ErrTransferFailed.WithDetails("call", call).WithDetails("reason", "native transfer rejected")
	}
	return nil
}
