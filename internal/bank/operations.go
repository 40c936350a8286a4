package bank

import (
	"context"
	"math/big"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/custody_bank/internal/domain/custody"
	"github.com/R3E-Network/custody_bank/internal/errors"
	"github.com/R3E-Network/custody_bank/internal/events"
)

// Deposit pulls raw units of asset from account into custody and credits
// them. The pull happens first; nothing is credited for funds not received.
func (b *Bank) Deposit(ctx context.Context, account, asset util.Uint160, raw *big.Int) (events.Record, error) {
	return b.run(ctx, OpDeposit, gateActive, func(op *operation) error {
		meta, err := b.supportedAsset(asset)
		if err != nil {
			return err
		}
		if !custody.Positive(raw) {
			return errors.ErrZeroAmount
		}

		if err := b.pullIn(op, asset, account, raw); err != nil {
			return err
		}
		value, err := b.valuation.ValueOf(op.ctx, meta, raw)
		if err != nil {
			return err
		}
		if err := b.guard.CheckDeposit(b.ledger.State(), value); err != nil {
			return err
		}

		b.commitDeposit(op, account, asset, raw, value)
		op.emit(events.Record{
			Type:    events.TypeDeposited,
			Account: account,
			Asset:   asset,
			Amount:  new(big.Int).Set(raw),
			Value:   value,
		})
		return nil
	})
}

// DepositWithConversion pulls rawIn of assetIn, swaps it into the reference
// asset and credits the amount actually received. Any failure returns what
// was pulled.
func (b *Bank) DepositWithConversion(ctx context.Context, account, assetIn util.Uint160, rawIn, minRefOut *big.Int, deadline time.Time) (events.Record, error) {
	return b.run(ctx, OpDepositWithConversion, gateActive, func(op *operation) error {
		if b.gateway == nil {
			return errors.ErrInvalidConversionPath.WithDetails("reason", "no exchange venue configured")
		}
		if _, err := b.supportedAsset(assetIn); err != nil {
			return err
		}
		if !custody.Positive(rawIn) {
			return errors.ErrZeroAmount
		}
		if assetIn == b.cfg.Reference {
			return errors.ErrInvalidConversionPath.WithDetails("asset", custody.FormatAsset(assetIn))
		}
		refMeta, err := b.supportedAsset(b.cfg.Reference)
		if err != nil {
			return err
		}

		if err := b.pullIn(op, assetIn, account, rawIn); err != nil {
			return err
		}
		received, err := b.gateway.ConvertToReference(op.ctx, assetIn, rawIn, minRefOut, deadline)
		if received != nil {
			// The input is gone; what can be returned from here on is the
			// reference output.
			op.refunds = []refund{{asset: b.cfg.Reference, to: account, amount: new(big.Int).Set(received)}}
		}
		if err != nil {
			return err
		}

		value, err := b.valuation.ValueOf(op.ctx, refMeta, received)
		if err != nil {
			return err
		}
		if err := b.guard.CheckDeposit(b.ledger.State(), value); err != nil {
			return err
		}

		b.commitDeposit(op, account, b.cfg.Reference, received, value)
		op.emit(events.Record{
			Type:     events.TypeDepositedWithConversion,
			Account:  account,
			AssetIn:  assetIn,
			AmountIn: new(big.Int).Set(rawIn),
			Asset:    b.cfg.Reference,
			Amount:   new(big.Int).Set(received),
			Value:    value,
		})
		return nil
	})
}

func (b *Bank) commitDeposit(op *operation, account, asset util.Uint160, raw, value *big.Int) {
	op.tx.Credit(account, asset, raw)
	op.tx.AddCustody(asset, raw)
	op.tx.IncreaseTVL(value)
	op.tx.CountDeposit()
}

// Withdraw debits raw units of asset from account and pays them out. State is
// committed before the outbound transfer; a failed transfer undoes it.
// Deregistered assets remain withdrawable.
func (b *Bank) Withdraw(ctx context.Context, account, asset util.Uint160, raw *big.Int) (events.Record, error) {
	return b.run(ctx, OpWithdraw, gateActive, func(op *operation) error {
		if !custody.Positive(raw) {
			return errors.ErrZeroAmount
		}
		meta, err := b.knownAsset(asset)
		if err != nil {
			return err
		}
		if bal := b.ledger.BalanceOf(account, asset); bal.Amount.Cmp(raw) < 0 {
			return errors.ErrInsufficientBalance.
				WithDetails("available", bal.Amount.String()).
				WithDetails("requested", raw.String())
		}

		value, err := b.valuation.ValueOf(op.ctx, meta, raw)
		if err != nil {
			return err
		}
		if err := b.guard.CheckWithdrawal(b.ledger.State(), value); err != nil {
			return err
		}

		if err := op.tx.Debit(account, asset, raw); err != nil {
			return err
		}
		if err := op.tx.RemoveCustody(asset, raw); err != nil {
			return err
		}
		op.tx.DecreaseTVL(value)
		op.tx.CountWithdrawal()

		if err := b.mover.PushOut(op.ctx, asset, account, raw); err != nil {
			return err
		}
		op.emit(events.Record{
			Type:    events.TypeWithdrawn,
			Account: account,
			Asset:   asset,
			Amount:  new(big.Int).Set(raw),
			Value:   value,
		})
		return nil
	})
}

// SelectorDeposit routes an inbound transfer to Deposit.
const SelectorDeposit = "deposit"

// InboundTransfer is value pushed at the bank by a counterparty.
type InboundTransfer struct {
	From     util.Uint160
	Asset    util.Uint160
	Amount   *big.Int
	Selector string
}

// HandleInbound routes an inbound transfer. Transfers without a selector are
// rejected unless auto-crediting of native inbound value is enabled.
func (b *Bank) HandleInbound(ctx context.Context, in InboundTransfer) (events.Record, error) {
	switch {
	case in.Selector == SelectorDeposit:
		return b.Deposit(ctx, in.From, in.Asset, in.Amount)
	case in.Selector == "" && b.cfg.AutoCreditInbound && custody.IsNative(in.Asset):
		return b.Deposit(ctx, in.From, in.Asset, in.Amount)
	}
	err := errors.ErrUnroutedTransfer.
		WithDetails("from", custody.FormatAccount(in.From)).
		WithDetails("asset", custody.FormatAsset(in.Asset)).
		WithDetails("selector", in.Selector)
	b.finish(OpInbound, time.Now(), err)
	return events.Record{}, err
}
