// Package bank is the custodial transaction pipeline.
//
// Every mutating operation runs the same stages: reentrancy guard, pause
// gate, validate, value, guard, commit, externalize, emit. At most one
// operation is in flight across the whole bank; a call that arrives while one
// is running fails with ReentrantCall instead of waiting, so a counterparty
// re-entering from a transfer callback can never stall custody. Top-level
// callers queue through Exclusive. Any failure rolls back the ledger journal
// and returns assets that were already pulled in, so a failed operation
// leaves no trace.
package bank

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/custody_bank/internal/access"
	"github.com/R3E-Network/custody_bank/internal/capacity"
	"github.com/R3E-Network/custody_bank/internal/conversion"
	"github.com/R3E-Network/custody_bank/internal/domain/custody"
	"github.com/R3E-Network/custody_bank/internal/errors"
	"github.com/R3E-Network/custody_bank/internal/events"
	"github.com/R3E-Network/custody_bank/internal/ledger"
	"github.com/R3E-Network/custody_bank/internal/registry"
	"github.com/R3E-Network/custody_bank/internal/transfer"
	"github.com/R3E-Network/custody_bank/internal/valuation"
	"github.com/R3E-Network/custody_bank/pkg/logger"
)

// Operation names, used in logs, metrics and errors.
const (
	OpDeposit               = "deposit"
	OpDepositWithConversion = "deposit_with_conversion"
	OpWithdraw              = "withdraw"
	OpTreasuryWithdraw      = "treasury_withdraw"
	OpRecoverFunds          = "recover_funds"
	OpPause                 = "pause"
	OpUnpause               = "unpause"
	OpRegisterAsset         = "register_asset"
	OpDeregisterAsset       = "deregister_asset"
	OpGrantRole             = "grant_role"
	OpRevokeRole            = "revoke_role"
	OpRenounceRole          = "renounce_role"
	OpTransferSuperAdmin    = "transfer_super_admin"
	OpAcceptSuperAdmin      = "accept_super_admin"
	OpInbound               = "inbound"
)

// Config holds bank-level settings.
type Config struct {
	// Reference is the asset values are expressed in and conversions produce.
	Reference util.Uint160
	// AutoCreditInbound treats selector-less native inbound transfers as
	// deposits. Off by default.
	AutoCreditInbound bool
}

// Recorder receives operation outcomes, typically for metrics.
type Recorder interface {
	ObserveOperation(op string, err error, elapsed time.Duration)
	ObserveState(state custody.BankState)
}

// Deps are the bank's collaborators. Gateway and Metrics are optional.
type Deps struct {
	Access    *access.Controller
	Registry  *registry.Registry
	Valuation *valuation.Service
	Gateway   *conversion.Gateway
	Ledger    *ledger.Ledger
	Mover     *transfer.Mover
	Journal   *events.Journal
	Metrics   Recorder
	Logger    *logger.Logger
}

// Bank owns the custodial state and runs every operation against it.
type Bank struct {
	cfg       Config
	access    *access.Controller
	registry  *registry.Registry
	valuation *valuation.Service
	gateway   *conversion.Gateway
	guard     capacity.Guard
	ledger    *ledger.Ledger
	mover     *transfer.Mover
	journal   *events.Journal
	metrics   Recorder
	log       *logger.Logger

	// admit queues top-level callers; see Exclusive.
	admit sync.Mutex
	// busy is set while an operation, including its external calls, runs.
	busy atomic.Bool
}

// New wires a bank.
func New(cfg Config, deps Deps) (*Bank, error) {
	switch {
	case deps.Access == nil:
		return nil, fmt.Errorf("bank: access controller is required")
	case deps.Registry == nil:
		return nil, fmt.Errorf("bank: asset registry is required")
	case deps.Valuation == nil:
		return nil, fmt.Errorf("bank: valuation service is required")
	case deps.Ledger == nil:
		return nil, fmt.Errorf("bank: ledger is required")
	case deps.Mover == nil:
		return nil, fmt.Errorf("bank: transfer mover is required")
	}
	if deps.Gateway != nil && deps.Gateway.Reference() != cfg.Reference {
		return nil, fmt.Errorf("bank: conversion gateway settles into %s, reference asset is %s",
			custody.FormatAsset(deps.Gateway.Reference()), custody.FormatAsset(cfg.Reference))
	}
	log := deps.Logger
	if log == nil {
		log = logger.NewDefault("bank")
	}
	journal := deps.Journal
	if journal == nil {
		journal = events.NewJournal(0)
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopRecorder{}
	}
	return &Bank{
		cfg:       cfg,
		access:    deps.Access,
		registry:  deps.Registry,
		valuation: deps.Valuation,
		gateway:   deps.Gateway,
		ledger:    deps.Ledger,
		mover:     deps.Mover,
		journal:   journal,
		metrics:   metrics,
		log:       log,
	}, nil
}

// Journal returns the record journal.
func (b *Bank) Journal() *events.Journal { return b.journal }

// Reference returns the reference asset.
func (b *Bank) Reference() util.Uint160 { return b.cfg.Reference }

// =============================================================================
// Pipeline
// =============================================================================

type scopeKey struct{}

type gate int

const (
	// gateActive rejects the operation while paused.
	gateActive gate = iota
	// gateAlways lets the operation run while paused.
	gateAlways
)

type refund struct {
	asset  util.Uint160
	to     util.Uint160
	amount *big.Int
}

// operation is the per-call state threaded through a pipeline run.
type operation struct {
	ctx     context.Context
	tx      *ledger.Tx
	refunds []refund
	record  events.Record
	emitted bool
}

func (op *operation) emit(rec events.Record) {
	op.record = rec
	op.emitted = true
}

func (b *Bank) inScope(ctx context.Context) bool {
	owner, _ := ctx.Value(scopeKey{}).(*Bank)
	return owner == b
}

// Exclusive runs fn as the only top-level caller of the bank. Callers queue
// here rather than racing into an operation already in flight. Code reached
// from inside an operation, such as a token or venue callback, must call the
// bank directly and never through Exclusive.
func (b *Bank) Exclusive(fn func()) {
	b.admit.Lock()
	defer b.admit.Unlock()
	fn()
}

// Busy reports whether an operation is in flight.
func (b *Bank) Busy() bool { return b.busy.Load() }

func (b *Bank) run(ctx context.Context, name string, g gate, fn func(op *operation) error) (events.Record, error) {
	start := time.Now()
	if b.inScope(ctx) || !b.busy.CompareAndSwap(false, true) {
		err := errors.ErrReentrantCall.WithDetails("op", name)
		b.finish(name, start, err)
		return events.Record{}, err
	}
	defer b.busy.Store(false)

	if g == gateActive && b.ledger.State().Paused {
		err := errors.ErrSystemPaused.WithDetails("op", name)
		b.finish(name, start, err)
		return events.Record{}, err
	}

	op := &operation{
		ctx: context.WithValue(ctx, scopeKey{}, b),
		tx:  b.ledger.Begin(),
	}
	defer func() {
		if r := recover(); r != nil {
			op.tx.Rollback()
			if cerr := b.compensate(op); cerr != nil {
				b.log.WithError(cerr).WithField("op", name).Error("compensation after panic failed")
			}
			panic(r)
		}
	}()

	if err := fn(op); err != nil {
		op.tx.Rollback()
		if cerr := b.compensate(op); cerr != nil {
			err = stderrors.Join(err, cerr)
		}
		b.finish(name, start, err)
		return events.Record{}, err
	}
	op.tx.Commit()

	var rec events.Record
	if op.emitted {
		rec = b.journal.LogWithContext(ctx, op.record)
	}
	b.finish(name, start, nil)
	if op.emitted {
		b.log.WithFields(logFields(name, rec)).Info("operation committed")
	}
	return rec, nil
}

// pullIn brings amount into custody and remembers to return it if the
// operation fails later.
func (b *Bank) pullIn(op *operation, asset, from util.Uint160, amount *big.Int) error {
	if err := b.mover.PullIn(op.ctx, asset, from, amount); err != nil {
		return err
	}
	op.refunds = append(op.refunds, refund{asset: asset, to: from, amount: new(big.Int).Set(amount)})
	return nil
}

func (b *Bank) compensate(op *operation) error {
	// Refunds run even if the caller's context was cancelled.
	ctx := context.WithoutCancel(op.ctx)
	var errs []error
	for i := len(op.refunds) - 1; i >= 0; i-- {
		r := op.refunds[i]
		if err := b.mover.PushOut(ctx, r.asset, r.to, r.amount); err != nil {
			b.log.WithError(err).WithFields(map[string]interface{}{
				"asset":   custody.FormatAsset(r.asset),
				"account": custody.FormatAccount(r.to),
				"amount":  r.amount.String(),
			}).Error("refund of pulled assets failed")
			errs = append(errs, fmt.Errorf("refund %s: %w", custody.FormatAsset(r.asset), err))
		}
	}
	return stderrors.Join(errs...)
}

func (b *Bank) finish(name string, start time.Time, err error) {
	b.metrics.ObserveOperation(name, err, time.Since(start))
	b.metrics.ObserveState(b.ledger.State())
	if err != nil {
		b.log.WithField("op", name).WithField("code", errors.CodeOf(err)).WithError(err).Debug("operation rejected")
	}
}

func logFields(name string, rec events.Record) map[string]interface{} {
	fields := map[string]interface{}{"op": name, "sequence": rec.Sequence}
	for k, v := range rec.Fields() {
		fields[k] = v
	}
	return fields
}

// supportedAsset returns metadata for an asset open for deposits.
func (b *Bank) supportedAsset(asset util.Uint160) (custody.Asset, error) {
	meta, ok := b.registry.Lookup(asset)
	if !ok || !meta.Supported {
		return custody.Asset{}, errors.ErrAssetNotSupported.WithDetails("asset", custody.FormatAsset(asset))
	}
	return meta, nil
}

// knownAsset returns metadata for any asset ever registered.
func (b *Bank) knownAsset(asset util.Uint160) (custody.Asset, error) {
	meta, ok := b.registry.Lookup(asset)
	if !ok {
		return custody.Asset{}, errors.ErrAssetNotSupported.WithDetails("asset", custody.FormatAsset(asset))
	}
	return meta, nil
}

type noopRecorder struct{}

func (noopRecorder) ObserveOperation(string, error, time.Duration) {}
func (noopRecorder) ObserveState(custody.BankState)                {}

// =============================================================================
// Reads
// =============================================================================

// Reads never block on an operation. Outside Exclusive they may observe one
// that is still in flight.

// GetBalance returns the balance of (account, asset).
func (b *Bank) GetBalance(ctx context.Context, account, asset util.Uint160) custody.Balance {
	return b.ledger.BalanceOf(account, asset)
}

// AllBalances returns account's balance in every asset ever registered.
func (b *Bank) AllBalances(ctx context.Context, account util.Uint160) []custody.Position {
	return b.ledger.AllBalances(account, b.registry.KnownIDs())
}

// GetBankState returns the bank state singleton.
func (b *Bank) GetBankState(ctx context.Context) custody.BankState {
	return b.ledger.State()
}

// CustodyOf returns the raw amount of asset held by the bank.
func (b *Bank) CustodyOf(ctx context.Context, asset util.Uint160) *big.Int {
	return b.ledger.CustodyOf(asset)
}

// SupportedAssets lists assets open for deposits.
func (b *Bank) SupportedAssets(ctx context.Context) []custody.Asset {
	return b.registry.Supported()
}

// KnownAssets lists every asset ever registered, in registration order.
func (b *Bank) KnownAssets(ctx context.Context) []custody.Asset {
	return b.registry.Known()
}

// Asset returns metadata for asset.
func (b *Bank) Asset(ctx context.Context, asset util.Uint160) (custody.Asset, bool) {
	return b.registry.Lookup(asset)
}

// HasRole reports whether principal holds role.
func (b *Bank) HasRole(role custody.Role, principal util.Uint160) bool {
	return b.access.HasRole(role, principal)
}

// Members lists the holders of role.
func (b *Bank) Members(role custody.Role) []util.Uint160 {
	return b.access.Members(role)
}
