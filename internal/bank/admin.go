package bank

import (
	"context"
	"math/big"

	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/custody_bank/internal/domain/custody"
	"github.com/R3E-Network/custody_bank/internal/errors"
	"github.com/R3E-Network/custody_bank/internal/events"
)

// RegisterAsset opens asset for deposits. Administrator only.
func (b *Bank) RegisterAsset(ctx context.Context, caller, asset util.Uint160, priceSource string, decimals uint8) (events.Record, error) {
	return b.run(ctx, OpRegisterAsset, gateActive, func(op *operation) error {
		rec, err := b.registry.RegisterAsset(op.ctx, caller, asset, priceSource, decimals)
		if err != nil {
			return err
		}
		op.emit(events.Record{
			Type:        events.TypeAssetRegistered,
			Caller:      caller,
			Asset:       asset,
			PriceSource: rec.PriceSource,
			Decimals:    rec.Decimals,
		})
		return nil
	})
}

// DeregisterAsset closes asset for deposits. Balances stay withdrawable.
// Administrator only.
func (b *Bank) DeregisterAsset(ctx context.Context, caller, asset util.Uint160) (events.Record, error) {
	return b.run(ctx, OpDeregisterAsset, gateActive, func(op *operation) error {
		if _, err := b.registry.DeregisterAsset(caller, asset); err != nil {
			return err
		}
		op.emit(events.Record{Type: events.TypeAssetDeregistered, Caller: caller, Asset: asset})
		return nil
	})
}

// TreasuryWithdraw moves raw units of asset out of custody without touching
// any account balance or TVL. Treasury only; bounded by custody.
func (b *Bank) TreasuryWithdraw(ctx context.Context, caller, asset util.Uint160, raw *big.Int, recipient util.Uint160) (events.Record, error) {
	return b.run(ctx, OpTreasuryWithdraw, gateActive, func(op *operation) error {
		if err := b.access.Require(custody.RoleTreasury, caller); err != nil {
			return err
		}
		return b.moveOut(op, events.TypeTreasuryWithdrawal, caller, asset, raw, recipient)
	})
}

// RecoverFunds is TreasuryWithdraw for emergencies: it requires the
// EmergencyOperator role and only runs while paused.
func (b *Bank) RecoverFunds(ctx context.Context, caller, asset util.Uint160, raw *big.Int, recipient util.Uint160) (events.Record, error) {
	return b.run(ctx, OpRecoverFunds, gateAlways, func(op *operation) error {
		if err := b.access.Require(custody.RoleEmergencyOperator, caller); err != nil {
			return err
		}
		if !b.ledger.State().Paused {
			return errors.ErrNotPaused.WithDetails("op", OpRecoverFunds)
		}
		return b.moveOut(op, events.TypeEmergencyRecovery, caller, asset, raw, recipient)
	})
}

func (b *Bank) moveOut(op *operation, typ events.Type, caller, asset util.Uint160, raw *big.Int, recipient util.Uint160) error {
	if recipient == (util.Uint160{}) {
		return errors.ErrInvalidRecipient
	}
	if !custody.Positive(raw) {
		return errors.ErrZeroAmount
	}
	if err := op.tx.RemoveCustody(asset, raw); err != nil {
		return err
	}
	if err := b.mover.PushOut(op.ctx, asset, recipient, raw); err != nil {
		return err
	}
	op.emit(events.Record{
		Type:      typ,
		Caller:    caller,
		Asset:     asset,
		Recipient: recipient,
		Amount:    new(big.Int).Set(raw),
	})
	return nil
}

// Pause stops every operation except RecoverFunds and Unpause.
// EmergencyOperator only.
func (b *Bank) Pause(ctx context.Context, caller util.Uint160) (events.Record, error) {
	return b.run(ctx, OpPause, gateActive, func(op *operation) error {
		if err := b.access.Require(custody.RoleEmergencyOperator, caller); err != nil {
			return err
		}
		op.tx.SetPaused(true)
		op.emit(events.Record{Type: events.TypePaused, Caller: caller})
		return nil
	})
}

// Unpause resumes normal operation. EmergencyOperator only.
func (b *Bank) Unpause(ctx context.Context, caller util.Uint160) (events.Record, error) {
	return b.run(ctx, OpUnpause, gateAlways, func(op *operation) error {
		if err := b.access.Require(custody.RoleEmergencyOperator, caller); err != nil {
			return err
		}
		if !b.ledger.State().Paused {
			return errors.ErrNotPaused
		}
		op.tx.SetPaused(false)
		op.emit(events.Record{Type: events.TypeUnpaused, Caller: caller})
		return nil
	})
}

// =============================================================================
// Role administration. Not gated by pause so operators can be rotated during
// an incident.
// =============================================================================

// GrantRole gives principal the role. SuperAdministrator only.
func (b *Bank) GrantRole(ctx context.Context, caller util.Uint160, role custody.Role, principal util.Uint160) (events.Record, error) {
	return b.run(ctx, OpGrantRole, gateAlways, func(op *operation) error {
		if err := b.access.Grant(caller, role, principal); err != nil {
			return err
		}
		op.emit(events.Record{Type: events.TypeRoleGranted, Caller: caller, Role: role, Principal: principal})
		return nil
	})
}

// RevokeRole removes the role from principal. SuperAdministrator only.
func (b *Bank) RevokeRole(ctx context.Context, caller util.Uint160, role custody.Role, principal util.Uint160) (events.Record, error) {
	return b.run(ctx, OpRevokeRole, gateAlways, func(op *operation) error {
		if err := b.access.Revoke(caller, role, principal); err != nil {
			return err
		}
		op.emit(events.Record{Type: events.TypeRoleRevoked, Caller: caller, Role: role, Principal: principal})
		return nil
	})
}

// RenounceRole drops one of caller's own roles.
func (b *Bank) RenounceRole(ctx context.Context, caller util.Uint160, role custody.Role) (events.Record, error) {
	return b.run(ctx, OpRenounceRole, gateAlways, func(op *operation) error {
		if err := b.access.RenounceRole(caller, role); err != nil {
			return err
		}
		op.emit(events.Record{Type: events.TypeRoleRenounced, Caller: caller, Role: role, Principal: caller})
		return nil
	})
}

// TransferSuperAdmin nominates next as super administrator.
func (b *Bank) TransferSuperAdmin(ctx context.Context, caller, next util.Uint160) (events.Record, error) {
	return b.run(ctx, OpTransferSuperAdmin, gateAlways, func(op *operation) error {
		if err := b.access.TransferSuperAdmin(caller, next); err != nil {
			return err
		}
		op.emit(events.Record{Type: events.TypeSuperAdminNominated, Caller: caller, Principal: next})
		return nil
	})
}

// AcceptSuperAdmin completes a pending handover.
func (b *Bank) AcceptSuperAdmin(ctx context.Context, caller util.Uint160) (events.Record, error) {
	return b.run(ctx, OpAcceptSuperAdmin, gateAlways, func(op *operation) error {
		if err := b.access.AcceptSuperAdmin(caller); err != nil {
			return err
		}
		op.emit(events.Record{Type: events.TypeSuperAdminAccepted, Caller: caller, Principal: caller})
		return nil
	})
}
