package bank

import (
	"context"
	"time"

	"github.com/R3E-Network/custody_bank/internal/access"
	"github.com/R3E-Network/custody_bank/internal/domain/custody"
	"github.com/R3E-Network/custody_bank/internal/ledger"
)

// Snapshot is a consistent copy of everything the bank owns.
type Snapshot struct {
	TakenAt      time.Time
	Ledger       ledger.Snapshot
	Assets       []custody.Asset
	Access       access.State
	LastSequence uint64
}

// Snapshot copies the bank state. Take it inside Exclusive so no operation is
// half applied.
func (b *Bank) Snapshot(ctx context.Context) Snapshot {
	return Snapshot{
		TakenAt:      time.Now().UTC(),
		Ledger:       b.ledger.Snapshot(),
		Assets:       b.registry.Known(),
		Access:       b.access.Export(),
		LastSequence: b.journal.LastSequence(),
	}
}

// Restore loads snap into the bank. The limits stored in the snapshot win
// over configured ones because they were fixed when the bank was first
// initialized.
func (b *Bank) Restore(ctx context.Context, snap Snapshot) {
	current := b.ledger.State()
	if current.CapacityLimit.Cmp(snap.Ledger.State.CapacityLimit) != 0 ||
		current.WithdrawalLimit.Cmp(snap.Ledger.State.WithdrawalLimit) != 0 {
		b.log.WithFields(map[string]interface{}{
			"configured_capacity":   current.CapacityLimit.String(),
			"stored_capacity":       snap.Ledger.State.CapacityLimit.String(),
			"configured_withdrawal": current.WithdrawalLimit.String(),
			"stored_withdrawal":     snap.Ledger.State.WithdrawalLimit.String(),
		}).Warn("configured limits differ from stored state; keeping stored limits")
	}

	b.ledger.Restore(snap.Ledger)
	b.registry.Restore(snap.Assets)
	b.access.Restore(snap.Access)
	b.journal.Resume(snap.LastSequence)
	b.metrics.ObserveState(b.ledger.State())

	b.log.WithFields(map[string]interface{}{
		"taken_at":  snap.TakenAt,
		"positions": len(snap.Ledger.Positions),
		"assets":    len(snap.Assets),
	}).Info("bank state restored")
}
