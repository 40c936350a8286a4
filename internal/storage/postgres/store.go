// Package postgres persists bank checkpoints and the emitted record stream in
// PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/custody_bank/internal/bank"
	"github.com/R3E-Network/custody_bank/internal/domain/custody"
	"github.com/R3E-Network/custody_bank/internal/events"
)

// Store implements checkpoint and record storage backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ events.Sink = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn with the lib/pq driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// --- Checkpoints ------------------------------------------------------------

// SaveSnapshot replaces the stored checkpoint with snap in one transaction.
func (s *Store) SaveSnapshot(ctx context.Context, snap bank.Snapshot) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, table := range []string{"bank_balances", "bank_holdings", "bank_assets", "bank_roles"} {
		if _, err = tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	st := snap.Ledger.State
	var pending sql.NullString
	if p := snap.Access.PendingSuperAdmin; p != nil {
		pending = sql.NullString{String: custody.FormatAccount(*p), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO bank_state (id, total_value_locked, deposit_count, withdrawal_count,
			withdrawal_limit, capacity_limit, paused, super_admin, pending_super_admin,
			last_sequence, taken_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			total_value_locked = EXCLUDED.total_value_locked,
			deposit_count = EXCLUDED.deposit_count,
			withdrawal_count = EXCLUDED.withdrawal_count,
			withdrawal_limit = EXCLUDED.withdrawal_limit,
			capacity_limit = EXCLUDED.capacity_limit,
			paused = EXCLUDED.paused,
			super_admin = EXCLUDED.super_admin,
			pending_super_admin = EXCLUDED.pending_super_admin,
			last_sequence = EXCLUDED.last_sequence,
			taken_at = EXCLUDED.taken_at
	`, st.TotalValueLocked.String(), int64(st.DepositCount), int64(st.WithdrawalCount),
		st.WithdrawalLimit.String(), st.CapacityLimit.String(), st.Paused,
		custody.FormatAccount(snap.Access.SuperAdmin), pending,
		int64(snap.LastSequence), snap.TakenAt)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}

	for i, a := range snap.Assets {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO bank_assets (asset, position, decimals, price_source, supported, registered_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, custody.FormatAsset(a.ID), i, int(a.Decimals), a.PriceSource, a.Supported, a.RegisteredAt)
		if err != nil {
			return fmt.Errorf("save asset %s: %w", custody.FormatAsset(a.ID), err)
		}
	}

	for _, p := range snap.Ledger.Positions {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO bank_balances (account, asset, amount, cumulative_deposited, cumulative_withdrawn)
			VALUES ($1, $2, $3, $4, $5)
		`, custody.FormatAccount(p.Account), custody.FormatAsset(p.Asset),
			p.Balance.Amount.String(), p.Balance.CumulativeDeposited.String(), p.Balance.CumulativeWithdrawn.String())
		if err != nil {
			return fmt.Errorf("save balance: %w", err)
		}
	}

	for _, h := range snap.Ledger.Holdings {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO bank_holdings (asset, amount) VALUES ($1, $2)
		`, custody.FormatAsset(h.Asset), h.Amount.String())
		if err != nil {
			return fmt.Errorf("save holding: %w", err)
		}
	}

	for _, role := range custody.Roles {
		members := snap.Access.Grants[role]
		if len(members) == 0 {
			continue
		}
		rendered := make([]string, len(members))
		for i, m := range members {
			rendered[i] = custody.FormatAccount(m)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO bank_roles (role, members) VALUES ($1, $2)
		`, string(role), pq.Array(rendered))
		if err != nil {
			return fmt.Errorf("save role %s: %w", role, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// LoadSnapshot reads the stored checkpoint. ok is false when none exists.
func (s *Store) LoadSnapshot(ctx context.Context) (snap bank.Snapshot, ok bool, err error) {
	var (
		tvl, wLimit, cLimit string
		deposits, withdraws int64
		lastSeq             int64
		superAdmin          string
		pending             sql.NullString
	)
	row := s.db.QueryRowContext(ctx, `
		SELECT total_value_locked, deposit_count, withdrawal_count, withdrawal_limit,
			capacity_limit, paused, super_admin, pending_super_admin, last_sequence, taken_at
		FROM bank_state WHERE id = 1
	`)
	err = row.Scan(&tvl, &deposits, &withdraws, &wLimit, &cLimit, &snap.Ledger.State.Paused,
		&superAdmin, &pending, &lastSeq, &snap.TakenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return bank.Snapshot{}, false, nil
	}
	if err != nil {
		return bank.Snapshot{}, false, fmt.Errorf("load state: %w", err)
	}

	st := &snap.Ledger.State
	if st.TotalValueLocked, err = custody.ParseAmount(tvl); err != nil {
		return bank.Snapshot{}, false, err
	}
	if st.WithdrawalLimit, err = custody.ParseAmount(wLimit); err != nil {
		return bank.Snapshot{}, false, err
	}
	if st.CapacityLimit, err = custody.ParseAmount(cLimit); err != nil {
		return bank.Snapshot{}, false, err
	}
	st.DepositCount = uint64(deposits)
	st.WithdrawalCount = uint64(withdraws)
	snap.LastSequence = uint64(lastSeq)

	if snap.Access.SuperAdmin, err = custody.ParseAccount(superAdmin); err != nil {
		return bank.Snapshot{}, false, fmt.Errorf("super admin: %w", err)
	}
	if pending.Valid {
		p, err := custody.ParseAccount(pending.String)
		if err != nil {
			return bank.Snapshot{}, false, fmt.Errorf("pending super admin: %w", err)
		}
		snap.Access.PendingSuperAdmin = &p
	}

	if snap.Assets, err = s.loadAssets(ctx); err != nil {
		return bank.Snapshot{}, false, err
	}
	if snap.Ledger.Positions, err = s.loadBalances(ctx); err != nil {
		return bank.Snapshot{}, false, err
	}
	if snap.Ledger.Holdings, err = s.loadHoldings(ctx); err != nil {
		return bank.Snapshot{}, false, err
	}
	if snap.Access.Grants, err = s.loadRoles(ctx); err != nil {
		return bank.Snapshot{}, false, err
	}
	return snap, true, nil
}

func (s *Store) loadAssets(ctx context.Context) ([]custody.Asset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT asset, decimals, price_source, supported, registered_at
		FROM bank_assets ORDER BY position
	`)
	if err != nil {
		return nil, fmt.Errorf("load assets: %w", err)
	}
	defer rows.Close()

	var out []custody.Asset
	for rows.Next() {
		var (
			id       string
			decimals int
			a        custody.Asset
		)
		if err := rows.Scan(&id, &decimals, &a.PriceSource, &a.Supported, &a.RegisteredAt); err != nil {
			return nil, err
		}
		if a.ID, err = custody.ParseAsset(id); err != nil {
			return nil, fmt.Errorf("asset %q: %w", id, err)
		}
		a.Decimals = uint8(decimals)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) loadBalances(ctx context.Context) ([]custody.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account, asset, amount, cumulative_deposited, cumulative_withdrawn
		FROM bank_balances ORDER BY account, asset
	`)
	if err != nil {
		return nil, fmt.Errorf("load balances: %w", err)
	}
	defer rows.Close()

	var out []custody.Position
	for rows.Next() {
		var account, asset, amount, deposited, withdrawn string
		if err := rows.Scan(&account, &asset, &amount, &deposited, &withdrawn); err != nil {
			return nil, err
		}
		var p custody.Position
		if p.Account, err = custody.ParseAccount(account); err != nil {
			return nil, fmt.Errorf("account %q: %w", account, err)
		}
		if p.Asset, err = custody.ParseAsset(asset); err != nil {
			return nil, fmt.Errorf("asset %q: %w", asset, err)
		}
		if p.Balance.Amount, err = custody.ParseAmount(amount); err != nil {
			return nil, err
		}
		if p.Balance.CumulativeDeposited, err = custody.ParseAmount(deposited); err != nil {
			return nil, err
		}
		if p.Balance.CumulativeWithdrawn, err = custody.ParseAmount(withdrawn); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) loadHoldings(ctx context.Context) ([]custody.Holding, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT asset, amount FROM bank_holdings ORDER BY asset`)
	if err != nil {
		return nil, fmt.Errorf("load holdings: %w", err)
	}
	defer rows.Close()

	var out []custody.Holding
	for rows.Next() {
		var asset, amount string
		if err := rows.Scan(&asset, &amount); err != nil {
			return nil, err
		}
		var h custody.Holding
		if h.Asset, err = custody.ParseAsset(asset); err != nil {
			return nil, fmt.Errorf("asset %q: %w", asset, err)
		}
		if h.Amount, err = custody.ParseAmount(amount); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Store) loadRoles(ctx context.Context) (map[custody.Role][]util.Uint160, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT role, members FROM bank_roles`)
	if err != nil {
		return nil, fmt.Errorf("load roles: %w", err)
	}
	defer rows.Close()

	out := make(map[custody.Role][]util.Uint160)
	for rows.Next() {
		var (
			name    string
			members []string
		)
		if err := rows.Scan(&name, pq.Array(&members)); err != nil {
			return nil, err
		}
		role, ok := custody.ParseRole(name)
		if !ok {
			return nil, fmt.Errorf("unknown role %q", name)
		}
		for _, m := range members {
			u, err := custody.ParseAccount(m)
			if err != nil {
				return nil, fmt.Errorf("role %s member %q: %w", role, m, err)
			}
			out[role] = append(out[role], u)
		}
	}
	return out, rows.Err()
}

// --- Record stream ----------------------------------------------------------

// Append stores recs. Records already stored are skipped so a retried batch
// is harmless.
func (s *Store) Append(ctx context.Context, recs []events.Record) (err error) {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, rec := range recs {
		var fields []byte
		if fields, err = json.Marshal(rec.Fields()); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO bank_events (sequence, id, type, request_id, occurred_at, fields)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (sequence) DO NOTHING
		`, int64(rec.Sequence), rec.ID, string(rec.Type), rec.RequestID, rec.Timestamp, fields)
		if err != nil {
			return fmt.Errorf("append record %d: %w", rec.Sequence, err)
		}
	}
	return tx.Commit()
}

// LastSequence returns the highest stored record sequence, 0 when empty.
func (s *Store) LastSequence(ctx context.Context) (uint64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM bank_events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last sequence: %w", err)
	}
	return uint64(seq), nil
}

// StoredRecord is a persisted record as returned by Records.
type StoredRecord struct {
	Sequence   uint64            `json:"sequence"`
	ID         string            `json:"id"`
	Type       events.Type       `json:"type"`
	RequestID  string            `json:"request_id,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
	Fields     map[string]string `json:"fields"`
}

// Records pages through stored records after the given sequence.
func (s *Store) Records(ctx context.Context, after uint64, limit int) ([]StoredRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, id, type, request_id, occurred_at, fields
		FROM bank_events WHERE sequence > $1 ORDER BY sequence LIMIT $2
	`, int64(after), limit)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	defer rows.Close()

	var out []StoredRecord
	for rows.Next() {
		var (
			r      StoredRecord
			seq    int64
			typ    string
			fields []byte
		)
		if err := rows.Scan(&seq, &r.ID, &typ, &r.RequestID, &r.OccurredAt, &fields); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(fields, &r.Fields); err != nil {
			return nil, fmt.Errorf("record %d fields: %w", seq, err)
		}
		r.Sequence = uint64(seq)
		r.Type = events.Type(typ)
		out = append(out, r)
	}
	return out, rows.Err()
}
