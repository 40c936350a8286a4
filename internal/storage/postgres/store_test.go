package postgres

import (
	"context"
	"database/sql"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/custody_bank/internal/access"
	"github.com/R3E-Network/custody_bank/internal/bank"
	"github.com/R3E-Network/custody_bank/internal/domain/custody"
	"github.com/R3E-Network/custody_bank/internal/events"
	"github.com/R3E-Network/custody_bank/internal/ledger"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestApplyExecutesAllMigrations(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	for range migrations {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	if err := Apply(context.Background(), db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestApplyStopsOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied"))

	if err := Apply(context.Background(), db); err == nil {
		t.Fatalf("expected migration failure")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

var (
	owner  = util.Uint160{0x01}
	alice  = util.Uint160{0xa1}
	tokenA = util.Uint160{0x0a}
)

func sampleSnapshot() bank.Snapshot {
	at := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	return bank.Snapshot{
		TakenAt: at,
		Ledger: ledger.Snapshot{
			State: custody.BankState{
				TotalValueLocked: big.NewInt(25),
				DepositCount:     3,
				WithdrawalCount:  1,
				WithdrawalLimit:  big.NewInt(10),
				CapacityLimit:    big.NewInt(100),
			},
			Positions: []custody.Position{{
				Account: alice,
				Asset:   tokenA,
				Balance: custody.Balance{
					Amount:              big.NewInt(25),
					CumulativeDeposited: big.NewInt(30),
					CumulativeWithdrawn: big.NewInt(5),
				},
			}},
			Holdings: []custody.Holding{{Asset: tokenA, Amount: big.NewInt(25)}},
		},
		Assets: []custody.Asset{
			{ID: custody.NativeAsset, Decimals: 8, PriceSource: "static:native", Supported: true, RegisteredAt: at},
			{ID: tokenA, Decimals: 6, PriceSource: "static:a", Supported: false, RegisteredAt: at},
		},
		Access: access.State{
			SuperAdmin: owner,
			Grants:     map[custody.Role][]util.Uint160{custody.RoleTreasury: {alice}},
		},
		LastSequence: 9,
	}
}

func TestSaveSnapshot(t *testing.T) {
	store, mock := newMock(t)
	snap := sampleSnapshot()

	mock.ExpectBegin()
	for _, table := range []string{"bank_balances", "bank_holdings", "bank_assets", "bank_roles"} {
		mock.ExpectExec("DELETE FROM " + table).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectExec("INSERT INTO bank_state").
		WithArgs("25", int64(3), int64(1), "10", "100", false,
			custody.FormatAccount(owner), nil, int64(9), snap.TakenAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO bank_assets").
		WithArgs("native", 0, 8, "static:native", true, snap.TakenAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO bank_assets").
		WithArgs(custody.FormatAsset(tokenA), 1, 6, "static:a", false, snap.TakenAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO bank_balances").
		WithArgs(custody.FormatAccount(alice), custody.FormatAsset(tokenA), "25", "30", "5").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO bank_holdings").
		WithArgs(custody.FormatAsset(tokenA), "25").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO bank_roles").
		WithArgs(string(custody.RoleTreasury), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.SaveSnapshot(context.Background(), snap); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSaveSnapshotRollsBackOnError(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM bank_balances").WillReturnError(errors.New("lock timeout"))
	mock.ExpectRollback()

	if err := store.SaveSnapshot(context.Background(), sampleSnapshot()); err == nil {
		t.Fatalf("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestLoadSnapshotMissing(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("FROM bank_state").WillReturnError(sql.ErrNoRows)

	_, ok, err := store.LoadSnapshot(context.Background())
	if err != nil || ok {
		t.Fatalf("expected no snapshot, got ok=%v err=%v", ok, err)
	}
}

func TestLoadSnapshot(t *testing.T) {
	store, mock := newMock(t)
	want := sampleSnapshot()

	mock.ExpectQuery("FROM bank_state").WillReturnRows(sqlmock.NewRows([]string{
		"total_value_locked", "deposit_count", "withdrawal_count", "withdrawal_limit",
		"capacity_limit", "paused", "super_admin", "pending_super_admin", "last_sequence", "taken_at",
	}).AddRow("25", int64(3), int64(1), "10", "100", false, custody.FormatAccount(owner), nil, int64(9), want.TakenAt))
	mock.ExpectQuery("FROM bank_assets").WillReturnRows(sqlmock.NewRows([]string{
		"asset", "decimals", "price_source", "supported", "registered_at",
	}).AddRow("native", int64(8), "static:native", true, want.TakenAt).
		AddRow(custody.FormatAsset(tokenA), int64(6), "static:a", false, want.TakenAt))
	mock.ExpectQuery("FROM bank_balances").WillReturnRows(sqlmock.NewRows([]string{
		"account", "asset", "amount", "cumulative_deposited", "cumulative_withdrawn",
	}).AddRow(custody.FormatAccount(alice), custody.FormatAsset(tokenA), "25", "30", "5"))
	mock.ExpectQuery("FROM bank_holdings").WillReturnRows(sqlmock.NewRows([]string{"asset", "amount"}).
		AddRow(custody.FormatAsset(tokenA), "25"))
	mock.ExpectQuery("FROM bank_roles").WillReturnRows(sqlmock.NewRows([]string{"role", "members"}).
		AddRow(string(custody.RoleTreasury), []byte("{"+custody.FormatAccount(alice)+"}")))

	got, ok, err := store.LoadSnapshot(context.Background())
	if err != nil || !ok {
		t.Fatalf("load snapshot: ok=%v err=%v", ok, err)
	}
	if got.Ledger.State.TotalValueLocked.Cmp(big.NewInt(25)) != 0 || got.Ledger.State.DepositCount != 3 {
		t.Fatalf("unexpected state %+v", got.Ledger.State)
	}
	if got.LastSequence != 9 || got.Access.SuperAdmin != owner || got.Access.PendingSuperAdmin != nil {
		t.Fatalf("unexpected header %+v", got)
	}
	if len(got.Assets) != 2 || got.Assets[0].ID != custody.NativeAsset || got.Assets[1].Decimals != 6 || got.Assets[1].Supported {
		t.Fatalf("unexpected assets %+v", got.Assets)
	}
	if len(got.Ledger.Positions) != 1 || got.Ledger.Positions[0].Balance.CumulativeWithdrawn.Int64() != 5 {
		t.Fatalf("unexpected positions %+v", got.Ledger.Positions)
	}
	if len(got.Ledger.Holdings) != 1 || got.Ledger.Holdings[0].Amount.Int64() != 25 {
		t.Fatalf("unexpected holdings %+v", got.Ledger.Holdings)
	}
	if m := got.Access.Grants[custody.RoleTreasury]; len(m) != 1 || m[0] != alice {
		t.Fatalf("unexpected grants %+v", got.Access.Grants)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAppendAndLastSequence(t *testing.T) {
	store, mock := newMock(t)
	recs := []events.Record{
		{ID: "6f1c2f1e-0000-4000-8000-000000000001", Sequence: 10, Type: events.TypePaused, Caller: owner, Timestamp: time.Now()},
		{ID: "6f1c2f1e-0000-4000-8000-000000000002", Sequence: 11, Type: events.TypeUnpaused, Caller: owner, Timestamp: time.Now()},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO bank_events").
		WithArgs(int64(10), recs[0].ID, "Paused", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO bank_events").
		WithArgs(int64(11), recs[1].ID, "Unpaused", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT COALESCE\\(MAX\\(sequence\\), 0\\) FROM bank_events").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(11)))

	if err := store.Append(context.Background(), recs); err != nil {
		t.Fatalf("append: %v", err)
	}
	seq, err := store.LastSequence(context.Background())
	if err != nil || seq != 11 {
		t.Fatalf("last sequence = %d, %v", seq, err)
	}
	if err := store.Append(context.Background(), nil); err != nil {
		t.Fatalf("empty append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRecords(t *testing.T) {
	store, mock := newMock(t)
	at := time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM bank_events WHERE sequence > \\$1").
		WithArgs(int64(4), 2).
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "id", "type", "request_id", "occurred_at", "fields"}).
			AddRow(int64(5), "id-5", "Paused", "req-1", at, []byte(`{"caller":"x"}`)))

	recs, err := store.Records(context.Background(), 4, 2)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(recs) != 1 || recs[0].Sequence != 5 || recs[0].Type != events.TypePaused || recs[0].Fields["caller"] != "x" {
		t.Fatalf("unexpected records %+v", recs)
	}
}
