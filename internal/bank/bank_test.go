package bank_test

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/custody_bank/internal/access"
	"github.com/R3E-Network/custody_bank/internal/adapters/memory"
	"github.com/R3E-Network/custody_bank/internal/bank"
	"github.com/R3E-Network/custody_bank/internal/conversion"
	"github.com/R3E-Network/custody_bank/internal/domain/custody"
	"github.com/R3E-Network/custody_bank/internal/events"
	"github.com/R3E-Network/custody_bank/internal/ledger"
	"github.com/R3E-Network/custody_bank/internal/registry"
	"github.com/R3E-Network/custody_bank/internal/transfer"
	"github.com/R3E-Network/custody_bank/internal/valuation"
	"github.com/R3E-Network/custody_bank/pkg/logger"
)

var (
	custodian = util.Uint160{0xc0}
	venueAcct = util.Uint160{0xe0}
	owner     = util.Uint160{0x01}
	admin     = util.Uint160{0x02}
	treasurer = util.Uint160{0x03}
	operator  = util.Uint160{0x04}
	alice     = util.Uint160{0xa1}
	bob       = util.Uint160{0xb0}

	tokenA    = util.Uint160{0x0a}
	tokenB    = util.Uint160{0x0b}
	reference = util.Uint160{0x0f}
)

// one is a price of 1.0 reference unit per whole asset unit.
var one = big.NewInt(100_000_000)

// fixture is a bank over in-memory collaborators. Every asset has zero
// decimals and the reference has zero decimals, so with a price of one the
// value of an amount equals the amount.
type fixture struct {
	bank    *bank.Bank
	now     time.Time
	feeds   *memory.Feeds
	tokens  *memory.Tokens
	native  *memory.Native
	a       *memory.Token
	b       *memory.Token
	ref     *memory.Token
	venue   *memory.Venue
	ledger  *ledger.Ledger
	journal *events.Journal
}

type option func(*bank.Config)

func autoCredit(c *bank.Config) { c.AutoCreditInbound = true }

func newFixture(t *testing.T, capacityLimit, withdrawalLimit int64, opts ...option) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	log := logger.Discard()

	ctrl := access.New(owner, log)
	require.NoError(t, ctrl.Bootstrap(map[custody.Role][]util.Uint160{
		custody.RoleAdministrator:     {admin},
		custody.RoleTreasury:          {treasurer},
		custody.RoleEmergencyOperator: {operator},
	}))

	f.feeds = memory.NewFeeds()
	for _, name := range []string{"native", "a", "b", "ref"} {
		f.feeds.Add(name, memory.NewFeed(one, f.now))
	}
	val := valuation.New(f.feeds, 0,
		valuation.WithClock(func() time.Time { return f.now }),
		valuation.WithLogger(log))
	reg := registry.New(ctrl, val, log)

	f.tokens = memory.NewTokens()
	f.a = memory.NewToken("A", custodian)
	f.b = memory.NewToken("B", custodian)
	f.ref = memory.NewToken("REF", custodian)
	f.tokens.Add(tokenA, f.a)
	f.tokens.Add(tokenB, f.b)
	f.tokens.Add(reference, f.ref)
	f.native = memory.NewNative(custodian)

	mover := transfer.NewMover(custodian, f.native, f.tokens)
	f.venue = memory.NewVenue(venueAcct, reference, f.tokens)
	f.venue.SetRate(tokenA, big.NewInt(2), big.NewInt(1))
	gw := conversion.NewGateway(f.venue, venueAcct, mover, reference, custodian, log)

	f.ledger = ledger.New(big.NewInt(capacityLimit), big.NewInt(withdrawalLimit))
	f.journal = events.NewJournal(100)

	cfg := bank.Config{Reference: reference}
	for _, o := range opts {
		o(&cfg)
	}
	b, err := bank.New(cfg, bank.Deps{
		Access:    ctrl,
		Registry:  reg,
		Valuation: val,
		Gateway:   gw,
		Ledger:    f.ledger,
		Mover:     mover,
		Journal:   f.journal,
		Logger:    log,
	})
	require.NoError(t, err)
	f.bank = b

	ctx := context.Background()
	for asset, feed := range map[util.Uint160]string{
		custody.NativeAsset: "native",
		tokenA:              "a",
		tokenB:              "b",
		reference:           "ref",
	} {
		_, err := b.RegisterAsset(ctx, admin, asset, feed, 0)
		require.NoError(t, err)
	}

	for _, acct := range []util.Uint160{alice, bob} {
		f.native.Fund(acct, big.NewInt(1_000))
		f.a.Mint(acct, big.NewInt(1_000))
		f.b.Mint(acct, big.NewInt(1_000))
	}
	return f
}

func (f *fixture) balance(account, asset util.Uint160) int64 {
	return f.bank.GetBalance(context.Background(), account, asset).Amount.Int64()
}

func (f *fixture) tvl() int64 {
	return f.bank.GetBankState(context.Background()).TotalValueLocked.Int64()
}

func (f *fixture) custody(asset util.Uint160) int64 {
	return f.bank.CustodyOf(context.Background(), asset).Int64()
}

// state renders the ledger for equality checks.
func (f *fixture) state() string {
	return fmt.Sprintf("%v", f.ledger.Snapshot())
}

// checkIdentity asserts that for every asset the ledger's custody equals the
// sum of balances and the custody account actually holds that much.
func (f *fixture) checkIdentity(t *testing.T) {
	t.Helper()
	snap := f.ledger.Snapshot()
	sums := make(map[util.Uint160]*big.Int)
	for _, p := range snap.Positions {
		if _, ok := sums[p.Asset]; !ok {
			sums[p.Asset] = new(big.Int)
		}
		sums[p.Asset].Add(sums[p.Asset], p.Balance.Amount)
	}
	for _, asset := range []util.Uint160{custody.NativeAsset, tokenA, tokenB, reference} {
		want := sums[asset]
		if want == nil {
			want = new(big.Int)
		}
		if got := f.ledger.CustodyOf(asset); got.Cmp(want) != 0 {
			t.Fatalf("asset %s: custody %s != sum of balances %s", custody.FormatAsset(asset), got, want)
		}
		var held *big.Int
		if custody.IsNative(asset) {
			held = f.native.BalanceOf(custodian)
		} else {
			tok, _ := f.tokens.Get(asset)
			held = tok.BalanceOf(custodian)
		}
		if held.Cmp(want) != 0 {
			t.Fatalf("asset %s: custodian holds %s, ledger says %s", custody.FormatAsset(asset), held, want)
		}
	}
}
