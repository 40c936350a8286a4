// Command custody-bank runs the custodial multi-asset bank with its HTTP API,
// background jobs and optional Postgres persistence.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/custody_bank/internal/access"
	"github.com/R3E-Network/custody_bank/internal/adapters/memory"
	"github.com/R3E-Network/custody_bank/internal/bank"
	"github.com/R3E-Network/custody_bank/internal/chain"
	"github.com/R3E-Network/custody_bank/internal/config"
	"github.com/R3E-Network/custody_bank/internal/conversion"
	"github.com/R3E-Network/custody_bank/internal/domain/custody"
	"github.com/R3E-Network/custody_bank/internal/errors"
	"github.com/R3E-Network/custody_bank/internal/events"
	"github.com/R3E-Network/custody_bank/internal/httpapi"
	"github.com/R3E-Network/custody_bank/internal/ledger"
	"github.com/R3E-Network/custody_bank/internal/metrics"
	"github.com/R3E-Network/custody_bank/internal/registry"
	"github.com/R3E-Network/custody_bank/internal/scheduler"
	"github.com/R3E-Network/custody_bank/internal/storage/postgres"
	"github.com/R3E-Network/custody_bank/internal/system"
	"github.com/R3E-Network/custody_bank/internal/transfer"
	"github.com/R3E-Network/custody_bank/internal/valuation"
	"github.com/R3E-Network/custody_bank/pkg/logger"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML configuration")
		envFile    = flag.String("env", ".env", "Optional .env file with CUSTODY_* overrides")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New("custody-bank", cfg.Log.Logger())

	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("custody bank exited")
		os.Exit(1)
	}
}

// settlement bundles the in-process asset rails.
type settlement struct {
	native *memory.Native
	tokens *memory.Tokens
	mover  *transfer.Mover
}

// daemon is the assembled bank and the collaborators run needs afterwards.
type daemon struct {
	bank      *bank.Bank
	journal   *events.Journal
	valuation *valuation.Service
	feeds     *memory.Feeds
	rails     settlement
	grants    map[custody.Role][]util.Uint160
}

// assemble builds the bank on in-process rails from cfg.
func assemble(cfg *config.Config, log *logger.Logger) (*daemon, error) {
	custodian, _ := custody.ParseAccount(cfg.Bank.Custodian)
	reference, _ := custody.ParseAsset(cfg.Bank.ReferenceAsset)
	superAdmin, _ := custody.ParseAccount(cfg.Access.SuperAdmin)
	capacityLimit, withdrawalLimit, err := cfg.Bank.Limits()
	if err != nil {
		return nil, err
	}
	grants, err := cfg.Access.Grants()
	if err != nil {
		return nil, err
	}

	ctrl := access.New(superAdmin, log.Named("access"))
	if err := ctrl.Bootstrap(grants); err != nil {
		return nil, fmt.Errorf("bootstrap roles: %w", err)
	}

	feeds, err := staticFeeds(cfg.Dev.Feeds)
	if err != nil {
		return nil, err
	}
	resolver := valuation.NewSchemeResolver()
	resolver.Handle("static", feeds)
	if cfg.Chain.RPCURL != "" {
		client, err := chain.NewClient(chain.Config{
			RPCURL:    cfg.Chain.RPCURL,
			NetworkID: cfg.Chain.NetworkID,
			Timeout:   cfg.Chain.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("chain client: %w", err)
		}
		resolver.Handle(chain.FeedScheme, chain.NewFeedResolver(client))
	}
	val := valuation.New(resolver, cfg.Bank.ReferenceDecimals,
		valuation.WithStalenessWindow(cfg.Bank.StalenessWindow),
		valuation.WithLogger(log.Named("valuation")))
	reg := registry.New(ctrl, val, log.Named("registry"))

	rails, err := newSettlement(custodian, reference, cfg.Assets, cfg.Dev.Wallets)
	if err != nil {
		return nil, err
	}
	log.Warn("asset settlement runs on in-process rails; balances are not backed by on-chain transfers")

	var gateway *conversion.Gateway
	if cfg.Chain.RouterHash != "" {
		router, _ := custody.ParseAccount(cfg.Chain.RouterHash)
		venue := memory.NewVenue(router, reference, rails.tokens)
		for _, r := range cfg.Dev.Rates {
			asset, _ := custody.ParseAsset(r.Asset)
			num, den, _ := r.Ratio()
			venue.SetRate(asset, num, den)
		}
		gateway = conversion.NewGateway(venue, router, rails.mover, reference, custodian, log.Named("conversion"))
	}

	journal := events.NewJournal(cfg.Bank.JournalSize)
	b, err := bank.New(bank.Config{
		Reference:         reference,
		AutoCreditInbound: cfg.Bank.AutoCreditInbound,
	}, bank.Deps{
		Access:    ctrl,
		Registry:  reg,
		Valuation: val,
		Gateway:   gateway,
		Ledger:    ledger.New(capacityLimit, withdrawalLimit),
		Mover:     rails.mover,
		Journal:   journal,
		Metrics:   metrics.Recorder{},
		Logger:    log.Named("bank"),
	})
	if err != nil {
		return nil, err
	}
	return &daemon{
		bank:      b,
		journal:   journal,
		valuation: val,
		feeds:     feeds,
		rails:     rails,
		grants:    grants,
	}, nil
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := assemble(cfg, log)
	if err != nil {
		return err
	}
	b := d.bank

	var (
		store        *postgres.Store
		checkpointer scheduler.Checkpointer
		history      httpapi.EventHistory
		group        system.Group
	)
	if cfg.Database.Enabled {
		db, err := postgres.Open(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := postgres.Apply(ctx, db); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		store = postgres.New(db)
		checkpointer, history = store, store

		snap, ok, err := store.LoadSnapshot(ctx)
		if err != nil {
			return fmt.Errorf("load checkpoint: %w", err)
		}
		if ok {
			b.Restore(ctx, snap)
		}
		last, err := store.LastSequence(ctx)
		if err != nil {
			return err
		}
		d.journal.Resume(last)
		group.Add(events.NewForwarder(d.journal, store, cfg.Database.ForwardInterval, log.Named("events-forwarder")))
	}

	if err := bootstrapAssets(ctx, b, d.grants, cfg.Assets, log); err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Config{
		CheckpointSpec: cfg.Scheduler.CheckpointSpec,
		FreshnessSpec:  cfg.Scheduler.FreshnessSpec,
	}, b, checkpointer, d.valuation, log.Named("scheduler"))
	server := httpapi.New(b, history, httpapi.Options{
		Addr:           cfg.HTTP.Addr,
		JWTSecret:      []byte(cfg.HTTP.JWTSecret),
		RateLimitRPS:   cfg.HTTP.RateLimitRPS,
		RateLimitBurst: cfg.HTTP.RateLimitBurst,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
	}, log.Named("httpapi"))
	group.Add(sched, server)

	if err := group.Start(ctx); err != nil {
		return err
	}
	go refreshStaticFeeds(ctx, d.feeds, cfg.Dev.Feeds, cfg.Bank.StalenessWindow/2)

	log.WithFields(map[string]interface{}{
		"reference": cfg.Bank.ReferenceAsset,
		"custodian": cfg.Bank.Custodian,
		"assets":    len(b.SupportedAssets(ctx)),
	}).Info("custody bank started")

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	stopErr := group.Stop(shutdownCtx)
	if store != nil {
		var snap bank.Snapshot
		b.Exclusive(func() { snap = b.Snapshot(shutdownCtx) })
		if err := store.SaveSnapshot(shutdownCtx, snap); err != nil {
			log.WithError(err).Error("final checkpoint failed")
		} else {
			log.Info("final checkpoint saved")
		}
	}
	return stopErr
}

func newSettlement(custodian, reference util.Uint160, assets []config.AssetConfig, wallets []config.Wallet) (settlement, error) {
	s := settlement{
		native: memory.NewNative(custodian),
		tokens: memory.NewTokens(),
	}
	add := func(id util.Uint160) {
		if custody.IsNative(id) {
			return
		}
		if _, ok := s.tokens.Get(id); ok {
			return
		}
		s.tokens.Add(id, memory.NewToken(custody.FormatAsset(id), custodian))
	}
	add(reference)
	for _, a := range assets {
		id, _ := custody.ParseAsset(a.Asset)
		add(id)
	}

	for i, w := range wallets {
		account, asset, amount, err := w.Parse()
		if err != nil {
			return settlement{}, fmt.Errorf("dev.wallets[%d]: %w", i, err)
		}
		if custody.IsNative(asset) {
			s.native.Fund(account, amount)
			continue
		}
		add(asset)
		tok, _ := s.tokens.Get(asset)
		tok.Mint(account, amount)
	}

	s.mover = transfer.NewMover(custodian, s.native, s.tokens)
	return s, nil
}

func staticFeeds(list []config.StaticFeed) (*memory.Feeds, error) {
	feeds := memory.NewFeeds()
	for _, f := range list {
		price, err := custody.ParseAmount(f.Price)
		if err != nil {
			return nil, fmt.Errorf("feed %s: %w", f.Name, err)
		}
		feeds.Add(f.Name, memory.NewFeed(price, time.Now()))
	}
	return feeds, nil
}

// refreshStaticFeeds republishes static prices so they never age out.
func refreshStaticFeeds(ctx context.Context, feeds *memory.Feeds, list []config.StaticFeed, every time.Duration) {
	if len(list) == 0 || every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, f := range list {
				feed, ok := feeds.Get(f.Name)
				if !ok {
					continue
				}
				if price, err := custody.ParseAmount(f.Price); err == nil {
					feed.SetPrice(price, now)
				}
			}
		}
	}
}

// bootstrapAssets registers configured assets that are not yet supported,
// acting as the first configured administrator.
func bootstrapAssets(ctx context.Context, b *bank.Bank, grants map[custody.Role][]util.Uint160, assets []config.AssetConfig, log *logger.Logger) error {
	var pending []config.AssetConfig
	for _, a := range assets {
		id, _ := custody.ParseAsset(a.Asset)
		if meta, ok := b.Asset(ctx, id); ok && meta.Supported {
			continue
		}
		pending = append(pending, a)
	}
	if len(pending) == 0 {
		return nil
	}

	var admin util.Uint160
	found := false
	for _, p := range b.Members(custody.RoleAdministrator) {
		admin, found = p, true
		break
	}
	if !found {
		if admins := grants[custody.RoleAdministrator]; len(admins) > 0 {
			admin, found = admins[0], true
		}
	}
	if !found {
		return fmt.Errorf("registering %d configured assets requires an administrator", len(pending))
	}

	for _, a := range pending {
		id, _ := custody.ParseAsset(a.Asset)
		var err error
		b.Exclusive(func() { _, err = b.RegisterAsset(ctx, admin, id, a.PriceSource, a.Decimals) })
		if stderrors.Is(err, errors.ErrSystemPaused) {
			log.WithField("asset", a.Asset).Warn("bank restored paused; configured asset left unregistered")
			continue
		}
		if err != nil {
			return fmt.Errorf("register %s: %w", a.Asset, err)
		}
		log.WithFields(map[string]interface{}{
			"asset":        a.Asset,
			"price_source": a.PriceSource,
		}).Info("registered configured asset")
	}
	return nil
}
