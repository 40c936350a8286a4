// Package scheduler runs the bank's periodic jobs: checkpointing state to
// durable storage and watching price feeds for staleness.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/custody_bank/internal/bank"
	"github.com/R3E-Network/custody_bank/internal/domain/custody"
	"github.com/R3E-Network/custody_bank/internal/errors"
	"github.com/R3E-Network/custody_bank/internal/metrics"
	"github.com/R3E-Network/custody_bank/internal/system"
	"github.com/R3E-Network/custody_bank/internal/valuation"
	"github.com/R3E-Network/custody_bank/pkg/logger"
)

const (
	JobCheckpoint = "checkpoint"
	JobFreshness  = "price_freshness"
)

// Snapshotter exposes the bank state to checkpoint.
type Snapshotter interface {
	Exclusive(fn func())
	Snapshot(ctx context.Context) bank.Snapshot
	SupportedAssets(ctx context.Context) []custody.Asset
}

// Checkpointer persists a snapshot.
type Checkpointer interface {
	SaveSnapshot(ctx context.Context, snap bank.Snapshot) error
}

// Quoter reads a validated price report for an asset.
type Quoter interface {
	Quote(ctx context.Context, asset custody.Asset) (valuation.PriceReport, error)
}

// Config holds cron specs. An empty spec disables the job.
type Config struct {
	CheckpointSpec string
	FreshnessSpec  string
	// JobTimeout bounds a single run. Defaults to 30s.
	JobTimeout time.Duration
}

// Scheduler drives the periodic jobs on a cron.
type Scheduler struct {
	cfg    Config
	bank   Snapshotter
	store  Checkpointer
	quoter Quoter
	log    *logger.Logger

	cron *cron.Cron

	mu    sync.Mutex
	stale map[string]string
}

var _ system.Service = (*Scheduler)(nil)

// New creates a scheduler. store and quoter may be nil, which disables the
// corresponding job.
func New(cfg Config, b Snapshotter, store Checkpointer, quoter Quoter, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}
	return &Scheduler{
		cfg:    cfg,
		bank:   b,
		store:  store,
		quoter: quoter,
		log:    log,
		stale:  make(map[string]string),
	}
}

// Name implements system.Service.
func (s *Scheduler) Name() string { return "scheduler" }

// Start registers the enabled jobs and starts the cron.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{s.log})))

	if s.cfg.CheckpointSpec != "" && s.store != nil {
		if _, err := c.AddFunc(s.cfg.CheckpointSpec, s.job(JobCheckpoint, s.Checkpoint)); err != nil {
			return fmt.Errorf("schedule %s job: %w", JobCheckpoint, err)
		}
		s.log.WithField("schedule", s.cfg.CheckpointSpec).Info("scheduled checkpoint job")
	}

	if s.cfg.FreshnessSpec != "" && s.quoter != nil {
		fn := func(ctx context.Context) error {
			_, err := s.CheckFreshness(ctx)
			return err
		}
		if _, err := c.AddFunc(s.cfg.FreshnessSpec, s.job(JobFreshness, fn)); err != nil {
			return fmt.Errorf("schedule %s job: %w", JobFreshness, err)
		}
		s.log.WithField("schedule", s.cfg.FreshnessSpec).Info("scheduled price freshness job")
	}

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	c.Start()
	return nil
}

// Stop stops the cron and waits for running jobs or ctx, whichever ends first.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) job(name string, fn func(ctx context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
		defer cancel()

		start := time.Now()
		err := fn(ctx)
		metrics.RecordJobRun(name, time.Since(start), err == nil)
		if err != nil {
			s.log.WithField("job", name).WithError(err).Warn("scheduled job failed")
		}
	}
}

// Checkpoint takes a bank snapshot and persists it.
func (s *Scheduler) Checkpoint(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	var snap bank.Snapshot
	s.bank.Exclusive(func() { snap = s.bank.Snapshot(ctx) })
	if err := s.store.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	s.log.WithFields(map[string]interface{}{
		"last_sequence": snap.LastSequence,
		"assets":        len(snap.Assets),
		"positions":     len(snap.Ledger.Positions),
	}).Debug("checkpoint saved")
	return nil
}

// CheckFreshness quotes every supported asset and returns the ones whose
// price is currently unusable, keyed by asset with the error code as value.
// Transitions into and out of the stale set are logged once.
func (s *Scheduler) CheckFreshness(ctx context.Context) (map[string]string, error) {
	if s.quoter == nil {
		return nil, nil
	}
	current := make(map[string]string)
	for _, asset := range s.bank.SupportedAssets(ctx) {
		if err := ctx.Err(); err != nil {
			return current, err
		}
		if _, err := s.quoter.Quote(ctx, asset); err != nil {
			current[custody.FormatAsset(asset.ID)] = string(errors.CodeOf(err))
		}
	}

	s.mu.Lock()
	previous := s.stale
	s.stale = current
	s.mu.Unlock()

	for id, code := range current {
		if _, was := previous[id]; !was {
			s.log.WithFields(map[string]interface{}{"asset": id, "code": code}).Warn("price feed unusable")
		}
	}
	for id := range previous {
		if _, still := current[id]; !still {
			s.log.WithField("asset", id).Info("price feed recovered")
		}
	}
	return current, nil
}

// Stale returns the assets flagged by the last freshness run.
func (s *Scheduler) Stale() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.stale))
	for k, v := range s.stale {
		out[k] = v
	}
	return out
}

// cronLogger adapts the component logger to cron.Logger.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(kv(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithFields(kv(keysAndValues)).WithError(err).Error(msg)
}

func kv(pairs []interface{}) logrus.Fields {
	out := make(logrus.Fields, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out[fmt.Sprint(pairs[i])] = pairs[i+1]
	}
	return out
}
