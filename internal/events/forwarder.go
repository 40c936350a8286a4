package events

import (
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/custody_bank/internal/system"
	"github.com/R3E-Network/custody_bank/pkg/logger"
)

// Sink durably stores records.
type Sink interface {
	Append(ctx context.Context, records []Record) error
	LastSequence(ctx context.Context) (uint64, error)
}

// Forwarder copies journal records to a sink in the background. A failed
// batch is retried on the next tick.
type Forwarder struct {
	journal  *Journal
	sink     Sink
	interval time.Duration
	batch    int
	log      *logger.Logger

	mu      sync.Mutex
	cursor  uint64
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var _ system.Service = (*Forwarder)(nil)

// NewForwarder creates a forwarder polling every interval.
func NewForwarder(journal *Journal, sink Sink, interval time.Duration, log *logger.Logger) *Forwarder {
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = logger.NewDefault("events-forwarder")
	}
	return &Forwarder{journal: journal, sink: sink, interval: interval, batch: 256, log: log}
}

func (f *Forwarder) Name() string { return "events-forwarder" }

// Start resumes journal numbering from the sink and begins polling.
func (f *Forwarder) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil
	}
	last, err := f.sink.LastSequence(ctx)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	f.journal.Resume(last)
	if last > f.cursor {
		f.cursor = last
	}
	runCtx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.running = true
	f.mu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := f.Flush(runCtx); err != nil {
					f.log.WithError(err).Warn("forward records")
				}
			}
		}
	}()
	f.log.Infof("events forwarder started (interval=%s)", f.interval)
	return nil
}

// Stop halts polling and makes a final flush.
func (f *Forwarder) Stop(ctx context.Context) error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return nil
	}
	cancel := f.cancel
	f.running = false
	f.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return f.Flush(ctx)
}

// Flush forwards every record logged since the last successful flush.
func (f *Forwarder) Flush(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for {
		records, complete := f.journal.Since(f.cursor, f.batch)
		if !complete {
			f.log.WithField("after", f.cursor).Warn("journal evicted records before they were forwarded")
		}
		if len(records) == 0 {
			return nil
		}
		if err := f.sink.Append(ctx, records); err != nil {
			return err
		}
		f.cursor = records[len(records)-1].Sequence
	}
}

// Cursor returns the sequence of the last forwarded record.
func (f *Forwarder) Cursor() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursor
}
