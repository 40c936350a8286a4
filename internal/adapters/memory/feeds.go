// Package memory provides in-process implementations of the bank's external
// collaborators: price feeds, token contracts, the native currency and an
// exchange venue. They back local deployments and the test suites.
package memory

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/R3E-Network/custody_bank/internal/valuation"
)

// Feed is a settable price source.
type Feed struct {
	mu     sync.RWMutex
	report valuation.PriceReport
	err    error
	reads  int
	onRead func()
}

// NewFeed returns a feed with one complete round at price, updated at `at`.
func NewFeed(price *big.Int, at time.Time) *Feed {
	f := &Feed{}
	f.SetPrice(price, at)
	return f
}

// SetPrice publishes a new complete round.
func (f *Feed) SetPrice(price *big.Int, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	round := f.report.SequenceID + 1
	f.report = valuation.PriceReport{
		Price:               new(big.Int).Set(price),
		PriceDecimals:       valuation.PriceDecimals,
		UpdatedAt:           at,
		SequenceID:          round,
		ReportingSequenceID: round,
		IsComplete:          true,
	}
}

// Set publishes report verbatim.
func (f *Feed) Set(report valuation.PriceReport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.report = report
}

// SetError makes reads fail with err until cleared with nil.
func (f *Feed) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Reads counts LatestReport calls.
func (f *Feed) Reads() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.reads
}

// OnRead runs hook at the start of every read, outside the feed's lock.
func (f *Feed) OnRead(hook func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onRead = hook
}

func (f *Feed) LatestReport(context.Context) (valuation.PriceReport, error) {
	f.mu.RLock()
	hook := f.onRead
	f.mu.RUnlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.err != nil {
		return valuation.PriceReport{}, f.err
	}
	r := f.report
	if r.Price != nil {
		r.Price = new(big.Int).Set(r.Price)
	}
	return r, nil
}

// Feeds resolves named feeds. It serves the "static" handle scheme.
type Feeds struct {
	mu    sync.RWMutex
	feeds map[string]*Feed
}

// NewFeeds creates an empty feed set.
func NewFeeds() *Feeds {
	return &Feeds{feeds: make(map[string]*Feed)}
}

// Add registers feed under name.
func (s *Feeds) Add(name string, feed *Feed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeds[name] = feed
}

// Get returns the named feed.
func (s *Feeds) Get(name string) (*Feed, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.feeds[name]
	return f, ok
}

func (s *Feeds) Resolve(name string) (valuation.PriceSource, error) {
	f, ok := s.Get(name)
	if !ok {
		return nil, fmt.Errorf("static feed %q not found", name)
	}
	return f, nil
}
