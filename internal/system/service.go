// Package system defines the lifecycle contract for background services and
// a group that starts and stops them in order.
package system

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Service is a long-running component.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Group starts services in registration order and stops them in reverse.
type Group struct {
	mu       sync.Mutex
	services []Service
	started  []Service
}

// Add appends services to the group.
func (g *Group) Add(services ...Service) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.services = append(g.services, services...)
}

// Start starts every service. On failure the already started ones are
// stopped again.
func (g *Group) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, svc := range g.services {
		if err := svc.Start(ctx); err != nil {
			stopErr := g.stopLocked(ctx)
			return errors.Join(fmt.Errorf("start %s: %w", svc.Name(), err), stopErr)
		}
		g.started = append(g.started, svc)
	}
	return nil
}

// Stop stops started services in reverse order and joins their errors.
func (g *Group) Stop(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopLocked(ctx)
}

func (g *Group) stopLocked(ctx context.Context) error {
	var errs []error
	for i := len(g.started) - 1; i >= 0; i-- {
		svc := g.started[i]
		if err := svc.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", svc.Name(), err))
		}
	}
	g.started = nil
	return errors.Join(errs...)
}
