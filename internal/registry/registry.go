// Package registry maintains the set of depositable assets.
//
// The supported set is index-tracked (asset -> position) so deregistration is
// an O(1) swap-remove. Metadata of every asset ever registered is kept, in
// registration order, so balances of deregistered assets stay valuable and
// withdrawable.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/custody_bank/internal/domain/custody"
	"github.com/R3E-Network/custody_bank/internal/errors"
	"github.com/R3E-Network/custody_bank/pkg/logger"
)

// MaxDecimals bounds asset precision so 10^decimals stays sane.
const MaxDecimals = 36

// Authorizer checks administrative roles.
type Authorizer interface {
	Require(role custody.Role, principal util.Uint160) error
}

// SourceChecker validates a price source handle by reading it once.
type SourceChecker interface {
	CheckSource(ctx context.Context, handle string) error
}

// Registry is the asset registry.
type Registry struct {
	mu        sync.RWMutex
	assets    map[util.Uint160]*custody.Asset
	known     []util.Uint160
	supported []util.Uint160
	index     map[util.Uint160]int

	authz   Authorizer
	checker SourceChecker
	now     func() time.Time
	log     *logger.Logger
}

// New creates an empty registry.
func New(authz Authorizer, checker SourceChecker, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.NewDefault("registry")
	}
	return &Registry{
		assets:  make(map[util.Uint160]*custody.Asset),
		index:   make(map[util.Uint160]int),
		authz:   authz,
		checker: checker,
		now:     time.Now,
		log:     log,
	}
}

// RegisterAsset adds asset to the supported set after probing its price
// source. Re-registering a deregistered asset keeps its decimals and may point
// it at a new price source.
func (r *Registry) RegisterAsset(ctx context.Context, caller, asset util.Uint160, priceSource string, decimals uint8) (custody.Asset, error) {
	if err := r.authz.Require(custody.RoleAdministrator, caller); err != nil {
		return custody.Asset{}, err
	}
	if decimals > MaxDecimals {
		return custody.Asset{}, errors.ErrInvalidDecimals.WithDetails("decimals", decimals)
	}

	r.mu.RLock()
	existing, seen := r.assets[asset]
	var prior custody.Asset
	if seen {
		prior = *existing
	}
	r.mu.RUnlock()

	if seen && prior.Supported {
		return custody.Asset{}, errors.ErrAssetAlreadySupported.WithDetails("asset", custody.FormatAsset(asset))
	}
	if seen && prior.Decimals != decimals {
		return custody.Asset{}, errors.ErrInvalidDecimals.
			WithDetails("asset", custody.FormatAsset(asset)).
			WithDetails("registered", prior.Decimals).
			WithDetails("requested", decimals)
	}

	if err := r.checker.CheckSource(ctx, priceSource); err != nil {
		return custody.Asset{}, errors.ErrInvalidPriceSource.
			WithDetails("price_source", priceSource).
			Wrap(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// The source check ran unlocked; recheck in case a concurrent writer won.
	if cur, ok := r.assets[asset]; ok && cur.Supported {
		return custody.Asset{}, errors.ErrAssetAlreadySupported.WithDetails("asset", custody.FormatAsset(asset))
	}

	rec, ok := r.assets[asset]
	if !ok {
		rec = &custody.Asset{ID: asset, Decimals: decimals, RegisteredAt: r.now().UTC()}
		r.assets[asset] = rec
		r.known = append(r.known, asset)
	}
	rec.PriceSource = priceSource
	rec.Supported = true
	r.index[asset] = len(r.supported)
	r.supported = append(r.supported, asset)

	r.log.WithFields(map[string]interface{}{
		"asset":        custody.FormatAsset(asset),
		"decimals":     decimals,
		"price_source": priceSource,
	}).Info("asset registered")
	return *rec, nil
}

// DeregisterAsset removes asset from the supported set. Its metadata stays.
func (r *Registry) DeregisterAsset(caller, asset util.Uint160) (custody.Asset, error) {
	if err := r.authz.Require(custody.RoleAdministrator, caller); err != nil {
		return custody.Asset{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	pos, ok := r.index[asset]
	if !ok {
		return custody.Asset{}, errors.ErrAssetNotSupported.WithDetails("asset", custody.FormatAsset(asset))
	}

	last := len(r.supported) - 1
	moved := r.supported[last]
	r.supported[pos] = moved
	r.index[moved] = pos
	r.supported = r.supported[:last]
	delete(r.index, asset)

	rec := r.assets[asset]
	rec.Supported = false

	r.log.WithField("asset", custody.FormatAsset(asset)).Info("asset deregistered")
	return *rec, nil
}

// IsSupported reports whether asset is currently depositable.
func (r *Registry) IsSupported(asset util.Uint160) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.index[asset]
	return ok
}

// Lookup returns metadata for any asset ever registered.
func (r *Registry) Lookup(asset util.Uint160) (custody.Asset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.assets[asset]
	if !ok {
		return custody.Asset{}, false
	}
	return *rec, true
}

// Supported lists the current supported set. Order is not significant.
func (r *Registry) Supported() []custody.Asset {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]custody.Asset, 0, len(r.supported))
	for _, id := range r.supported {
		out = append(out, *r.assets[id])
	}
	return out
}

// Known lists every asset ever registered, in registration order.
func (r *Registry) Known() []custody.Asset {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]custody.Asset, 0, len(r.known))
	for _, id := range r.known {
		out = append(out, *r.assets[id])
	}
	return out
}

// KnownIDs lists the IDs of every asset ever registered.
func (r *Registry) KnownIDs() []util.Uint160 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]util.Uint160(nil), r.known...)
}

// Restore replaces the registry contents. assets must be in registration order.
func (r *Registry) Restore(assets []custody.Asset) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.assets = make(map[util.Uint160]*custody.Asset, len(assets))
	r.index = make(map[util.Uint160]int)
	r.known = r.known[:0]
	r.supported = r.supported[:0]
	for _, a := range assets {
		rec := a
		r.assets[a.ID] = &rec
		r.known = append(r.known, a.ID)
		if a.Supported {
			r.index[a.ID] = len(r.supported)
			r.supported = append(r.supported, a.ID)
		}
	}
}
