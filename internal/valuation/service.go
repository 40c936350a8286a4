// Package valuation converts raw asset amounts into the reference currency
// using per-asset price sources.
//
// Reports are validated in a fixed order: the price must be positive, the
// round must be complete, and the report must be fresher than the staleness
// window. Conversion multiplies before it divides and floors the result.
package valuation

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/R3E-Network/custody_bank/internal/domain/custody"
	"github.com/R3E-Network/custody_bank/internal/errors"
	"github.com/R3E-Network/custody_bank/pkg/logger"
)

const (
	// DefaultStalenessWindow is the oldest report age accepted.
	DefaultStalenessWindow = 24 * time.Hour
	// PriceDecimals is the fixed precision of price reports.
	PriceDecimals = 8
)

// PriceReport is the latest round published by a price source.
type PriceReport struct {
	Price               *big.Int
	PriceDecimals       uint8
	UpdatedAt           time.Time
	SequenceID          uint64
	ReportingSequenceID uint64
	IsComplete          bool
}

// PriceSource publishes price rounds for one asset.
type PriceSource interface {
	LatestReport(ctx context.Context) (PriceReport, error)
}

// SourceResolver turns a price source handle into a source.
type SourceResolver interface {
	Resolve(handle string) (PriceSource, error)
}

// ResolverFunc adapts a function to SourceResolver.
type ResolverFunc func(handle string) (PriceSource, error)

func (f ResolverFunc) Resolve(handle string) (PriceSource, error) { return f(handle) }

// SchemeResolver dispatches handles of the form "<scheme>:<rest>".
type SchemeResolver struct {
	mu      sync.RWMutex
	schemes map[string]SourceResolver
}

// NewSchemeResolver creates an empty dispatcher.
func NewSchemeResolver() *SchemeResolver {
	return &SchemeResolver{schemes: make(map[string]SourceResolver)}
}

// Handle routes scheme to r. The resolver receives the part after the colon.
func (s *SchemeResolver) Handle(scheme string, r SourceResolver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemes[scheme] = r
}

func (s *SchemeResolver) Resolve(handle string) (PriceSource, error) {
	scheme, rest, ok := strings.Cut(handle, ":")
	if !ok {
		return nil, fmt.Errorf("price source handle %q has no scheme", handle)
	}
	s.mu.RLock()
	r, ok := s.schemes[scheme]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown price source scheme %q", scheme)
	}
	return r.Resolve(rest)
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithStalenessWindow overrides the freshness window.
func WithStalenessWindow(window time.Duration) Option {
	return func(s *Service) {
		if window > 0 {
			s.window = window
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(s *Service) { s.log = log }
}

// Service values amounts in the reference currency.
type Service struct {
	resolver          SourceResolver
	referenceDecimals uint8
	window            time.Duration
	now               func() time.Time
	log               *logger.Logger
}

// New creates a valuation service.
func New(resolver SourceResolver, referenceDecimals uint8, opts ...Option) *Service {
	s := &Service{
		resolver:          resolver,
		referenceDecimals: referenceDecimals,
		window:            DefaultStalenessWindow,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.NewDefault("valuation")
	}
	return s
}

// ReferenceDecimals reports the precision of values returned by ValueOf.
func (s *Service) ReferenceDecimals() uint8 { return s.referenceDecimals }

// ValueOf converts raw units of asset into reference units.
func (s *Service) ValueOf(ctx context.Context, asset custody.Asset, raw *big.Int) (*big.Int, error) {
	report, err := s.Quote(ctx, asset)
	if err != nil {
		return nil, err
	}
	return Convert(raw, report.Price, s.referenceDecimals, asset.Decimals, report.PriceDecimals), nil
}

// Quote returns the validated latest report for asset.
func (s *Service) Quote(ctx context.Context, asset custody.Asset) (PriceReport, error) {
	report, err := s.read(ctx, asset.PriceSource)
	if err != nil {
		return PriceReport{}, err
	}
	if err := s.Validate(report); err != nil {
		se := errors.GetServiceError(err)
		s.log.WithField("asset", custody.FormatAsset(asset.ID)).
			WithField("code", se.Code).
			Debug("price report rejected")
		return PriceReport{}, se.WithDetails("asset", custody.FormatAsset(asset.ID))
	}
	return report, nil
}

// CheckSource reads handle once and runs full validation on the report.
func (s *Service) CheckSource(ctx context.Context, handle string) error {
	report, err := s.read(ctx, handle)
	if err != nil {
		return err
	}
	return s.Validate(report)
}

func (s *Service) read(ctx context.Context, handle string) (PriceReport, error) {
	src, err := s.resolver.Resolve(handle)
	if err != nil {
		return PriceReport{}, errors.ErrInvalidPriceSource.WithDetails("price_source", handle).Wrap(err)
	}
	report, err := src.LatestReport(ctx)
	if err != nil {
		return PriceReport{}, errors.ErrStalePrice.WithDetails("price_source", handle).Wrap(err)
	}
	return report, nil
}

// Validate applies the price checks in order. Reports must carry exactly
// PriceDecimals of precision.
func (s *Service) Validate(report PriceReport) error {
	if report.Price == nil || report.Price.Sign() <= 0 {
		return errors.ErrInvalidPrice
	}
	if report.PriceDecimals != PriceDecimals {
		return errors.ErrInvalidPrice.WithDetails("price_decimals", report.PriceDecimals)
	}
	if report.UpdatedAt.IsZero() || !report.IsComplete || report.ReportingSequenceID < report.SequenceID {
		return errors.ErrStalePrice.WithDetails("reason", "incomplete round")
	}
	if age := s.now().Sub(report.UpdatedAt); age > s.window {
		return errors.ErrStalePrice.WithDetails("age", age.String())
	}
	return nil
}

// Convert computes raw * price * 10^refDecimals / (10^assetDecimals * 10^priceDecimals),
// rounding toward zero.
func Convert(raw, price *big.Int, refDecimals, assetDecimals, priceDecimals uint8) *big.Int {
	num := new(big.Int).Mul(raw, price)
	num.Mul(num, pow10(refDecimals))
	den := new(big.Int).Mul(pow10(assetDecimals), pow10(priceDecimals))
	return num.Quo(num, den)
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
