// Package conversion swaps deposited assets into the reference asset through
// an exchange venue.
//
// Only direct pairs are used. The venue is authorized to draw exactly the
// input amount and the authorization is cleared before returning, whatever
// the outcome.
package conversion

import (
	"context"
	stderrors "errors"
	"math/big"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/custody_bank/internal/domain/custody"
	"github.com/R3E-Network/custody_bank/internal/errors"
	"github.com/R3E-Network/custody_bank/pkg/logger"
)

// Errors a venue reports for conditions the gateway classifies.
var (
	ErrNoPair             = stderrors.New("venue: no pair for path")
	ErrInsufficientOutput = stderrors.New("venue: output below minimum")
	ErrDeadlineExpired    = stderrors.New("venue: deadline expired")
)

// Venue is an exchange that quotes and executes exact-input swaps. Amounts
// returned are per hop; the last element is the output.
type Venue interface {
	Quote(ctx context.Context, amountIn *big.Int, path []util.Uint160) ([]*big.Int, error)
	SwapExactInput(ctx context.Context, amountIn, minOut *big.Int, path []util.Uint160, recipient util.Uint160, deadline time.Time) ([]*big.Int, error)
}

// Approver sets the custody account's allowance for a spender.
type Approver interface {
	Approve(ctx context.Context, asset, spender util.Uint160, amount *big.Int) error
}

// Gateway converts custody holdings into the reference asset.
type Gateway struct {
	venue     Venue
	spender   util.Uint160
	approver  Approver
	reference util.Uint160
	custodian util.Uint160
	log       *logger.Logger
}

// NewGateway creates a gateway. spender is the venue account that draws the
// approved input; swap output is paid to custodian.
func NewGateway(venue Venue, spender util.Uint160, approver Approver, reference, custodian util.Uint160, log *logger.Logger) *Gateway {
	if log == nil {
		log = logger.NewDefault("conversion")
	}
	return &Gateway{
		venue:     venue,
		spender:   spender,
		approver:  approver,
		reference: reference,
		custodian: custodian,
		log:       log,
	}
}

// Reference is the asset conversions produce.
func (g *Gateway) Reference() util.Uint160 { return g.reference }

// ConvertToReference swaps rawIn of asset, already in custody, into the
// reference asset.
//
// When the swap executed but its output failed the final minimum check, the
// received amount is returned together with ErrSlippageExceeded so the caller
// can return it.
func (g *Gateway) ConvertToReference(ctx context.Context, asset util.Uint160, rawIn, minOut *big.Int, deadline time.Time) (*big.Int, error) {
	if minOut == nil {
		minOut = new(big.Int)
	}
	if asset == g.reference || custody.IsNative(asset) {
		return nil, errors.ErrInvalidConversionPath.WithDetails("asset", custody.FormatAsset(asset))
	}
	path := []util.Uint160{asset, g.reference}

	quoted, err := g.venue.Quote(ctx, rawIn, path)
	if err != nil {
		return nil, classify(err)
	}
	expected := last(quoted)
	if expected == nil || expected.Cmp(minOut) < 0 {
		return nil, errors.ErrSlippageExceeded.
			WithDetails("quoted", amountString(expected)).
			WithDetails("min_out", minOut.String())
	}

	if err := g.approver.Approve(ctx, asset, g.spender, rawIn); err != nil {
		return nil, errors.ErrConversionFailed.WithDetails("stage", "approve").Wrap(err)
	}
	defer g.clearApproval(ctx, asset)

	amounts, err := g.venue.SwapExactInput(ctx, rawIn, minOut, path, g.custodian, deadline)
	if err != nil {
		return nil, classify(err)
	}
	received := last(amounts)
	if received == nil {
		return nil, errors.ErrConversionFailed.WithDetails("stage", "swap").WithDetails("reason", "empty result")
	}
	if received.Cmp(minOut) < 0 {
		return received, errors.ErrSlippageExceeded.
			WithDetails("received", received.String()).
			WithDetails("min_out", minOut.String())
	}

	g.log.WithFields(map[string]interface{}{
		"asset":    custody.FormatAsset(asset),
		"amount":   rawIn.String(),
		"received": received.String(),
	}).Debug("conversion executed")
	return received, nil
}

func (g *Gateway) clearApproval(ctx context.Context, asset util.Uint160) {
	// Clearing must run even when ctx was cancelled mid-swap.
	if err := g.approver.Approve(context.WithoutCancel(ctx), asset, g.spender, new(big.Int)); err != nil {
		g.log.WithError(err).WithField("asset", custody.FormatAsset(asset)).Error("clear venue approval")
	}
}

func classify(err error) error {
	switch {
	case stderrors.Is(err, ErrNoPair):
		return errors.ErrInvalidConversionPath.Wrap(err)
	case stderrors.Is(err, ErrInsufficientOutput):
		return errors.ErrSlippageExceeded.Wrap(err)
	default:
		return errors.ErrConversionFailed.Wrap(err)
	}
}

func last(amounts []*big.Int) *big.Int {
	if len(amounts) == 0 {
		return nil
	}
	return amounts[len(amounts)-1]
}

func amountString(v *big.Int) string {
	if v == nil {
		return "none"
	}
	return v.String()
}
