package memory

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/custody_bank/internal/conversion"
)

type rate struct {
	num *big.Int
	den *big.Int
}

// Venue is a fixed-rate exchange that pays output by minting the output
// token. Only direct pairs into the configured output asset exist.
type Venue struct {
	mu      sync.Mutex
	account util.Uint160
	output  util.Uint160
	tokens  *Tokens
	rates   map[util.Uint160]rate
	now     func() time.Time

	failWith  error
	shortfall *big.Int
	skipMin   bool
	swaps     int
}

// NewVenue creates a venue settling swaps into output.
func NewVenue(account, output util.Uint160, tokens *Tokens) *Venue {
	return &Venue{
		account: account,
		output:  output,
		tokens:  tokens,
		rates:   make(map[util.Uint160]rate),
		now:     time.Now,
	}
}

// Account is the venue's spender account.
func (v *Venue) Account() util.Uint160 { return v.account }

// SetRate lists asset with out = in * num / den.
func (v *Venue) SetRate(asset util.Uint160, num, den *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rates[asset] = rate{num: new(big.Int).Set(num), den: new(big.Int).Set(den)}
}

// SetClock overrides the deadline clock.
func (v *Venue) SetClock(now func() time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.now = now
}

// FailWith makes swaps fail with err.
func (v *Venue) FailWith(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failWith = err
}

// Shortchange makes swaps deliver `by` less than quoted while skipping the
// venue's own minimum check, the way a faulty venue would.
func (v *Venue) Shortchange(by *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.shortfall = new(big.Int).Set(by)
	v.skipMin = by.Sign() > 0
}

// Swaps counts executed swaps.
func (v *Venue) Swaps() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.swaps
}

func (v *Venue) Quote(_ context.Context, amountIn *big.Int, path []util.Uint160) ([]*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out, err := v.quote(amountIn, path)
	if err != nil {
		return nil, err
	}
	return []*big.Int{new(big.Int).Set(amountIn), out}, nil
}

func (v *Venue) SwapExactInput(_ context.Context, amountIn, minOut *big.Int, path []util.Uint160, recipient util.Uint160, deadline time.Time) ([]*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.failWith != nil {
		return nil, v.failWith
	}
	if !deadline.IsZero() && v.now().After(deadline) {
		return nil, conversion.ErrDeadlineExpired
	}
	out, err := v.quote(amountIn, path)
	if err != nil {
		return nil, err
	}
	if v.shortfall != nil {
		out.Sub(out, v.shortfall)
		if out.Sign() < 0 {
			out.SetInt64(0)
		}
	}
	if !v.skipMin && out.Cmp(minOut) < 0 {
		return nil, conversion.ErrInsufficientOutput
	}

	in, ok := v.tokens.Get(path[0])
	if !ok {
		return nil, conversion.ErrNoPair
	}
	outToken, ok := v.tokens.Get(path[1])
	if !ok {
		return nil, conversion.ErrNoPair
	}
	if err := in.Draw(v.account, v.account, amountIn); err != nil {
		return nil, err
	}
	outToken.Mint(recipient, out)
	v.swaps++
	return []*big.Int{new(big.Int).Set(amountIn), out}, nil
}

func (v *Venue) quote(amountIn *big.Int, path []util.Uint160) (*big.Int, error) {
	if len(path) != 2 || path[1] != v.output {
		return nil, conversion.ErrNoPair
	}
	r, ok := v.rates[path[0]]
	if !ok {
		return nil, conversion.ErrNoPair
	}
	out := new(big.Int).Mul(amountIn, r.num)
	return out.Quo(out, r.den), nil
}
