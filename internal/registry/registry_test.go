package registry

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/custody_bank/internal/domain/custody"
	"github.com/R3E-Network/custody_bank/internal/errors"
	"github.com/R3E-Network/custody_bank/pkg/logger"
)

var (
	admin = util.Uint160{0xad}
	gas   = util.Uint160{0x01}
	neo   = util.Uint160{0x02}
	usdt  = util.Uint160{0x03}
)

type stubAuthz struct{}

func (stubAuthz) Require(role custody.Role, principal util.Uint160) error {
	if role == custody.RoleAdministrator && principal == admin {
		return nil
	}
	return errors.ErrUnauthorized
}

type stubSourceChecker map[string]error

func (p stubSourceChecker) CheckSource(_ context.Context, handle string) error {
	if err, ok := p[handle]; ok {
		return err
	}
	return nil
}

func newRegistry(checker stubSourceChecker) *Registry {
	return New(stubAuthz{}, checker, logger.Discard())
}

func TestRegisterAndDeregister(t *testing.T) {
	r := newRegistry(nil)
	ctx := context.Background()

	rec, err := r.RegisterAsset(ctx, admin, gas, "static:gas", 8)
	require.NoError(t, err)
	assert.True(t, rec.Supported)
	assert.True(t, r.IsSupported(gas))

	_, err = r.RegisterAsset(ctx, admin, gas, "static:gas", 8)
	assert.True(t, stderrors.Is(err, errors.ErrAssetAlreadySupported))

	rec, err = r.DeregisterAsset(admin, gas)
	require.NoError(t, err)
	assert.False(t, rec.Supported)
	assert.False(t, r.IsSupported(gas))

	meta, ok := r.Lookup(gas)
	require.True(t, ok, "metadata survives deregistration")
	assert.Equal(t, uint8(8), meta.Decimals)

	_, err = r.DeregisterAsset(admin, gas)
	assert.True(t, stderrors.Is(err, errors.ErrAssetNotSupported))
}

func TestRegisterRequiresAdministrator(t *testing.T) {
	r := newRegistry(nil)

	_, err := r.RegisterAsset(context.Background(), util.Uint160{0x99}, gas, "static:gas", 8)
	assert.True(t, stderrors.Is(err, errors.ErrUnauthorized))
	assert.False(t, r.IsSupported(gas))

	_, err = r.DeregisterAsset(util.Uint160{0x99}, gas)
	assert.True(t, stderrors.Is(err, errors.ErrUnauthorized))
}

func TestRegisterSourceCheckFailure(t *testing.T) {
	r := newRegistry(stubSourceChecker{"static:broken": fmt.Errorf("stale")})

	_, err := r.RegisterAsset(context.Background(), admin, gas, "static:broken", 8)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidPriceSource))
	_, known := r.Lookup(gas)
	assert.False(t, known, "failed registration leaves no trace")
}

func TestDecimalsBounds(t *testing.T) {
	r := newRegistry(nil)
	ctx := context.Background()

	_, err := r.RegisterAsset(ctx, admin, gas, "static:gas", MaxDecimals+1)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidDecimals))

	_, err = r.RegisterAsset(ctx, admin, gas, "static:gas", 8)
	require.NoError(t, err)
	_, err = r.DeregisterAsset(admin, gas)
	require.NoError(t, err)

	_, err = r.RegisterAsset(ctx, admin, gas, "static:gas", 6)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidDecimals), "decimals are fixed at first registration")

	rec, err := r.RegisterAsset(ctx, admin, gas, "static:gas-v2", 8)
	require.NoError(t, err)
	assert.Equal(t, "static:gas-v2", rec.PriceSource)
}

func TestSwapRemoveKeepsIndexConsistent(t *testing.T) {
	r := newRegistry(nil)
	ctx := context.Background()
	for _, id := range []util.Uint160{gas, neo, usdt} {
		_, err := r.RegisterAsset(ctx, admin, id, "static:x", 8)
		require.NoError(t, err)
	}

	_, err := r.DeregisterAsset(admin, gas)
	require.NoError(t, err)

	assert.False(t, r.IsSupported(gas))
	assert.True(t, r.IsSupported(neo))
	assert.True(t, r.IsSupported(usdt))
	assert.Len(t, r.Supported(), 2)

	_, err = r.DeregisterAsset(admin, usdt)
	require.NoError(t, err)
	assert.True(t, r.IsSupported(neo))
	assert.Len(t, r.Supported(), 1)

	known := r.KnownIDs()
	assert.Equal(t, []util.Uint160{gas, neo, usdt}, known, "known keeps registration order")
}

func TestRestore(t *testing.T) {
	r := newRegistry(nil)
	r.Restore([]custody.Asset{
		{ID: gas, Decimals: 8, PriceSource: "a", Supported: false},
		{ID: neo, Decimals: 0, PriceSource: "b", Supported: true},
	})

	assert.False(t, r.IsSupported(gas))
	assert.True(t, r.IsSupported(neo))
	assert.Len(t, r.Known(), 2)

	_, err := r.DeregisterAsset(admin, neo)
	require.NoError(t, err)
	assert.Empty(t, r.Supported())
}
