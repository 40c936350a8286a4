package custody

import (
	"math/big"
	"testing"

	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountRoundTripThroughAddress(t *testing.T) {
	u := util.Uint160{1, 2, 3, 4, 5}
	addr := FormatAccount(u)

	parsed, err := ParseAccount(addr)
	require.NoError(t, err)
	assert.Equal(t, u, parsed)

	byHash, err := ParseAccount("0x" + u.StringLE())
	require.NoError(t, err)
	assert.Equal(t, u, byHash)
}

func TestParseAccountRejectsGarbage(t *testing.T) {
	_, err := ParseAccount("")
	assert.Error(t, err)
	_, err = ParseAccount("not-an-address")
	assert.Error(t, err)
	_, err = ParseAccount("0xzz")
	assert.Error(t, err)
}

func TestNativeAssetKeyword(t *testing.T) {
	a, err := ParseAsset("NATIVE")
	require.NoError(t, err)
	assert.True(t, IsNative(a))
	assert.Equal(t, "native", FormatAsset(NativeAsset))

	token := util.Uint160{9}
	assert.Equal(t, "0x"+token.StringLE(), FormatAsset(token))
}

func TestParseAmount(t *testing.T) {
	v, err := ParseAmount("123456789012345678901234567890")
	require.NoError(t, err)
	assert.Equal(t, "123456789012345678901234567890", v.String())

	_, err = ParseAmount("1.5")
	assert.Error(t, err)
	assert.False(t, Positive(big.NewInt(0)))
	assert.False(t, Positive(nil))
	assert.True(t, Positive(big.NewInt(1)))
}

func TestParseRole(t *testing.T) {
	r, ok := ParseRole("Emergency-Operator")
	require.True(t, ok)
	assert.Equal(t, RoleEmergencyOperator, r)

	_, ok = ParseRole("root")
	assert.False(t, ok)
}

func TestCloneIsDeep(t *testing.T) {
	b := NewBalance()
	b.Amount.SetInt64(5)
	cp := b.Clone()
	cp.Amount.SetInt64(7)
	assert.Equal(t, int64(5), b.Amount.Int64())

	s := BankState{TotalValueLocked: big.NewInt(1)}
	sc := s.Clone()
	sc.TotalValueLocked.SetInt64(2)
	assert.Equal(t, int64(1), s.TotalValueLocked.Int64())
	assert.NotNil(t, sc.CapacityLimit)
}
