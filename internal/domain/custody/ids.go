// Package custody holds the data model shared by the bank components:
// identifiers, assets, balances, bank state and roles.
package custody

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"github.com/nspcc-dev/neo-go/pkg/util"
)

// NativeAsset marks the chain's native currency. It is the zero script hash.
var NativeAsset = util.Uint160{}

// nativeKeyword is accepted in place of the zero hash at outer boundaries.
const nativeKeyword = "native"

// IsNative reports whether asset is the native currency marker.
func IsNative(asset util.Uint160) bool {
	return asset == NativeAsset
}

// ParseAccount accepts a Neo N3 address or a 0x-prefixed little-endian script
// hash.
func ParseAccount(s string) (util.Uint160, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return util.Uint160{}, fmt.Errorf("empty account")
	}
	if strings.HasPrefix(s, "0x") {
		return util.Uint160DecodeStringLE(s[2:])
	}
	u, err := address.StringToUint160(s)
	if err != nil {
		return util.Uint160{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	return u, nil
}

// ParseAsset accepts "native", a 0x-prefixed script hash or an address.
func ParseAsset(s string) (util.Uint160, error) {
	if strings.EqualFold(strings.TrimSpace(s), nativeKeyword) {
		return NativeAsset, nil
	}
	return ParseAccount(s)
}

// FormatAccount renders an account as a Neo N3 address.
func FormatAccount(u util.Uint160) string {
	return address.Uint160ToString(u)
}

// FormatAsset renders an asset as "native" or its 0x-prefixed script hash.
func FormatAsset(u util.Uint160) string {
	if IsNative(u) {
		return nativeKeyword
	}
	return "0x" + u.StringLE()
}

// ParseAmount parses a base-10 raw amount.
func ParseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

// Positive reports whether v is strictly greater than zero.
func Positive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}
