package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecoratedErrorsKeepIdentity(t *testing.T) {
	err := ErrInsufficientBalance.WithDetails("available", "10").Wrap(fmt.Errorf("ledger"))

	assert.True(t, stderrors.Is(err, ErrInsufficientBalance))
	assert.False(t, stderrors.Is(err, ErrZeroAmount))
	assert.Nil(t, ErrInsufficientBalance.Details, "sentinel must not be mutated")
	assert.Equal(t, "10", err.Details["available"])
}

func TestWrappedChainResolves(t *testing.T) {
	inner := ErrStalePrice.WithDetails("asset", "0x01")
	outer := fmt.Errorf("value deposit: %w", inner)

	se := GetServiceError(outer)
	require.NotNil(t, se)
	assert.Equal(t, KindOracle, se.Kind)
	assert.Equal(t, Code("STALE_PRICE"), CodeOf(outer))
	assert.True(t, stderrors.Is(outer, ErrStalePrice))
}

func TestJoinedErrorsMatchEachSentinel(t *testing.T) {
	err := stderrors.Join(ErrTransferFailed, fmt.Errorf("refund: %w", ErrConversionFailed))

	assert.True(t, stderrors.Is(err, ErrTransferFailed))
	assert.True(t, stderrors.Is(err, ErrConversionFailed))
}

func TestUnclassifiedErrors(t *testing.T) {
	err := stderrors.New("plain")

	assert.Nil(t, GetServiceError(err))
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, CodeInternal, CodeOf(err))
}

func TestErrorStringIncludesCause(t *testing.T) {
	err := Internal("snapshot failed", stderrors.New("disk full"))
	assert.Equal(t, "INTERNAL_ERROR: snapshot failed: disk full", err.Error())
	assert.Equal(t, http.StatusInternalServerError, err.HTTPStatus)
}

func TestTransportHelpers(t *testing.T) {
	rl := RateLimitExceeded(5, "1s")
	assert.Equal(t, http.StatusTooManyRequests, rl.HTTPStatus)
	assert.Equal(t, 5, rl.Details["limit"])

	in := InvalidInput("amount", "not an integer")
	assert.Equal(t, "amount", in.Details["field"])
	assert.Equal(t, KindValidation, in.Kind)

	tok := InvalidToken(nil)
	assert.Nil(t, tok.Unwrap())
	assert.Equal(t, http.StatusUnauthorized, tok.HTTPStatus)
}
