// Package errors defines the typed error taxonomy shared by the bank and its
// HTTP surface.
//
// Every failure a bank operation can report is a *ServiceError sentinel. Call
// sites decorate a sentinel with WithDetails or Wrap; the copy still matches the
// sentinel under errors.Is because identity is decided by Code.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind groups error codes by the layer that raised them.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindCapacity      Kind = "capacity"
	KindOracle        Kind = "oracle"
	KindTransfer      Kind = "transfer"
	KindConversion    Kind = "conversion"
	KindAuthorization Kind = "authorization"
	KindState         Kind = "state"
	KindInternal      Kind = "internal"
)

// Code is the stable machine-readable identifier of an error.
type Code string

// ServiceError is a classified error with an HTTP mapping.
type ServiceError struct {
	Kind       Kind
	Code       Code
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	cause      error
}

func newError(kind Kind, code Code, status int, message string) *ServiceError {
	return &ServiceError{Kind: kind, Code: code, HTTPStatus: status, Message: message}
}

func (e *ServiceError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

// Unwrap exposes the wrapped cause.
func (e *ServiceError) Unwrap() error { return e.cause }

// Is matches any ServiceError with the same code.
func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func (e *ServiceError) clone() *ServiceError {
	cp := *e
	if e.Details != nil {
		cp.Details = make(map[string]interface{}, len(e.Details))
		for k, v := range e.Details {
			cp.Details[k] = v
		}
	}
	return &cp
}

// WithDetails returns a copy carrying an extra detail entry.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	cp := e.clone()
	if cp.Details == nil {
		cp.Details = make(map[string]interface{})
	}
	cp.Details[key] = value
	return cp
}

// Wrap returns a copy with cause attached.
func (e *ServiceError) Wrap(cause error) *ServiceError {
	cp := e.clone()
	cp.cause = cause
	return cp
}

// GetServiceError extracts the first ServiceError in err's chain.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// KindOf reports the kind of err, KindInternal for unclassified errors.
func KindOf(err error) Kind {
	if se := GetServiceError(err); se != nil {
		return se.Kind
	}
	return KindInternal
}

// CodeOf reports the code of err, "INTERNAL_ERROR" for unclassified errors.
func CodeOf(err error) Code {
	if se := GetServiceError(err); se != nil {
		return se.Code
	}
	return CodeInternal
}

// =============================================================================
// Bank operation errors
// =============================================================================

var (
	ErrZeroAmount            = newError(KindValidation, "ZERO_AMOUNT", http.StatusBadRequest, "amount must be greater than zero")
	ErrAssetNotSupported     = newError(KindValidation, "ASSET_NOT_SUPPORTED", http.StatusBadRequest, "asset is not supported")
	ErrAssetAlreadySupported = newError(KindValidation, "ASSET_ALREADY_SUPPORTED", http.StatusConflict, "asset is already supported")
	ErrInvalidConversionPath = newError(KindValidation, "INVALID_CONVERSION_PATH", http.StatusBadRequest, "no direct conversion path to the reference asset")
	ErrInvalidDecimals       = newError(KindValidation, "INVALID_DECIMALS", http.StatusBadRequest, "invalid asset decimals")
	ErrInvalidRecipient      = newError(KindValidation, "INVALID_RECIPIENT", http.StatusBadRequest, "recipient is required")
	ErrInvalidRole           = newError(KindValidation, "INVALID_ROLE", http.StatusBadRequest, "unknown or non-grantable role")
	ErrInvalidPrincipal      = newError(KindValidation, "INVALID_PRINCIPAL", http.StatusBadRequest, "principal is required")
	ErrUnroutedTransfer      = newError(KindValidation, "UNROUTED_TRANSFER", http.StatusBadRequest, "inbound transfer carries no operation")

	ErrCapacityExceeded        = newError(KindCapacity, "CAPACITY_EXCEEDED", http.StatusUnprocessableEntity, "deposit would exceed total capacity")
	ErrWithdrawalLimitExceeded = newError(KindCapacity, "WITHDRAWAL_LIMIT_EXCEEDED", http.StatusUnprocessableEntity, "withdrawal exceeds the per-operation limit")

	ErrInvalidPrice       = newError(KindOracle, "INVALID_PRICE", http.StatusServiceUnavailable, "price source reported a non-positive price")
	ErrStalePrice         = newError(KindOracle, "STALE_PRICE", http.StatusServiceUnavailable, "price report is stale or incomplete")
	ErrInvalidPriceSource = newError(KindOracle, "INVALID_PRICE_SOURCE", http.StatusBadRequest, "price source failed validation")

	ErrTransferFailed      = newError(KindTransfer, "TRANSFER_FAILED", http.StatusBadGateway, "asset transfer failed")
	ErrInsufficientBalance = newError(KindTransfer, "INSUFFICIENT_BALANCE", http.StatusUnprocessableEntity, "insufficient balance")

	ErrSlippageExceeded = newError(KindConversion, "SLIPPAGE_EXCEEDED", http.StatusUnprocessableEntity, "conversion output below minimum")
	ErrConversionFailed = newError(KindConversion, "CONVERSION_FAILED", http.StatusBadGateway, "conversion failed")

	ErrUnauthorized = newError(KindAuthorization, "UNAUTHORIZED", http.StatusForbidden, "caller lacks the required role")

	ErrSystemPaused  = newError(KindState, "SYSTEM_PAUSED", http.StatusServiceUnavailable, "system is paused")
	ErrReentrantCall = newError(KindState, "REENTRANT_CALL", http.StatusConflict, "operation already in progress")
	ErrNotPaused     = newError(KindState, "NOT_PAUSED", http.StatusConflict, "system is not paused")
)

// =============================================================================
// Transport errors
// =============================================================================

const (
	CodeInternal      Code = "INTERNAL_ERROR"
	CodeInvalidToken  Code = "INVALID_TOKEN"
	CodeAuthRequired  Code = "AUTH_REQUIRED"
	CodeRateLimited   Code = "RATE_LIMIT_EXCEEDED"
	CodeInvalidInput  Code = "INVALID_INPUT"
	CodeNotFound      Code = "NOT_FOUND"
)

// Unauthenticated reports a request without usable credentials.
func Unauthenticated(message string) *ServiceError {
	return newError(KindAuthorization, CodeAuthRequired, http.StatusUnauthorized, message)
}

// InvalidToken reports a bearer token that failed verification.
func InvalidToken(cause error) *ServiceError {
	return newError(KindAuthorization, CodeInvalidToken, http.StatusUnauthorized, "invalid or expired token").Wrap(cause)
}

// RateLimitExceeded reports a throttled caller.
func RateLimitExceeded(limit int, window string) *ServiceError {
	return newError(KindState, CodeRateLimited, http.StatusTooManyRequests, "rate limit exceeded").
		WithDetails("limit", limit).
		WithDetails("window", window)
}

// InvalidInput reports a malformed request field.
func InvalidInput(field, reason string) *ServiceError {
	return newError(KindValidation, CodeInvalidInput, http.StatusBadRequest, fmt.Sprintf("invalid %s: %s", field, reason)).
		WithDetails("field", field)
}

// NotFound reports a missing resource.
func NotFound(what string) *ServiceError {
	return newError(KindValidation, CodeNotFound, http.StatusNotFound, what+" not found")
}

// Internal wraps an unexpected failure.
func Internal(message string, cause error) *ServiceError {
	return newError(KindInternal, CodeInternal, http.StatusInternalServerError, message).Wrap(cause)
}
