package types

import (
	"errors"
	"fmt"
)

// ErrorCode is one of the stable, user-facing codes translated at the
// OrderGateway boundary. Internal errors never leak past this set.
type ErrorCode string

const (
	ErrMarketNotOpen           ErrorCode = "MARKET_NOT_OPEN"
	ErrInsufficientBalance     ErrorCode = "INSUFFICIENT_BALANCE"
	ErrInsufficientShares      ErrorCode = "INSUFFICIENT_SHARES"
	ErrPriceOutOfRange         ErrorCode = "PRICE_OUT_OF_RANGE"
	ErrQuantityOutOfRange      ErrorCode = "QUANTITY_OUT_OF_RANGE"
	ErrSelfTrade               ErrorCode = "SELF_TRADE"
	ErrIdempotencyReplay       ErrorCode = "IDEMPOTENCY_REPLAY"
	ErrIdempotencyKeyConflict ErrorCode = "IDEMPOTENCY_KEY_CONFLICT"
	ErrTimeout                 ErrorCode = "TIMEOUT"
	ErrInternal                ErrorCode = "INTERNAL"
	ErrNotFound                ErrorCode = "NOT_FOUND"
	ErrNotOwner                ErrorCode = "NOT_OWNER"
	ErrAlreadyTerminal         ErrorCode = "ALREADY_TERMINAL"
	ErrNotClosed               ErrorCode = "NOT_CLOSED"
	ErrAlreadyResolved         ErrorCode = "ALREADY_RESOLVED"
	ErrNotOpenOrClosed         ErrorCode = "NOT_OPEN_OR_CLOSED"
	ErrNoLiquidity             ErrorCode = "NO_LIQUIDITY"
	ErrConflict                ErrorCode = "CONFLICT"
)

// GatewayError is the stable, transport-neutral error shape returned by
// every inbound operation in spec.md §6.
type GatewayError struct {
	Code    ErrorCode
	Message string
}

func (e *GatewayError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewGatewayError constructs a GatewayError with a formatted message.
func NewGatewayError(code ErrorCode, format string, args ...any) *GatewayError {
	return &GatewayError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the ErrorCode from err if it is (or wraps) a
// *GatewayError, and ErrInternal otherwise.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ErrInternal
}
