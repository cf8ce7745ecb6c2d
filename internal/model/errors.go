package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Error kinds surfaced by the pooling engine.
var (
	ErrPoolNotFound          = errors.New("pool not found")
	ErrPoolNotMatching       = errors.New("pool is no longer matching")
	ErrPoolExpired           = errors.New("pool has expired")
	ErrDuplicateContribution = errors.New("farmer already has an active contribution in this pool")
	ErrNoActiveContribution  = errors.New("farmer has no active contribution in this pool")
	ErrCapacityExceeded      = errors.New("amount exceeds the remaining gap")
	ErrConversionTransport   = errors.New("financing application emission failed")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrVersionConflict       = errors.New("pool version conflict")
	ErrIllegalTransition     = errors.New("illegal pool state transition")
)

// CapacityExceededError carries the gap a caller can still fill.
type CapacityExceededError struct {
	Requested decimal.Decimal
	Remaining decimal.Decimal
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("amount %s exceeds the remaining gap %s", e.Requested, e.Remaining)
}

func (e *CapacityExceededError) Is(target error) bool {
	return target == ErrCapacityExceeded
}

// InvalidRequestf builds an ErrInvalidRequest with detail.
func InvalidRequestf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// Category groups error kinds by what the caller should do next.
type Category string

const (
	CategoryNone            Category = ""
	CategoryNotFound        Category = "not_found"
	CategoryPoolUnavailable Category = "pool_unavailable" // find another pool
	CategoryInvalidRequest  Category = "invalid_request"  // fix the input and retry
	CategoryConflict        Category = "conflict"         // retry as-is
	CategoryDownstream      Category = "downstream"
	CategoryBusy            Category = "busy" // the pool could not be reached in time; retry later
	CategoryInternal        Category = "internal"
)

// CategoryOf classifies err.
func CategoryOf(err error) Category {
	switch {
	case err == nil:
		return CategoryNone
	case errors.Is(err, ErrPoolNotFound):
		return CategoryNotFound
	case errors.Is(err, ErrPoolNotMatching), errors.Is(err, ErrPoolExpired):
		return CategoryPoolUnavailable
	case errors.Is(err, ErrCapacityExceeded),
		errors.Is(err, ErrDuplicateContribution),
		errors.Is(err, ErrNoActiveContribution),
		errors.Is(err, ErrInvalidRequest):
		return CategoryInvalidRequest
	case errors.Is(err, ErrVersionConflict):
		return CategoryConflict
	case errors.Is(err, ErrConversionTransport):
		return CategoryDownstream
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return CategoryBusy
	default:
		return CategoryInternal
	}
}

// KindOf returns a stable upper-case name for err.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPoolNotFound):
		return "POOL_NOT_FOUND"
	case errors.Is(err, ErrPoolNotMatching):
		return "POOL_NOT_MATCHING"
	case errors.Is(err, ErrPoolExpired):
		return "POOL_EXPIRED"
	case errors.Is(err, ErrDuplicateContribution):
		return "DUPLICATE_CONTRIBUTION"
	case errors.Is(err, ErrNoActiveContribution):
		return "NO_ACTIVE_CONTRIBUTION"
	case errors.Is(err, ErrCapacityExceeded):
		return "CAPACITY_EXCEEDED"
	case errors.Is(err, ErrConversionTransport):
		return "CONVERSION_TRANSPORT_FAILURE"
	case errors.Is(err, ErrInvalidRequest):
		return "INVALID_REQUEST"
	case errors.Is(err, ErrVersionConflict):
		return "VERSION_CONFLICT"
	case errors.Is(err, ErrIllegalTransition):
		return "ILLEGAL_TRANSITION"
	case errors.Is(err, context.DeadlineExceeded):
		return "POOL_BUSY"
	case errors.Is(err, context.Canceled):
		return "REQUEST_CANCELLED"
	default:
		return "INTERNAL"
	}
}
