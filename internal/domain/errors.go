package domain

import "errors"

// Domain errors
var (
	// Concurrency errors
	ErrLockBusy                    = errors.New("resource is locked by another request")
	ErrLeaseExpired                = errors.New("lease expired or held by another holder")
	ErrLeaseExpiredDuringOperation = errors.New("lease expired during operation")

	// Infrastructure errors
	ErrStoreUnavailable = errors.New("store unavailable")

	// Validation errors
	ErrInvalidQuantity = errors.New("quantity must be greater than zero")
	ErrInvalidWindow   = errors.New("invalid booking window")
	ErrLeadTimeNotMet  = errors.New("booking window starts inside the resource lead time")
	ErrExceedsCapacity = errors.New("quantity exceeds resource capacity")

	// Availability errors
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrSlotUnavailable   = errors.New("requested window is unavailable")

	// Not found errors
	ErrResourceNotFound   = errors.New("resource not found")
	ErrBookingNotFound    = errors.New("booking not found")
	ErrQueueEntryNotFound = errors.New("queue entry not found")
	ErrDeductionNotFound  = errors.New("deduction not found")

	// State errors
	ErrAlreadyRestored          = errors.New("deduction already restored")
	ErrBookingExists            = errors.New("booking already exists")
	ErrInvalidPaymentTransition = errors.New("invalid payment status transition")
	ErrInvalidStatusTransition  = errors.New("invalid booking status transition")
	ErrNotOwner                 = errors.New("requester does not own this resource")
)

// IsBusinessRejection reports errors that reject a request outright
func IsBusinessRejection(err error) bool {
	return errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidWindow) ||
		errors.Is(err, ErrLeadTimeNotMet) ||
		errors.Is(err, ErrExceedsCapacity) ||
		errors.Is(err, ErrResourceNotFound) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrSlotUnavailable)
}

// IsRetryable reports errors that may succeed on a later attempt
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockBusy) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrLeaseExpiredDuringOperation)
}

// IsNotFoundError checks if the error is a not found error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrResourceNotFound) ||
		errors.Is(err, ErrBookingNotFound) ||
		errors.Is(err, ErrQueueEntryNotFound) ||
		errors.Is(err, ErrDeductionNotFound)
}

// IsInfrastructureError reports failures of the backing store or lock service
func IsInfrastructureError(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
