package domain

import (
	"time"

	"github.com/google/uuid"
)

// BookingStatus represents the lifecycle of a booking
type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "pending"
	BookingStatusConfirmed BookingStatus = "confirmed"
	BookingStatusCompleted BookingStatus = "completed"
	BookingStatusCancelled BookingStatus = "cancelled"
)

// PaymentStatus is reported by the external payment collaborator
type PaymentStatus string

const (
	PaymentStatusUnpaid PaymentStatus = "unpaid"
	PaymentStatusPaid   PaymentStatus = "paid"
	PaymentStatusFailed PaymentStatus = "payment_failed"
)

// BookingRequest is an incoming reservation request
type BookingRequest struct {
	ResourceID     string  `json:"resource_id"`
	RequesterID    string  `json:"requester_id"`
	Quantity       int     `json:"quantity"`
	Window         Window  `json:"window"`
	DeliveryWindow *Window `json:"delivery_window,omitempty"`
}

// Booking is a confirmed claim on a resource
type Booking struct {
	ID             string        `json:"id"`
	ResourceID     string        `json:"resource_id"`
	RequesterID    string        `json:"requester_id"`
	Quantity       int           `json:"quantity"`
	Window         Window        `json:"window"`
	DeliveryWindow *Window       `json:"delivery_window,omitempty"`
	Status         BookingStatus `json:"status"`
	PaymentStatus  PaymentStatus `json:"payment_status"`
	// Deduction is nil for time-bound resources
	Deduction   *Deduction `json:"deduction,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// NewConfirmedBooking builds the booking persisted after a successful admission
func NewConfirmedBooking(req *BookingRequest, deduction *Deduction, now time.Time) *Booking {
	return &Booking{
		ID:             uuid.New().String(),
		ResourceID:     req.ResourceID,
		RequesterID:    req.RequesterID,
		Quantity:       req.Quantity,
		Window:         req.Window,
		DeliveryWindow: req.DeliveryWindow,
		Status:         BookingStatusConfirmed,
		PaymentStatus:  PaymentStatusUnpaid,
		Deduction:      deduction,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// IsActive reports whether the booking still occupies its window
func (b *Booking) IsActive() bool {
	return b.Status == BookingStatusPending || b.Status == BookingStatusConfirmed
}

// CanTransitionTo checks if the booking may move to the given status
func (b *Booking) CanTransitionTo(status BookingStatus) bool {
	switch b.Status {
	case BookingStatusPending:
		return status == BookingStatusConfirmed || status == BookingStatusCancelled
	case BookingStatusConfirmed:
		return status == BookingStatusCompleted || status == BookingStatusCancelled
	default:
		return false
	}
}

// CanSetPayment checks a payment status update against the booking state
func (b *Booking) CanSetPayment(status PaymentStatus) bool {
	if b.Status != BookingStatusConfirmed {
		return false
	}
	return status == PaymentStatusPaid || status == PaymentStatusFailed
}
