package dto

import (
	"time"

	"github.com/prohmpiriya/booking-core/internal/domain"
	"github.com/prohmpiriya/booking-core/internal/service"
)

// WindowRequest is a half-open [start, end) interval in RFC3339
type WindowRequest struct {
	Start time.Time `json:"start" binding:"required"`
	End   time.Time `json:"end" binding:"required"`
}

func (w WindowRequest) toDomain() domain.Window {
	return domain.Window{Start: w.Start, End: w.End}
}

// SubmitBookingRequest represents request to book a resource
type SubmitBookingRequest struct {
	ResourceID     string         `json:"resource_id" binding:"required"`
	Quantity       int            `json:"quantity"`
	Window         WindowRequest  `json:"window" binding:"required"`
	DeliveryWindow *WindowRequest `json:"delivery_window,omitempty"`
}

// ToDomain builds the booking request on behalf of requesterID.
// A missing quantity means one unit.
func (r *SubmitBookingRequest) ToDomain(requesterID string) *domain.BookingRequest {
	qty := r.Quantity
	if qty == 0 {
		qty = 1
	}
	req := &domain.BookingRequest{
		ResourceID:  r.ResourceID,
		RequesterID: requesterID,
		Quantity:    qty,
		Window:      r.Window.toDomain(),
	}
	if r.DeliveryWindow != nil {
		dw := r.DeliveryWindow.toDomain()
		req.DeliveryWindow = &dw
	}
	return req
}

// SubmitBookingResponse represents the admission outcome
type SubmitBookingResponse struct {
	Outcome      string           `json:"outcome"`
	Booking      *BookingResponse `json:"booking,omitempty"`
	QueueEntryID string           `json:"queue_entry_id,omitempty"`
	Reason       string           `json:"reason,omitempty"`
}

// FromSubmitResult converts a service result to a response
func FromSubmitResult(r *service.SubmitResult) *SubmitBookingResponse {
	resp := &SubmitBookingResponse{
		Outcome:      string(r.Outcome),
		QueueEntryID: r.QueueEntryID,
	}
	if r.Booking != nil {
		resp.Booking = FromDomain(r.Booking)
	}
	if r.Reason != nil {
		resp.Reason = r.Reason.Error()
	}
	return resp
}

// PaymentStatusRequest represents a payment verdict pushed over HTTP
type PaymentStatusRequest struct {
	Status string `json:"status" binding:"required,oneof=paid payment_failed"`
}

// RestockRequest represents a manual adjustment batch
type RestockRequest struct {
	Quantity   int       `json:"quantity" binding:"required,min=1"`
	AcquiredAt time.Time `json:"acquired_at,omitempty"`
}

// BookingResponse represents a booking in API response
type BookingResponse struct {
	ID             string         `json:"id"`
	ResourceID     string         `json:"resource_id"`
	RequesterID    string         `json:"requester_id"`
	Quantity       int            `json:"quantity"`
	Window         domain.Window  `json:"window"`
	DeliveryWindow *domain.Window `json:"delivery_window,omitempty"`
	Status         string         `json:"status"`
	PaymentStatus  string         `json:"payment_status"`
	DeductionID    string         `json:"deduction_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	CancelledAt    *time.Time     `json:"cancelled_at,omitempty"`
}

// FromDomain converts domain Booking to BookingResponse
func FromDomain(b *domain.Booking) *BookingResponse {
	resp := &BookingResponse{
		ID:             b.ID,
		ResourceID:     b.ResourceID,
		RequesterID:    b.RequesterID,
		Quantity:       b.Quantity,
		Window:         b.Window,
		DeliveryWindow: b.DeliveryWindow,
		Status:         string(b.Status),
		PaymentStatus:  string(b.PaymentStatus),
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      b.UpdatedAt,
		CancelledAt:    b.CancelledAt,
	}
	if b.Deduction != nil {
		resp.DeductionID = b.Deduction.ID
	}
	return resp
}

// AvailabilityResponse represents an availability check
type AvailabilityResponse struct {
	ResourceID      string     `json:"resource_id"`
	Available       bool       `json:"available"`
	AvailableQty    int        `json:"available_qty"`
	NextAvailableAt *time.Time `json:"next_available_at,omitempty"`
}

// TransactionResponse represents one ledger row
type TransactionResponse struct {
	ID           string    `json:"id"`
	Delta        int       `json:"delta"`
	Reason       string    `json:"reason"`
	BalanceAfter int       `json:"balance_after"`
	ReferenceID  string    `json:"reference_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// TransactionListResponse lists ledger rows newest first
type TransactionListResponse struct {
	ResourceID   string                 `json:"resource_id"`
	Transactions []*TransactionResponse `json:"transactions"`
}

// FromTransactions converts ledger rows
func FromTransactions(resourceID string, txns []*domain.InventoryTransaction) *TransactionListResponse {
	out := &TransactionListResponse{
		ResourceID:   resourceID,
		Transactions: make([]*TransactionResponse, 0, len(txns)),
	}
	for _, t := range txns {
		out.Transactions = append(out.Transactions, FromTransaction(t))
	}
	return out
}

// FromTransaction converts one ledger row
func FromTransaction(t *domain.InventoryTransaction) *TransactionResponse {
	return &TransactionResponse{
		ID:           t.ID,
		Delta:        t.Delta,
		Reason:       string(t.Reason),
		BalanceAfter: t.BalanceAfter,
		ReferenceID:  t.ReferenceID,
		CreatedAt:    t.CreatedAt,
	}
}
