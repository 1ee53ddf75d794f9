package domain

import (
	"time"

	"github.com/google/uuid"
)

// QueueEntry is a request waiting for capacity
type QueueEntry struct {
	ID             string    `json:"id"`
	ResourceID     string    `json:"resource_id"`
	RequesterID    string    `json:"requester_id"`
	Quantity       int       `json:"quantity"`
	Window         Window    `json:"window"`
	DeliveryWindow *Window   `json:"delivery_window,omitempty"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error,omitempty"`
}

// NewQueueEntry creates a queue entry for req living for ttl
func NewQueueEntry(req *BookingRequest, now time.Time, ttl time.Duration) *QueueEntry {
	return &QueueEntry{
		ID:             uuid.New().String(),
		ResourceID:     req.ResourceID,
		RequesterID:    req.RequesterID,
		Quantity:       req.Quantity,
		Window:         req.Window,
		DeliveryWindow: req.DeliveryWindow,
		EnqueuedAt:     now,
		ExpiresAt:      now.Add(ttl),
	}
}

// IsExpired checks if the entry may no longer be promoted
func (q *QueueEntry) IsExpired(now time.Time, maxAttempts int) bool {
	if now.After(q.ExpiresAt) {
		return true
	}
	return maxAttempts > 0 && q.Attempts >= maxAttempts
}

// Request rebuilds the booking request the entry was created from
func (q *QueueEntry) Request() *BookingRequest {
	return &BookingRequest{
		ResourceID:     q.ResourceID,
		RequesterID:    q.RequesterID,
		Quantity:       q.Quantity,
		Window:         q.Window,
		DeliveryWindow: q.DeliveryWindow,
	}
}
