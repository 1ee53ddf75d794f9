package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies a notification event
type EventType string

const (
	EventBookingConfirmed EventType = "booking.confirmed"
	EventBookingQueued    EventType = "booking.queued"
	EventBookingPromoted  EventType = "booking.promoted"
	EventBookingRejected  EventType = "booking.rejected"
	EventBookingExpired   EventType = "booking.expired"
	EventBookingCancelled EventType = "booking.cancelled"
	EventInventoryLow     EventType = "inventory.low"
)

// Event is emitted for every admission outcome and inventory signal
type Event struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	BookingID    string    `json:"booking_id,omitempty"`
	QueueEntryID string    `json:"queue_entry_id,omitempty"`
	ResourceID   string    `json:"resource_id"`
	RequesterID  string    `json:"requester_id,omitempty"`
	Quantity     int       `json:"quantity,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// NewEvent creates an event with a fresh ID
func NewEvent(eventType EventType, resourceID string, now time.Time) *Event {
	return &Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		ResourceID: resourceID,
		OccurredAt: now,
	}
}

// NewBookingEvent creates an event about a persisted booking
func NewBookingEvent(eventType EventType, b *Booking, now time.Time) *Event {
	e := NewEvent(eventType, b.ResourceID, now)
	e.BookingID = b.ID
	e.RequesterID = b.RequesterID
	e.Quantity = b.Quantity
	return e
}

// NewQueueEvent creates an event about a queue entry
func NewQueueEvent(eventType EventType, q *QueueEntry, reason string, now time.Time) *Event {
	e := NewEvent(eventType, q.ResourceID, now)
	e.QueueEntryID = q.ID
	e.RequesterID = q.RequesterID
	e.Quantity = q.Quantity
	e.Reason = reason
	return e
}

// Key returns the partition key, keeping a resource's events ordered
func (e *Event) Key() string {
	return e.ResourceID
}
