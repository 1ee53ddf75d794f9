package domain

import "time"

// Category decides how availability is computed for a resource
type Category string

const (
	// CategoryTimeBound resources are rented for a window and come back afterwards
	CategoryTimeBound Category = "time_bound"
	// CategoryCountable resources are consumed from stock batches
	CategoryCountable Category = "countable"
)

// Resource is a bookable item
type Resource struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Category Category `json:"category"`
	// TotalQuantity is the ever-available capacity; for time-bound resources the number of concurrent units
	TotalQuantity     int           `json:"total_quantity"`
	LeadTime          time.Duration `json:"lead_time"`
	DeliveryRequired  bool          `json:"delivery_required"`
	Replenishable     bool          `json:"replenishable"`
	LowStockThreshold int           `json:"low_stock_threshold"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// IsCountable reports whether bookings deduct stock batches
func (r *Resource) IsCountable() bool {
	return r.Category == CategoryCountable
}

// Batch is one acquisition of stock, consumed FIFO by AcquiredAt
type Batch struct {
	ID         string    `json:"id"`
	ResourceID string    `json:"resource_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	Quantity   int       `json:"quantity"`
	Remaining  int       `json:"remaining"`
}

// Availability is the result of an availability check
type Availability struct {
	OK           bool `json:"ok"`
	AvailableQty int  `json:"available_qty"`
	// NextAvailableAt is set for window conflicts when the earliest release is known
	NextAvailableAt *time.Time `json:"next_available_at,omitempty"`
}
