package domain

import "time"

// TransactionReason explains an inventory movement
type TransactionReason string

const (
	ReasonBooking          TransactionReason = "booking"
	ReasonCancellation     TransactionReason = "cancellation"
	ReasonManualAdjustment TransactionReason = "manual_adjustment"
	ReasonQueuePromotion   TransactionReason = "queue_promotion"
)

// IsValid reports whether r is a known reason
func (r TransactionReason) IsValid() bool {
	switch r {
	case ReasonBooking, ReasonCancellation, ReasonManualAdjustment, ReasonQueuePromotion:
		return true
	}
	return false
}

// Fragment is the part of a deduction taken from one batch
type Fragment struct {
	BatchID  string `json:"batch_id"`
	Quantity int    `json:"quantity"`
}

// Deduction records exactly which batches a booking consumed
type Deduction struct {
	ID         string     `json:"id"`
	ResourceID string     `json:"resource_id"`
	Quantity   int        `json:"quantity"`
	Fragments  []Fragment `json:"fragments"`
	// BalanceAfter is the stock left once the deduction was applied
	BalanceAfter int       `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}

// InventoryTransaction is an append-only ledger row
type InventoryTransaction struct {
	ID           string            `json:"id"`
	ResourceID   string            `json:"resource_id"`
	Delta        int               `json:"delta"`
	Reason       TransactionReason `json:"reason"`
	BalanceAfter int               `json:"balance_after"`
	// ReferenceID is the deduction id, the restore reference or the batch id
	ReferenceID string    `json:"reference_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// RestoreReference is the unique reference of the transaction reversing a deduction
func RestoreReference(deductionID string) string {
	return "restore:" + deductionID
}
