package domain

import "time"

// Lease is a time-bounded exclusive claim on a lock key
type Lease struct {
	Key      string `json:"key"`
	HolderID string `json:"holder_id"`
	// Token fences the lease; only the matching token may release or renew it
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// IsExpired checks if the lease TTL has elapsed
func (l *Lease) IsExpired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
