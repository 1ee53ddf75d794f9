package service

import (
	"time"

	"github.com/prohmpiriya/booking-core/internal/domain"
)

// QueuePolicy decides whether an unavailable request is queued or rejected
type QueuePolicy interface {
	ShouldQueue(res *domain.Resource, req *domain.BookingRequest, avail *domain.Availability) bool
}

// QueuePolicyFunc adapts a function to QueuePolicy
type QueuePolicyFunc func(res *domain.Resource, req *domain.BookingRequest, avail *domain.Availability) bool

// ShouldQueue calls f
func (f QueuePolicyFunc) ShouldQueue(res *domain.Resource, req *domain.BookingRequest, avail *domain.Availability) bool {
	return f(res, req, avail)
}

// DefaultQueuePolicy queues requests for the configured categories. Countable
// resources that are never restocked only queue when QueueNonReplenishable is set,
// and windows starting beyond MaxHorizon are rejected instead of parked.
type DefaultQueuePolicy struct {
	Categories            []domain.Category
	QueueNonReplenishable bool
	// MaxHorizon of 0 disables the horizon check
	MaxHorizon time.Duration
	Now        func() time.Time
}

// NewDefaultQueuePolicy queues both categories for replenishable resources
func NewDefaultQueuePolicy() *DefaultQueuePolicy {
	return &DefaultQueuePolicy{
		Categories: []domain.Category{domain.CategoryTimeBound, domain.CategoryCountable},
		MaxHorizon: 90 * 24 * time.Hour,
		Now:        time.Now,
	}
}

// ShouldQueue implements QueuePolicy
func (p *DefaultQueuePolicy) ShouldQueue(res *domain.Resource, req *domain.BookingRequest, avail *domain.Availability) bool {
	if !p.queuesCategory(res.Category) {
		return false
	}
	if res.IsCountable() && !res.Replenishable && !p.QueueNonReplenishable {
		return false
	}
	if p.MaxHorizon > 0 {
		now := time.Now()
		if p.Now != nil {
			now = p.Now()
		}
		if req.Window.Start.After(now.Add(p.MaxHorizon)) {
			return false
		}
	}
	return true
}

func (p *DefaultQueuePolicy) queuesCategory(c domain.Category) bool {
	for _, qc := range p.Categories {
		if qc == c {
			return true
		}
	}
	return false
}

var (
	_ QueuePolicy = (*DefaultQueuePolicy)(nil)
	_ QueuePolicy = QueuePolicyFunc(nil)
)
