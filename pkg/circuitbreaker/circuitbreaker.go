// Package circuitbreaker guards calls to a failing dependency.
//
// The breaker is CLOSED while calls succeed. After FailureThreshold
// consecutive failures inside Window it trips OPEN and every call fails fast
// with ErrOpenState. Once Cooldown has passed it moves to HALF_OPEN and lets
// exactly one probe through; concurrent callers get ErrTooManyRequests. A
// successful probe closes the breaker with a zeroed failure counter, a failed
// probe re-opens it for another Cooldown.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the breaker position
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrOpenState is returned while the breaker is open
	ErrOpenState = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned to callers that arrive while the half-open probe is in flight
	ErrTooManyRequests = errors.New("circuit breaker probe in flight")
)

// Config holds breaker configuration
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips the breaker
	FailureThreshold int
	// Window bounds a failure streak; a streak older than Window starts over
	Window time.Duration
	// Cooldown is how long the breaker stays open before allowing a probe
	Cooldown time.Duration
	// IsFailure decides whether an error counts against the breaker (default: any non-nil error)
	IsFailure func(err error) bool
	// OnStateChange is invoked under the breaker lock on every transition
	OnStateChange func(name string, from, to State)
	// Now overrides the clock, for tests
	Now func() time.Time
}

// DefaultConfig returns the default breaker configuration
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		Window:           30 * time.Second,
		Cooldown:         10 * time.Second,
	}
}

// Snapshot is a point-in-time view of the breaker
type Snapshot struct {
	Name        string
	State       State
	Failures    int
	NextRetryAt time.Time
}

// CircuitBreaker is safe for concurrent use. Each guarded dependency owns its own instance.
type CircuitBreaker struct {
	name string
	cfg  Config

	mu            sync.Mutex
	state         State
	generation    uint64
	failures      int
	streakStart   time.Time
	nextRetryAt   time.Time
	probeInFlight bool
}

// New creates a breaker in the CLOSED state
func New(name string, cfg *Config) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 10 * time.Second
	}
	if c.IsFailure == nil {
		c.IsFailure = func(err error) bool { return err != nil }
	}
	if c.Now == nil {
		c.Now = time.Now
	}

	return &CircuitBreaker{
		name:  name,
		cfg:   c,
		state: StateClosed,
	}
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn if the breaker admits the call and records its outcome
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	generation, probe, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, probe, false)
			panic(r)
		}
	}()

	err = fn(ctx)
	cb.afterRequest(generation, probe, !cb.cfg.IsFailure(err))
	return err
}

func (cb *CircuitBreaker) beforeRequest() (uint64, bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.cfg.Now()
	state := cb.currentState(now)

	switch state {
	case StateOpen:
		return cb.generation, false, ErrOpenState
	case StateHalfOpen:
		if cb.probeInFlight {
			return cb.generation, false, ErrTooManyRequests
		}
		cb.probeInFlight = true
		return cb.generation, true, nil
	}

	return cb.generation, false, nil
}

func (cb *CircuitBreaker) afterRequest(before uint64, probe, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.cfg.Now()
	state := cb.currentState(now)

	// Results from a previous generation must not move the current one
	if cb.generation != before {
		return
	}
	if probe {
		cb.probeInFlight = false
	}

	if success {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.failures = 0
		cb.streakStart = time.Time{}
	case StateHalfOpen:
		cb.setState(StateClosed, now)
	}
}

func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		if cb.failures == 0 || (cb.cfg.Window > 0 && now.Sub(cb.streakStart) > cb.cfg.Window) {
			cb.failures = 0
			cb.streakStart = now
		}
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) currentState(now time.Time) State {
	if cb.state == StateOpen && !now.Before(cb.nextRetryAt) {
		cb.setState(StateHalfOpen, now)
	}
	return cb.state
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state
	cb.generation++
	cb.failures = 0
	cb.streakStart = time.Time{}
	cb.probeInFlight = false

	switch state {
	case StateOpen:
		cb.nextRetryAt = now.Add(cb.cfg.Cooldown)
	default:
		cb.nextRetryAt = time.Time{}
	}

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, prev, state)
	}
}

// State returns the current state, applying the cooldown transition if due
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.currentState(cb.cfg.Now())
}

// Snapshot returns state, failure count and next retry time
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.currentState(cb.cfg.Now())
	return Snapshot{
		Name:        cb.name,
		State:       state,
		Failures:    cb.failures,
		NextRetryAt: cb.nextRetryAt,
	}
}

// IsBreakerError reports whether err was produced by the breaker itself rather than the guarded call
func IsBreakerError(err error) bool {
	return errors.Is(err, ErrOpenState) || errors.Is(err, ErrTooManyRequests)
}
