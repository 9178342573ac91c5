// Package circuitbreaker short-circuits calls to a scoring endpoint once it
// has produced a run of transport faults, so a dead service costs one
// timeout per trip instead of one per transaction.
//
// A breaker is closed until Trips consecutive faults, then open for
// Cooldown. The first call after the cooldown is let through as a trial:
// success closes the breaker, a fault reopens it for another cooldown.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/finomaly/finomaly/internal/metrics"
)

// ErrOpen is returned by Call when the endpoint is short-circuited.
var ErrOpen = errors.New("circuit open")

// State is the breaker position as reported in metrics and status payloads.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// gauge maps a state onto the value of the breaker state gauge.
func (s State) gauge() float64 {
	switch s {
	case Open:
		return 2
	case HalfOpen:
		return 1
	}
	return 0
}

// Config tunes a Breaker.
type Config struct {
	// Endpoint labels the breaker in metrics and logs.
	Endpoint string
	// Trips is the number of consecutive faults that opens the breaker.
	Trips int
	// Cooldown is how long the breaker stays open before a trial call.
	Cooldown time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Breaker guards one scoring endpoint.
type Breaker struct {
	endpoint string
	trips    int
	cooldown time.Duration
	now      func() time.Time

	mu       sync.Mutex
	state    State
	faults   int
	openedAt time.Time
	trial    bool
}

// New creates a closed breaker. Trips defaults to 5 and Cooldown to 30s.
func New(cfg Config) *Breaker {
	if cfg.Trips <= 0 {
		cfg.Trips = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	b := &Breaker{
		endpoint: cfg.Endpoint,
		trips:    cfg.Trips,
		cooldown: cfg.Cooldown,
		now:      cfg.Now,
		state:    Closed,
	}
	metrics.ScoringBreakerState.WithLabelValues(b.endpoint).Set(Closed.gauge())
	return b
}

// Call runs fn unless the endpoint is short-circuited, in which case it
// returns ErrOpen without calling fn. A non-nil error from fn counts as a
// fault, except cancellation of the caller's context, which says nothing
// about the endpoint.
func (b *Breaker) Call(fn func() error) error {
	if !b.acquire() {
		return ErrOpen
	}
	err := fn()
	b.record(err)
	return err
}

// State returns the current position. An open breaker whose cooldown has
// elapsed still reports Open until a call is attempted.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) acquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.moveTo(HalfOpen)
		b.trial = true
		return true
	case HalfOpen:
		// One trial at a time.
		if b.trial {
			return false
		}
		b.trial = true
	}
	return true
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if errors.Is(err, context.Canceled) {
		b.trial = false
		return
	}
	if err == nil {
		b.faults = 0
		b.trial = false
		b.moveTo(Closed)
		return
	}

	b.faults++
	if b.state == HalfOpen || b.faults >= b.trips {
		b.trial = false
		b.openedAt = b.now()
		b.moveTo(Open)
	}
}

// moveTo must be called with b.mu held.
func (b *Breaker) moveTo(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	metrics.ScoringBreakerTransitionsTotal.WithLabelValues(b.endpoint, string(from), string(to)).Inc()
	metrics.ScoringBreakerState.WithLabelValues(b.endpoint).Set(to.gauge())
}
