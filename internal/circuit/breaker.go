// Package circuit implements a circuit breaker for remote cache tiers.
// When a tier fails repeatedly the breaker opens and subsequent operations
// fail immediately, so the read path degrades to a fast miss instead of
// waiting out network timeouts on every request.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/tiercache/tiercache/pkg/errors"
)

// State is the breaker state.
type State int

const (
	// StateClosed allows requests through.
	StateClosed State = iota
	// StateOpen rejects requests immediately.
	StateOpen
	// StateHalfOpen allows a limited number of probe requests.
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes breaker behavior.
type Config struct {
	// MaxProbes is the number of requests allowed through while half-open.
	MaxProbes uint32 `yaml:"max_probes"`

	// Interval is the closed-state window after which counts reset.
	Interval time.Duration `yaml:"interval"`

	// Cooldown is how long the breaker stays open before probing again.
	Cooldown time.Duration `yaml:"cooldown"`

	// TripAfter is the consecutive-failure count that opens the breaker.
	TripAfter uint32 `yaml:"trip_after"`

	// OnStateChange is invoked on every transition.
	OnStateChange func(name string, from, to State) `yaml:"-"`
}

// Counts tracks request outcomes within the current window.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) onRequest() { c.Requests++ }

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

func (c *Counts) clear() { *c = Counts{} }

// Breaker is a circuit breaker guarding one remote tier.
type Breaker struct {
	name   string
	config Config

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// New creates a breaker, filling zero config fields with defaults.
func New(name string, config Config) *Breaker {
	if config.MaxProbes == 0 {
		config.MaxProbes = 1
	}
	if config.Interval <= 0 {
		config.Interval = 60 * time.Second
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	if config.TripAfter == 0 {
		config.TripAfter = 5
	}
	return &Breaker{
		name:   name,
		config: config,
		state:  StateClosed,
		expiry: time.Now().Add(config.Interval),
	}
}

// Execute runs fn if the breaker allows it and records the outcome. When
// the breaker is open it returns a CIRCUIT_OPEN tier error without calling
// fn; the caller treats that like any other tier failure.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn(ctx)
	b.after(err)
	return err
}

// Allow reports whether a request would currently be admitted, without
// consuming a probe slot.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.advance(time.Now())
	if state == StateOpen {
		return false
	}
	if state == StateHalfOpen && b.counts.Requests >= b.config.MaxProbes {
		return false
	}
	return true
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.advance(time.Now())
}

// Counts returns a snapshot of the current window's counts.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset forces the breaker closed and clears all counts.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts.clear()
	b.setState(StateClosed, time.Now())
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state := b.advance(now)

	if state == StateOpen {
		return errors.Newf(errors.ErrCodeCircuitOpen, "tier breaker %s is open", b.name).WithTier(b.name)
	}
	if state == StateHalfOpen && b.counts.Requests >= b.config.MaxProbes {
		return errors.Newf(errors.ErrCodeCircuitOpen, "tier breaker %s is probing", b.name).WithTier(b.name)
	}

	b.counts.onRequest()
	return nil
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state := b.advance(now)

	if err == nil {
		b.counts.onSuccess()
		if state == StateHalfOpen {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.onFailure()
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.config.TripAfter {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

// advance applies time-based transitions and returns the effective state.
// Callers must hold b.mu.
func (b *Breaker) advance(now time.Time) State {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.counts.clear()
			b.expiry = now.Add(b.config.Interval)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.counts.clear()

	switch state {
	case StateClosed:
		b.expiry = now.Add(b.config.Interval)
	case StateOpen:
		b.expiry = now.Add(b.config.Cooldown)
	case StateHalfOpen:
		b.expiry = time.Time{}
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}
