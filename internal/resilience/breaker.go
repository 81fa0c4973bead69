// Package resilience keeps a failing collaborator from being called on every
// process turn.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open). After
// MaxFailures consecutive failures it opens and rejects calls with [ErrOpen]
// until Cooldown has passed. It then lets a single probe through: success
// closes it, failure re-opens it for another cooldown.
//
// A Breaker is safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the cooldown has passed.
	StateOpen

	// StateHalfOpen lets one probe call through.
	StateHalfOpen
)

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

// Config tunes a [Breaker]. Zero values take defaults.
type Config struct {
	// Name labels log records.
	Name string

	// MaxFailures is the number of consecutive failures that open the
	// breaker. Default: 5.
	MaxFailures int

	// Cooldown is how long the breaker stays open. Default: 5s.
	Cooldown time.Duration

	Logger *slog.Logger

	// Now replaces time.Now in tests.
	Now func() time.Time
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	log         *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
	rejected int
}

// New returns a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		log:         cfg.Logger.With("breaker", cfg.Name),
		now:         cfg.Now,
	}
}

// Do runs fn unless the breaker is open and returns fn's error.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			b.rejected++
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.log.Info("breaker half-open, probing", "rejected", b.rejected)
		fallthrough
	case StateHalfOpen:
		if b.probing {
			b.rejected++
			b.mu.Unlock()
			return ErrOpen
		}
		b.probing = true
	}
	probe := b.probing
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.probing = false
	}
	if err == nil {
		if b.state != StateClosed {
			b.log.Info("breaker closed")
		}
		b.state, b.failures, b.rejected = StateClosed, 0, 0
		return nil
	}

	b.failures++
	if probe || b.failures >= b.maxFailures {
		if b.state == StateClosed {
			b.log.Warn("breaker opened", "consecutive_failures", b.failures, "err", err)
		}
		b.state = StateOpen
		b.openedAt = b.now()
	}
	return err
}

// State returns the current state. An open breaker whose cooldown has passed
// reports half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state, b.failures, b.rejected, b.probing = StateClosed, 0, 0, false
}
