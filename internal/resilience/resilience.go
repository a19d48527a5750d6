// Package resilience adapts github.com/sony/gobreaker into the fault
// tolerance wrapper the teacher's infrastructure/resilience package
// describes: a CircuitBreaker with an Execute(ctx, fn) surface, preserved
// here even though the teacher's own copy of that file could not actually
// compile inside its repo — the dependency itself is real
// and used elsewhere in the retrieved corpus, so it is adopted directly
// rather than hand-rolled.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// State mirrors gobreaker's three-state model.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned by Execute when the breaker is open.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// Config configures a CircuitBreaker.
type Config struct {
	Name          string
	MaxFailures   int
	Timeout       time.Duration
	HalfOpenMax   int
	OnStateChange func(from, to State)
}

// DefaultConfig returns the teacher's standard service-to-service
// breaker tuning: trip after 5 consecutive failures, stay open 30s.
func DefaultConfig(name string) Config {
	return Config{Name: name, MaxFailures: 5, Timeout: 30 * time.Second, HalfOpenMax: 3}
}

// CircuitBreaker wraps gobreaker.CircuitBreaker for store/bus calls that
// should fail fast once a dependency is unhealthy: MaxFailures
// consecutive errors of any kind (StoreUnavailable included) trip it.
type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

// New constructs a CircuitBreaker from cfg.
func New(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	maxFailures := uint32(cfg.MaxFailures)

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: uint32(cfg.HalfOpenMax),
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	}
	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			cfg.OnStateChange(mapState(from), mapState(to))
		}
	}

	return &CircuitBreaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// State returns the breaker's current state.
func (c *CircuitBreaker) State() State {
	return mapState(c.cb.State())
}

// Execute runs fn under breaker protection. The ctx parameter is accepted
// for call-site symmetry with the rest of this spine's blocking
// operations; gobreaker itself does not observe cancellation, so callers
// relying on deadlines must also enforce them inside fn.
func (c *CircuitBreaker) Execute(_ context.Context, fn func() error) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}
