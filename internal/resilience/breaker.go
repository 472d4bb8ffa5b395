// Package resilience wraps calls to external collaborators in circuit
// breakers.
package resilience

import (
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/example/tunjiax-agent/internal/metrics"
)

// ErrUnavailable is returned while a breaker is open or half-open and full.
var ErrUnavailable = errors.New("collaborator temporarily unavailable")

// BreakerConfig tunes a breaker. Zero values fall back to defaults.
type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// Breaker is a named gobreaker circuit breaker that logs and reports state
// changes.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a breaker that trips after cfg.ConsecutiveFailures
// consecutive failures (default 5).
func NewBreaker(name string, cfg BreakerConfig, logger *slog.Logger, collector metrics.Collector) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = metrics.NoOp{}
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
			var state metrics.CircuitState
			switch to {
			case gobreaker.StateClosed:
				state = metrics.CircuitClosed
			case gobreaker.StateHalfOpen:
				state = metrics.CircuitHalfOpen
			case gobreaker.StateOpen:
				state = metrics.CircuitOpen
			}
			collector.RecordCircuitState(name, state)
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn through the breaker. Open-state rejections become
// ErrUnavailable.
func Execute[T any](b *Breaker, fn func() (T, error)) (T, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, ErrUnavailable
		}
		return zero, err
	}
	v, _ := out.(T)
	return v, nil
}

// State reports the current breaker state.
func (b *Breaker) State() metrics.CircuitState {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return metrics.CircuitOpen
	case gobreaker.StateHalfOpen:
		return metrics.CircuitHalfOpen
	default:
		return metrics.CircuitClosed
	}
}
