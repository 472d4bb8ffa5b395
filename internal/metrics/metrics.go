// Package metrics defines the counters and timings the agent reports, with a
// Prometheus implementation and a no-op default.
package metrics

import "time"

// Collector receives agent metrics. Implementations must be safe for
// concurrent use.
type Collector interface {
	RecordTurn(outcome string, duration time.Duration)
	RecordToolCall(tool, code string)
	RecordTransfer(status, reason string)
	RecordBiometric(outcome string)
	RecordReasoning(provider string, success bool, duration time.Duration)
	RecordHTTPRequest(method, route string, status int, duration time.Duration)
	RecordCircuitState(name string, state CircuitState)

	SessionsSwept(n int)
	SessionsActive(n int)
}

// CircuitState is the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NoOp discards everything.
type NoOp struct{}

func (NoOp) RecordTurn(outcome string, duration time.Duration)                          {}
func (NoOp) RecordToolCall(tool, code string)                                           {}
func (NoOp) RecordTransfer(status, reason string)                                       {}
func (NoOp) RecordBiometric(outcome string)                                             {}
func (NoOp) RecordReasoning(provider string, success bool, duration time.Duration)      {}
func (NoOp) RecordHTTPRequest(method, route string, status int, duration time.Duration) {}
func (NoOp) RecordCircuitState(name string, state CircuitState)                         {}
func (NoOp) SessionsSwept(n int)                                                        {}
func (NoOp) SessionsActive(n int)                                                       {}
