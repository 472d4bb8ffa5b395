package reasoning

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/tunjiax-agent/internal/metrics"
	"github.com/example/tunjiax-agent/internal/resilience"
)

// Guarded wraps a Decider with a per-call timeout, a circuit breaker and
// latency metrics.
type Guarded struct {
	next    Decider
	breaker *resilience.Breaker
	timeout time.Duration
	metrics metrics.Collector
	logger  *slog.Logger
}

func NewGuarded(next Decider, timeout time.Duration, logger *slog.Logger, collector metrics.Collector) *Guarded {
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = metrics.NoOp{}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Guarded{
		next:    next,
		breaker: resilience.NewBreaker("reasoning_"+next.Name(), resilience.BreakerConfig{}, logger, collector),
		timeout: timeout,
		metrics: collector,
		logger:  logger,
	}
}

func (g *Guarded) Name() string { return g.next.Name() }

func (g *Guarded) Decide(ctx context.Context, req Request) (Decision, error) {
	start := time.Now()
	d, err := resilience.Execute(g.breaker, func() (Decision, error) {
		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return g.next.Decide(ctx, req)
	})
	g.metrics.RecordReasoning(g.next.Name(), err == nil, time.Since(start))
	if err != nil {
		g.logger.WarnContext(ctx, "reasoning call failed", "provider", g.next.Name(), "error", err)
		return Decision{}, err
	}
	return d, nil
}
