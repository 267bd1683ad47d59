package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"authbridge/internal/domain"
)

// BreakerNavigator wraps a Navigator with a circuit breaker. While the
// breaker is open, or when the inner navigator fails, it degrades to an
// uncertain verdict so a flapping provider never aborts a live call
// outright; the uncertainty budget decides when to give up.
type BreakerNavigator struct {
	inner   domain.Navigator
	breaker *gobreaker.CircuitBreaker[domain.NavigatorDecision]
	logger  *slog.Logger
}

// BreakerSettings tunes the circuit breaker.
type BreakerSettings struct {
	MaxFailures uint32
	Interval    time.Duration
	Timeout     time.Duration
}

// NewBreakerNavigator wraps inner with circuit breaking.
func NewBreakerNavigator(inner domain.Navigator, settings BreakerSettings, logger *slog.Logger) *BreakerNavigator {
	if settings.MaxFailures == 0 {
		settings.MaxFailures = 3
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 30 * time.Second
	}

	log := logger.With("component", "oracle_breaker", "provider", inner.Name())
	cb := gobreaker.NewCircuitBreaker[domain.NavigatorDecision](gobreaker.Settings{
		Name:        "oracle-" + inner.Name(),
		MaxRequests: 1,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &BreakerNavigator{inner: inner, breaker: cb, logger: log}
}

// Name identifies the wrapped provider.
func (b *BreakerNavigator) Name() string { return b.inner.Name() }

// Decide delegates to the inner navigator through the breaker. It never
// returns an error; callers always get a usable verdict.
func (b *BreakerNavigator) Decide(ctx context.Context, q domain.NavigatorQuery) (domain.NavigatorDecision, error) {
	dec, err := b.breaker.Execute(func() (domain.NavigatorDecision, error) {
		return b.inner.Decide(ctx, q)
	})
	if err != nil {
		b.logger.Warn("oracle unavailable, degrading to uncertain", "error", err)
		return domain.Uncertain(fmt.Sprintf("Error analyzing prompt: %v", err)), nil
	}
	return dec, nil
}
