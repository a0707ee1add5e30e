package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// CircuitBreakerBroker wraps a Broker with transport-level circuit breaking.
// This protects the polling loop from hammering a degraded API; it is
// independent of the trading-action circuit breaker in the risk package,
// which tracks order-level failures by category.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// CircuitBreakerSettings configures transport circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker creates a CircuitBreakerBroker with sensible defaults.
func NewCircuitBreakerBroker(b Broker, logger *logrus.Logger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(b, logger, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings.
func NewCircuitBreakerBrokerWithSettings(
	b Broker, logger *logrus.Logger, settings CircuitBreakerSettings,
) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerTransport",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			if logger != nil {
				logger.Warnf("circuit breaker %s state changed from %s to %s", name, from, to)
			}
		},
	}

	return &CircuitBreakerBroker{
		broker:  b,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// Ensure CircuitBreakerBroker implements Broker at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)

// execBreaker is a generic helper for circuit breaker wrapper methods.
func execBreaker[T any](breaker *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// GetQuote wraps the underlying broker call with circuit breaking.
func (c *CircuitBreakerBroker) GetQuote(ctx context.Context, key OptionKey) (Quote, error) {
	return execBreaker(c.breaker, func() (Quote, error) { return c.broker.GetQuote(ctx, key) })
}

// GetUnderlyingPrice wraps the underlying broker call with circuit breaking.
func (c *CircuitBreakerBroker) GetUnderlyingPrice(ctx context.Context, symbol string) (float64, error) {
	return execBreaker(c.breaker, func() (float64, error) { return c.broker.GetUnderlyingPrice(ctx, symbol) })
}

// GetVIX wraps the underlying broker call with circuit breaking.
func (c *CircuitBreakerBroker) GetVIX(ctx context.Context) (float64, error) {
	return execBreaker(c.breaker, func() (float64, error) { return c.broker.GetVIX(ctx) })
}

// IsTradingDay wraps the underlying broker call with circuit breaking.
func (c *CircuitBreakerBroker) IsTradingDay(ctx context.Context, day time.Time) (bool, error) {
	return execBreaker(c.breaker, func() (bool, error) { return c.broker.IsTradingDay(ctx, day) })
}

// PlaceOrder wraps the underlying broker call with circuit breaking.
func (c *CircuitBreakerBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	return execBreaker(c.breaker, func() (*OrderResult, error) { return c.broker.PlaceOrder(ctx, req) })
}
