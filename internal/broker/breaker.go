package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// CircuitBreakerBroker wraps a Broker with a circuit breaker so a flapping
// gateway trips fast instead of stalling every cycle on timeouts.
type CircuitBreakerBroker struct {
	inner Broker
	cb    *gobreaker.CircuitBreaker
	log   *logrus.Entry
}

var _ Broker = (*CircuitBreakerBroker)(nil)

// NewCircuitBreakerBroker wraps inner. The breaker opens after 5 consecutive
// failures and probes again after 30 seconds.
func NewCircuitBreakerBroker(inner Broker, log *logrus.Logger) *CircuitBreakerBroker {
	entry := log.WithField("component", "broker_breaker")
	settings := gobreaker.Settings{
		Name:        "broker-gateway",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Permanent rejections are the gateway working as intended.
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			entry.WithFields(logrus.Fields{
				"from": from.String(),
				"to":   to.String(),
			}).Warn("circuit breaker state change")
		},
	}
	return &CircuitBreakerBroker{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker(settings),
		log:   entry,
	}
}

// execCircuitBreaker funnels a typed call through the shared breaker.
func execCircuitBreaker[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	result, err := cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	typed, ok := result.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("circuit breaker returned unexpected type %T", result)
	}
	return typed, nil
}

func (b *CircuitBreakerBroker) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	return execCircuitBreaker(b.cb, func() (*Quote, error) {
		return b.inner.GetQuote(ctx, symbol)
	})
}

func (b *CircuitBreakerBroker) GetOptionQuote(ctx context.Context, optionSymbol string) (*Quote, error) {
	return execCircuitBreaker(b.cb, func() (*Quote, error) {
		return b.inner.GetOptionQuote(ctx, optionSymbol)
	})
}

func (b *CircuitBreakerBroker) GetHistoricalClose(ctx context.Context, symbol string, date time.Time) (float64, error) {
	return execCircuitBreaker(b.cb, func() (float64, error) {
		return b.inner.GetHistoricalClose(ctx, symbol, date)
	})
}

func (b *CircuitBreakerBroker) GetOptionChain(ctx context.Context, underlying string, minExpiration time.Time) ([]ContractCandidate, error) {
	return execCircuitBreaker(b.cb, func() ([]ContractCandidate, error) {
		return b.inner.GetOptionChain(ctx, underlying, minExpiration)
	})
}

// PlaceOrder wraps the single placement attempt. Orders are never retried at
// this layer; an open breaker surfaces as a transient error next cycle.
func (b *CircuitBreakerBroker) PlaceOrder(ctx context.Context, spec OrderSpec) (*OrderResult, error) {
	return execCircuitBreaker(b.cb, func() (*OrderResult, error) {
		return b.inner.PlaceOrder(ctx, spec)
	})
}

func (b *CircuitBreakerBroker) GetPositions(ctx context.Context) ([]BrokerPosition, error) {
	return execCircuitBreaker(b.cb, func() ([]BrokerPosition, error) {
		return b.inner.GetPositions(ctx)
	})
}
