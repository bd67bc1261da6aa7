// Package breaker builds the circuit breakers guarding external
// dependencies (market data, database, broker) with one shared policy:
// trip after 5 requests at a 60% failure ratio, half-open after 30 s.
package breaker

import (
	"time"

	"github.com/sony/gobreaker"

	"github.com/tradecouncil/tradecouncil/internal/config"
	"github.com/tradecouncil/tradecouncil/internal/metrics"
)

// New builds a circuit breaker for one named dependency.
func New(name string) *gobreaker.CircuitBreaker {
	logger := config.NewLogger("breaker")

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
			if to == gobreaker.StateOpen {
				metrics.RecordError("circuit_open", name)
			}
		},
	})
}

// Guard runs fn through the breaker, discarding the unused result
// slot gobreaker requires.
func Guard(cb *gobreaker.CircuitBreaker, fn func() error) error {
	_, err := cb.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}
