// Package breaker builds the circuit breakers that guard calls to external
// brokers and object stores.
package breaker

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// New returns a breaker that opens after three consecutive failures and
// lets three trial requests through once half-open.
func New(name string, logger zerolog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(Settings(name, logger))
}

// Settings exposes the standard configuration so callers can tweak a copy.
func Settings(name string, logger zerolog.Logger) gobreaker.Settings {
	timeout := 30 * time.Second
	switch name {
	case "s3-catalog", "s3-reports":
		timeout = 10 * time.Second
	}
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	}
}
