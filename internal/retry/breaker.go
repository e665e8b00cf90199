package retry

import (
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	breakerFailureThreshold = 5
	breakerResetTimeout     = 30 * time.Second
)

// NewConnectionBreaker wraps reconnect attempts so a flapping broker does
// not turn into a reconnect storm: after five consecutive failures the
// circuit opens for the reset timeout.
func NewConnectionBreaker(name string, logger *zap.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     breakerResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("connection breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}
