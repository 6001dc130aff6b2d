package sources

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/sonet-app/timeline/internal/note"
)

// newBreaker builds the circuit breaker guarding one source adapter. Five
// consecutive failures open the circuit for thirty seconds.
func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("source circuit breaker state change")
		},
	})
}

// execute runs fn behind cb and narrows the result type.
func execute(cb *gobreaker.CircuitBreaker, fn func() ([]note.Note, error)) ([]note.Note, error) {
	res, err := cb.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		return nil, err
	}
	return res.([]note.Note), nil
}
