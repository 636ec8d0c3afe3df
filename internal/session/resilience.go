package session

import (
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"cat-engine/internal/apperr"
	"cat-engine/internal/logger"
)

// newStorageBreaker builds a circuit breaker scoped to the persistence
// adapter. It counts only transient-storage failures against the trip
// threshold: validation and business errors (BadRequest, ItemNotServed,
// SessionNotOngoing, ...) are not storage problems and must never open the
// breaker.
func newStorageBreaker(log *logger.Logger) *gobreaker.CircuitBreaker[any] {
	settings := gobreaker.Settings{
		Name:        "cat-engine-storage",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return !apperr.IsKind(err, apperr.KindTransientStorage)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithField("breaker", name).
				WithField("from", from.String()).
				WithField("to", to.String()).
				Warn("storage circuit breaker state change")
		},
	}
	return gobreaker.NewCircuitBreaker[any](settings)
}

// callTransient executes fn through the storage circuit breaker, retrying
// exactly once when it fails with a transient-storage error. A second
// transient-storage failure is reported as InternalError with all
// intermediate state already rolled back by fn's own transaction.
func (c *Controller) callTransient(fn func() (any, error)) (any, error) {
	res, err := c.breaker.Execute(fn)
	if err != nil && apperr.IsKind(err, apperr.KindTransientStorage) {
		res, err = c.breaker.Execute(fn)
		if err != nil && apperr.IsKind(err, apperr.KindTransientStorage) {
			return nil, apperr.Wrap(apperr.KindInternal, "storage operation failed after retry", err)
		}
	}
	return res, err
}
