package cloud

import (
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"
)

const (
	retryWait    = 1 * time.Second
	maxRetries   = 1000
	backoffRetry = maxRetries - 1 // WithMaxRetries counts retries after the first attempt
)

// withRetry runs op, retrying on ServerError (which folds in transport
// errors, see session.go) with a fixed 1-second interval up to maxRetries
// total attempts. NotFoundError and AlreadyExistsError are semantic
// outcomes and are never retried: op must return them wrapped in
// backoff.Permanent, or as-is (not as a *ServerError) since only
// *ServerError is treated as transient here.
func withRetry(log zerolog.Logger, opName string, op func() error) error {
	attempt := 0
	wrapped := func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if _, ok := err.(*ServerError); ok {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, _ time.Duration) {
		log.Warn().
			Int("attempt", attempt).
			Str("op", opName).
			Err(err).
			Msg("retrying after server error")
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(retryWait), backoffRetry)
	return backoff.RetryNotify(wrapped, b, notify)
}
