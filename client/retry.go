package client

import (
	"errors"

	"go.uber.org/zap"
)

// DefaultMaxRetries bounds how many times Retry re-runs an operation after
// a connection reset.
const DefaultMaxRetries = 3

// Retry runs op and re-invokes it while it fails with ErrConnectionReset,
// up to maxRetries extra attempts. Any other error, and exhaustion, are
// returned to the caller unchanged.
//
// Only wrap idempotent one-shot calls whose entire result arrives in one
// logical exchange (server time, managed accounts). Never wrap
// subscriptions: they carry state on the gateway and a blind re-send can
// duplicate it.
func Retry(log *zap.Logger, maxRetries int, op func() error) error {
	if log == nil {
		log = zap.NewNop()
	}

	var err error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			log.Warn("Retrying after connection reset",
				zap.Int("attempt", attempt),
				zap.Int("maxRetries", maxRetries))
		}

		err = op()
		if err == nil || !errors.Is(err, ErrConnectionReset) {
			return err
		}
	}

	return err
}
