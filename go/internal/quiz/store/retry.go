package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Bounded retry for persistence writes: a fixed attempt count with a fixed
// backoff, so a transient failure never silently drops a score.
const (
	retryAttempts = 3
	retryBackoff  = 100 * time.Millisecond
)

// withRetry runs op up to retryAttempts times, sleeping retryBackoff between
// attempts on the given clock. The last error is returned once attempts are
// exhausted.
func withRetry(ctx context.Context, clock clockwork.Clock, desc string, op func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		log.Warn().
			Err(err).
			Str("op", desc).
			Int("attempt", attempt).
			Msg("store operation failed")
		if attempt == retryAttempts {
			break
		}
		select {
		case <-clock.After(retryBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", desc, retryAttempts, err)
}
