package archive

import (
	"context"
	"math"
	"time"

	serrors "github.com/stratadb/strata/internal/errors"
)

const (
	maxStepAttempts = 3
	stepBaseBackoff = 100 * time.Millisecond
)

// withBackoff runs a pipeline step, retrying transient failures with
// exponential backoff. Non-retryable errors surface immediately; exhausting
// the attempt budget surfaces the last error.
func withBackoff(ctx context.Context, operation func() error) error {
	var err error
	for attempt := 0; attempt < maxStepAttempts; attempt++ {
		if err = operation(); err == nil {
			return nil
		}
		if !serrors.IsRetryable(err) {
			return err
		}
		if attempt == maxStepAttempts-1 {
			break
		}

		backoff := time.Duration(math.Pow(2, float64(attempt))) * stepBaseBackoff
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
