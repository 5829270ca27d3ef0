package embedder

import (
	"context"
	"fmt"
	"time"
)

// Retry bounds repeated embedding attempts. Each attempt gets its own
// Timeout; the wait between attempts starts at Backoff and doubles.
type Retry struct {
	Attempts int
	Backoff  time.Duration
	Timeout  time.Duration
}

// EmbedWithRetry embeds text, retrying failures. The returned vector always
// has e.Dimensions() entries. Exhausted retries yield an error wrapping
// ErrEmbeddingFailure.
func EmbedWithRetry(ctx context.Context, e Embedder, text string, r Retry) ([]float32, error) {
	if r.Attempts < 1 {
		r.Attempts = 1
	}
	var lastErr error
	delay := r.Backoff
	for attempt := 1; attempt <= r.Attempts; attempt++ {
		if attempt > 1 && delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailure, ctx.Err())
			case <-timer.C:
			}
			delay *= 2
		}

		actx, cancel := ctx, context.CancelFunc(func() {})
		if r.Timeout > 0 {
			actx, cancel = context.WithTimeout(ctx, r.Timeout)
		}
		vec, err := e.Embed(actx, text)
		cancel()
		if err == nil && len(vec) != e.Dimensions() {
			err = fmt.Errorf("got %d dimensions, want %d", len(vec), e.Dimensions())
		}
		if err == nil {
			return vec, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w: %v", ErrEmbeddingFailure, ctx.Err(), err)
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrEmbeddingFailure, r.Attempts, lastErr)
}
