package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

// DefaultMaxAttempts is the retry bound when config does not override it.
const DefaultMaxAttempts = 3

var retryBaseDelay = 500 * time.Millisecond

// CompleteWithRetry runs the completion with a bounded retry loop. Transient
// failures (rate limiting, server errors, timeouts) are retried up to
// maxAttempts with exponential backoff; permanent failures (auth, malformed
// request) return immediately. When every attempt was rate-limited the call
// fails with ErrOverloaded so callers can report "try again later" instead
// of a generic error.
func CompleteWithRetry(ctx context.Context, p Provider, req *Request, maxAttempts int) (*Response, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	var lastErr error
	rateLimited := true
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := retryBaseDelay << (attempt - 2)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("llm retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		resp, err := p.Complete(ctx, req)
		if err == nil {
			recordAttempts(ctx, p.Name(), req.Model, attempt, true)
			return resp, nil
		}
		lastErr = err

		if !isTransient(err) {
			recordAttempts(ctx, p.Name(), req.Model, attempt, false)
			return nil, err
		}
		if !isRateLimited(err) {
			rateLimited = false
		}

		log.Warn().
			Err(err).
			Str("provider", p.Name()).
			Str("model", req.Model).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Msg("llm_attempt_failed")
	}

	recordAttempts(ctx, p.Name(), req.Model, maxAttempts, false)
	if rateLimited {
		return nil, fmt.Errorf("%w after %d attempts: %v", ErrOverloaded, maxAttempts, lastErr)
	}
	return nil, fmt.Errorf("llm call failed after %d attempts: %w", maxAttempts, lastErr)
}

// isTransient reports whether the error is worth retrying.
func isTransient(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	if errors.Is(err, ErrEmptyResponse) {
		return false
	}
	// Context expiry on the outer context is not retryable; everything else
	// (connection resets, per-attempt timeouts) is.
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

func isRateLimited(err error) bool {
	var apiErr *openai.APIError
	return errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests
}
