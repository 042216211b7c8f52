package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"replybot/internal/domain"
)

const (
	defaultHTTPTimeout = 60 * time.Second
	maxRetries         = 2
)

// retryableError indicates a transient HTTP failure worth retrying in-place
// before the registry moves on to the next provider.
type retryableError struct {
	statusCode int
	body       string
}

func (e *retryableError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.statusCode, e.body)
}

// doWithRetry executes an HTTP request with exponential backoff for network
// failures, 5xx and 429. Permanent statuses are returned to the caller
// untouched so it can classify them.
func doWithRetry(ctx context.Context, client *http.Client, buildReq func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff with jitter to prevent thundering herd.
			base := time.Duration(attempt*attempt) * time.Second
			jitter := time.Duration(rand.Int64N(int64(base/2 + 1)))
			backoff := base + jitter
			logger.Warn("retrying request", "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			if attempt < maxRetries {
				logger.Warn("request failed, will retry", "error", err)
				continue
			}
			return nil, fmt.Errorf("request failed after %d retries: %w", maxRetries, err)
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			lastErr = &retryableError{statusCode: resp.StatusCode, body: string(body)}
			if attempt < maxRetries {
				logger.Warn("server error, will retry",
					"status", resp.StatusCode, "body", string(body))
				continue
			}
			return nil, fmt.Errorf("server error after %d retries: %w", maxRetries, lastErr)
		}

		return resp, nil
	}

	return nil, lastErr
}

// classifyHTTPError converts a provider call failure into a CapabilityError
// whose kind drives the registry's fallback decision.
func classifyHTTPError(provider string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.NewCapabilityError(provider, domain.KindTimeout, err)
	case errors.Is(err, context.Canceled):
		return domain.NewCapabilityError(provider, domain.KindTimeout, err)
	}
	var re *retryableError
	if errors.As(err, &re) {
		if re.statusCode == http.StatusTooManyRequests {
			return domain.NewCapabilityError(provider, domain.KindRateLimited, err)
		}
		return domain.NewCapabilityError(provider, domain.KindUnavailable, err)
	}
	return domain.NewCapabilityError(provider, domain.KindUnavailable, err)
}

// errorFromStatus maps a non-2xx terminal status to a CapabilityError.
func errorFromStatus(provider string, statusCode int, body []byte) error {
	err := fmt.Errorf("HTTP %d: %s", statusCode, string(body))
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return domain.NewCapabilityError(provider, domain.KindAuth, err)
	case statusCode == http.StatusTooManyRequests:
		return domain.NewCapabilityError(provider, domain.KindRateLimited, err)
	case statusCode >= 400 && statusCode < 500:
		return domain.NewCapabilityError(provider, domain.KindBadInput, err)
	default:
		return domain.NewCapabilityError(provider, domain.KindUnavailable, err)
	}
}
