package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"

	"kb-engine/internal/domain"
)

// HTTPError reports a non-2xx provider response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// IsTransient classifies provider call failures for retry decisions.
// Size rejections and cancellation are permanent; timeouts, connection
// failures and 408/429/5xx responses are worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, domain.ErrBatchTooLarge) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout() || netErr.Temporary()
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return isRetryableStatus(httpErr.StatusCode)
	}

	return false
}

func isRetryableStatus(status int) bool {
	switch {
	case status >= 500:
		return true
	case status == http.StatusRequestTimeout:
		return true
	case status == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}
