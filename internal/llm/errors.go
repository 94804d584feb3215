package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// APIError is a non-200 response from a model backend.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("model API error %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("model API error %d", e.StatusCode)
}

// ErrResponseShape indicates a 200 response whose body did not carry
// the expected structure.
var ErrResponseShape = errors.New("invalid response shape from model API")

// transientStatusCodes are backend errors worth retrying.
var transientStatusCodes = map[int]bool{
	500: true,
	502: true,
	503: true,
	504: true,
}

// IsTransient reports whether the error is a retryable backend failure.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return transientStatusCodes[apiErr.StatusCode]
	}
	return false
}

// IsQuotaExhausted reports whether the backend rejected the request
// for quota reasons. Quota errors are never retried.
func IsQuotaExhausted(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}

// StatusCode returns the HTTP status of an APIError, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsTimeout reports whether the error is a request timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
