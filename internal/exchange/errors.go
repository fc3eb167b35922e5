package exchange

import (
	"errors"
	"fmt"
)

// ErrorKind classifies exchange failures so callers can branch without
// string matching. Monitor loops key their backoff policy off this.
type ErrorKind int

const (
	// KindTransient covers connection errors, timeouts and 5xx responses.
	KindTransient ErrorKind = iota
	// KindRateLimited covers HTTP 429 and rate-limit error bodies.
	KindRateLimited
	// KindInvalidResponse covers payloads whose shape is not what the
	// endpoint is documented to return.
	KindInvalidResponse
	// KindNotFound covers unknown orders and deleted resources.
	KindNotFound
	// KindRejected covers requests the exchange understood and refused
	// (bad params, insufficient funds).
	KindRejected
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "TRANSIENT"
	case KindRateLimited:
		return "RATE_LIMITED"
	case KindInvalidResponse:
		return "INVALID_RESPONSE"
	case KindNotFound:
		return "NOT_FOUND"
	case KindRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// APIError is the error type returned by every Client method that talks to
// the exchange.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Endpoint   string
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("exchange %s: %s (%s)", e.Endpoint, e.Message, e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("exchange %s: %v (%s)", e.Endpoint, e.Err, e.Kind)
	}
	return fmt.Sprintf("exchange %s: status %d (%s)", e.Endpoint, e.StatusCode, e.Kind)
}

func (e *APIError) Unwrap() error { return e.Err }

// IsRateLimited reports whether err carries the RateLimited kind.
func IsRateLimited(err error) bool { return hasKind(err, KindRateLimited) }

// IsNotFound reports whether err carries the NotFound kind.
func IsNotFound(err error) bool { return hasKind(err, KindNotFound) }

// IsTransient reports whether err carries the Transient kind.
func IsTransient(err error) bool { return hasKind(err, KindTransient) }

// IsInvalidResponse reports whether err carries the InvalidResponse kind.
func IsInvalidResponse(err error) bool { return hasKind(err, KindInvalidResponse) }

func hasKind(err error, kind ErrorKind) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind == kind
	}
	return false
}
