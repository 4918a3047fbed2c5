package weather

import (
	"errors"
	"fmt"
	"time"
)

// InvalidInputError is a caller mistake. It is never retried.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NetworkErrorKind classifies a NetworkError.
type NetworkErrorKind int

const (
	NetworkTimeout NetworkErrorKind = iota + 1
	NetworkHTTPStatus
	NetworkConnectionFailed
)

func (k NetworkErrorKind) String() string {
	switch k {
	case NetworkTimeout:
		return "timeout"
	case NetworkHTTPStatus:
		return "http status"
	case NetworkConnectionFailed:
		return "connection failed"
	default:
		return "unknown"
	}
}

// NetworkError is a transport-level failure talking to the weather service.
type NetworkError struct {
	Kind       NetworkErrorKind
	StatusCode int // set when Kind is NetworkHTTPStatus
	Err        error
}

func (e *NetworkError) Error() string {
	switch {
	case e.Kind == NetworkHTTPStatus:
		return fmt.Sprintf("network error: unexpected status code %d", e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("network error (%s): %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("network error (%s)", e.Kind)
	}
}

func (e *NetworkError) Unwrap() error { return e.Err }

// DecodeError means the service answered with a body we could not parse.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode weather response: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// RateLimitError is returned when the service throttles us (HTTP 429).
type RateLimitError struct {
	RetryAfter time.Duration // zero when the service did not say
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// LocationUnavailableError is returned by a LocationProvider that cannot
// produce coordinates.
type LocationUnavailableError struct {
	Err error
}

func (e *LocationUnavailableError) Error() string {
	if e.Err == nil {
		return "location unavailable"
	}
	return fmt.Sprintf("location unavailable: %v", e.Err)
}

func (e *LocationUnavailableError) Unwrap() error { return e.Err }

// WeatherUnavailableError is the terminal failure of the repository. Cause
// is the last underlying error.
type WeatherUnavailableError struct {
	Key   string
	Cause error
}

func (e *WeatherUnavailableError) Error() string {
	return fmt.Sprintf("weather unavailable for %s: %v", e.Key, e.Cause)
}

func (e *WeatherUnavailableError) Unwrap() error { return e.Cause }

// IsTimeout reports whether err is (or wraps) a NetworkError of kind timeout.
func IsTimeout(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne) && ne.Kind == NetworkTimeout
}

// IsRateLimited reports whether err is (or wraps) a RateLimitError.
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}
