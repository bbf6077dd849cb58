package transport

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a send failure for retry decisions.
type ErrorKind int

const (
	// KindTransient covers timeouts, connection errors and server-side 5xx.
	KindTransient ErrorKind = iota
	// KindSemantic is a request the platform rejected; retrying won't help.
	KindSemantic
	// KindFlood is a rate limit with an optional server-provided wait.
	KindFlood
)

func (k ErrorKind) String() string {
	switch k {
	case KindSemantic:
		return "semantic"
	case KindFlood:
		return "flood"
	default:
		return "transient"
	}
}

// APIError is a platform response with an HTTP-like code.
type APIError struct {
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("api error %d: %s (retry after %s)", e.Code, e.Description, e.RetryAfter)
	}
	return fmt.Sprintf("api error %d: %s", e.Code, e.Description)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as semantic regardless of its shape.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Classify maps an error onto the retry taxonomy.
// Unknown errors are treated as transient.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindTransient
	}
	var pe permanentError
	if errors.As(err, &pe) {
		return KindSemantic
	}
	var ae *APIError
	if errors.As(err, &ae) {
		switch {
		case ae.Code == 429:
			return KindFlood
		case ae.Code == 408:
			return KindTransient
		case ae.Code >= 400 && ae.Code < 500:
			return KindSemantic
		default:
			return KindTransient
		}
	}
	return KindTransient
}

// RetryAfter returns the server-provided wait of a flood error, if any.
func RetryAfter(err error) time.Duration {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.RetryAfter
	}
	return 0
}
