package fetch

import (
	"errors"
	"fmt"
)

// Class buckets a fetch failure by how the pipeline must react to it.
type Class int

const (
	// ClassTransient covers timeouts, connection resets and 5xx responses;
	// retried with backoff up to the attempt budget.
	ClassTransient Class = iota
	// ClassRateLimited covers 429 and backend-signaled throttling; retried
	// after the limiter's mandatory delay, never counted as a failure.
	ClassRateLimited
	// ClassPermanent covers 4xx (other than 429) and malformed responses;
	// never retried, surfaced to the caller.
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate_limited"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Error is a classified fetch failure.
type Error struct {
	Class  Class
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s fetch error (status %d): %v", e.Class, e.Status, e.Err)
	}
	return fmt.Sprintf("%s fetch error: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func classOf(err error) (Class, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class, true
	}
	return 0, false
}

// IsTransient reports whether err is a retryable network-level failure.
func IsTransient(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassTransient
}

// IsRateLimited reports whether err signals backend throttling.
func IsRateLimited(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassRateLimited
}

// IsPermanent reports whether err is a non-retryable source failure.
func IsPermanent(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassPermanent
}
