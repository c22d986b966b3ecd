package messenger

import (
	"errors"
	"fmt"
)

// Kind classifies a failed send.
type Kind string

const (
	// KindRateLimited means the platform throttled us; back off.
	KindRateLimited Kind = "rate_limited"
	// KindWindowExpired means the recipient can no longer be messaged.
	// It never succeeds on retry.
	KindWindowExpired Kind = "window_expired"
	// KindTransient covers timeouts, network errors and 5xx responses.
	KindTransient Kind = "transient"
	// KindRejected covers other 4xx responses.
	KindRejected Kind = "rejected"
)

// SendError is returned by senders for every failed attempt.
type SendError struct {
	Kind Kind
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed (%s): %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Permanent reports whether retrying can never succeed.
func (e *SendError) Permanent() bool {
	return e.Kind == KindWindowExpired
}

// KindOf returns the kind of a send error. Errors that are not a
// *SendError are treated as transient.
func KindOf(err error) Kind {
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransient
}

// IsServiceFailure reports whether err says something about the health of
// the messaging service rather than about one recipient. Errors from calls
// that never started (a canceled context) say nothing either way.
func IsServiceFailure(err error) bool {
	var se *SendError
	if !errors.As(err, &se) {
		return false
	}
	return se.Kind == KindTransient || se.Kind == KindRateLimited
}

// Attempted reports whether err came from a call that reached the network.
func Attempted(err error) bool {
	var se *SendError
	return errors.As(err, &se)
}
