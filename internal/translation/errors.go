package translation

import (
	"context"
	"errors"
)

// Error is a capability failure. The task is failed and its funds released; the
// broker does not retry it.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return "translation failed"
	}
	return "translation failed: " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// Timeout reports whether the capability ran out of time.
func (e *Error) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}
