package intake

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/parlance/backend/internal/models"
)

// ErrNotFound is returned for tasks that do not exist or belong to another user.
var ErrNotFound = errors.New("task not found")

// InvalidRequestError rejects a submission before any funds are touched.
type InvalidRequestError struct {
	Field   string
	Message string
}

func (e *InvalidRequestError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Message
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *InvalidRequestError {
	return &InvalidRequestError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ReplayError answers a sync submission whose external id names an earlier task
// that has no result: it failed, or it is still in flight.
type ReplayError struct {
	TaskID uuid.UUID
	State  models.TaskState
	Reason string
}

func (e *ReplayError) Error() string {
	if e.Failed() {
		reason := e.Reason
		if reason == "" {
			reason = "translation failed"
		}
		return fmt.Sprintf("task %s %s: %s", e.TaskID, e.State, reason)
	}
	return fmt.Sprintf("task %s is %s, no result yet", e.TaskID, e.State)
}

// Failed reports whether the earlier task ended without a result.
func (e *ReplayError) Failed() bool {
	return e.State == models.TaskFailed || e.State == models.TaskRefunded
}

// replayError returns nil when t completed, and a *ReplayError otherwise.
func replayError(t *models.Task) error {
	if t.State == models.TaskCompleted {
		return nil
	}
	e := &ReplayError{TaskID: t.ID, State: t.State}
	if t.ErrorReason != nil {
		e.Reason = *t.ErrorReason
	}
	return e
}
