package tasks

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/parlance/backend/internal/models"
)

var (
	// ErrIllegalTransition matches every *IllegalTransitionError via errors.Is.
	ErrIllegalTransition = errors.New("illegal task transition")
	// ErrDuplicateExternalID is returned by stores when (user_id, external_id) already exists.
	ErrDuplicateExternalID = errors.New("duplicate external id")
	// ErrTimeout matches every *TimeoutError via errors.Is.
	ErrTimeout = errors.New("task timed out")
)

// IllegalTransitionError reports an event that the transition table does not allow
// from the task's current state.
type IllegalTransitionError struct {
	TaskID uuid.UUID
	From   models.TaskState
	Event  Event
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("task %s: event %q not allowed in state %q", e.TaskID, e.Event, e.From)
}

func (e *IllegalTransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// TimeoutError is produced by the reaper when a task sits in a state past its deadline.
type TimeoutError struct {
	TaskID   uuid.UUID
	State    models.TaskState
	Deadline time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s exceeded %s deadline in state %q", e.TaskID, e.Deadline, e.State)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}
