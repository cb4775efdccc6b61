package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/parlance/backend/internal/models"
)

// Event names a request to move a task to another state.
type Event string

const (
	EventReserve   Event = "reserve"
	EventEnqueue   Event = "enqueue"
	EventRunInline Event = "run_inline"
	EventPickup    Event = "pickup"
	EventComplete  Event = "complete"
	EventFail      Event = "fail"
	EventTimeout   Event = "timeout"
	EventRefund    Event = "refund"
	EventForceFail Event = "force_fail"
)

// transitions is the complete table of legal moves. Anything not listed is rejected.
var transitions = map[models.TaskState]map[Event]models.TaskState{
	models.TaskCreated: {
		EventReserve: models.TaskReserved,
	},
	models.TaskReserved: {
		EventEnqueue:   models.TaskQueued,
		EventRunInline: models.TaskProcessing,
		EventTimeout:   models.TaskFailed,
		EventForceFail: models.TaskFailed,
	},
	models.TaskQueued: {
		EventPickup:    models.TaskProcessing,
		EventTimeout:   models.TaskFailed,
		EventForceFail: models.TaskFailed,
	},
	models.TaskProcessing: {
		EventComplete:  models.TaskCompleted,
		EventFail:      models.TaskFailed,
		EventTimeout:   models.TaskFailed,
		EventForceFail: models.TaskFailed,
	},
	models.TaskFailed: {
		EventRefund: models.TaskRefunded,
	},
}

// Next returns the state reached from `from` on `ev`.
func Next(from models.TaskState, ev Event) (models.TaskState, bool) {
	to, ok := transitions[from][ev]
	return to, ok
}

// IsTerminal reports whether no further event is accepted in state s.
func IsTerminal(s models.TaskState) bool {
	return len(transitions[s]) == 0
}

// IsSettled reports whether the task's reservation has been resolved or is being resolved.
func IsSettled(s models.TaskState) bool {
	return s == models.TaskCompleted || s == models.TaskFailed || s == models.TaskRefunded
}

// Store is the persistence the machine writes through.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, t *models.Task) error
	UpdateState(ctx context.Context, tx pgx.Tx, t *models.Task) error
	AppendTransition(ctx context.Context, tx pgx.Tx, tr *models.TaskTransition) error
}

// Machine is the only writer of task state. Every accepted event is applied to the
// task, persisted and appended to the transition log inside the caller's transaction.
type Machine struct {
	store Store
	now   func() time.Time
}

func NewMachine(store Store) *Machine {
	return &Machine{store: store, now: time.Now}
}

// WithClock replaces the machine's time source.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// NewTask builds a task in the created state. It is not persisted until Create.
func (m *Machine) NewTask(userID uuid.UUID, text string, dir models.Direction, price int64, mode string, externalID *string) *models.Task {
	now := m.now().UTC()
	return &models.Task{
		ID:         uuid.New(),
		UserID:     userID,
		SourceText: text,
		Direction:  dir,
		State:      models.TaskCreated,
		Price:      price,
		ExternalID: externalID,
		Mode:       mode,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Create records a task whose reservation has just been placed: created -> reserved.
func (m *Machine) Create(ctx context.Context, tx pgx.Tx, t *models.Task) error {
	tr, err := m.apply(t, EventReserve, "")
	if err != nil {
		return err
	}
	if err := m.store.Insert(ctx, tx, t); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return m.log(ctx, tx, tr)
}

// Enqueue moves a reserved task to queued.
func (m *Machine) Enqueue(ctx context.Context, tx pgx.Tx, t *models.Task) error {
	return m.fire(ctx, tx, t, EventEnqueue, "")
}

// Start moves a task to processing. Inline starts come from the synchronous path.
func (m *Machine) Start(ctx context.Context, tx pgx.Tx, t *models.Task, inline bool) error {
	if inline {
		return m.fire(ctx, tx, t, EventRunInline, "")
	}
	return m.fire(ctx, tx, t, EventPickup, "")
}

// Complete attaches the translation and moves processing -> completed.
func (m *Machine) Complete(ctx context.Context, tx pgx.Tx, t *models.Task, result string) error {
	if _, ok := Next(t.State, EventComplete); !ok {
		return &IllegalTransitionError{TaskID: t.ID, From: t.State, Event: EventComplete}
	}
	t.ResultText = &result
	return m.fire(ctx, tx, t, EventComplete, "")
}

// Fail moves the task to failed on ev (EventFail or EventTimeout) and records the reason.
func (m *Machine) Fail(ctx context.Context, tx pgx.Tx, t *models.Task, ev Event, reason string) error {
	return m.fire(ctx, tx, t, ev, reason)
}

// ForceFail fails any task that has not been settled yet.
func (m *Machine) ForceFail(ctx context.Context, tx pgx.Tx, t *models.Task, reason string) error {
	return m.fire(ctx, tx, t, EventForceFail, reason)
}

// Refund marks a failed task whose reservation was released.
func (m *Machine) Refund(ctx context.Context, tx pgx.Tx, t *models.Task) error {
	return m.fire(ctx, tx, t, EventRefund, "")
}

func (m *Machine) fire(ctx context.Context, tx pgx.Tx, t *models.Task, ev Event, reason string) error {
	tr, err := m.apply(t, ev, reason)
	if err != nil {
		return err
	}
	if err := m.store.UpdateState(ctx, tx, t); err != nil {
		return fmt.Errorf("update task state: %w", err)
	}
	return m.log(ctx, tx, tr)
}

// apply mutates t in memory. error_reason is only ever written on entry to failed.
func (m *Machine) apply(t *models.Task, ev Event, reason string) (*models.TaskTransition, error) {
	to, ok := Next(t.State, ev)
	if !ok {
		return nil, &IllegalTransitionError{TaskID: t.ID, From: t.State, Event: ev}
	}
	now := m.now().UTC()
	tr := &models.TaskTransition{
		TaskID:    t.ID,
		From:      t.State,
		To:        to,
		Event:     string(ev),
		Reason:    reason,
		CreatedAt: now,
	}
	if to == models.TaskFailed && t.ErrorReason == nil {
		if reason == "" {
			reason = string(ev)
		}
		t.ErrorReason = &reason
	}
	t.State = to
	t.UpdatedAt = now
	return tr, nil
}

func (m *Machine) log(ctx context.Context, tx pgx.Tx, tr *models.TaskTransition) error {
	if err := m.store.AppendTransition(ctx, tx, tr); err != nil {
		return fmt.Errorf("append task transition: %w", err)
	}
	return nil
}
