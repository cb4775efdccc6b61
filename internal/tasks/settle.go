package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/parlance/backend/internal/ledger"
	"github.com/parlance/backend/internal/models"
)

// Ledger is the subset of the billing ledger used to settle a task.
type Ledger interface {
	Capture(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID) error
	Release(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID) error
}

// Settler pairs every terminal task transition with the matching ledger operation in
// one transaction, so a task never ends without its reservation being resolved.
type Settler struct {
	Machine *Machine
	Ledger  Ledger
	Logger  *slog.Logger
}

func NewSettler(machine *Machine, l Ledger, logger *slog.Logger) *Settler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Settler{Machine: machine, Ledger: l, Logger: logger}
}

// Complete captures the reservation and marks the task completed.
func (s *Settler) Complete(ctx context.Context, tx pgx.Tx, t *models.Task, result string) error {
	if err := s.Machine.Complete(ctx, tx, t, result); err != nil {
		return err
	}
	if err := s.Ledger.Capture(ctx, tx, t.ID); err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	return nil
}

// Fail records the failure (ev is EventFail or EventTimeout), releases the reservation
// and marks the task refunded.
func (s *Settler) Fail(ctx context.Context, tx pgx.Tx, t *models.Task, ev Event, reason string) error {
	if err := s.Machine.Fail(ctx, tx, t, ev, reason); err != nil {
		return err
	}
	return s.refund(ctx, tx, t)
}

// Defect handles an IllegalTransitionError raised while settling: the task is forced
// to failed and its reservation is released.
func (s *Settler) Defect(ctx context.Context, tx pgx.Tx, t *models.Task, cause error) error {
	s.Logger.Error("task state defect", "task_id", t.ID, "state", t.State, "error", cause)
	if IsSettled(t.State) {
		return nil
	}
	if err := s.Machine.ForceFail(ctx, tx, t, "internal error: "+cause.Error()); err != nil {
		return err
	}
	return s.refund(ctx, tx, t)
}

func (s *Settler) refund(ctx context.Context, tx pgx.Tx, t *models.Task) error {
	if err := s.Ledger.Release(ctx, tx, t.ID); err != nil {
		if errors.Is(err, ledger.ErrReservationNotFound) {
			// Nothing to give back: the task stays failed.
			s.Logger.Error("permanent loss: failed task has no reservation", "task_id", t.ID, "user_id", t.UserID)
			return nil
		}
		return fmt.Errorf("release: %w", err)
	}
	return s.Machine.Refund(ctx, tx, t)
}
