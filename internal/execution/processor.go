package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/parlance/backend/internal/models"
	"github.com/parlance/backend/internal/notify"
	"github.com/parlance/backend/internal/queue"
	"github.com/parlance/backend/internal/repository"
	"github.com/parlance/backend/internal/tasks"
	"github.com/parlance/backend/internal/translation"
)

// ErrTaskNotFound is returned when a delivery names a task that does not exist.
// Redelivering it cannot help.
var ErrTaskNotFound = errors.New("task not found")

// TaskStore is the task persistence the worker needs.
type TaskStore interface {
	tasks.Store
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error)
}

// Result is the outcome of running a task. Err is the capability error that failed
// the task, already recorded on it.
type Result struct {
	Task *models.Task
	Err  error
}

// Processor runs translation tasks: pickup, translate with no locks held, settle.
type Processor struct {
	DB         repository.Beginner
	Tasks      TaskStore
	Settler    *tasks.Settler
	Translator translation.Translator
	Notifier   notify.Notifier
	Timeout    time.Duration
	Logger     *slog.Logger
}

func NewProcessor(db repository.Beginner, store TaskStore, settler *tasks.Settler, translator translation.Translator, timeout time.Duration, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		DB:         db,
		Tasks:      store,
		Settler:    settler,
		Translator: translator,
		Notifier:   notify.Nop{},
		Timeout:    timeout,
		Logger:     logger,
	}
}

// Handle processes one delivery. Deliveries for tasks that are no longer queued are
// acknowledged without effect, which makes redelivery safe. A returned error means
// the broker should redeliver.
func (p *Processor) Handle(ctx context.Context, d queue.Descriptor) error {
	t, err := p.pickup(ctx, d.TaskID)
	if err != nil {
		return err
	}
	if t == nil {
		return nil
	}
	_, err = p.Execute(ctx, t)
	return err
}

// pickup moves a queued task to processing and commits. It returns nil when the
// task is in any other state.
func (p *Processor) pickup(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	var picked *models.Task
	err := repository.WithTx(ctx, p.DB, func(tx pgx.Tx) error {
		t, err := p.Tasks.GetForUpdate(ctx, tx, id)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("load task: %w", err)
		}
		if t.State != models.TaskQueued {
			p.Logger.Info("discarding delivery", "task_id", id, "state", t.State)
			return nil
		}
		if err := p.Settler.Machine.Start(ctx, tx, t, false); err != nil {
			return err
		}
		picked = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return picked, nil
}

// Execute translates a task already in processing and settles it. The capability
// call runs outside any transaction.
func (p *Processor) Execute(ctx context.Context, t *models.Task) (*Result, error) {
	tctx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	out, terr := p.Translator.Translate(tctx, t.SourceText, t.Direction)
	if terr != nil {
		var capErr *translation.Error
		if !errors.As(terr, &capErr) {
			terr = &translation.Error{Reason: terr.Error(), Err: terr}
		}
		p.Logger.Warn("translation failed", "task_id", t.ID, "error", terr)
	}

	// Settle even if the caller went away; otherwise the reaper has to.
	settled, err := p.settle(context.WithoutCancel(ctx), t.ID, out, terr)
	if err != nil {
		return nil, err
	}
	if settled.State != models.TaskCompleted && terr == nil {
		// Someone else settled first; report it as a timeout to a sync caller.
		terr = &tasks.TimeoutError{TaskID: t.ID, State: models.TaskProcessing, Deadline: p.Timeout}
	}
	return &Result{Task: settled, Err: terr}, nil
}

func (p *Processor) settle(ctx context.Context, id uuid.UUID, out string, terr error) (*models.Task, error) {
	var (
		settled *models.Task
		changed bool
	)
	err := repository.WithTx(ctx, p.DB, func(tx pgx.Tx) error {
		t, err := p.Tasks.GetForUpdate(ctx, tx, id)
		if err != nil {
			return fmt.Errorf("load task: %w", err)
		}
		settled = t
		if t.State != models.TaskProcessing {
			p.Logger.Info("task already settled", "task_id", id, "state", t.State)
			return nil
		}
		if terr == nil {
			err = p.Settler.Complete(ctx, tx, t, out)
		} else {
			err = p.Settler.Fail(ctx, tx, t, tasks.EventFail, failureReason(terr))
		}
		var illegal *tasks.IllegalTransitionError
		if errors.As(err, &illegal) {
			err = p.Settler.Defect(ctx, tx, t, err)
		}
		if err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("settle task %s: %w", id, err)
	}
	if changed {
		p.Notifier.TaskChanged(ctx, settled)
	}
	return settled, nil
}

func failureReason(err error) string {
	var capErr *translation.Error
	if errors.As(err, &capErr) {
		if capErr.Timeout() {
			return "translation timed out"
		}
		return capErr.Reason
	}
	return err.Error()
}
