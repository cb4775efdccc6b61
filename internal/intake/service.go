// Package intake accepts translation requests: it validates them, reserves funds,
// records the task and either runs it inline or hands it to the queue.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/parlance/backend/internal/execution"
	"github.com/parlance/backend/internal/idempotency"
	"github.com/parlance/backend/internal/models"
	"github.com/parlance/backend/internal/notify"
	"github.com/parlance/backend/internal/queue"
	"github.com/parlance/backend/internal/repository"
	"github.com/parlance/backend/internal/tasks"
	"github.com/parlance/backend/internal/translation"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 500
	MaxBatchItems    = 50
)

// TaskStore is the task persistence intake reads and writes.
type TaskStore interface {
	tasks.Store
	Get(ctx context.Context, id uuid.UUID) (*models.Task, error)
	FindByExternalID(ctx context.Context, tx pgx.Tx, userID uuid.UUID, externalID string) (*models.Task, error)
	ListByUser(ctx context.Context, userID uuid.UUID, skip, limit int) ([]*models.Task, error)
	Transitions(ctx context.Context, id uuid.UUID) ([]*models.TaskTransition, error)
}

// Ledger is the part of the billing ledger intake uses.
type Ledger interface {
	Reserve(ctx context.Context, tx pgx.Tx, userID, taskID uuid.UUID, amount int64) (*models.Reservation, error)
	Balance(ctx context.Context, userID uuid.UUID) (*models.Balance, error)
}

// Runner translates and settles a task that is already processing.
type Runner interface {
	Execute(ctx context.Context, t *models.Task) (*execution.Result, error)
}

type Config struct {
	Price            int64
	MaxTextLength    int
	TranslateTimeout time.Duration
}

type Service struct {
	DB         repository.Beginner
	Tasks      TaskStore
	Ledger     Ledger
	Machine    *tasks.Machine
	Dispatcher queue.Dispatcher
	Runner     Runner
	Guard      idempotency.Guard
	Notifier   notify.Notifier
	Config     Config
	Logger     *slog.Logger
}

func NewService(db repository.Beginner, store TaskStore, l Ledger, machine *tasks.Machine, dispatcher queue.Dispatcher, runner Runner, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Price <= 0 {
		cfg.Price = 1
	}
	return &Service{
		DB:         db,
		Tasks:      store,
		Ledger:     l,
		Machine:    machine,
		Dispatcher: dispatcher,
		Runner:     runner,
		Guard:      idempotency.Nop{},
		Notifier:   notify.Nop{},
		Config:     cfg,
		Logger:     logger,
	}
}

// Submission is an accepted request. Existing is set when an earlier submission
// with the same external_id was returned instead of charging again.
type Submission struct {
	Task     *models.Task
	Existing bool
}

// SubmitAsync reserves funds, records the task and publishes it in one transaction.
// The returned task is queued.
func (s *Service) SubmitAsync(ctx context.Context, userID uuid.UUID, req Request) (*Submission, error) {
	n, err := Normalize(req, s.Config.MaxTextLength)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, userID, n, models.ModeAsync)
}

// SubmitSync reserves funds, translates inline and settles. A failed translation
// is returned as an error alongside the refunded task. A repeated external id
// returns the earlier task, with a *ReplayError unless that task completed.
func (s *Service) SubmitSync(ctx context.Context, userID uuid.UUID, req Request) (*Submission, error) {
	n, err := Normalize(req, s.Config.MaxTextLength)
	if err != nil {
		return nil, err
	}
	sub, err := s.submit(ctx, userID, n, models.ModeSync)
	if err != nil {
		return sub, err
	}
	if sub.Existing {
		return sub, replayError(sub.Task)
	}
	res, err := s.Runner.Execute(ctx, sub.Task)
	if err != nil {
		return nil, err
	}
	sub.Task = res.Task
	if res.Err != nil {
		return sub, s.syncError(sub.Task, res.Err)
	}
	return sub, nil
}

func (s *Service) syncError(t *models.Task, err error) error {
	var capErr *translation.Error
	if errors.As(err, &capErr) && capErr.Timeout() {
		return &tasks.TimeoutError{TaskID: t.ID, State: models.TaskProcessing, Deadline: s.Config.TranslateTimeout}
	}
	return err
}

func (s *Service) submit(ctx context.Context, userID uuid.UUID, n *Normalized, mode string) (*Submission, error) {
	if n.ExternalID != nil {
		prev, err := s.existing(ctx, userID, *n.ExternalID)
		if err != nil {
			return nil, err
		}
		if prev != nil {
			return &Submission{Task: prev, Existing: true}, nil
		}
	}

	task := s.Machine.NewTask(userID, n.Text, n.Direction, s.Config.Price, mode, n.ExternalID)
	claimed := false
	if n.ExternalID != nil {
		owner, ok, err := s.Guard.Claim(ctx, userID, *n.ExternalID, task.ID)
		switch {
		case err != nil:
			s.Logger.Warn("idempotency guard unavailable", "user_id", userID, "error", err)
		case !ok:
			if prev, err := s.Tasks.Get(ctx, owner); err == nil && prev.UserID == userID {
				return &Submission{Task: prev, Existing: true}, nil
			}
			// The owner has not committed yet; the unique index decides.
		default:
			claimed = true
		}
	}

	err := repository.WithTx(ctx, s.DB, func(tx pgx.Tx) error {
		if _, err := s.Ledger.Reserve(ctx, tx, userID, task.ID, task.Price); err != nil {
			return err
		}
		if err := s.Machine.Create(ctx, tx, task); err != nil {
			return err
		}
		if mode == models.ModeSync {
			return s.Machine.Start(ctx, tx, task, true)
		}
		if err := s.Machine.Enqueue(ctx, tx, task); err != nil {
			return err
		}
		if err := s.Dispatcher.Publish(ctx, tx, queue.DescriptorFor(task)); err != nil {
			return fmt.Errorf("publish task: %w", err)
		}
		return nil
	})
	if err != nil {
		if claimed {
			if ferr := s.Guard.Forget(ctx, userID, *n.ExternalID); ferr != nil {
				s.Logger.Warn("release idempotency claim", "user_id", userID, "error", ferr)
			}
		}
		if errors.Is(err, tasks.ErrDuplicateExternalID) {
			prev, ferr := s.existing(ctx, userID, *n.ExternalID)
			if ferr == nil && prev != nil {
				return &Submission{Task: prev, Existing: true}, nil
			}
		}
		return nil, err
	}

	s.Logger.Info("task accepted", "task_id", task.ID, "user_id", userID, "mode", mode, "direction", task.Direction)
	if mode == models.ModeAsync {
		s.Notifier.TaskChanged(ctx, task)
	}
	return &Submission{Task: task}, nil
}

func (s *Service) existing(ctx context.Context, userID uuid.UUID, externalID string) (*models.Task, error) {
	t, err := s.Tasks.FindByExternalID(ctx, nil, userID, externalID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by external id: %w", err)
	}
	return t, nil
}

// BatchItem is the outcome of one batch entry.
type BatchItem struct {
	OK         bool       `json:"ok"`
	TaskID     *uuid.UUID `json:"task_id,omitempty"`
	ResultText *string    `json:"result_text,omitempty"`
	Error      string     `json:"error,omitempty"`
}

type BatchResult struct {
	Items            []BatchItem `json:"items"`
	ChargedCredits   int64       `json:"charged_credits"`
	RemainingBalance int64       `json:"remaining_balance"`
}

// SubmitBatch runs each request through the sync path independently. Only items
// that end with a completed task are OK.
func (s *Service) SubmitBatch(ctx context.Context, userID uuid.UUID, reqs []Request) (*BatchResult, error) {
	if len(reqs) == 0 {
		return nil, invalid("items", "must not be empty")
	}
	if len(reqs) > MaxBatchItems {
		return nil, invalid("items", "at most %d items", MaxBatchItems)
	}

	out := &BatchResult{Items: make([]BatchItem, len(reqs))}
	for i, req := range reqs {
		sub, err := s.SubmitSync(ctx, userID, req)
		item := &out.Items[i]
		if sub != nil {
			id := sub.Task.ID
			item.TaskID = &id
		}
		if err != nil {
			item.Error = err.Error()
			continue
		}
		item.OK = true
		item.ResultText = sub.Task.ResultText
		if !sub.Existing && sub.Task.State == models.TaskCompleted {
			out.ChargedCredits += sub.Task.Price
		}
	}

	bal, err := s.Ledger.Balance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load balance: %w", err)
	}
	out.RemainingBalance = bal.Available
	return out, nil
}

// GetTask returns one of the user's tasks.
func (s *Service) GetTask(ctx context.Context, userID, taskID uuid.UUID) (*models.Task, error) {
	t, err := s.Tasks.Get(ctx, taskID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, ErrNotFound
	}
	return t, nil
}

// TaskHistory returns the state history of one of the user's tasks, oldest first.
func (s *Service) TaskHistory(ctx context.Context, userID, taskID uuid.UUID) ([]*models.TaskTransition, error) {
	if _, err := s.GetTask(ctx, userID, taskID); err != nil {
		return nil, err
	}
	trs, err := s.Tasks.Transitions(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load transitions: %w", err)
	}
	if trs == nil {
		trs = []*models.TaskTransition{}
	}
	return trs, nil
}

// ListTasks returns the user's tasks newest first.
func (s *Service) ListTasks(ctx context.Context, userID uuid.UUID, skip, limit int) ([]*models.Task, error) {
	if skip < 0 {
		return nil, invalid("skip", "must be >= 0")
	}
	if limit < 1 || limit > MaxListLimit {
		return nil, invalid("limit", "must be between 1 and %d", MaxListLimit)
	}
	list, err := s.Tasks.ListByUser(ctx, userID, skip, limit)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*models.Task{}
	}
	return list, nil
}
