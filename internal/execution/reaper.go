package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/parlance/backend/internal/models"
	"github.com/parlance/backend/internal/notify"
	"github.com/parlance/backend/internal/repository"
	"github.com/parlance/backend/internal/tasks"
)

const defaultReapBatch = 100

// StaleLister finds tasks that have sat in one state for too long.
type StaleLister interface {
	ListStale(ctx context.Context, state models.TaskState, before time.Time, limit int) ([]uuid.UUID, error)
}

// Deadlines bounds how long a task may stay in each in-flight state.
type Deadlines struct {
	Reserved   time.Duration
	Queued     time.Duration
	Processing time.Duration
}

// Reaper fails tasks stuck past their deadline and releases their funds. Each task
// is re-checked under its row lock, so a reservation is released at most once even
// with concurrent sweeps or a late worker.
type Reaper struct {
	DB        repository.Beginner
	Tasks     TaskStore
	Stale     StaleLister
	Settler   *tasks.Settler
	Notifier  notify.Notifier
	Deadlines Deadlines
	BatchSize int
	Logger    *slog.Logger
}

func NewReaper(db repository.Beginner, store TaskStore, stale StaleLister, settler *tasks.Settler, deadlines Deadlines, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		DB:        db,
		Tasks:     store,
		Stale:     stale,
		Settler:   settler,
		Notifier:  notify.Nop{},
		Deadlines: deadlines,
		BatchSize: defaultReapBatch,
		Logger:    logger,
	}
}

// Sweep reaps every task whose deadline passed before now. It returns how many
// tasks it failed.
func (r *Reaper) Sweep(ctx context.Context, now time.Time) (int, error) {
	states := []struct {
		state    models.TaskState
		deadline time.Duration
	}{
		{models.TaskReserved, r.Deadlines.Reserved},
		{models.TaskQueued, r.Deadlines.Queued},
		{models.TaskProcessing, r.Deadlines.Processing},
	}
	reaped := 0
	var errs []error
	for _, s := range states {
		if s.deadline <= 0 {
			continue
		}
		cutoff := now.Add(-s.deadline)
		ids, err := r.Stale.ListStale(ctx, s.state, cutoff, r.BatchSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("list stale %s tasks: %w", s.state, err))
			continue
		}
		for _, id := range ids {
			ok, err := r.reap(ctx, id, s.state, s.deadline, cutoff)
			if err != nil {
				r.Logger.Error("reap task", "task_id", id, "error", err)
				errs = append(errs, err)
				continue
			}
			if ok {
				reaped++
			}
		}
	}
	if reaped > 0 {
		r.Logger.Info("reaper sweep", "reaped", reaped)
	}
	return reaped, errors.Join(errs...)
}

func (r *Reaper) reap(ctx context.Context, id uuid.UUID, state models.TaskState, deadline time.Duration, cutoff time.Time) (bool, error) {
	var reaped *models.Task
	err := repository.WithTx(ctx, r.DB, func(tx pgx.Tx) error {
		t, err := r.Tasks.GetForUpdate(ctx, tx, id)
		if err != nil {
			return fmt.Errorf("load task: %w", err)
		}
		if t.State != state || !t.UpdatedAt.Before(cutoff) {
			return nil
		}
		terr := &tasks.TimeoutError{TaskID: id, State: state, Deadline: deadline}
		r.Logger.Warn("task deadline exceeded", "task_id", id, "state", state, "deadline", deadline)
		if err := r.Settler.Fail(ctx, tx, t, tasks.EventTimeout, terr.Error()); err != nil {
			return err
		}
		reaped = t
		return nil
	})
	if err != nil || reaped == nil {
		return false, err
	}
	r.Notifier.TaskChanged(ctx, reaped)
	return true, nil
}

// ReapArgs is the periodic job that runs a sweep.
type ReapArgs struct{}

func (ReapArgs) Kind() string { return "reap_stale_tasks" }

type ReapWorker struct {
	river.WorkerDefaults[ReapArgs]
	reaper *Reaper
	now    func() time.Time
}

func NewReapWorker(r *Reaper) *ReapWorker {
	return &ReapWorker{reaper: r, now: time.Now}
}

func (w *ReapWorker) Work(ctx context.Context, _ *river.Job[ReapArgs]) error {
	_, err := w.reaper.Sweep(ctx, w.now())
	return err
}

// PeriodicReap schedules a sweep every interval on queue.
func PeriodicReap(interval time.Duration, queueName string) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return ReapArgs{}, &river.InsertOpts{Queue: queueName, MaxAttempts: 1}
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}
