package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/parlance/backend/internal/models"
	"github.com/parlance/backend/internal/tasks"
)

type TaskRepo struct{ s *Store }

func taskKey(id uuid.UUID) string { return "task:" + id.String() }

func (r *TaskRepo) Insert(ctx context.Context, tx pgx.Tx, t *models.Task) error {
	if t.ExternalID != nil {
		// Mirrors the unique index on (user_id, external_id): a second writer waits
		// for the first transaction to finish before checking.
		if err := r.s.lock(ctx, tx, "external:"+t.UserID.String()+":"+*t.ExternalID); err != nil {
			return err
		}
	}
	if err := r.s.lock(ctx, tx, taskKey(t.ID)); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if t.ExternalID != nil {
		for _, x := range r.s.tasks {
			if x.UserID == t.UserID && x.ExternalID != nil && *x.ExternalID == *t.ExternalID {
				return tasks.ErrDuplicateExternalID
			}
		}
	}
	cp := *t
	r.s.tasks[t.ID] = &cp
	r.s.taskOrder = append(r.s.taskOrder, t.ID)
	asTx(tx).onRollback(func() {
		delete(r.s.tasks, cp.ID)
		for i, id := range r.s.taskOrder {
			if id == cp.ID {
				r.s.taskOrder = append(r.s.taskOrder[:i], r.s.taskOrder[i+1:]...)
				break
			}
		}
	})
	return nil
}

func (r *TaskRepo) Get(_ context.Context, id uuid.UUID) (*models.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tasks[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *t
	return &cp, nil
}

func (r *TaskRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error) {
	if err := r.s.lock(ctx, tx, taskKey(id)); err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

func (r *TaskRepo) UpdateState(ctx context.Context, tx pgx.Tx, t *models.Task) error {
	if err := r.s.lock(ctx, tx, taskKey(t.ID)); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.tasks[t.ID]
	if !ok {
		return pgx.ErrNoRows
	}
	prev := *stored
	stored.State = t.State
	stored.ResultText = t.ResultText
	stored.ErrorReason = t.ErrorReason
	stored.UpdatedAt = t.UpdatedAt
	asTx(tx).onRollback(func() { *stored = prev })
	return nil
}

func (r *TaskRepo) AppendTransition(_ context.Context, tx pgx.Tx, tr *models.TaskTransition) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *tr
	r.s.transitions = append(r.s.transitions, &cp)
	asTx(tx).onRollback(func() {
		for i, x := range r.s.transitions {
			if x == &cp {
				r.s.transitions = append(r.s.transitions[:i], r.s.transitions[i+1:]...)
				return
			}
		}
	})
	return nil
}

// Transitions returns the task's state history oldest first.
func (r *TaskRepo) Transitions(_ context.Context, id uuid.UUID) ([]*models.TaskTransition, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.TaskTransition
	for _, tr := range r.s.transitions {
		if tr.TaskID == id {
			cp := *tr
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *TaskRepo) FindByExternalID(_ context.Context, _ pgx.Tx, userID uuid.UUID, externalID string) (*models.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, t := range r.s.tasks {
		if t.UserID == userID && t.ExternalID != nil && *t.ExternalID == externalID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

// ListByUser returns the user's tasks newest first.
func (r *TaskRepo) ListByUser(_ context.Context, userID uuid.UUID, skip, limit int) ([]*models.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Task
	for i := len(r.s.taskOrder) - 1; i >= 0; i-- {
		t := r.s.tasks[r.s.taskOrder[i]]
		if t.UserID != userID {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sortTasksNewestFirst(out)
	return page(out, skip, limit), nil
}

// ListStale returns ids of tasks in state whose last transition happened before `before`,
// oldest first.
func (r *TaskRepo) ListStale(_ context.Context, state models.TaskState, before time.Time, limit int) ([]uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var stale []*models.Task
	for _, t := range r.s.tasks {
		if t.State == state && t.UpdatedAt.Before(before) {
			stale = append(stale, t)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })
	ids := make([]uuid.UUID, 0, len(stale))
	for _, t := range stale {
		ids = append(ids, t.ID)
	}
	return page(ids, 0, limit), nil
}
