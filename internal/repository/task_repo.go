package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parlance/backend/internal/models"
	"github.com/parlance/backend/internal/tasks"
)

const taskColumns = `id, user_id, source_text, direction, state, result_text, error_reason, price, external_id, mode, created_at, updated_at`

type TaskRepo struct {
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	err := row.Scan(&t.ID, &t.UserID, &t.SourceText, &t.Direction, &t.State, &t.ResultText, &t.ErrorReason, &t.Price, &t.ExternalID, &t.Mode, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Insert stores a new task. A second task with the same (user_id, external_id)
// returns tasks.ErrDuplicateExternalID.
func (r *TaskRepo) Insert(ctx context.Context, tx pgx.Tx, t *models.Task) error {
	err := on(r.pool, tx).QueryRow(ctx, `
		INSERT INTO tasks (id, user_id, source_text, direction, state, result_text, error_reason, price, external_id, mode, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		RETURNING created_at, updated_at
	`, t.ID, t.UserID, t.SourceText, t.Direction, t.State, t.ResultText, t.ErrorReason, t.Price, t.ExternalID, t.Mode, t.CreatedAt).Scan(&t.CreatedAt, &t.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "tasks_user_external_idx" {
		return tasks.ErrDuplicateExternalID
	}
	return err
}

func (r *TaskRepo) Get(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	return scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
}

// GetForUpdate locks the task row. Call within a transaction.
func (r *TaskRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error) {
	return scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
}

func (r *TaskRepo) UpdateState(ctx context.Context, tx pgx.Tx, t *models.Task) error {
	tag, err := on(r.pool, tx).Exec(ctx, `
		UPDATE tasks SET state = $2, result_text = $3, error_reason = $4, updated_at = $5
		WHERE id = $1
	`, t.ID, t.State, t.ResultText, t.ErrorReason, t.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *TaskRepo) AppendTransition(ctx context.Context, tx pgx.Tx, tr *models.TaskTransition) error {
	_, err := on(r.pool, tx).Exec(ctx, `
		INSERT INTO task_transitions (task_id, from_state, to_state, event, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, tr.TaskID, tr.From, tr.To, tr.Event, tr.Reason, tr.CreatedAt)
	return err
}

// Transitions returns the task's state history oldest first.
func (r *TaskRepo) Transitions(ctx context.Context, id uuid.UUID) ([]*models.TaskTransition, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT task_id, from_state, to_state, event, reason, created_at
		FROM task_transitions WHERE task_id = $1 ORDER BY id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.TaskTransition
	for rows.Next() {
		var tr models.TaskTransition
		if err := rows.Scan(&tr.TaskID, &tr.From, &tr.To, &tr.Event, &tr.Reason, &tr.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &tr)
	}
	return list, rows.Err()
}

func (r *TaskRepo) FindByExternalID(ctx context.Context, tx pgx.Tx, userID uuid.UUID, externalID string) (*models.Task, error) {
	return scanTask(on(r.pool, tx).QueryRow(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE user_id = $1 AND external_id = $2
	`, userID, externalID))
}

// ListByUser returns the user's tasks newest first.
func (r *TaskRepo) ListByUser(ctx context.Context, userID uuid.UUID, skip, limit int) ([]*models.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`, userID, limit, skip)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

// ListStale returns ids of tasks in state whose last transition happened before `before`,
// oldest first.
func (r *TaskRepo) ListStale(ctx context.Context, state models.TaskState, before time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM tasks WHERE state = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`, state, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
