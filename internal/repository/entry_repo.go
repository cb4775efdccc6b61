package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parlance/backend/internal/models"
)

// EntryRepo stores the append-only ledger journal.
type EntryRepo struct {
	pool *pgxpool.Pool
}

func NewEntryRepo(pool *pgxpool.Pool) *EntryRepo {
	return &EntryRepo{pool: pool}
}

func (r *EntryRepo) Append(ctx context.Context, tx pgx.Tx, e *models.Transaction) error {
	return on(r.pool, tx).QueryRow(ctx, `
		INSERT INTO ledger_entries (id, user_id, kind, amount, task_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, e.ID, e.UserID, e.Kind, e.Amount, e.TaskID).Scan(&e.CreatedAt)
}

// List returns matching entries newest first. From is inclusive, To exclusive.
func (r *EntryRepo) List(ctx context.Context, f models.EntryFilter) ([]*models.Transaction, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != nil {
		args = append(args, *f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.From != nil {
		args = append(args, *f.From)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if f.To != nil {
		args = append(args, *f.To)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	q := `SELECT id, user_id, kind, amount, task_id, created_at FROM ledger_entries`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Skip > 0 {
		args = append(args, f.Skip)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Transaction
	for rows.Next() {
		var e models.Transaction
		if err := rows.Scan(&e.ID, &e.UserID, &e.Kind, &e.Amount, &e.TaskID, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}

// SumSince totals the amounts of one entry kind for a user since the given instant.
func (r *EntryRepo) SumSince(ctx context.Context, userID uuid.UUID, kind string, since time.Time) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::bigint
		FROM ledger_entries
		WHERE user_id = $1 AND kind = $2 AND created_at >= $3
	`, userID, kind, since).Scan(&total)
	return total, err
}
