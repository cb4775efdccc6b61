package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parlance/backend/internal/models"
)

// ReservationRepo tracks held funds per task. A reservation shares its task's id.
type ReservationRepo struct {
	pool *pgxpool.Pool
}

func NewReservationRepo(pool *pgxpool.Pool) *ReservationRepo {
	return &ReservationRepo{pool: pool}
}

func (r *ReservationRepo) Create(ctx context.Context, tx pgx.Tx, res *models.Reservation) error {
	return on(r.pool, tx).QueryRow(ctx, `
		INSERT INTO reservations (id, user_id, amount, status)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, res.ID, res.UserID, res.Amount, res.Status).Scan(&res.CreatedAt)
}

// GetForUpdate locks the reservation row. Call within a transaction.
func (r *ReservationRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Reservation, error) {
	var res models.Reservation
	err := tx.QueryRow(ctx, `
		SELECT id, user_id, amount, status, created_at, settled_at
		FROM reservations WHERE id = $1 FOR UPDATE
	`, id).Scan(&res.ID, &res.UserID, &res.Amount, &res.Status, &res.CreatedAt, &res.SettledAt)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *ReservationRepo) MarkSettled(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string) error {
	tag, err := on(r.pool, tx).Exec(ctx, `
		UPDATE reservations SET status = $2, settled_at = now() WHERE id = $1
	`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
