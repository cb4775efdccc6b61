package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parlance/backend/internal/models"
)

type BalanceRepo struct {
	pool *pgxpool.Pool
}

func NewBalanceRepo(pool *pgxpool.Pool) *BalanceRepo {
	return &BalanceRepo{pool: pool}
}

// Ensure creates the zero balance row for a user that has never held funds.
func (r *BalanceRepo) Ensure(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
	_, err := on(r.pool, tx).Exec(ctx, `
		INSERT INTO balances (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	return err
}

func (r *BalanceRepo) Get(ctx context.Context, userID uuid.UUID) (*models.Balance, error) {
	var b models.Balance
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, available, reserved, updated_at FROM balances WHERE user_id = $1
	`, userID).Scan(&b.UserID, &b.Available, &b.Reserved, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetForUpdate locks the balance row. Call within a transaction.
func (r *BalanceRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.Balance, error) {
	var b models.Balance
	err := tx.QueryRow(ctx, `
		SELECT user_id, available, reserved, updated_at FROM balances WHERE user_id = $1 FOR UPDATE
	`, userID).Scan(&b.UserID, &b.Available, &b.Reserved, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Hold moves amount from available to reserved if available >= amount.
// Returns pgx.ErrNoRows when funds are insufficient.
func (r *BalanceRepo) Hold(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (*models.Balance, error) {
	var b models.Balance
	err := tx.QueryRow(ctx, `
		UPDATE balances
		SET available = available - $1, reserved = reserved + $1, updated_at = now()
		WHERE user_id = $2 AND available >= $1
		RETURNING user_id, available, reserved, updated_at
	`, amount, userID).Scan(&b.UserID, &b.Available, &b.Reserved, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Adjust adds deltas to both columns. The table's CHECK constraints reject negative results.
func (r *BalanceRepo) Adjust(ctx context.Context, tx pgx.Tx, userID uuid.UUID, available, reserved int64) (*models.Balance, error) {
	var b models.Balance
	err := tx.QueryRow(ctx, `
		UPDATE balances
		SET available = available + $1, reserved = reserved + $2, updated_at = now()
		WHERE user_id = $3
		RETURNING user_id, available, reserved, updated_at
	`, available, reserved, userID).Scan(&b.UserID, &b.Available, &b.Reserved, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}
