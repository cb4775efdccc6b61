package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/parlance/backend/internal/models"
)

// BalanceRepo is the minimal balance store interface for the ledger.
type BalanceRepo interface {
	// Ensure creates a zero balance row for the user if none exists.
	Ensure(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error
	// GetForUpdate locks the user's balance row until tx ends.
	GetForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.Balance, error)
	// Hold moves amount from available to reserved only if available >= amount.
	// It returns pgx.ErrNoRows when the condition does not hold.
	Hold(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (*models.Balance, error)
	// Adjust adds the given deltas to available and reserved.
	Adjust(ctx context.Context, tx pgx.Tx, userID uuid.UUID, available, reserved int64) (*models.Balance, error)
	Get(ctx context.Context, userID uuid.UUID) (*models.Balance, error)
}

// EntryRepo appends immutable ledger entries.
type EntryRepo interface {
	Append(ctx context.Context, tx pgx.Tx, e *models.Transaction) error
}

// ReservationRepo stores one hold per task.
type ReservationRepo interface {
	Create(ctx context.Context, tx pgx.Tx, r *models.Reservation) error
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Reservation, error)
	MarkSettled(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string) error
}

// Ledger is the only writer of balances. Every mutation runs inside the caller's
// transaction and writes its ledger entry in that same transaction.
type Ledger struct {
	Balances     BalanceRepo
	Entries      EntryRepo
	Reservations ReservationRepo
	Logger       *slog.Logger
}

func New(balances BalanceRepo, entries EntryRepo, reservations ReservationRepo, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{Balances: balances, Entries: entries, Reservations: reservations, Logger: logger}
}

// Reserve places a hold of amount on the user's available funds for taskID.
// The returned reservation shares the task's ID.
func (l *Ledger) Reserve(ctx context.Context, tx pgx.Tx, userID, taskID uuid.UUID, amount int64) (*models.Reservation, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: reserve %d", ErrInvalidAmount, amount)
	}
	if err := l.Balances.Ensure(ctx, tx, userID); err != nil {
		return nil, fmt.Errorf("ensure balance: %w", err)
	}
	if _, err := l.Balances.Hold(ctx, tx, userID, amount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &InsufficientFundsError{UserID: userID, Requested: amount}
		}
		return nil, fmt.Errorf("hold funds: %w", err)
	}
	if err := l.append(ctx, tx, userID, models.EntryReserve, amount, &taskID); err != nil {
		return nil, err
	}
	res := &models.Reservation{
		ID:     taskID,
		UserID: userID,
		Amount: amount,
		Status: models.ReservationHeld,
	}
	if err := l.Reservations.Create(ctx, tx, res); err != nil {
		return nil, fmt.Errorf("create reservation: %w", err)
	}
	return res, nil
}

// Capture turns the held amount into spent funds. Capturing a reservation that is
// already settled is a no-op.
func (l *Ledger) Capture(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID) error {
	return l.settle(ctx, tx, reservationID, models.ReservationCaptured)
}

// Release returns the held amount to available. Releasing a reservation that is
// already settled is a no-op.
func (l *Ledger) Release(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID) error {
	return l.settle(ctx, tx, reservationID, models.ReservationReleased)
}

func (l *Ledger) settle(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID, status string) error {
	res, err := l.Reservations.GetForUpdate(ctx, tx, reservationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrReservationNotFound, reservationID)
		}
		return fmt.Errorf("load reservation: %w", err)
	}
	if res.Status != models.ReservationHeld {
		if res.Status != status {
			l.Logger.Warn("reservation already settled the other way",
				"reservation_id", reservationID, "status", res.Status, "requested", status)
		}
		return nil
	}
	if _, err := l.Balances.GetForUpdate(ctx, tx, res.UserID); err != nil {
		return fmt.Errorf("lock balance: %w", err)
	}

	kind := models.EntryCapture
	var available int64
	if status == models.ReservationReleased {
		kind = models.EntryRelease
		available = res.Amount
	}
	if _, err := l.Balances.Adjust(ctx, tx, res.UserID, available, -res.Amount); err != nil {
		return fmt.Errorf("adjust balance: %w", err)
	}
	if err := l.append(ctx, tx, res.UserID, kind, res.Amount, &res.ID); err != nil {
		return err
	}
	if err := l.Reservations.MarkSettled(ctx, tx, res.ID, status); err != nil {
		return fmt.Errorf("mark reservation %s: %w", status, err)
	}
	return nil
}

// TopUp credits purchased funds to the user's available balance.
func (l *Ledger) TopUp(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (*models.Balance, error) {
	return l.credit(ctx, tx, userID, models.EntryTopUp, amount)
}

// Bonus credits granted funds to the user's available balance.
func (l *Ledger) Bonus(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (*models.Balance, error) {
	return l.credit(ctx, tx, userID, models.EntryBonus, amount)
}

// credit accepts zero as a no-op so that callers can pass computed amounts.
func (l *Ledger) credit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, kind string, amount int64) (*models.Balance, error) {
	if amount < 0 {
		return nil, fmt.Errorf("%w: %s %d", ErrInvalidAmount, kind, amount)
	}
	if err := l.Balances.Ensure(ctx, tx, userID); err != nil {
		return nil, fmt.Errorf("ensure balance: %w", err)
	}
	bal, err := l.Balances.GetForUpdate(ctx, tx, userID)
	if err != nil {
		return nil, fmt.Errorf("lock balance: %w", err)
	}
	if amount == 0 {
		return bal, nil
	}
	bal, err = l.Balances.Adjust(ctx, tx, userID, amount, 0)
	if err != nil {
		return nil, fmt.Errorf("adjust balance: %w", err)
	}
	if err := l.append(ctx, tx, userID, kind, amount, nil); err != nil {
		return nil, err
	}
	return bal, nil
}

// Balance returns the user's current split. Users that never held funds have a zero balance.
func (l *Ledger) Balance(ctx context.Context, userID uuid.UUID) (*models.Balance, error) {
	bal, err := l.Balances.Get(ctx, userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return &models.Balance{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

func (l *Ledger) append(ctx context.Context, tx pgx.Tx, userID uuid.UUID, kind string, amount int64, taskID *uuid.UUID) error {
	entry := &models.Transaction{
		ID:     uuid.New(),
		UserID: userID,
		Kind:   kind,
		Amount: amount,
		TaskID: taskID,
	}
	if err := l.Entries.Append(ctx, tx, entry); err != nil {
		return fmt.Errorf("append %s entry: %w", kind, err)
	}
	return nil
}
