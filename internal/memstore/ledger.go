package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/parlance/backend/internal/models"
)

// ---------------------------------------------------------------------------
// Balances
// ---------------------------------------------------------------------------

type BalanceRepo struct{ s *Store }

func balanceKey(id uuid.UUID) string { return "balance:" + id.String() }

func (r *BalanceRepo) Ensure(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
	if err := r.s.lock(ctx, tx, balanceKey(userID)); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.balances[userID]; ok {
		return nil
	}
	r.s.balances[userID] = &models.Balance{UserID: userID, UpdatedAt: r.s.Now().UTC()}
	asTx(tx).onRollback(func() { delete(r.s.balances, userID) })
	return nil
}

func (r *BalanceRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.Balance, error) {
	if err := r.s.lock(ctx, tx, balanceKey(userID)); err != nil {
		return nil, err
	}
	return r.Get(ctx, userID)
}

func (r *BalanceRepo) Get(_ context.Context, userID uuid.UUID) (*models.Balance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.balances[userID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *b
	return &cp, nil
}

func (r *BalanceRepo) Hold(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (*models.Balance, error) {
	if err := r.s.lock(ctx, tx, balanceKey(userID)); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.balances[userID]
	if !ok || b.Available < amount {
		return nil, pgx.ErrNoRows
	}
	return r.adjustLocked(tx, b, -amount, amount)
}

func (r *BalanceRepo) Adjust(ctx context.Context, tx pgx.Tx, userID uuid.UUID, available, reserved int64) (*models.Balance, error) {
	if err := r.s.lock(ctx, tx, balanceKey(userID)); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.balances[userID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return r.adjustLocked(tx, b, available, reserved)
}

func (r *BalanceRepo) adjustLocked(tx pgx.Tx, b *models.Balance, available, reserved int64) (*models.Balance, error) {
	if b.Available+available < 0 || b.Reserved+reserved < 0 {
		return nil, errCheckViolation
	}
	prev := *b
	b.Available += available
	b.Reserved += reserved
	b.UpdatedAt = r.s.Now().UTC()
	asTx(tx).onRollback(func() { *b = prev })
	cp := *b
	return &cp, nil
}

// ---------------------------------------------------------------------------
// Ledger entries
// ---------------------------------------------------------------------------

type EntryRepo struct{ s *Store }

func (r *EntryRepo) Append(_ context.Context, tx pgx.Tx, e *models.Transaction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.s.Now().UTC()
	}
	cp := *e
	r.s.entries = append(r.s.entries, &cp)
	asTx(tx).onRollback(func() {
		for i, x := range r.s.entries {
			if x.ID == cp.ID {
				r.s.entries = append(r.s.entries[:i], r.s.entries[i+1:]...)
				return
			}
		}
	})
	return nil
}

// List returns matching entries newest first.
func (r *EntryRepo) List(_ context.Context, f models.EntryFilter) ([]*models.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Transaction
	for i := len(r.s.entries) - 1; i >= 0; i-- {
		e := r.s.entries[i]
		if f.UserID != nil && e.UserID != *f.UserID {
			continue
		}
		if f.From != nil && e.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && !e.CreatedAt.Before(*f.To) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return page(out, f.Skip, f.Limit), nil
}

// SumSince totals the amounts of one entry kind for a user since the given instant.
func (r *EntryRepo) SumSince(_ context.Context, userID uuid.UUID, kind string, since time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var total int64
	for _, e := range r.s.entries {
		if e.UserID == userID && e.Kind == kind && !e.CreatedAt.Before(since) {
			total += e.Amount
		}
	}
	return total, nil
}

// All returns every entry in append order.
func (r *EntryRepo) All() []*models.Transaction {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]*models.Transaction, len(r.s.entries))
	for i, e := range r.s.entries {
		cp := *e
		out[i] = &cp
	}
	return out
}

// ---------------------------------------------------------------------------
// Reservations
// ---------------------------------------------------------------------------

type ReservationRepo struct{ s *Store }

func reservationKey(id uuid.UUID) string { return "reservation:" + id.String() }

func (r *ReservationRepo) Create(ctx context.Context, tx pgx.Tx, res *models.Reservation) error {
	if err := r.s.lock(ctx, tx, reservationKey(res.ID)); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.reservations[res.ID]; ok {
		return fmt.Errorf("memstore: reservation %s already exists", res.ID)
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = r.s.Now().UTC()
	}
	cp := *res
	r.s.reservations[res.ID] = &cp
	asTx(tx).onRollback(func() { delete(r.s.reservations, cp.ID) })
	return nil
}

func (r *ReservationRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Reservation, error) {
	if err := r.s.lock(ctx, tx, reservationKey(id)); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	res, ok := r.s.reservations[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *res
	return &cp, nil
}

func (r *ReservationRepo) MarkSettled(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string) error {
	if err := r.s.lock(ctx, tx, reservationKey(id)); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	res, ok := r.s.reservations[id]
	if !ok {
		return pgx.ErrNoRows
	}
	prev := *res
	now := r.s.Now().UTC()
	res.Status = status
	res.SettledAt = &now
	asTx(tx).onRollback(func() { *res = prev })
	return nil
}

func page[T any](items []T, skip, limit int) []T {
	if skip >= len(items) {
		return nil
	}
	items = items[skip:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func sortTasksNewestFirst(list []*models.Task) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
}
