// Package memstore is a transactional in-memory implementation of the balance, ledger
// entry, reservation and task repositories.
//
// Row locks taken through a Tx are held until Commit or Rollback, which gives the same
// per-row serialization as SELECT ... FOR UPDATE. Writes made through a Tx are undone on
// Rollback. Passing a nil tx applies writes immediately without locking.
package memstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/parlance/backend/internal/models"
)

var errCheckViolation = errors.New("memstore: balance check constraint violated")

type Store struct {
	mu           sync.Mutex
	balances     map[uuid.UUID]*models.Balance
	entries      []*models.Transaction
	reservations map[uuid.UUID]*models.Reservation
	tasks        map[uuid.UUID]*models.Task
	taskOrder    []uuid.UUID
	transitions  []*models.TaskTransition
	locks        map[string]chan struct{}

	// Now stamps ledger entries and balance updates.
	Now func() time.Time
}

func New() *Store {
	return &Store{
		balances:     make(map[uuid.UUID]*models.Balance),
		reservations: make(map[uuid.UUID]*models.Reservation),
		tasks:        make(map[uuid.UUID]*models.Task),
		locks:        make(map[string]chan struct{}),
		Now:          time.Now,
	}
}

// Begin starts a transaction.
func (s *Store) Begin(context.Context) (pgx.Tx, error) {
	return &Tx{s: s, held: make(map[string]bool)}, nil
}

func (s *Store) Balances() *BalanceRepo         { return &BalanceRepo{s: s} }
func (s *Store) Entries() *EntryRepo            { return &EntryRepo{s: s} }
func (s *Store) Reservations() *ReservationRepo { return &ReservationRepo{s: s} }
func (s *Store) Tasks() *TaskRepo               { return &TaskRepo{s: s} }

// lock acquires the row lock `key` for tx, blocking until the holder ends its transaction.
func (s *Store) lock(ctx context.Context, tx pgx.Tx, key string) error {
	t := asTx(tx)
	if t == nil || t.held[key] {
		return nil
	}
	s.mu.Lock()
	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	s.mu.Unlock()

	select {
	case ch <- struct{}{}:
		t.held[key] = true
		t.order = append(t.order, ch)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func asTx(tx pgx.Tx) *Tx {
	t, _ := tx.(*Tx)
	return t
}

// Tx satisfies pgx.Tx. Only Commit, Rollback and Begin are meaningful.
type Tx struct {
	s           *Store
	held        map[string]bool
	order       []chan struct{}
	undo        []func()
	afterCommit []func()
	done        bool
}

// AfterCommit registers fn to run once the transaction commits successfully.
func (t *Tx) AfterCommit(fn func()) {
	t.afterCommit = append(t.afterCommit, fn)
}

func (t *Tx) onRollback(fn func()) {
	if t != nil {
		t.undo = append(t.undo, fn)
	}
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) { return t, nil }

func (t *Tx) Commit(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.release()
	for _, fn := range t.afterCommit {
		fn()
	}
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.s.mu.Lock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.s.mu.Unlock()
	t.release()
	return nil
}

func (t *Tx) release() {
	for _, ch := range t.order {
		<-ch
	}
	t.order = nil
	t.held = map[string]bool{}
}

func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *Tx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *Tx) Conn() *pgx.Conn { return nil }
