package models

import (
	"time"

	"github.com/google/uuid"
)

// Ledger entry kinds. Amounts are always stored as positive magnitudes;
// the kind decides how an entry moves available and reserved funds.
const (
	EntryReserve = "reserve"
	EntryCapture = "capture"
	EntryRelease = "release"
	EntryTopUp   = "topup"
	EntryBonus   = "bonus"
)

// Reservation statuses.
const (
	ReservationHeld     = "held"
	ReservationCaptured = "captured"
	ReservationReleased = "released"
)

// Balance is the per-user money split. Available never drops below zero.
type Balance struct {
	UserID    uuid.UUID `json:"user_id"`
	Available int64     `json:"available"`
	Reserved  int64     `json:"reserved"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transaction is an immutable ledger entry.
type Transaction struct {
	ID        uuid.UUID  `json:"id"`
	UserID    uuid.UUID  `json:"user_id"`
	Kind      string     `json:"kind"`
	Amount    int64      `json:"amount"`
	TaskID    *uuid.UUID `json:"task_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Reservation is the hold placed for exactly one task. Its ID equals the task ID.
type Reservation struct {
	ID        uuid.UUID  `json:"id"`
	UserID    uuid.UUID  `json:"user_id"`
	Amount    int64      `json:"amount"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	SettledAt *time.Time `json:"settled_at,omitempty"`
}

// Delta returns how the entry changes (available, reserved) for its owner.
func (t *Transaction) Delta() (available, reserved int64) {
	switch t.Kind {
	case EntryReserve:
		return -t.Amount, t.Amount
	case EntryCapture:
		return 0, -t.Amount
	case EntryRelease:
		return t.Amount, -t.Amount
	case EntryTopUp, EntryBonus:
		return t.Amount, 0
	}
	return 0, 0
}

// EntryFilter selects ledger entries for history views. Zero values mean "no filter".
type EntryFilter struct {
	UserID *uuid.UUID
	From   *time.Time
	To     *time.Time
	Skip   int
	Limit  int
}
