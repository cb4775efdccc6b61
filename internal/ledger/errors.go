package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrInsufficientFunds matches every *InsufficientFundsError via errors.Is.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidAmount is returned for amounts the operation does not accept.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrReservationNotFound is returned when settling a reservation that was never placed.
	ErrReservationNotFound = errors.New("reservation not found")
)

// InsufficientFundsError is returned by Reserve when available < requested.
// Nothing has been written when it is returned.
type InsufficientFundsError struct {
	UserID    uuid.UUID
	Requested int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: user %s cannot reserve %d", e.UserID, e.Requested)
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}
