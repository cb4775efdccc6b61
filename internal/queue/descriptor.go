// Package queue publishes translation work to the broker.
//
// Delivery is at least once and unordered across tasks. Consumers must treat a
// descriptor as a hint: the task row is the source of truth.
package queue

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/parlance/backend/internal/models"
)

// Descriptor is the broker payload for one task. It carries no billing state.
type Descriptor struct {
	TaskID     uuid.UUID        `json:"task_id"`
	UserID     uuid.UUID        `json:"user_id"`
	SourceText string           `json:"source_text"`
	Direction  models.Direction `json:"direction"`
}

func (Descriptor) Kind() string { return "translate_task" }

// DescriptorFor builds the descriptor for a stored task.
func DescriptorFor(t *models.Task) Descriptor {
	return Descriptor{
		TaskID:     t.ID,
		UserID:     t.UserID,
		SourceText: t.SourceText,
		Direction:  t.Direction,
	}
}

// Dispatcher publishes descriptors. The publish becomes visible only when tx commits.
type Dispatcher interface {
	Publish(ctx context.Context, tx pgx.Tx, d Descriptor) error
}

// Handler processes one delivery. A non-nil error asks the broker to redeliver.
type Handler func(ctx context.Context, d Descriptor) error
