// Package notify announces task state changes to subscribers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/parlance/backend/internal/models"
)

// Notifier is told about a task after the transaction that changed it commits.
// Delivery is best effort.
type Notifier interface {
	TaskChanged(ctx context.Context, t *models.Task)
}

// Event is the published payload.
type Event struct {
	TaskID      uuid.UUID        `json:"task_id"`
	UserID      uuid.UUID        `json:"user_id"`
	State       models.TaskState `json:"state"`
	ResultText  *string          `json:"result_text,omitempty"`
	ErrorReason *string          `json:"error_reason,omitempty"`
	At          time.Time        `json:"at"`
}

// Subject is <prefix>.<user_id>.<state>, so a client can subscribe to <prefix>.<user_id>.>.
func Subject(prefix string, userID uuid.UUID, state models.TaskState) string {
	return fmt.Sprintf("%s.%s.%s", prefix, userID, state)
}

type NATSNotifier struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

func NewNATSNotifier(nc *nats.Conn, prefix string, logger *slog.Logger) *NATSNotifier {
	if prefix == "" {
		prefix = "tasks"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSNotifier{nc: nc, prefix: prefix, logger: logger}
}

func (n *NATSNotifier) TaskChanged(_ context.Context, t *models.Task) {
	data, err := json.Marshal(Event{
		TaskID:      t.ID,
		UserID:      t.UserID,
		State:       t.State,
		ResultText:  t.ResultText,
		ErrorReason: t.ErrorReason,
		At:          t.UpdatedAt,
	})
	if err != nil {
		n.logger.Error("marshal task event", "task_id", t.ID, "error", err)
		return
	}
	if err := n.nc.Publish(Subject(n.prefix, t.UserID, t.State), data); err != nil {
		n.logger.Warn("publish task event", "task_id", t.ID, "error", err)
	}
}

// Nop drops every notification.
type Nop struct{}

func (Nop) TaskChanged(context.Context, *models.Task) {}

// Connect dials NATS. An empty url means notifications are disabled and returns nil.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	if url == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("parlance"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(3*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}
