package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

// Inserter is the part of *river.Client[pgx.Tx] the dispatcher needs.
type Inserter interface {
	InsertTx(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

var errNotBound = errors.New("queue: river client not bound")

// RiverDispatcher inserts descriptors as river jobs in the caller's transaction, so
// the job exists if and only if the task row and reservation commit.
type RiverDispatcher struct {
	queue       string
	maxAttempts int

	mu       sync.Mutex
	inserter Inserter
}

func NewRiverDispatcher(queue string, maxAttempts int) *RiverDispatcher {
	if queue == "" {
		queue = river.QueueDefault
	}
	return &RiverDispatcher{queue: queue, maxAttempts: maxAttempts}
}

// Bind sets the river client once it exists. Workers depend on services that depend
// on the dispatcher, so the client is created after the dispatcher.
func (d *RiverDispatcher) Bind(in Inserter) {
	d.mu.Lock()
	d.inserter = in
	d.mu.Unlock()
}

// Queue is the river queue descriptors are inserted into.
func (d *RiverDispatcher) Queue() string { return d.queue }

func (d *RiverDispatcher) Publish(ctx context.Context, tx pgx.Tx, desc Descriptor) error {
	d.mu.Lock()
	in := d.inserter
	d.mu.Unlock()
	if in == nil {
		return errNotBound
	}
	opts := &river.InsertOpts{Queue: d.queue}
	if d.maxAttempts > 0 {
		opts.MaxAttempts = d.maxAttempts
	}
	if _, err := in.InsertTx(ctx, tx, desc, opts); err != nil {
		return fmt.Errorf("insert translate job: %w", err)
	}
	return nil
}
