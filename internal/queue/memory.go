package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"
)

// afterCommitter is implemented by transactions that can defer work until commit.
type afterCommitter interface {
	AfterCommit(fn func())
}

type delivery struct {
	desc    Descriptor
	attempt int
}

// MemoryBroker is an in-process broker with river's delivery contract: at least once,
// redelivery on handler error up to maxAttempts, then the delivery is dropped to the
// dead list. Tests use it in place of river.
type MemoryBroker struct {
	maxAttempts int
	logger      *slog.Logger

	mu      sync.Mutex
	ready   []delivery
	pending int
	dead    []Descriptor
	wake    chan struct{}
}

func NewMemoryBroker(maxAttempts int, logger *slog.Logger) *MemoryBroker {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBroker{maxAttempts: maxAttempts, logger: logger, wake: make(chan struct{}, 1)}
}

// Publish enqueues d after tx commits. Transactions without commit hooks publish at once.
func (b *MemoryBroker) Publish(_ context.Context, tx pgx.Tx, d Descriptor) error {
	if ac, ok := tx.(afterCommitter); ok {
		ac.AfterCommit(func() { b.push(delivery{desc: d}) })
		return nil
	}
	b.push(delivery{desc: d})
	return nil
}

// Redeliver pushes d again as a fresh delivery, as a broker does after a lost ack.
func (b *MemoryBroker) Redeliver(d Descriptor) {
	b.push(delivery{desc: d})
}

func (b *MemoryBroker) push(dl delivery) {
	b.mu.Lock()
	b.ready = append(b.ready, dl)
	b.pending++
	b.mu.Unlock()
	b.signal()
}

func (b *MemoryBroker) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *MemoryBroker) pop() (delivery, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ready) == 0 {
		return delivery{}, false
	}
	dl := b.ready[0]
	b.ready = b.ready[1:]
	if len(b.ready) > 0 {
		b.signal()
	}
	return dl, true
}

// Run starts `workers` consumers and blocks until ctx is cancelled.
func (b *MemoryBroker) Run(ctx context.Context, workers int, h Handler) error {
	if workers <= 0 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				dl, ok := b.pop()
				if !ok {
					select {
					case <-ctx.Done():
						return nil
					case <-b.wake:
						continue
					}
				}
				b.deliver(ctx, dl, h)
			}
		})
	}
	return g.Wait()
}

func (b *MemoryBroker) deliver(ctx context.Context, dl delivery, h Handler) {
	dl.attempt++
	err := h(ctx, dl.desc)
	if err == nil {
		b.done()
		return
	}
	if dl.attempt >= b.maxAttempts || ctx.Err() != nil {
		b.logger.Error("delivery discarded", "task_id", dl.desc.TaskID, "attempt", dl.attempt, "error", err)
		b.mu.Lock()
		b.dead = append(b.dead, dl.desc)
		b.mu.Unlock()
		b.done()
		return
	}
	b.logger.Warn("delivery failed, redelivering", "task_id", dl.desc.TaskID, "attempt", dl.attempt, "error", err)
	b.mu.Lock()
	b.ready = append(b.ready, dl)
	b.mu.Unlock()
	b.signal()
}

func (b *MemoryBroker) done() {
	b.mu.Lock()
	b.pending--
	b.mu.Unlock()
}

// Pending is the number of deliveries not yet acked or discarded.
func (b *MemoryBroker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// Dead returns descriptors that exhausted their attempts.
func (b *MemoryBroker) Dead() []Descriptor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Descriptor(nil), b.dead...)
}

// WaitIdle blocks until every published delivery has been acked or discarded.
func (b *MemoryBroker) WaitIdle(ctx context.Context) error {
	t := time.NewTicker(2 * time.Millisecond)
	defer t.Stop()
	for {
		if b.Pending() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
