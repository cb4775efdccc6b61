package execution

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"go.uber.org/goleak"

	"github.com/parlance/backend/internal/ledger"
	"github.com/parlance/backend/internal/memstore"
	"github.com/parlance/backend/internal/models"
	"github.com/parlance/backend/internal/queue"
	"github.com/parlance/backend/internal/repository"
	"github.com/parlance/backend/internal/tasks"
	"github.com/parlance/backend/internal/translation"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type fakeTranslator struct {
	calls atomic.Int32
	fn    func(ctx context.Context, text string, dir models.Direction) (string, error)
}

func (f *fakeTranslator) Translate(ctx context.Context, text string, dir models.Direction) (string, error) {
	f.calls.Add(1)
	if f.fn == nil {
		return "[" + dir.Target() + "] " + text, nil
	}
	return f.fn(ctx, text, dir)
}

type recordingNotifier struct {
	mu     sync.Mutex
	states []models.TaskState
}

func (n *recordingNotifier) TaskChanged(_ context.Context, t *models.Task) {
	n.mu.Lock()
	n.states = append(n.states, t.State)
	n.mu.Unlock()
}

type harness struct {
	t          *testing.T
	store      *memstore.Store
	ledger     *ledger.Ledger
	settler    *tasks.Settler
	broker     *queue.MemoryBroker
	proc       *Processor
	translator *fakeTranslator
	notifier   *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memstore.New()
	l := ledger.New(store.Balances(), store.Entries(), store.Reservations(), nil)
	settler := tasks.NewSettler(tasks.NewMachine(store.Tasks()), l, nil)
	tr := &fakeTranslator{}
	proc := NewProcessor(store, store.Tasks(), settler, tr, time.Second, nil)
	n := &recordingNotifier{}
	proc.Notifier = n
	return &harness{
		t:          t,
		store:      store,
		ledger:     l,
		settler:    settler,
		broker:     queue.NewMemoryBroker(3, nil),
		proc:       proc,
		translator: tr,
		notifier:   n,
	}
}

func (h *harness) topUp(user uuid.UUID, amount int64) {
	h.t.Helper()
	err := repository.WithTx(context.Background(), h.store, func(tx pgx.Tx) error {
		_, err := h.ledger.TopUp(context.Background(), tx, user, amount)
		return err
	})
	if err != nil {
		h.t.Fatalf("top up: %v", err)
	}
}

// submit does what async intake does: reserve, create, enqueue, publish in one tx.
func (h *harness) submit(user uuid.UUID, text string, price int64) *models.Task {
	h.t.Helper()
	ctx := context.Background()
	task := h.settler.Machine.NewTask(user, text, models.EnToFr, price, models.ModeAsync, nil)
	err := repository.WithTx(ctx, h.store, func(tx pgx.Tx) error {
		if _, err := h.ledger.Reserve(ctx, tx, user, task.ID, price); err != nil {
			return err
		}
		if err := h.settler.Machine.Create(ctx, tx, task); err != nil {
			return err
		}
		if err := h.settler.Machine.Enqueue(ctx, tx, task); err != nil {
			return err
		}
		return h.broker.Publish(ctx, tx, queue.DescriptorFor(task))
	})
	if err != nil {
		h.t.Fatalf("submit: %v", err)
	}
	return task
}

func (h *harness) run(workers int) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.broker.Run(ctx, workers, h.proc.Handle)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func (h *harness) waitIdle() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.broker.WaitIdle(ctx); err != nil {
		h.t.Fatalf("broker did not drain: %v", err)
	}
}

func (h *harness) task(id uuid.UUID) *models.Task {
	h.t.Helper()
	t, err := h.store.Tasks().Get(context.Background(), id)
	if err != nil {
		h.t.Fatalf("get task: %v", err)
	}
	return t
}

func (h *harness) expectBalance(user uuid.UUID, available, reserved int64) {
	h.t.Helper()
	b, err := h.ledger.Balance(context.Background(), user)
	if err != nil {
		h.t.Fatal(err)
	}
	if b.Available != available || b.Reserved != reserved {
		h.t.Errorf("balance = %d/%d, want %d/%d", b.Available, b.Reserved, available, reserved)
	}
}

func (h *harness) countEntries(kind string) int {
	n := 0
	for _, e := range h.store.Entries().All() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// End to end
// ---------------------------------------------------------------------------

func TestAsync_Success(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.topUp(user, 100)

	task := h.submit(user, "hello", 20)
	if got := h.task(task.ID).State; got != models.TaskQueued {
		t.Fatalf("state after submit = %s, want queued", got)
	}
	h.expectBalance(user, 80, 20)

	stop := h.run(2)
	h.waitIdle()
	stop()

	got := h.task(task.ID)
	if got.State != models.TaskCompleted {
		t.Fatalf("state = %s, want completed", got.State)
	}
	if got.ResultText == nil || *got.ResultText != "[fr] hello" {
		t.Errorf("result = %v", got.ResultText)
	}
	if got.ErrorReason != nil {
		t.Errorf("error_reason = %q, want nil", *got.ErrorReason)
	}
	h.expectBalance(user, 80, 0)
	if n := h.countEntries(models.EntryCapture); n != 1 {
		t.Errorf("capture entries = %d, want 1", n)
	}
}

func TestAsync_CapabilityFailureRefunds(t *testing.T) {
	h := newHarness(t)
	h.translator.fn = func(context.Context, string, models.Direction) (string, error) {
		return "", &translation.Error{Reason: "model unavailable"}
	}
	user := uuid.New()
	h.topUp(user, 100)

	task := h.submit(user, "hello", 20)
	stop := h.run(1)
	h.waitIdle()
	stop()

	got := h.task(task.ID)
	if got.State != models.TaskRefunded {
		t.Fatalf("state = %s, want refunded", got.State)
	}
	if got.ErrorReason == nil || *got.ErrorReason != "model unavailable" {
		t.Errorf("error_reason = %v", got.ErrorReason)
	}
	h.expectBalance(user, 100, 0)
	if calls := h.translator.calls.Load(); calls != 1 {
		t.Errorf("translate calls = %d, want 1 (no retry for capability failures)", calls)
	}

	trs, _ := h.store.Tasks().Transitions(context.Background(), task.ID)
	var states []models.TaskState
	for _, tr := range trs {
		states = append(states, tr.To)
	}
	want := []models.TaskState{models.TaskReserved, models.TaskQueued, models.TaskProcessing, models.TaskFailed, models.TaskRefunded}
	if len(states) != len(want) {
		t.Fatalf("transitions = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, states[i], want[i])
		}
	}
}

func TestAsync_PlainErrorIsCapabilityFailure(t *testing.T) {
	h := newHarness(t)
	h.translator.fn = func(context.Context, string, models.Direction) (string, error) {
		return "", errors.New("socket closed")
	}
	user := uuid.New()
	h.topUp(user, 10)
	task := h.submit(user, "hello", 10)

	stop := h.run(1)
	h.waitIdle()
	stop()

	if got := h.task(task.ID).State; got != models.TaskRefunded {
		t.Fatalf("state = %s, want refunded", got)
	}
	h.expectBalance(user, 10, 0)
}

func TestAsync_TimeoutFailsTask(t *testing.T) {
	h := newHarness(t)
	h.proc.Timeout = 20 * time.Millisecond
	h.translator.fn = func(ctx context.Context, _ string, _ models.Direction) (string, error) {
		<-ctx.Done()
		return "", &translation.Error{Reason: ctx.Err().Error(), Err: ctx.Err()}
	}
	user := uuid.New()
	h.topUp(user, 5)
	task := h.submit(user, "hello", 5)

	stop := h.run(1)
	h.waitIdle()
	stop()

	got := h.task(task.ID)
	if got.State != models.TaskRefunded {
		t.Fatalf("state = %s, want refunded", got.State)
	}
	if got.ErrorReason == nil || *got.ErrorReason != "translation timed out" {
		t.Errorf("error_reason = %v", got.ErrorReason)
	}
	h.expectBalance(user, 5, 0)
}

func TestRedelivery_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.topUp(user, 100)
	task := h.submit(user, "hello", 20)

	stop := h.run(2)
	defer stop()
	h.waitIdle()

	entries := len(h.store.Entries().All())
	for i := 0; i < 3; i++ {
		h.broker.Redeliver(queue.DescriptorFor(task))
	}
	h.waitIdle()

	if calls := h.translator.calls.Load(); calls != 1 {
		t.Errorf("translate calls = %d, want 1", calls)
	}
	if got := len(h.store.Entries().All()); got != entries {
		t.Errorf("ledger entries = %d after redelivery, want %d", got, entries)
	}
	if got := h.task(task.ID).State; got != models.TaskCompleted {
		t.Errorf("state = %s, want completed", got)
	}
	h.expectBalance(user, 80, 0)
}

func TestRedelivery_AfterRefund(t *testing.T) {
	h := newHarness(t)
	h.translator.fn = func(context.Context, string, models.Direction) (string, error) {
		return "", &translation.Error{Reason: "bad input"}
	}
	user := uuid.New()
	h.topUp(user, 100)
	task := h.submit(user, "hello", 20)

	stop := h.run(1)
	defer stop()
	h.waitIdle()
	h.broker.Redeliver(queue.DescriptorFor(task))
	h.waitIdle()

	if n := h.countEntries(models.EntryRelease); n != 1 {
		t.Errorf("release entries = %d, want 1", n)
	}
	h.expectBalance(user, 100, 0)
}

func TestConcurrentWorkers_Conserve(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	n := 0
	h.translator.fn = func(_ context.Context, text string, _ models.Direction) (string, error) {
		mu.Lock()
		n++
		fail := n%3 == 0
		mu.Unlock()
		if fail {
			return "", &translation.Error{Reason: "flaky"}
		}
		return "ok " + text, nil
	}
	users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, u := range users {
		h.topUp(u, 50)
	}
	stop := h.run(4)
	for i := 0; i < 30; i++ {
		h.submit(users[i%len(users)], "hello", 1)
	}
	h.waitIdle()
	stop()

	var captured int64
	for _, e := range h.store.Entries().All() {
		if e.Kind == models.EntryCapture {
			captured += e.Amount
		}
	}
	var total int64
	for _, u := range users {
		b, _ := h.ledger.Balance(context.Background(), u)
		if b.Reserved != 0 {
			t.Errorf("user %s reserved = %d, want 0", u, b.Reserved)
		}
		total += b.Available + b.Reserved
	}
	if total != 150-captured {
		t.Errorf("available+reserved = %d, want %d", total, 150-captured)
	}
	if captured != 20 {
		t.Errorf("captured = %d, want 20", captured)
	}
}

func TestNotifier_SeesSettledState(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.topUp(user, 10)
	h.submit(user, "hello", 1)

	stop := h.run(1)
	h.waitIdle()
	stop()

	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	if len(h.notifier.states) != 1 || h.notifier.states[0] != models.TaskCompleted {
		t.Errorf("notified states = %v, want [completed]", h.notifier.states)
	}
}

// ---------------------------------------------------------------------------
// Worker
// ---------------------------------------------------------------------------

func TestTranslateWorker_MissingTaskCancels(t *testing.T) {
	h := newHarness(t)
	w := NewTranslateWorker(h.proc)
	job := &river.Job[queue.Descriptor]{
		JobRow: &rivertype.JobRow{ID: 1},
		Args:   queue.Descriptor{TaskID: uuid.New(), UserID: uuid.New()},
	}
	err := w.Work(context.Background(), job)
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("Work = %v, want ErrTaskNotFound", err)
	}
	if w.Timeout(job) != h.proc.Timeout+30*time.Second {
		t.Errorf("Timeout = %s", w.Timeout(job))
	}
}

func TestTranslateWorker_Runs(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.topUp(user, 10)
	task := h.submit(user, "hello", 3)

	w := NewTranslateWorker(h.proc)
	job := &river.Job[queue.Descriptor]{JobRow: &rivertype.JobRow{ID: 1}, Args: queue.DescriptorFor(task)}
	if err := w.Work(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if got := h.task(task.ID).State; got != models.TaskCompleted {
		t.Errorf("state = %s, want completed", got)
	}
	h.expectBalance(user, 7, 0)
}

func descriptorOf(t *models.Task) queue.Descriptor { return queue.DescriptorFor(t) }
