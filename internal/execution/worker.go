package execution

import (
	"context"
	"errors"
	"time"

	"github.com/riverqueue/river"

	"github.com/parlance/backend/internal/queue"
)

// TranslateWorker consumes translate_task jobs.
type TranslateWorker struct {
	river.WorkerDefaults[queue.Descriptor]
	processor *Processor
}

func NewTranslateWorker(p *Processor) *TranslateWorker {
	return &TranslateWorker{processor: p}
}

func (w *TranslateWorker) Work(ctx context.Context, job *river.Job[queue.Descriptor]) error {
	err := w.processor.Handle(ctx, job.Args)
	if errors.Is(err, ErrTaskNotFound) {
		return river.JobCancel(err)
	}
	return err
}

// Timeout leaves room to settle after the capability call times out.
func (w *TranslateWorker) Timeout(*river.Job[queue.Descriptor]) time.Duration {
	if w.processor.Timeout <= 0 {
		return 0
	}
	return w.processor.Timeout + 30*time.Second
}
