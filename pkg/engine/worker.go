package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vmforge/vmforge/pkg/stores"
	"github.com/vmforge/vmforge/pkg/telemetry"
)

// Queue hands out queued task records.
type Queue interface {
	// ClaimNextTask marks the oldest queued task as running and returns it.
	// It returns stores.ErrNoQueuedTask when nothing is queued.
	ClaimNextTask(ctx context.Context) (*stores.TaskRecord, error)
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	// Concurrency is the number of tasks dispatched in parallel.
	Concurrency int
	// PollInterval is the wait between claims when the queue is empty.
	PollInterval time.Duration
}

// Worker pulls tasks from a queue and dispatches them.
type Worker struct {
	queue        Queue
	dispatcher   *Dispatcher
	concurrency  int
	pollInterval time.Duration
	logger       *telemetry.Logger
}

// NewWorker creates a worker.
func NewWorker(queue Queue, dispatcher *Dispatcher, cfg WorkerConfig, logger *telemetry.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Worker{
		queue:        queue,
		dispatcher:   dispatcher,
		concurrency:  cfg.Concurrency,
		pollInterval: cfg.PollInterval,
		logger:       logger.NewComponentLogger("worker"),
	}
}

// Run dispatches tasks until ctx is cancelled. In-flight tasks finish
// before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Infof("worker started with %d slots", w.concurrency)

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()

	w.logger.Info("worker stopped")
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		claimed, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.WithError(err).Error("failed to claim task")
		}
		if claimed {
			continue
		}

		select {
		case <-time.After(w.pollInterval):
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce claims and dispatches a single task. It reports whether a task was
// claimed. Handler errors are recorded on the task, not returned.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	rec, err := w.queue.ClaimNextTask(ctx)
	if errors.Is(err, stores.ErrNoQueuedTask) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim task: %w", err)
	}

	task, err := TaskFromRecord(rec)
	if err != nil {
		bad := &Task{ID: rec.ID, Type: rec.Type, Action: rec.Action, logger: w.logger}
		w.dispatcher.record(context.WithoutCancel(ctx), bad, OutcomeFatal, NewFatalError("malformed task", err))
		return true, nil
	}

	_ = w.dispatcher.Dispatch(ctx, task)
	return true, nil
}
