package plugins

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"connectd/metrics"
)

var (
	// ErrWorkerBusy indicates a full job queue; the job was dropped.
	ErrWorkerBusy = errors.New("plugins: worker queue full")
	// ErrWorkerStopped indicates the worker is not running.
	ErrWorkerStopped = errors.New("plugins: worker not running")
)

// DefaultWorkerQueue is the job backlog a Worker accepts before dropping.
const DefaultWorkerQueue = 32

// Worker runs a plugin's blocking jobs one at a time in submission order,
// away from the device's dispatch goroutine. Stopping it cancels the running
// job's context and discards queued ones.
type Worker struct {
	plugin string
	logger zerolog.Logger
	jobs   chan func(context.Context) error

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	pending sync.WaitGroup
}

// NewWorker returns a stopped worker for plugin. queue <= 0 uses
// DefaultWorkerQueue.
func NewWorker(plugin string, queue int, logger zerolog.Logger) *Worker {
	if queue <= 0 {
		queue = DefaultWorkerQueue
	}
	return &Worker{plugin: plugin, logger: logger, jobs: make(chan func(context.Context) error, queue)}
}

// Start runs jobs until ctx ends or Stop is called. Starting a running
// worker is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(runCtx, w.done)
}

// Submit queues job. It never blocks.
func (w *Worker) Submit(job func(context.Context) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel == nil {
		return ErrWorkerStopped
	}
	w.pending.Add(1)
	select {
	case w.jobs <- job:
		return nil
	default:
		w.pending.Done()
		metrics.RecordPacketDropped("plugin_busy")
		return ErrWorkerBusy
	}
}

// Wait blocks until every submitted job has finished or been discarded.
func (w *Worker) Wait() {
	w.pending.Wait()
}

// Stop cancels the running job, discards the queue and waits for the loop
// to exit.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel = nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	for {
		select {
		case <-w.jobs:
			w.pending.Done()
		default:
			return
		}
	}
}

func (w *Worker) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer w.retire(done)
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-w.jobs:
			if ctx.Err() == nil {
				if err := safeCall(func() error { return job(ctx) }); err != nil && ctx.Err() == nil {
					w.logger.Warn().Err(err).Str("plugin", w.plugin).Msg("plugin job failed")
					metrics.RecordPluginError(w.plugin)
				}
			}
			w.pending.Done()
		}
	}
}

// retire refuses further jobs once the loop has exited on its own, so Wait
// never blocks on work nobody will run.
func (w *Worker) retire(done chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != done {
		return
	}
	w.cancel = nil
	for {
		select {
		case <-w.jobs:
			w.pending.Done()
		default:
			return
		}
	}
}
