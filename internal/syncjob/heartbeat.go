package syncjob

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teemow/inboxsync/internal/instrumentation"
	"github.com/teemow/inboxsync/internal/logging"
	"github.com/teemow/inboxsync/internal/syncstate"
)

// HeartbeatWorker keeps one task's row alive while the task runs.
//
// The worker beats on its own goroutine, so executor I/O never delays a
// beat. Each beat writes the latest progress reported through Report. A beat
// that the store does not apply means the row no longer runs this task
// (reaped, or taken over by a newer start); the worker then stops and calls
// its lost callback.
type HeartbeatWorker struct {
	store    syncstate.Store
	taskID   string
	interval time.Duration
	timeout  time.Duration
	onLost   func()
	logger   *slog.Logger
	metrics  *instrumentation.Metrics

	progress atomic.Int64
	lost     atomic.Bool

	mu       sync.Mutex
	started  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// HeartbeatOption configures a HeartbeatWorker.
type HeartbeatOption func(*HeartbeatWorker)

// WithLostCallback sets the function called once when a beat finds the row
// no longer running this task.
func WithLostCallback(fn func()) HeartbeatOption {
	return func(w *HeartbeatWorker) { w.onLost = fn }
}

// WithWriteTimeout bounds each heartbeat and the terminal write.
func WithWriteTimeout(d time.Duration) HeartbeatOption {
	return func(w *HeartbeatWorker) {
		if d > 0 {
			w.timeout = d
		}
	}
}

func WithHeartbeatLogger(logger *slog.Logger) HeartbeatOption {
	return func(w *HeartbeatWorker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func WithHeartbeatMetrics(m *instrumentation.Metrics) HeartbeatOption {
	return func(w *HeartbeatWorker) { w.metrics = m }
}

// NewHeartbeatWorker returns a stopped worker for taskID.
func NewHeartbeatWorker(store syncstate.Store, taskID string, interval time.Duration, opts ...HeartbeatOption) *HeartbeatWorker {
	w := &HeartbeatWorker{
		store:    store,
		taskID:   taskID,
		interval: interval,
		timeout:  DefaultConfig().WriteTimeout,
		logger:   slog.Default(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = logging.WithTask(logging.WithComponent(w.logger, "heartbeat"), taskID)
	return w
}

// Start launches the beat loop. It runs until ctx is done, Stop is called or
// the task is lost. Calling Start more than once has no effect.
func (w *HeartbeatWorker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true

	go w.loop(ctx)
}

// Report records the executor's progress. Values only ever increase and are
// clamped to the running range.
func (w *HeartbeatWorker) Report(percent int) {
	p := int64(syncstate.ClampRunningProgress(percent))
	for {
		cur := w.progress.Load()
		if p <= cur || w.progress.CompareAndSwap(cur, p) {
			return
		}
	}
}

// Progress returns the latest reported progress.
func (w *HeartbeatWorker) Progress() int {
	return int(w.progress.Load())
}

// Lost reports whether a beat found the row no longer running this task.
func (w *HeartbeatWorker) Lost() bool {
	return w.lost.Load()
}

// Stop ends the loop and waits for an in-flight beat to finish.
func (w *HeartbeatWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })

	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if started {
		<-w.doneCh
	}
}

// Finish stops the loop and performs the terminal write for outcome. It
// reports false when the row was no longer running this task.
func (w *HeartbeatWorker) Finish(outcome syncstate.Outcome) (bool, error) {
	w.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	return w.store.Complete(ctx, w.taskID, outcome)
}

func (w *HeartbeatWorker) loop(ctx context.Context) {
	defer close(w.doneCh)

	// CommitStart stamped the first heartbeat; the next one is due after a
	// full interval.
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if !w.beat(ctx) {
				return
			}
		}
	}
}

// beat writes one heartbeat and reports whether the loop should continue.
func (w *HeartbeatWorker) beat(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	progress := w.Progress()
	applied, err := w.store.Heartbeat(ctx, w.taskID, progress)
	if err != nil {
		// A missed beat only brings reaping closer; keep beating.
		w.metrics.RecordHeartbeat(ctx, instrumentation.StatusError)
		w.logger.Warn("heartbeat failed", logging.Progress(progress), logging.Err(err))
		return true
	}
	if !applied {
		w.metrics.RecordHeartbeat(ctx, instrumentation.StatusSkipped)
		w.logger.Warn("heartbeat not applied, task no longer owns its row")
		w.lost.Store(true)
		if w.onLost != nil {
			w.onLost()
		}
		return false
	}

	w.metrics.RecordHeartbeat(ctx, instrumentation.StatusSuccess)
	w.logger.Debug("heartbeat", logging.Progress(progress))
	return true
}
