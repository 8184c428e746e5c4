package syncjob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/teemow/inboxsync/internal/events"
	"github.com/teemow/inboxsync/internal/instrumentation"
	"github.com/teemow/inboxsync/internal/logging"
	"github.com/teemow/inboxsync/internal/syncstate"
)

// Messages recorded on rows whose job ended without the executor failing.
const (
	CancelledMessage   = "task cancelled"
	InterruptedMessage = "task interrupted: service shutdown"
)

var (
	// ErrNotOwned is returned by Cancel when the task is not running in this
	// process (it runs on another replica or has already finished).
	ErrNotOwned = errors.New("task is not running in this process")

	// ErrShuttingDown is returned by Start after Shutdown was called.
	ErrShuttingDown = errors.New("sync controller is shutting down")

	errCancelled     = errors.New(CancelledMessage)
	errInterrupted   = errors.New(InterruptedMessage)
	errHeartbeatLost = errors.New("heartbeat lost: task no longer owns its row")
)

// StartResult is the answer to a start request.
type StartResult struct {
	TaskID string `json:"task_id"`
	// Reused is true when the request was answered with an already running job.
	Reused bool `json:"reused"`
}

// Controller is the idempotent start controller. It owns the jobs it
// launched until they end.
type Controller struct {
	store     syncstate.Store
	executor  Executor
	cfg       Config
	now       func() time.Time
	newTaskID func(userID string, now time.Time) string
	logger    *slog.Logger
	metrics   *instrumentation.Metrics
	events    events.Publisher

	// jobs holds the jobs running in this process, keyed by task ID. It is
	// used for cancellation and shutdown only; start decisions read the store.
	jobs *xsync.Map[string, *job]

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	// mu orders launches before shutdown: Start holds it shared from the
	// closed check through launch, Shutdown takes it exclusively to close.
	mu     sync.RWMutex
	closed bool
}

type job struct {
	userID    string
	taskID    string
	startedAt time.Time
	cancel    context.CancelCauseFunc
	done      chan struct{}
}

// Option configures a Controller.
type Option func(*Controller)

// WithConfig replaces the default timings.
func WithConfig(cfg Config) Option {
	return func(c *Controller) { c.cfg = cfg }
}

// WithClock sets the time source used for liveness decisions and task IDs.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithTaskIDFunc replaces the task ID generator.
func WithTaskIDFunc(fn func(userID string, now time.Time) string) Option {
	return func(c *Controller) {
		if fn != nil {
			c.newTaskID = fn
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *instrumentation.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithEvents publishes lifecycle events to p.
func WithEvents(p events.Publisher) Option {
	return func(c *Controller) { c.events = events.OrNop(p) }
}

// NewController returns a controller launching jobs on executor.
func NewController(store syncstate.Store, executor Executor, opts ...Option) (*Controller, error) {
	if store == nil {
		return nil, errors.New("sync state store is required")
	}
	if executor == nil {
		return nil, errors.New("executor is required")
	}

	c := &Controller{
		store:    store,
		executor: executor,
		cfg:      DefaultConfig(),
		now:      time.Now,
		logger:   slog.Default(),
		events:   events.NopPublisher{},
		jobs:     xsync.NewMap[string, *job](),
	}
	c.newTaskID = NewTaskIDGenerator().Next
	for _, opt := range opts {
		opt(c)
	}
	if err := c.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sync job config: %w", err)
	}

	c.logger = logging.WithComponent(c.logger, "sync_controller")
	// Jobs outlive the requests that start them.
	c.ctx, c.cancel = context.WithCancelCause(context.Background())
	return c, nil
}

// Config returns the controller's timings.
func (c *Controller) Config() Config {
	return c.cfg
}

// Start returns the task ID of the user's live job, launching a new job when
// there is none. It never waits for the job to finish.
func (c *Controller) Start(ctx context.Context, userID string, forceFull bool) (StartResult, error) {
	ctx, span := instrumentation.StartSpan(ctx, instrumentation.SpanSyncStart,
		instrumentation.NewSpanAttributeBuilder().
			WithUser(logging.AnonymizeUser(userID)).
			WithForceFull(forceFull).
			Build()...)
	defer span.End()

	if userID == "" {
		err := fmt.Errorf("%w: user id is required", syncstate.ErrInvalidState)
		instrumentation.SetSpanError(span, err)
		return StartResult{}, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		instrumentation.SetSpanError(span, ErrShuttingDown)
		return StartResult{}, ErrShuttingDown
	}

	res, err := c.tryStart(ctx, userID, forceFull)
	if errors.Is(err, syncstate.ErrStateConflict) {
		c.logger.Debug("start lost a race, retrying", logging.UserHash(userID), logging.Err(err))
		res, err = c.tryStart(ctx, userID, forceFull)
	}
	if err != nil {
		c.metrics.RecordStartRequest(ctx, instrumentation.ResultError)
		instrumentation.SetSpanError(span, err)
		c.logger.Error("start failed", logging.UserHash(userID), logging.Err(err))
		return StartResult{}, err
	}

	span.SetAttributes(
		attribute.String(instrumentation.SpanAttrTaskID, logging.AnonymizeTaskID(res.TaskID)),
		attribute.Bool(instrumentation.SpanAttrReused, res.Reused),
	)
	instrumentation.SetSpanSuccess(span)
	if res.Reused {
		c.metrics.RecordStartRequest(ctx, instrumentation.ResultReused)
	} else {
		c.metrics.RecordStartRequest(ctx, instrumentation.ResultLaunched)
	}
	return res, nil
}

// tryStart makes one locked start decision.
func (c *Controller) tryStart(ctx context.Context, userID string, forceFull bool) (StartResult, error) {
	acq, err := c.store.TryAcquire(ctx, userID)
	if err != nil {
		return StartResult{}, err
	}
	defer func() {
		if err := acq.Release(); err != nil {
			c.logger.Warn("failed to release start lock", logging.UserHash(userID), logging.Err(err))
		}
	}()

	current := acq.Current()
	now := c.now()
	if c.isLive(current, now) {
		c.logger.Debug("reusing running task", logging.TaskID(current.TaskID),
			slog.Duration("heartbeat_age", current.HeartbeatAge(now)))
		c.publish(events.New(events.TypeReused, userID, current.TaskID, now), current.Progress())
		return StartResult{TaskID: current.TaskID, Reused: true}, nil
	}
	if current.IsRunning() {
		c.logger.Info("replacing stale task", logging.TaskID(current.TaskID),
			slog.Duration("heartbeat_age", current.HeartbeatAge(now)))
	}

	taskID := c.newTaskID(userID, now)
	started, err := acq.CommitStart(ctx, taskID)
	if err != nil {
		return StartResult{}, err
	}

	c.launch(trace.SpanContextFromContext(ctx), started, forceFull)
	return StartResult{TaskID: taskID}, nil
}

// isLive reports whether a running row may be handed back to a new start
// request instead of launching another job.
func (c *Controller) isLive(st *syncstate.Status, now time.Time) bool {
	if !st.IsRunning() || st.TaskID == "" || st.StartedAt == nil {
		return false
	}
	return now.Sub(st.LastHeartbeatAt) <= c.cfg.LivenessWindow &&
		now.Sub(*st.StartedAt) <= c.cfg.MaxTaskAge
}

// launch starts the executor and heartbeat goroutines for a committed task.
func (c *Controller) launch(parent trace.SpanContext, st *syncstate.Status, forceFull bool) {
	jobCtx, cancel := context.WithCancelCause(c.ctx)
	j := &job{
		userID:    st.UserID,
		taskID:    st.TaskID,
		startedAt: c.now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	c.jobs.Store(j.taskID, j)

	hb := NewHeartbeatWorker(c.store, j.taskID, c.cfg.HeartbeatInterval,
		WithWriteTimeout(c.cfg.WriteTimeout),
		WithHeartbeatLogger(c.logger),
		WithHeartbeatMetrics(c.metrics),
		WithLostCallback(func() { cancel(errHeartbeatLost) }),
	)

	c.wg.Add(1)
	c.metrics.JobStarted(jobCtx)
	c.publish(events.New(events.TypeStarted, j.userID, j.taskID, j.startedAt), 0)
	c.logger.Info("sync job launched", logging.UserHash(j.userID), logging.TaskID(j.taskID), slog.Bool("force_full", forceFull))

	go c.run(jobCtx, parent, j, hb, forceFull)
}

func (c *Controller) run(ctx context.Context, parent trace.SpanContext, j *job, hb *HeartbeatWorker, forceFull bool) {
	defer c.wg.Done()
	defer close(j.done)
	defer c.jobs.Delete(j.taskID)
	defer j.cancel(nil)

	ctx, span := instrumentation.StartLinkedSpan(ctx, parent, instrumentation.SpanSyncJob,
		instrumentation.NewSpanAttributeBuilder().
			WithUser(logging.AnonymizeUser(j.userID)).
			WithTask(logging.AnonymizeTaskID(j.taskID)).
			WithForceFull(forceFull).
			Build()...)
	defer span.End()

	hb.Start(ctx)

	stats, err := c.execute(ctx, JobRequest{
		UserID:    j.userID,
		TaskID:    j.taskID,
		ForceFull: forceFull,
		Progress:  hb.Report,
	})

	outcome, label := c.outcome(ctx, stats, err)
	applied, werr := hb.Finish(outcome)
	elapsed := c.now().Sub(j.startedAt)
	c.metrics.RecordJobFinished(context.Background(), label, elapsed)

	log := c.logger.With(logging.UserHash(j.userID), logging.TaskID(j.taskID), logging.Duration(elapsed))
	switch {
	case werr != nil:
		// The row stays running; the reaper will reset it.
		instrumentation.SetSpanError(span, werr)
		log.Error("terminal write failed", logging.Err(werr))
		return
	case !applied:
		instrumentation.AddSpanEvent(span, "terminal_write_skipped")
		log.Warn("terminal write skipped, task no longer owns its row", slog.String("outcome", label))
		return
	}

	ev := events.New(eventType(label), j.userID, j.taskID, c.now())
	ev.Stats = outcome.Stats
	ev.Error = outcome.Err
	c.publish(ev, outcome.FinalState().Progress())

	if outcome.OK() {
		instrumentation.SetSpanSuccess(span)
		log.Info("sync job completed", slog.Int("fetched", outcome.Stats.Fetched), slog.Int("new", outcome.Stats.New),
			slog.Int("updated", outcome.Stats.Updated), slog.Int("errors", outcome.Stats.Errors))
		return
	}
	instrumentation.SetSpanError(span, err)
	log.Warn("sync job ended without success", slog.String("outcome", label), slog.String(logging.KeyError, outcome.Err))
}

// execute runs the executor, converting failures and panics into an
// ExecutionError.
func (c *Controller) execute(ctx context.Context, req JobRequest) (stats syncstate.Stats, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ExecutionError{TaskID: req.TaskID, Panic: r}
		}
	}()

	stats, err = c.executor.RunJob(ctx, req)
	if err != nil {
		return stats, &ExecutionError{TaskID: req.TaskID, Err: err}
	}
	return stats, nil
}

// outcome maps an executor result to the terminal write and its metric label.
// A job interrupted by Cancel or Shutdown records why, regardless of the error
// the executor returned while unwinding.
func (c *Controller) outcome(ctx context.Context, stats syncstate.Stats, err error) (syncstate.Outcome, string) {
	if err == nil {
		return syncstate.Succeeded(stats), instrumentation.OutcomeSuccess
	}
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, errCancelled):
		return syncstate.Failed(CancelledMessage), instrumentation.OutcomeCancelled
	case errors.Is(cause, errInterrupted):
		return syncstate.Failed(InterruptedMessage), instrumentation.OutcomeCancelled
	}
	return syncstate.Failed(err.Error()), instrumentation.OutcomeFailure
}

func eventType(label string) events.Type {
	switch label {
	case instrumentation.OutcomeSuccess:
		return events.TypeCompleted
	case instrumentation.OutcomeCancelled:
		return events.TypeCancelled
	default:
		return events.TypeFailed
	}
}

func (c *Controller) publish(ev events.Event, progress int) {
	ev.Progress = progress
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()
	if err := c.events.Publish(ctx, ev); err != nil {
		c.logger.Warn("failed to publish sync event", slog.String("event", string(ev.Type)), logging.Err(err))
	}
}

// Cancel stops a job running in this process and waits for its terminal
// write, which records "task cancelled". Jobs running elsewhere cannot be
// cancelled; they are recovered only through heartbeat timeouts.
func (c *Controller) Cancel(ctx context.Context, taskID string) error {
	j, ok := c.jobs.Load(taskID)
	if !ok {
		return ErrNotOwned
	}

	c.logger.Info("cancelling sync job", logging.TaskID(taskID))
	j.cancel(errCancelled)

	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running returns the task IDs of the jobs running in this process.
func (c *Controller) Running() []string {
	ids := make([]string, 0, c.jobs.Size())
	c.jobs.Range(func(taskID string, _ *job) bool {
		ids = append(ids, taskID)
		return true
	})
	return ids
}

// Shutdown stops accepting starts, interrupts the jobs running in this
// process and waits for their terminal writes or for ctx to end.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	// Every launched job is registered by now and derives from c.ctx.
	c.cancel(errInterrupted)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("sync controller stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sync jobs: %w", ctx.Err())
	}
}

// TaskIDGenerator mints task IDs of the form sync_<user>_<unix-nanoseconds>.
// Stamps are strictly increasing within a process, so two starts in the same
// clock tick still get distinct IDs.
type TaskIDGenerator struct {
	last atomic.Int64
}

// NewTaskIDGenerator returns a generator.
func NewTaskIDGenerator() *TaskIDGenerator {
	return &TaskIDGenerator{}
}

// Next returns a fresh task ID for userID at now.
func (g *TaskIDGenerator) Next(userID string, now time.Time) string {
	stamp := now.UnixNano()
	for {
		last := g.last.Load()
		if stamp <= last {
			stamp = last + 1
		}
		if g.last.CompareAndSwap(last, stamp) {
			return "sync_" + userID + "_" + strconv.FormatInt(stamp, 10)
		}
		stamp = now.UnixNano()
	}
}
