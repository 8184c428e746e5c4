// Package reaper resets sync rows whose jobs stopped heartbeating.
//
// A job that crashes, or whose process dies, never writes a terminal state.
// Its row stays running with an ageing last_heartbeat_at. The reaper scans for
// such rows and resets them to idle with a "task abandoned: heartbeat timeout"
// message, which frees the user for the next start. Reaping is idempotent: a
// reset row is no longer running, so later passes skip it.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/teemow/inboxsync/internal/events"
	"github.com/teemow/inboxsync/internal/instrumentation"
	"github.com/teemow/inboxsync/internal/logging"
	"github.com/teemow/inboxsync/internal/syncstate"
)

// ErrHeartbeatTimeout is what a reaped job failed with. It is only ever
// recorded on the row, never returned by a start request.
var ErrHeartbeatTimeout = errors.New(syncstate.HeartbeatTimeoutMessage)

// Config holds the reaper timings.
type Config struct {
	// StaleTimeout is the heartbeat age past which a running row is reset.
	StaleTimeout time.Duration
	// Interval is the time between scheduled passes.
	Interval time.Duration
	// HeartbeatInterval is how often live jobs beat. A row must miss at least
	// two beats before it counts as stale.
	HeartbeatInterval time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		StaleTimeout:      60 * time.Second,
		Interval:          120 * time.Second,
		HeartbeatInterval: 15 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("reap interval must be positive, got %s", c.Interval)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.StaleTimeout < 2*c.HeartbeatInterval {
		return fmt.Errorf("stale timeout %s must be at least twice the heartbeat interval %s", c.StaleTimeout, c.HeartbeatInterval)
	}
	return nil
}

// ReapedTask describes one row reset by a pass.
type ReapedTask struct {
	UserID          string    `json:"user_id"`
	TaskID          string    `json:"task_id"`
	Progress        int       `json:"progress"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// Result summarizes a pass.
type Result struct {
	// Scanned is the number of stale candidates found.
	Scanned int          `json:"scanned"`
	Reaped  []ReapedTask `json:"reaped"`
}

// Reaper resets abandoned rows.
type Reaper struct {
	store   syncstate.Store
	cfg     Config
	now     func() time.Time
	logger  logging.Logger
	metrics *instrumentation.Metrics
	events  events.Publisher

	// mu serializes passes so a manual cleanup never overlaps a scheduled one.
	mu sync.Mutex
}

// Option configures a Reaper.
type Option func(*Reaper)

func WithLogger(l logging.Logger) Option {
	return func(r *Reaper) { r.logger = logging.OrDefault(l) }
}

func WithMetrics(m *instrumentation.Metrics) Option {
	return func(r *Reaper) { r.metrics = m }
}

// WithEvents publishes a reaped event for every reset row.
func WithEvents(p events.Publisher) Option {
	return func(r *Reaper) { r.events = events.OrNop(p) }
}

// WithClock sets the time source used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) {
		if now != nil {
			r.now = now
		}
	}
}

// New returns a reaper over store.
func New(store syncstate.Store, cfg Config, opts ...Option) (*Reaper, error) {
	if store == nil {
		return nil, errors.New("sync state store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reaper config: %w", err)
	}

	r := &Reaper{
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		logger: logging.DefaultLogger(),
		events: events.NopPublisher{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Config returns the reaper timings.
func (r *Reaper) Config() Config {
	return r.cfg
}

// RunOnce performs one pass. Each candidate is reset only if it is still
// stale at the moment of the write, so a heartbeat arriving between the scan
// and the reset keeps the job alive. Failures to reset single rows are
// collected; the remaining rows are still processed.
func (r *Reaper) RunOnce(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, span := instrumentation.StartSpan(ctx, instrumentation.SpanSyncReap)
	defer span.End()

	stale, err := r.store.ListStale(ctx, r.cfg.StaleTimeout)
	if err != nil {
		r.metrics.RecordReaperPass(ctx, instrumentation.StatusError, 0)
		instrumentation.SetSpanError(span, err)
		return Result{}, fmt.Errorf("list stale tasks: %w", err)
	}

	res := Result{Scanned: len(stale), Reaped: []ReapedTask{}}
	var errs []error
	for _, st := range stale {
		applied, err := r.store.Reap(ctx, st.UserID, st.TaskID, r.cfg.StaleTimeout, ErrHeartbeatTimeout.Error())
		if err != nil {
			errs = append(errs, fmt.Errorf("reap %s: %w", logging.AnonymizeTaskID(st.TaskID), err))
			r.logger.Error("failed to reap task", logging.KeyTaskID, logging.AnonymizeTaskID(st.TaskID), logging.KeyError, err.Error())
			continue
		}
		if !applied {
			r.logger.Debug("task recovered before reaping", logging.KeyTaskID, logging.AnonymizeTaskID(st.TaskID))
			continue
		}

		task := ReapedTask{
			UserID:          st.UserID,
			TaskID:          st.TaskID,
			Progress:        st.Progress(),
			LastHeartbeatAt: st.LastHeartbeatAt,
		}
		res.Reaped = append(res.Reaped, task)
		r.logger.Warn("reaped abandoned task",
			logging.KeyUserHash, logging.AnonymizeUser(st.UserID),
			logging.KeyTaskID, logging.AnonymizeTaskID(st.TaskID),
			logging.KeyProgress, task.Progress,
			"heartbeat_age", r.now().Sub(st.LastHeartbeatAt).String())
		r.publish(task)
	}

	span.SetAttributes(attribute.Int(instrumentation.SpanAttrReaped, len(res.Reaped)))
	if err := errors.Join(errs...); err != nil {
		r.metrics.RecordReaperPass(ctx, instrumentation.StatusError, len(res.Reaped))
		instrumentation.SetSpanError(span, err)
		return res, err
	}
	r.metrics.RecordReaperPass(ctx, instrumentation.StatusSuccess, len(res.Reaped))
	instrumentation.SetSpanSuccess(span)
	return res, nil
}

func (r *Reaper) publish(task ReapedTask) {
	ev := events.New(events.TypeReaped, task.UserID, task.TaskID, r.now())
	ev.Error = ErrHeartbeatTimeout.Error()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.events.Publish(ctx, ev); err != nil {
		r.logger.Warn("failed to publish reaped event", logging.KeyError, err.Error())
	}
}

// Name identifies the reaper in the scheduler.
func (r *Reaper) Name() string { return "zombie-reaper" }

// Interval is the time between scheduled passes.
func (r *Reaper) Interval() time.Duration { return r.cfg.Interval }

// Run performs a scheduled pass.
func (r *Reaper) Run(ctx context.Context) error {
	res, err := r.RunOnce(ctx)
	if err != nil {
		return err
	}
	if res.Scanned > 0 {
		r.logger.Info("reaper pass complete", "scanned", res.Scanned, "reaped", len(res.Reaped))
	}
	return nil
}
