package mailsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/teemow/inboxsync/internal/instrumentation"
	"github.com/teemow/inboxsync/internal/logging"
	"github.com/teemow/inboxsync/internal/syncjob"
	"github.com/teemow/inboxsync/internal/syncstate"
)

// listedProgress is reported once the message list is known.
const listedProgress = 5

// Syncer runs sync jobs. It implements syncjob.Executor.
type Syncer struct {
	sources SourceFactory
	index   Index
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
	metrics *instrumentation.Metrics
}

// Option configures a Syncer.
type Option func(*Syncer)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Syncer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *instrumentation.Metrics) Option {
	return func(s *Syncer) { s.metrics = m }
}

// WithClock sets the time source for windows and cursors.
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSyncer returns a syncer reading from sources into index.
func NewSyncer(sources SourceFactory, index Index, cfg Config, opts ...Option) (*Syncer, error) {
	if sources == nil || index == nil {
		return nil, errors.New("message source and index are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mail sync config: %w", err)
	}
	s := &Syncer{
		sources: sources,
		index:   index,
		cfg:     cfg,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.WithComponent(s.logger, "mailsync")
	return s, nil
}

var _ syncjob.Executor = (*Syncer)(nil)

// RunJob performs one sync run for req.UserID.
//
// Gmail lists newest first, so a listing cut off at MaxMessages leaves its
// oldest messages behind. The run then records them as a backlog and the
// cursor only moves past the range once a later run has listed it in full.
func (s *Syncer) RunJob(ctx context.Context, req syncjob.JobRequest) (syncstate.Stats, error) {
	var stats syncstate.Stats
	startedAt := s.now()
	logger := logging.WithTask(s.logger, req.TaskID)
	report := req.Progress
	if report == nil {
		report = func(int) {}
	}

	src, err := s.sources.ForUser(ctx, req.UserID)
	if err != nil {
		return stats, err
	}

	l, err := s.plan(ctx, req, startedAt)
	if err != nil {
		return stats, err
	}

	ids, err := src.ListMessageIDs(ctx, l.query(), s.cfg.MaxMessages)
	if err != nil {
		return stats, err
	}
	report(listedProgress)
	logger.Info("listed messages",
		slog.Int("count", len(ids)),
		slog.Bool("full", l.full),
		slog.Bool("backlog", !l.before.IsZero()),
	)

	var (
		unchanged int
		oldest    time.Time
	)
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		msg, err := src.GetMessageMeta(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			stats.Errors++
			logger.Debug("skipping message", slog.String("message_id", id), logging.Err(err))
			continue
		}
		stats.Fetched++
		if oldest.IsZero() || msg.InternalDate.Before(oldest) {
			oldest = msg.InternalDate
		}

		res, err := s.index.Upsert(ctx, req.UserID, msg)
		if err != nil {
			return stats, err
		}
		switch res {
		case Inserted:
			stats.New++
		case Updated:
			stats.Updated++
		default:
			unchanged++
		}

		report(listedProgress + (100-listedProgress)*(i+1)/len(ids))
	}

	next := Cursor{Until: l.resume}
	if len(ids) >= s.cfg.MaxMessages {
		if oldest.IsZero() {
			// Nothing fetched; the next run lists the same range again.
			logger.Warn("capped listing without a fetched message, cursor kept", slog.Int("errors", stats.Errors))
			s.recordMessages(ctx, stats, unchanged)
			return stats, nil
		}
		if b := l.remainder(oldest); b != nil {
			next = Cursor{Until: l.after, Backlog: b}
			logger.Info("listing capped, backlog pending",
				slog.Int("max_messages", s.cfg.MaxMessages),
				slog.Time("backlog_before", b.Before),
			)
		}
	}

	if err := s.index.SetCursor(ctx, req.UserID, next); err != nil {
		return stats, err
	}

	s.recordMessages(ctx, stats, unchanged)
	return stats, nil
}

func (s *Syncer) recordMessages(ctx context.Context, stats syncstate.Stats, unchanged int) {
	s.metrics.RecordMessagesSynced(ctx, instrumentation.MessageNew, stats.New)
	s.metrics.RecordMessagesSynced(ctx, instrumentation.MessageUpdated, stats.Updated)
	s.metrics.RecordMessagesSynced(ctx, instrumentation.MessageUnchanged, unchanged)
	s.metrics.RecordMessagesSynced(ctx, instrumentation.MessageError, stats.Errors)
}

// listing is the time range one run lists and the cursor position it
// completes with.
type listing struct {
	after  time.Time
	before time.Time // zero for an open range
	resume time.Time
	full   bool
}

func (l listing) query() string {
	q := fmt.Sprintf("after:%d", l.after.Unix())
	if !l.before.IsZero() {
		q += fmt.Sprintf(" before:%d", l.before.Unix())
	}
	return q
}

// remainder returns the backlog left by a capped listing whose oldest
// fetched message is dated oldest, or nil when nothing is left. The bound
// keeps oldest's second in range since Gmail compares whole seconds. It
// always shrinks the range so a second with more than MaxMessages messages
// cannot stall the backlog.
func (l listing) remainder(oldest time.Time) *Backlog {
	before := oldest.Truncate(time.Second).Add(time.Second)
	if !l.before.IsZero() && !before.Before(l.before) {
		before = oldest.Truncate(time.Second)
	}
	if !before.After(l.after) {
		return nil
	}
	return &Backlog{After: l.after, Before: before, Resume: l.resume}
}

// plan picks the listing of a run: a pending backlog first, otherwise the
// messages since the cursor, or the full-sync window for first and forced
// runs.
func (s *Syncer) plan(ctx context.Context, req syncjob.JobRequest, now time.Time) (listing, error) {
	fullSince := now.Add(-s.cfg.FullSyncWindow)
	full := listing{after: fullSince, resume: now, full: true}
	if req.ForceFull {
		return full, nil
	}

	cur, ok, err := s.index.Cursor(ctx, req.UserID)
	if err != nil {
		return listing{}, err
	}
	switch {
	case !ok:
		return full, nil
	case cur.Backlog != nil:
		b := cur.Backlog
		return listing{after: maxTime(b.After, fullSince), before: b.Before, resume: b.Resume}, nil
	case cur.Until.Before(fullSince):
		return full, nil
	default:
		return listing{after: cur.Until, resume: now}, nil
	}
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
