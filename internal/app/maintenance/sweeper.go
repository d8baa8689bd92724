package maintenance

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/giftbox/pkg/logger"
	"github.com/charlesng35/giftbox/pkg/metrics"
)

const (
	// DefaultInterval is the expiry sweep period when none is configured.
	DefaultInterval = 10 * time.Minute
	// MinInterval is the shortest accepted sweep period.
	MinInterval    = time.Minute
	defaultTimeout = 2 * time.Minute
)

// ExpirySweeper removes expired records. GiftStore satisfies it.
type ExpirySweeper interface {
	SweepExpired(ctx context.Context, now int64) (int64, error)
}

// CachePurger removes expired cache entries. cache.DatabaseStore satisfies it.
type CachePurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Readiness reports when the record store can serve sweeps. GiftStore satisfies it.
type Readiness interface {
	WaitReady(ctx context.Context) error
}

// SweepStats summarises one maintenance run.
type SweepStats struct {
	Expired      int64
	CachePurged  int64
	Duration     time.Duration
	StartedAtUTC time.Time
}

// SweepStatus reports the outcome of the most recent run.
type SweepStatus struct {
	LastRunAt           time.Time
	LastError           error
	ConsecutiveFailures int
}

// Sweeper periodically removes expired records and stale cache entries.
type Sweeper struct {
	records ExpirySweeper
	cache   CachePurger
	ready   Readiness
	cron    *cron.Cron
	job     cron.Job
	now     func() time.Time
	log     *zap.Logger

	interval   time.Duration
	timeout    time.Duration
	runOnStart bool
	started    bool
	cancel     context.CancelFunc

	mu     sync.Mutex
	status SweepStatus
}

// Option customises the Sweeper.
type Option func(*Sweeper)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(s *Sweeper) {
		if c != nil {
			s.cron = c
		}
	}
}

// WithNow overrides the clock used for expiry comparisons.
func WithNow(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// WithInterval sets the sweep period. Values below MinInterval are raised to it.
func WithInterval(interval time.Duration) Option {
	return func(s *Sweeper) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithTimeout bounds a single run.
func WithTimeout(timeout time.Duration) Option {
	return func(s *Sweeper) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithRunOnStart triggers a sweep as soon as the scheduler starts.
func WithRunOnStart(enabled bool) Option {
	return func(s *Sweeper) {
		s.runOnStart = enabled
	}
}

// WithCachePurger adds stale cache entry cleanup to each run.
func WithCachePurger(purger CachePurger) Option {
	return func(s *Sweeper) {
		s.cache = purger
	}
}

// WithReadiness delays the run-on-start sweep until ready reports the store usable.
func WithReadiness(ready Readiness) Option {
	return func(s *Sweeper) {
		s.ready = ready
	}
}

// NewSweeper constructs a Sweeper for records.
func NewSweeper(records ExpirySweeper, opts ...Option) *Sweeper {
	s := &Sweeper{
		records:  records,
		now:      time.Now,
		interval: DefaultInterval,
		timeout:  defaultTimeout,
		log:      logger.WithModule("sweeper"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.interval < MinInterval {
		s.log.Warn("sweep interval below minimum, using minimum",
			zap.Duration("configured", s.interval),
			zap.Duration("minimum", MinInterval),
		)
		s.interval = MinInterval
	}
	if s.cron == nil {
		s.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	s.job = cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(cron.FuncJob(s.tick))
	return s
}

// Interval reports the effective sweep period.
func (s *Sweeper) Interval() time.Duration {
	return s.interval
}

// Start schedules the sweep and launches the scheduler.
func (s *Sweeper) Start() error {
	if s.records == nil && s.cache == nil {
		return nil
	}
	if s.started {
		return fmt.Errorf("sweeper already started")
	}

	s.cron.Schedule(cron.Every(s.interval), s.job)
	s.cron.Start()
	s.started = true

	if s.runOnStart {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		go s.initialRun(ctx)
	}
	s.log.Info("expiry sweeper started", zap.Duration("interval", s.interval))
	return nil
}

func (s *Sweeper) initialRun(ctx context.Context) {
	if s.ready != nil {
		waitCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.ready.WaitReady(waitCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.log.Warn("store not ready, initial sweep deferred to the schedule", zap.Error(err))
			return
		}
	}
	s.job.Run()
}

// Status returns the outcome of the most recent run. LastRunAt is zero before
// the first run.
func (s *Sweeper) Status() SweepStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Sweeper) record(at time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.LastRunAt = at
	s.status.LastError = err
	if err != nil {
		s.status.ConsecutiveFailures++
	} else {
		s.status.ConsecutiveFailures = 0
	}
}

// Stop halts the scheduler. The returned context is done once a running sweep finishes.
func (s *Sweeper) Stop() context.Context {
	if s.cancel != nil {
		s.cancel()
	}
	if s.cron == nil {
		return context.Background()
	}
	return s.cron.Stop()
}

func (s *Sweeper) tick() {
	defer func() {
		if r := recover(); r != nil {
			metrics.SweepRuns.WithLabelValues("panic").Inc()
			s.log.Error("expiry sweep panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.RunOnce(ctx); err != nil {
		s.log.Warn("expiry sweep failed", zap.Error(err))
	}
}

// RunOnce runs every configured cleanup routine sequentially. Used by the
// scheduler and during graceful shutdown.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepStats, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	started := s.now()
	stats := SweepStats{StartedAtUTC: started.UTC()}
	var errs error

	if s.records != nil {
		removed, err := s.records.SweepExpired(ctx, started.UnixMilli())
		stats.Expired = removed
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("sweep expired records: %w", err))
		}
	}

	if s.cache != nil {
		purged, err := s.cache.PurgeExpired(ctx)
		stats.CachePurged = purged
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("purge cache entries: %w", err))
		}
	}

	stats.Duration = s.now().Sub(started)
	s.record(started, errs)
	if errs != nil {
		metrics.SweepRuns.WithLabelValues("error").Inc()
		return stats, errs
	}

	metrics.SweepRuns.WithLabelValues("ok").Inc()
	if stats.Expired > 0 || stats.CachePurged > 0 {
		s.log.Info("expiry sweep finished",
			zap.Int64("expired", stats.Expired),
			zap.Int64("cache_purged", stats.CachePurged),
			zap.Duration("duration", stats.Duration),
		)
	} else {
		s.log.Debug("expiry sweep found nothing to remove")
	}
	return stats, nil
}
