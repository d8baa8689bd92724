package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	appErrors "github.com/charlesng35/giftbox/pkg/errors"
	"github.com/charlesng35/giftbox/pkg/metrics"
)

const (
	defaultAcquireTimeout   = 30 * time.Second
	defaultStatementTimeout = 10 * time.Second
)

// PoolConfig bounds concurrent storage work.
type PoolConfig struct {
	Size             int
	AcquireTimeout   time.Duration
	StatementTimeout time.Duration
}

// executor runs storage statements on a bounded set of worker slots. Waiting
// for a slot or for a statement past its deadline yields a TIMEOUT error.
type executor struct {
	slots            *semaphore.Weighted
	acquireTimeout   time.Duration
	statementTimeout time.Duration
}

func newExecutor(cfg PoolConfig) *executor {
	if cfg.Size <= 0 {
		cfg.Size = 10
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	if cfg.StatementTimeout <= 0 {
		cfg.StatementTimeout = defaultStatementTimeout
	}
	return &executor{
		slots:            semaphore.NewWeighted(int64(cfg.Size)),
		acquireTimeout:   cfg.AcquireTimeout,
		statementTimeout: cfg.StatementTimeout,
	}
}

func (e *executor) run(ctx context.Context, operation string, fn func(ctx context.Context) error) (err error) {
	started := time.Now()
	defer func() {
		metrics.StoreLatency.WithLabelValues(operation, resultLabel(err)).Observe(time.Since(started).Seconds())
	}()

	acquireCtx, cancelAcquire := context.WithTimeout(ctx, e.acquireTimeout)
	err = e.slots.Acquire(acquireCtx, 1)
	cancelAcquire()
	if err != nil {
		return appErrors.ErrTimeout.WithInternal(fmt.Errorf("%s: waiting for a storage worker: %w", operation, err))
	}
	metrics.PoolInUse.Inc()
	defer func() {
		e.slots.Release(1)
		metrics.PoolInUse.Dec()
	}()

	stmtCtx, cancel := context.WithTimeout(ctx, e.statementTimeout)
	defer cancel()

	err = fn(stmtCtx)
	if err != nil && errors.Is(stmtCtx.Err(), context.DeadlineExceeded) {
		return appErrors.ErrTimeout.WithInternal(fmt.Errorf("%s: %w", operation, err))
	}
	return err
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, appErrors.ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
}
