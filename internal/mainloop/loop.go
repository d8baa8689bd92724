// Package mainloop serialises work that must run on a single goroutine, such
// as inventory mutation and user-facing notices.
package mainloop

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/charlesng35/giftbox/pkg/logger"
)

// ErrStopped is returned when work is submitted after Stop.
var ErrStopped = errors.New("main loop stopped")

const defaultQueueSize = 256

type task struct {
	fn   func(ctx context.Context) error
	ctx  context.Context
	done chan error
}

// Loop runs submitted tasks one at a time in submission order.
type Loop struct {
	tasks   chan task
	stop    chan struct{}
	stopped chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	log       *zap.Logger
}

// New constructs a loop with the given queue size. Call Start before submitting work.
func New(queueSize int) *Loop {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Loop{
		tasks:   make(chan task, queueSize),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		log:     logger.WithModule("mainloop"),
	}
}

// Start launches the loop goroutine. Further calls are no-ops.
func (l *Loop) Start() {
	l.startOnce.Do(func() {
		go l.run()
	})
}

// Stop refuses new work, drains queued tasks and waits for the loop to exit.
func (l *Loop) Stop(ctx context.Context) error {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
	l.Start()

	select {
	case <-l.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn on the loop and waits for its result. The task still runs when
// ctx is cancelled after submission; only the wait is abandoned.
func (l *Loop) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t := task{fn: fn, ctx: ctx, done: make(chan error, 1)}

	select {
	case <-l.stop:
		return ErrStopped
	default:
	}

	select {
	case l.tasks <- t:
	case <-l.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Post schedules fn without waiting for it. Work posted after Stop is dropped.
func (l *Loop) Post(fn func()) {
	t := task{
		fn:  func(context.Context) error { fn(); return nil },
		ctx: context.Background(),
	}
	select {
	case <-l.stop:
		return
	default:
	}
	select {
	case l.tasks <- t:
	case <-l.stop:
	}
}

func (l *Loop) run() {
	defer close(l.stopped)

	for {
		select {
		case t := <-l.tasks:
			l.execute(t)
		case <-l.stop:
			for {
				select {
				case t := <-l.tasks:
					l.execute(t)
				default:
					return
				}
			}
		}
	}
}

func (l *Loop) execute(t task) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				l.log.Error("main loop task panicked",
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
				err = fmt.Errorf("main loop task panicked: %v", r)
			}
		}()
		err = t.fn(t.ctx)
	}()

	if t.done != nil {
		t.done <- err
	}
}
