// Package eventloop runs tasks one at a time on a single background goroutine.
//
// All ESPHome client traffic for the bridge goes through one Loop, so device
// callbacks and commands never race each other. Callers on other goroutines
// either wait for a result (Submit) or fire and forget (Post).
//
// Submit and Stop must not be called from inside a task: the loop would wait on itself.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
)

var (
	// ErrStopped is returned for work submitted to a loop that has been stopped.
	ErrStopped = errors.New("eventloop: stopped")

	// ErrNotStarted is returned by Submit before Start, when nothing would run the task.
	ErrNotStarted = errors.New("eventloop: not started")
)

// Logger is the logging interface used by the loop.
type Logger interface {
	Error(msg string, keysAndValues ...any)
}

// Loop is a single-goroutine FIFO task runner.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	running bool

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	ctx       context.Context
	ctxCancel context.CancelFunc

	logger Logger
}

// New creates a loop. It does nothing until Start is called.
func New(logger Logger) *Loop {
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		ctx:       ctx,
		ctxCancel: cancel,
		logger:    logger,
	}
}

// Start launches the loop goroutine. Calling Start twice is a no-op.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	select {
	case <-l.stop:
		return
	default:
	}
	l.running = true
	go l.run()
}

// Stop signals the loop to exit and waits for the current task to finish.
// Queued tasks that have not started are dropped; their submitters get ErrStopped.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.ctxCancel()
		close(l.stop)
	})

	l.mu.Lock()
	started := l.running
	l.mu.Unlock()
	if started {
		<-l.done
	}
}

// Context returns the loop's lifetime context. It is cancelled by Stop.
func (l *Loop) Context() context.Context {
	return l.ctx
}

// Post schedules fn without waiting. It returns ErrStopped once Stop was called.
func (l *Loop) Post(fn func()) error {
	select {
	case <-l.stop:
		return ErrStopped
	default:
	}

	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Submit schedules fn and blocks until it has run, ctx is done, or the loop stops.
// fn receives the loop's lifetime context. A panic inside fn is returned as an error.
func (l *Loop) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	started := l.running
	l.mu.Unlock()
	if !started {
		select {
		case <-l.stop:
			return ErrStopped
		default:
			return ErrNotStarted
		}
	}

	result := make(chan error, 1)
	err := l.Post(func() {
		result <- l.call(fn)
	})
	if err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		// The task may have completed just before the loop exited.
		select {
		case err := <-result:
			return err
		default:
			return ErrStopped
		}
	}
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.stop:
			return
		case <-l.wake:
		}

		for {
			select {
			case <-l.stop:
				return
			default:
			}
			fn := l.next()
			if fn == nil {
				break
			}
			l.safeRun(fn)
		}
	}
}

func (l *Loop) next() func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn
}

// safeRun keeps a panicking Post task from killing the loop.
func (l *Loop) safeRun(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logError("task panicked", fmt.Errorf("%v", r), "stack", string(debug.Stack()))
		}
	}()
	fn()
}

func (l *Loop) call(fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("eventloop: task panicked: %v", r)
			l.logError("task panicked", err, "stack", string(debug.Stack()))
		}
	}()
	return fn(l.ctx)
}

func (l *Loop) logError(msg string, err error, keysAndValues ...any) {
	if l.logger != nil {
		l.logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
