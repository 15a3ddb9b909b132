package esphome

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-esphome/internal/clock"
)

// Reconnect backoff defaults.
const (
	defaultInitialDelay   = time.Second
	defaultMaxDelay       = 60 * time.Second
	defaultConnectTimeout = 10 * time.Second
	backoffFactor         = 1.5
)

// Logger is the logging interface used by the package.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// ReconnectLogic keeps a Client connected.
//
// After Start, a worker goroutine connects, runs OnConnect, then waits for the
// connection to drop and connects again. Failed attempts back off
// exponentially between InitialDelay and MaxDelay. An error from OnConnect
// counts as a failed attempt: the client is disconnected and OnConnectError
// is called.
type ReconnectLogic struct {
	Client Client
	Name   string

	// OnConnect runs after every successful connection. ctx is cancelled by Stop.
	OnConnect func(ctx context.Context) error

	// OnDisconnect runs when an established connection ends. expected is true
	// only for the disconnect performed by Stop.
	OnDisconnect func(expected bool)

	// OnConnectError runs after every failed attempt.
	OnConnectError func(err error)

	InitialDelay   time.Duration
	MaxDelay       time.Duration
	ConnectTimeout time.Duration
	Clock          clock.Clock
	Logger         Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	lostCh    chan struct{}
	connected bool
}

// Start launches the worker. It returns immediately; connection progress is
// reported through the callbacks.
func (r *ReconnectLogic) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return ErrAlreadyStarted
	}

	if r.Clock == nil {
		r.Clock = clock.NewReal()
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = defaultInitialDelay
	}
	if r.MaxDelay < r.InitialDelay {
		r.MaxDelay = defaultMaxDelay
	}
	if r.ConnectTimeout <= 0 {
		r.ConnectTimeout = defaultConnectTimeout
	}

	workerCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.lostCh = make(chan struct{}, 1)

	r.Client.SetOnDisconnect(func(expected bool) {
		if expected {
			return
		}
		select {
		case r.lostCh <- struct{}{}:
		default:
		}
	})

	go r.run(workerCtx, r.done)
	return nil
}

// Stop cancels retries, disconnects the client and waits for the worker.
func (r *ReconnectLogic) Stop(ctx context.Context) {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if done == nil {
		return
	}

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Connected reports whether the last connection attempt succeeded and has not dropped.
func (r *ReconnectLogic) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *ReconnectLogic) setConnected(v bool) {
	r.mu.Lock()
	r.connected = v
	r.mu.Unlock()
}

func (r *ReconnectLogic) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	backoff := r.InitialDelay
	for {
		if ctx.Err() != nil {
			return
		}

		if err := r.attempt(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logWarn("connection attempt failed", "device", r.Name, "error", err, "retry_in", backoff.String())
			if r.OnConnectError != nil {
				r.OnConnectError(err)
			}
			select {
			case <-ctx.Done():
				return
			case <-r.Clock.After(backoff):
			}
			backoff = time.Duration(float64(backoff) * backoffFactor)
			if backoff > r.MaxDelay {
				backoff = r.MaxDelay
			}
			continue
		}

		backoff = r.InitialDelay
		r.setConnected(true)
		r.logInfo("connected", "device", r.Name)

		select {
		case <-ctx.Done():
			r.setConnected(false)
			r.disconnect()
			if r.OnDisconnect != nil {
				r.OnDisconnect(true)
			}
			return
		case <-r.lostCh:
			r.setConnected(false)
			r.logWarn("connection lost", "device", r.Name)
			if r.OnDisconnect != nil {
				r.OnDisconnect(false)
			}
		}
	}
}

// attempt connects and runs OnConnect.
func (r *ReconnectLogic) attempt(ctx context.Context) error {
	// Drop any stale loss signal from the previous connection.
	select {
	case <-r.lostCh:
	default:
	}

	connectCtx, cancel := context.WithTimeout(ctx, r.ConnectTimeout)
	defer cancel()

	if err := r.Client.Connect(connectCtx); err != nil {
		return err
	}
	if r.OnConnect != nil {
		if err := r.OnConnect(ctx); err != nil {
			r.disconnect()
			return err
		}
	}
	return nil
}

func (r *ReconnectLogic) disconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), r.ConnectTimeout)
	defer cancel()
	if err := r.Client.Disconnect(ctx); err != nil {
		r.logWarn("disconnect failed", "device", r.Name, "error", err)
	}
}

func (r *ReconnectLogic) logInfo(msg string, keysAndValues ...any) {
	if r.Logger != nil {
		r.Logger.Info(msg, keysAndValues...)
	}
}

func (r *ReconnectLogic) logWarn(msg string, keysAndValues ...any) {
	if r.Logger != nil {
		r.Logger.Warn(msg, keysAndValues...)
	}
}
