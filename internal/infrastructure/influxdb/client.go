package influxdb

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/config"
)

const (
	pingTimeout = 5 * time.Second

	// Batching used when the config leaves it unset.
	fallbackBatchSize     = 100
	fallbackFlushInterval = 10 * time.Second
)

var errUnhealthy = errors.New("server not healthy")

// pointWriter is the part of api.WriteAPI the client uses.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Client writes climate history points. Writes never block: the write API
// batches them and reports failures later through SetOnError.
//
// Safe for concurrent use.
type Client struct {
	server influxdb2.Client
	points pointWriter

	open    atomic.Bool
	onError atomic.Pointer[func(error)]
}

// Connect pings the server and opens a batched writer for cfg.Bucket.
// It returns ErrDisabled when history is turned off.
func Connect(ctx context.Context, cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	server := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, clientOptions(cfg))
	if err := ping(ctx, server, 2*pingTimeout); err != nil {
		server.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	writer := server.WriteAPI(cfg.Org, cfg.Bucket)
	c := &Client{server: server, points: writer}
	c.open.Store(true)
	go c.forwardErrors(writer.Errors())
	return c, nil
}

// clientOptions maps batch_size and flush_interval (seconds) onto the
// library options.
func clientOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	batch := uint(fallbackBatchSize)
	if cfg.BatchSize > 0 {
		batch = uint(cfg.BatchSize)
	}
	flush := fallbackFlushInterval
	if cfg.FlushInterval > 0 {
		flush = time.Duration(cfg.FlushInterval) * time.Second
	}
	return influxdb2.DefaultOptions().
		SetBatchSize(batch).
		SetFlushInterval(uint(flush.Milliseconds())) // #nosec G115 -- positive by construction
}

func ping(ctx context.Context, server influxdb2.Client, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	healthy, err := server.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	if !healthy {
		return errUnhealthy
	}
	return nil
}

// newWithWriter builds an open client around w, for tests.
func newWithWriter(w pointWriter) *Client {
	c := &Client{points: w}
	c.open.Store(true)
	return c
}

func (c *Client) forwardErrors(errs <-chan error) {
	for err := range errs {
		if fn := c.onError.Load(); fn != nil {
			(*fn)(err)
		}
	}
}

// Close flushes what is buffered and releases the connection. Calling it on
// a nil client or twice is harmless.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	if c.open.Swap(false) && c.points != nil {
		c.points.Flush()
	}
	if c.server != nil {
		c.server.Close()
	}
	return nil
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() || c.server == nil {
		return ErrNotConnected
	}
	if err := ping(ctx, c.server, pingTimeout); err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	return nil
}

// IsConnected reports whether the client is open.
func (c *Client) IsConnected() bool {
	return c != nil && c.open.Load()
}

// SetOnError sets the callback for asynchronous write errors.
func (c *Client) SetOnError(callback func(err error)) {
	if callback == nil {
		c.onError.Store(nil)
		return
	}
	c.onError.Store(&callback)
}

// Flush sends buffered points. No-op after Close.
func (c *Client) Flush() {
	if c.IsConnected() {
		c.points.Flush()
	}
}
