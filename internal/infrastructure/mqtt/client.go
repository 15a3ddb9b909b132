package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/config"
)

// Client is one broker connection. The host bus and every ESPHome node link
// each own a Client.
//
// All methods are safe for concurrent use. Subscriptions survive automatic
// reconnects; handlers that panic are recovered and logged.
type Client struct {
	paho pahomqtt.Client
	opts DialOptions

	subs  *subscriptionSet
	up    atomic.Bool
	hooks hooks
}

// Logger is the subset of logging.Logger the client reports through.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// MessageHandler receives one message. paho calls handlers on its own
// goroutines; a returned error is logged and otherwise ignored.
type MessageHandler func(topic string, payload []byte) error

// hooks holds the replaceable callbacks.
type hooks struct {
	mu           sync.RWMutex
	onConnect    func()
	onDisconnect func(err error)
	logger       Logger
}

func (h *hooks) snapshot() (func(), func(error), Logger) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onConnect, h.onDisconnect, h.logger
}

// Connect opens the host bus connection described by cfg. It reconnects on
// its own and keeps a retained online/offline status on
// graylogic/system/status, backed by a Last Will.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	return Dial(context.Background(), optionsFromConfig(cfg))
}

// Dial opens a connection with explicit options. The first attempt is bounded
// by ctx and by o.ConnectTimeout.
func Dial(ctx context.Context, o DialOptions) (*Client, error) {
	c := &Client{opts: o, subs: newSubscriptionSet()}

	opts := buildClientOptions(o)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.connected() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.lost(err) })
	c.paho = pahomqtt.NewClient(opts)

	waitCtx, cancel := context.WithTimeout(ctx, connectTimeout(o))
	defer cancel()

	token := c.paho.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		}
	case <-waitCtx.Done():
		c.paho.Disconnect(0)
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, waitCtx.Err())
	}

	// paho runs the OnConnect handler asynchronously.
	c.up.Store(true)
	return c, nil
}

func (c *Client) connected() {
	c.up.Store(true)

	for _, sub := range c.subs.all() {
		c.paho.Subscribe(sub.topic, sub.qos, c.dispatch(sub.handler))
	}
	if c.opts.StatusTopic != "" {
		c.paho.Publish(c.opts.StatusTopic, c.opts.QoS, true, onlineStatus(c.opts.ClientID))
	}

	if onConnect, _, _ := c.hooks.snapshot(); onConnect != nil {
		onConnect()
	}
}

func (c *Client) lost(err error) {
	c.up.Store(false)
	if _, onDisconnect, _ := c.hooks.snapshot(); onDisconnect != nil {
		onDisconnect(err)
	}
}

// Close publishes the graceful offline status (when a status topic is set)
// and disconnects. Closing a nil client is a no-op.
func (c *Client) Close() error {
	if c == nil || c.paho == nil {
		return nil
	}
	if c.IsConnected() && c.opts.StatusTopic != "" {
		c.paho.Publish(c.opts.StatusTopic, c.opts.QoS, true, offlineStatus(c.opts.ClientID, reasonShutdown)).
			WaitTimeout(defaultPublishTimeout)
	}
	c.paho.Disconnect(defaultDisconnectQuiesce)
	c.up.Store(false)
	return nil
}

// HealthCheck reports ErrNotConnected while the broker link is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports whether both our view and paho's agree the link is up.
func (c *Client) IsConnected() bool {
	return c.up.Load() && c.paho.IsConnected()
}

// QoS returns the connection's default QoS.
func (c *Client) QoS() byte { return c.opts.QoS }

// SetOnConnect sets a callback run after every (re)connection.
func (c *Client) SetOnConnect(callback func()) {
	c.hooks.mu.Lock()
	c.hooks.onConnect = callback
	c.hooks.mu.Unlock()
}

// SetOnDisconnect sets a callback run when the link drops. Close does not
// trigger it.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.hooks.mu.Lock()
	c.hooks.onDisconnect = callback
	c.hooks.mu.Unlock()
}

// SetLogger sets where handler errors and panics are reported.
func (c *Client) SetLogger(logger Logger) {
	c.hooks.mu.Lock()
	c.hooks.logger = logger
	c.hooks.mu.Unlock()
}

// dispatch adapts a MessageHandler to paho, recovering panics.
func (c *Client) dispatch(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		_, _, logger := c.hooks.snapshot()
		defer func() {
			if r := recover(); r != nil && logger != nil {
				logger.Error("MQTT handler panic recovered", "topic", msg.Topic(), "panic", r)
			}
		}()
		if err := handler(msg.Topic(), msg.Payload()); err != nil && logger != nil {
			logger.Warn("MQTT handler returned error", "topic", msg.Topic(), "error", err)
		}
	}
}
