package esphome

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-esphome/internal/clock"
	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/mqtt"
)

// Availability payloads published by ESPHome on <node>/status.
const (
	payloadOnline  = "online"
	payloadOffline = "offline"
)

// Broker is the MQTT connection the client runs over. *mqtt.Client satisfies it.
type Broker interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	PublishString(topic string, payload string, qos byte, retained bool) error
	SetOnDisconnect(func(err error))
	IsConnected() bool
	Close() error
}

// Dialer opens a Broker for the given parameters.
type Dialer func(ctx context.Context, p ConnectParams) (Broker, error)

// MQTTOptions configures an MQTTClient.
type MQTTOptions struct {
	// DiscoveryPrefix is the Home Assistant discovery prefix. Default "homeassistant".
	DiscoveryPrefix string

	// SettleTime is how long ListEntities waits after connecting for retained
	// discovery documents to arrive.
	SettleTime time.Duration

	// ConnectTimeout bounds each broker connection attempt.
	ConnectTimeout time.Duration

	QoS   byte
	Clock clock.Clock

	// Dial overrides the broker dialer. Tests use it to inject a fake broker.
	Dial Dialer
}

// MQTTClient talks to a node through ESPHome's MQTT component.
//
// Entities are enumerated from retained discovery documents. Climate fields
// arrive on separate state topics and are merged into a full ClimateState for
// every push. The node's availability topic is treated as the connection: an
// "offline" while subscribed is reported as a disconnect.
type MQTTClient struct {
	params ConnectParams
	opts   MQTTOptions

	mu          sync.Mutex
	broker      Broker
	connectedAt time.Time
	online      string
	climates    map[uint32]discoveredClimate
	selects     map[uint32]discoveredSelect
	states      map[uint32]ClimateState
	subscribed  bool
	onState     func(State)

	onDisconnect func(expected bool)
}

// NewMQTTClient creates a client for one node. p.Node must be the node's
// MQTT topic prefix (ESPHome's default is the node name).
func NewMQTTClient(p ConnectParams, opts MQTTOptions) *MQTTClient {
	if opts.DiscoveryPrefix == "" {
		opts.DiscoveryPrefix = "homeassistant"
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewReal()
	}
	if opts.Dial == nil {
		opts.Dial = dialBroker(opts)
	}
	return &MQTTClient{params: p, opts: opts}
}

// dialBroker returns the production Dialer: a dedicated broker connection
// without paho auto-reconnect, because ReconnectLogic owns retries.
func dialBroker(opts MQTTOptions) Dialer {
	return func(ctx context.Context, p ConnectParams) (Broker, error) {
		client, err := mqtt.Dial(ctx, mqtt.DialOptions{
			Host:           p.Address,
			Port:           p.Port,
			TLS:            p.TLS,
			ClientID:       "esphome-climate-" + p.Node + "-" + uuid.NewString()[:8],
			Username:       p.Username,
			Password:       p.Password,
			QoS:            opts.QoS,
			ConnectTimeout: opts.ConnectTimeout,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

type topicHandler struct {
	topic   string
	handler mqtt.MessageHandler
}

func (c *MQTTClient) availabilityTopic() string {
	return c.params.Node + "/status"
}

func (c *MQTTClient) discoveryFilter(component string) string {
	return fmt.Sprintf("%s/%s/%s/+/config", c.opts.DiscoveryPrefix, component, c.params.Node)
}

// Connect opens a broker connection and subscribes to the node's availability
// topic and its climate and select discovery documents.
func (c *MQTTClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.broker != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	b, err := c.opts.Dial(ctx, c.params)
	if err != nil {
		return fmt.Errorf("esphome: connecting to %s:%d: %w", c.params.Address, c.params.Port, err)
	}

	c.mu.Lock()
	c.broker = b
	c.connectedAt = c.opts.Clock.Now()
	c.online = ""
	c.climates = make(map[uint32]discoveredClimate)
	c.selects = make(map[uint32]discoveredSelect)
	c.states = make(map[uint32]ClimateState)
	c.subscribed = false
	c.onState = nil
	c.mu.Unlock()

	b.SetOnDisconnect(func(err error) { c.lost(b) })

	subs := []topicHandler{
		{c.availabilityTopic(), c.handleAvailability},
		{c.discoveryFilter("climate"), c.handleDiscovery},
		{c.discoveryFilter("select"), c.handleDiscovery},
	}
	for _, s := range subs {
		if err := b.Subscribe(s.topic, c.opts.QoS, s.handler); err != nil {
			c.drop(b)
			b.Close()
			return fmt.Errorf("esphome: subscribing %s: %w", s.topic, err)
		}
	}
	return nil
}

// Disconnect closes the broker connection. The disconnect callback is not invoked.
func (c *MQTTClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	b := c.broker
	c.mu.Unlock()
	if b == nil {
		return nil
	}
	c.drop(b)
	return b.Close()
}

// drop forgets b if it is still the active broker. It reports whether it was.
func (c *MQTTClient) drop(b Broker) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broker != b {
		return false
	}
	c.broker = nil
	c.subscribed = false
	c.onState = nil
	return true
}

// lost handles an unexpected end of the connection.
func (c *MQTTClient) lost(b Broker) {
	if !c.drop(b) {
		return
	}
	// Close may block on paho's router, which could be the goroutine we are on.
	go b.Close()

	c.mu.Lock()
	cb := c.onDisconnect
	c.mu.Unlock()
	if cb != nil {
		cb(false)
	}
}

// IsConnected reports whether the broker connection is up.
func (c *MQTTClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broker != nil && c.broker.IsConnected()
}

// SetOnDisconnect registers cb for a lost broker connection or an offline node.
func (c *MQTTClient) SetOnDisconnect(cb func(expected bool)) {
	c.mu.Lock()
	c.onDisconnect = cb
	c.mu.Unlock()
}

// ListEntities returns the entities whose discovery documents arrived within
// the settle time after Connect.
func (c *MQTTClient) ListEntities(ctx context.Context) ([]EntityInfo, error) {
	c.mu.Lock()
	if c.broker == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	wait := c.opts.SettleTime - c.opts.Clock.Since(c.connectedAt)
	c.mu.Unlock()

	if wait > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.opts.Clock.After(wait):
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broker == nil {
		return nil, ErrNotConnected
	}
	if c.online == payloadOffline {
		return nil, ErrNodeOffline
	}
	return sortedEntities(c.climates, c.selects), nil
}

// SubscribeStates subscribes to the state topics of every listed entity.
func (c *MQTTClient) SubscribeStates(ctx context.Context, cb func(State)) error {
	c.mu.Lock()
	b := c.broker
	if b == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.onState = cb
	c.subscribed = true

	var subs []topicHandler
	add := func(topic string, h mqtt.MessageHandler) {
		if topic != "" {
			subs = append(subs, topicHandler{topic, h})
		}
	}
	for key, d := range c.climates {
		key := key
		add(d.topics.modeState, c.climateField(key, setMode))
		add(d.topics.action, c.climateField(key, setAction))
		add(d.topics.fanModeState, c.climateField(key, setFanMode))
		add(d.topics.tempState, c.climateField(key, setTarget))
		add(d.topics.currentTemp, c.climateField(key, setCurrent))
	}
	for key, d := range c.selects {
		key := key
		add(d.topics.state, func(_ string, payload []byte) error {
			c.emit(SelectState{Key: key, State: string(payload), MissingState: len(payload) == 0})
			return nil
		})
	}
	offline := c.online == payloadOffline
	c.mu.Unlock()

	if offline {
		c.lost(b)
		return ErrNodeOffline
	}

	for _, s := range subs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := b.Subscribe(s.topic, c.opts.QoS, s.handler); err != nil {
			return fmt.Errorf("esphome: subscribing %s: %w", s.topic, err)
		}
	}
	return nil
}

// fieldSetter applies one state topic payload to a ClimateState.
type fieldSetter func(st *ClimateState, payload string) bool

func setMode(st *ClimateState, p string) bool {
	m, ok := ParseClimateMode(p)
	if ok {
		st.Mode, st.HasMode = m, true
	}
	return ok
}

func setAction(st *ClimateState, p string) bool {
	a, ok := ParseClimateAction(p)
	if ok {
		st.Action, st.HasAction = a, true
	}
	return ok
}

func setFanMode(st *ClimateState, p string) bool {
	f, ok := ParseClimateFanMode(p)
	if ok {
		st.FanMode, st.HasFanMode = f, true
	}
	return ok
}

func setTarget(st *ClimateState, p string) bool {
	st.TargetTemperature = parseTemperature(p)
	return true
}

func setCurrent(st *ClimateState, p string) bool {
	st.CurrentTemperature = parseTemperature(p)
	return true
}

// parseTemperature returns NaN for "nan" and anything unparsable.
func parseTemperature(p string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

func (c *MQTTClient) climateField(key uint32, set fieldSetter) mqtt.MessageHandler {
	return func(_ string, payload []byte) error {
		c.mu.Lock()
		st, ok := c.states[key]
		if !ok {
			st = newClimateState(key)
		}
		if !set(&st, string(payload)) {
			c.mu.Unlock()
			return fmt.Errorf("esphome: unrecognised climate payload %q", payload)
		}
		c.states[key] = st
		c.mu.Unlock()

		c.emit(st)
		return nil
	}
}

func (c *MQTTClient) emit(s State) {
	c.mu.Lock()
	cb := c.onState
	c.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (c *MQTTClient) handleAvailability(_ string, payload []byte) error {
	status := strings.TrimSpace(string(payload))

	c.mu.Lock()
	c.online = status
	b := c.broker
	subscribed := c.subscribed
	c.mu.Unlock()

	if status == payloadOffline && subscribed && b != nil {
		c.lost(b)
	}
	return nil
}

func (c *MQTTClient) handleDiscovery(topic string, payload []byte) error {
	component, _, objectID, ok := discoveryTopicParts(c.opts.DiscoveryPrefix, topic)
	if !ok || len(payload) == 0 {
		return nil
	}

	switch component {
	case "climate":
		d, err := parseClimateDiscovery(objectID, payload)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.climates[d.info.Key] = d
		c.mu.Unlock()
	case "select":
		d, err := parseSelectDiscovery(objectID, payload)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.selects[d.info.Key] = d
		c.mu.Unlock()
	}
	return nil
}

// ClimateCommand publishes each field set in cmd to its command topic.
func (c *MQTTClient) ClimateCommand(ctx context.Context, cmd ClimateCommand) error {
	c.mu.Lock()
	b := c.broker
	d, ok := c.climates[cmd.Key]
	c.mu.Unlock()
	if b == nil {
		return ErrNotConnected
	}
	if !ok {
		return fmt.Errorf("%w: climate key %d", ErrUnknownEntity, cmd.Key)
	}

	var writes [][2]string
	if cmd.Mode != nil && d.topics.modeCommand != "" {
		writes = append(writes, [2]string{d.topics.modeCommand, cmd.Mode.Payload()})
	}
	if cmd.TargetTemperature != nil && d.topics.tempCommand != "" {
		writes = append(writes, [2]string{d.topics.tempCommand, strconv.FormatFloat(*cmd.TargetTemperature, 'f', 1, 64)})
	}
	if cmd.FanMode != nil && d.topics.fanModeCommand != "" {
		writes = append(writes, [2]string{d.topics.fanModeCommand, cmd.FanMode.Payload()})
	}

	for _, w := range writes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.PublishString(w[0], w[1], c.opts.QoS, false); err != nil {
			return fmt.Errorf("esphome: climate command: %w", err)
		}
	}
	return nil
}

// SelectCommand publishes the option to the select's command topic.
func (c *MQTTClient) SelectCommand(ctx context.Context, cmd SelectCommand) error {
	c.mu.Lock()
	b := c.broker
	d, ok := c.selects[cmd.Key]
	c.mu.Unlock()
	if b == nil {
		return ErrNotConnected
	}
	if !ok {
		return fmt.Errorf("%w: select key %d", ErrUnknownEntity, cmd.Key)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.PublishString(d.topics.command, cmd.State, c.opts.QoS, false); err != nil {
		return fmt.Errorf("esphome: select command: %w", err)
	}
	return nil
}
