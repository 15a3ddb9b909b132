package esphome

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-esphome/internal/clock"
	esp "github.com/nerrad567/gray-logic-esphome/internal/esphome"
	"github.com/nerrad567/gray-logic-esphome/internal/eventloop"
	"github.com/nerrad567/gray-logic-esphome/internal/thermostat"
)

// Plugin defaults.
const (
	// DefaultCommandDelay is how long a command waits for a newer one before
	// it is sent. The node forwards commands over a 2400 bps serial link.
	DefaultCommandDelay = time.Second

	// defaultCommandTimeout bounds sending one command to a node.
	defaultCommandTimeout = 5 * time.Second

	// PropShowCoolHeatEquipmentStateUI tells the host to show the
	// heater/cooler on indicators for the device.
	PropShowCoolHeatEquipmentStateUI = "ShowCoolHeatEquipmentStateUI"

	// vaneMarker identifies the select entity that drives the vertical vane.
	vaneMarker = "down"
)

// Error states shown on the host device.
const (
	ErrorStateDisconnected    = "Disconnected"
	ErrorStateConnectionError = "Connection Error"
)

// Logger is the logging interface used by the plugin.
// *logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// debugSwitch is implemented by loggers whose level can change at runtime.
type debugSwitch interface {
	SetDebug(enabled bool)
}

// Device is the host's view of a device being started.
type Device struct {
	ID    string
	Name  string
	Props map[string]string
}

// Host is the plugin runtime the plugin reports to.
// Implementations must be safe for concurrent use.
type Host interface {
	// States returns a copy of the device's current states, or nil.
	States(deviceID string) map[string]any

	// UpdateStates applies state changes to the device.
	UpdateStates(deviceID string, updates []thermostat.StateUpdate)

	// SetErrorState shows msg as the device's error. An empty msg clears it.
	SetErrorState(deviceID string, msg string)

	// ReplacePluginProps replaces the device's props.
	ReplacePluginProps(deviceID string, props map[string]string)
}

// ClientFactory creates the client for one node.
type ClientFactory func(p esp.ConnectParams) esp.Client

// Options configures a Plugin.
type Options struct {
	// Host receives state updates. Required.
	Host Host

	// Logger is optional.
	Logger Logger

	// Clock drives the command debounce. Default: real time.
	Clock clock.Clock

	// CommandDelay is the debounce delay. Default: DefaultCommandDelay.
	CommandDelay time.Duration

	// CommandTimeout bounds sending one command. Default: 5 seconds.
	CommandTimeout time.Duration

	// Fahrenheit shows temperatures in °F on the host.
	Fahrenheit bool

	// NewClient overrides the client factory. Default: a native API client
	// built with Native, or an MQTT client built with MQTT for devices whose
	// transport prop is "mqtt".
	NewClient ClientFactory
	Native    esp.NativeOptions
	MQTT      esp.MQTTOptions

	// Reconnect backoff. Zero values use the esphome package defaults.
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	ConnectTimeout time.Duration

	// Metrics is optional.
	Metrics *Metrics
}

// Plugin is the ESPHome climate plugin.
type Plugin struct {
	host           Host
	logger         Logger
	clock          clock.Clock
	commandDelay   time.Duration
	commandTimeout time.Duration
	newClient      ClientFactory
	opts           Options
	metrics        *Metrics

	loop *eventloop.Loop

	// devices is only touched on the loop goroutine.
	devices map[string]*deviceInfo

	started atomic.Bool

	prefsMu    sync.RWMutex
	fahrenheit bool
}

// deviceInfo is the connection state of one device. Fields are owned by the
// loop goroutine.
type deviceInfo struct {
	id        string
	name      string
	props     map[string]string
	client    esp.Client
	reconnect *esp.ReconnectLogic

	hasClimate         bool
	climateKey         uint32
	supportedModes     []esp.ClimateMode
	supportedFanSpeeds []esp.ClimateFanMode

	hasVane            bool
	vaneKey            uint32
	supportedVaneModes []string

	lastClimate *esp.ClimateState
	lastVane    string

	pending *pendingCommand
	seq     uint64
}

// New creates a plugin. Call Startup before starting devices.
func New(opts Options) (*Plugin, error) {
	if opts.Host == nil {
		return nil, errors.New("host is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewReal()
	}
	if opts.CommandDelay <= 0 {
		opts.CommandDelay = DefaultCommandDelay
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}

	p := &Plugin{
		host:           opts.Host,
		logger:         opts.Logger,
		clock:          opts.Clock,
		commandDelay:   opts.CommandDelay,
		commandTimeout: opts.CommandTimeout,
		newClient:      opts.NewClient,
		opts:           opts,
		metrics:        opts.Metrics,
		devices:        make(map[string]*deviceInfo),
		fahrenheit:     opts.Fahrenheit,
	}
	if p.newClient == nil {
		p.newClient = defaultClientFactory(opts)
	}
	p.loop = eventloop.New(opts.Logger)
	return p, nil
}

func defaultClientFactory(opts Options) ClientFactory {
	nativeOpts, mqttOpts := opts.Native, opts.MQTT
	if nativeOpts.Clock == nil {
		nativeOpts.Clock = opts.Clock
	}
	if nativeOpts.ConnectTimeout <= 0 {
		nativeOpts.ConnectTimeout = opts.ConnectTimeout
	}
	if mqttOpts.Clock == nil {
		mqttOpts.Clock = opts.Clock
	}
	return func(cp esp.ConnectParams) esp.Client {
		if cp.Transport == esp.TransportMQTT {
			return esp.NewMQTTClient(cp, mqttOpts)
		}
		return esp.NewNativeClient(cp, nativeOpts)
	}
}

// Startup starts the plugin's event loop.
func (p *Plugin) Startup() {
	p.logDebug("startup called")
	p.started.Store(true)
	p.loop.Start()
}

// Shutdown stops every device that is still running and then the event loop.
func (p *Plugin) Shutdown(ctx context.Context) {
	p.logDebug("shutdown called")
	if !p.started.Load() {
		p.loop.Stop()
		return
	}

	var running []*deviceInfo
	//nolint:errcheck // loop already stopped means nothing is running
	p.loop.Submit(ctx, func(context.Context) error {
		for id, info := range p.devices {
			info.cancelPending()
			running = append(running, info)
			delete(p.devices, id)
		}
		return nil
	})
	for _, info := range running {
		p.stopDevice(ctx, info)
	}
	p.loop.Stop()
}

// DeviceStartComm registers a device and starts connecting to it. It returns
// once the reconnect helper is running; the connection itself is reported
// through the device's error state.
func (p *Plugin) DeviceStartComm(ctx context.Context, dev Device) error {
	p.logDebug("deviceStartComm", "device", dev.Name)

	params, err := ConnectParamsFromProps(dev.Props)
	if err != nil {
		return err
	}

	info := &deviceInfo{
		id:     dev.ID,
		name:   dev.Name,
		props:  maps.Clone(dev.Props),
		client: p.newClient(params),
	}
	if info.name == "" {
		info.name = dev.ID
	}
	info.reconnect = &esp.ReconnectLogic{
		Client:         info.client,
		Name:           info.name,
		OnConnect:      func(ctx context.Context) error { return p.onConnect(ctx, info) },
		OnDisconnect:   func(expected bool) { p.onDisconnect(info, expected) },
		OnConnectError: func(err error) { p.onConnectError(info, err) },
		InitialDelay:   p.opts.InitialDelay,
		MaxDelay:       p.opts.MaxDelay,
		ConnectTimeout: p.opts.ConnectTimeout,
		Clock:          p.clock,
		Logger:         p.logger,
	}

	return p.loop.Submit(ctx, func(loopCtx context.Context) error {
		if _, ok := p.devices[dev.ID]; ok {
			return fmt.Errorf("%w: %s", ErrDeviceStarted, dev.ID)
		}
		if err := info.reconnect.Start(loopCtx); err != nil {
			return err
		}
		p.devices[dev.ID] = info
		return nil
	})
}

// DeviceStopComm cancels the device's pending command, stops reconnecting,
// closes the connection and forgets the device.
func (p *Plugin) DeviceStopComm(ctx context.Context, deviceID string) error {
	p.logDebug("deviceStopComm", "device", deviceID)

	var info *deviceInfo
	err := p.loop.Submit(ctx, func(context.Context) error {
		info = p.devices[deviceID]
		if info == nil {
			return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
		}
		info.cancelPending()
		delete(p.devices, deviceID)
		return nil
	})
	if err != nil {
		return err
	}

	// Stopping waits for the reconnect worker, which may itself be waiting
	// on the loop, so it runs here rather than in a loop task.
	p.stopDevice(ctx, info)
	return nil
}

func (p *Plugin) stopDevice(ctx context.Context, info *deviceInfo) {
	info.reconnect.Stop(ctx)
	if err := info.client.Disconnect(ctx); err != nil {
		p.logWarn("disconnect failed", "device", info.name, "error", err)
	}
}

// discovered holds the entities a node exposes that the plugin uses.
type discovered struct {
	climate *esp.ClimateInfo
	vane    *esp.SelectInfo
}

// findEntities picks the first climate entity and the first select entity
// offering the vane marker.
func (p *Plugin) findEntities(name string, entities []esp.EntityInfo) (discovered, error) {
	var d discovered
	for _, e := range entities {
		p.logDebug("entity", "device", name, "key", e.EntityKey(), "object_id", e.EntityObjectID())
		switch ent := e.(type) {
		case esp.ClimateInfo:
			if d.climate != nil {
				p.logWarn("more than one climate entity found, only using the first", "device", name)
				continue
			}
			d.climate = &ent
		case esp.SelectInfo:
			if !ent.HasOption(vaneMarker) {
				continue
			}
			if d.vane != nil {
				p.logWarn("more than one select entity with a 'down' option found, only using the first", "device", name)
				continue
			}
			d.vane = &ent
		}
	}
	if d.climate == nil {
		return d, ErrNoClimateEntity
	}
	return d, nil
}

func (info *deviceInfo) apply(d discovered) {
	info.hasClimate = true
	info.climateKey = d.climate.Key
	info.supportedModes = d.climate.SupportedModes
	info.supportedFanSpeeds = d.climate.SupportedFanModes

	info.hasVane = d.vane != nil
	if d.vane != nil {
		info.vaneKey = d.vane.Key
		info.supportedVaneModes = d.vane.Options
	} else {
		info.vaneKey = 0
		info.supportedVaneModes = nil
	}
}

// onConnect runs on the reconnect worker after every successful connection.
func (p *Plugin) onConnect(ctx context.Context, info *deviceInfo) error {
	p.logDebug("onConnect", "device", info.name)

	entities, err := info.client.ListEntities(ctx)
	if err != nil {
		return fmt.Errorf("listing entities: %w", err)
	}
	found, err := p.findEntities(info.name, entities)
	if err != nil {
		return err
	}
	p.logDebug("found climate entity", "device", info.name, "key", found.climate.Key)
	if found.vane != nil {
		p.logDebug("found vertical vane entity", "device", info.name, "key", found.vane.Key)
	}

	var props map[string]string
	err = p.loop.Submit(ctx, func(context.Context) error {
		if p.devices[info.id] != info {
			return fmt.Errorf("%w: %s", ErrUnknownDevice, info.id)
		}
		info.apply(found)
		info.props[PropShowCoolHeatEquipmentStateUI] = "true"
		props = maps.Clone(info.props)
		return nil
	})
	if err != nil {
		return err
	}
	p.host.ReplacePluginProps(info.id, props)
	p.host.SetErrorState(info.id, "")

	err = info.client.SubscribeStates(ctx, func(st esp.State) {
		p.post(func() { p.handleState(info, st) })
	})
	if err != nil {
		return fmt.Errorf("subscribing to states: %w", err)
	}
	p.metrics.connected(1)
	return nil
}

func (p *Plugin) onDisconnect(info *deviceInfo, expected bool) {
	p.metrics.connected(-1)
	if expected {
		p.logDebug("onDisconnect", "device", info.name, "expected", true)
		return
	}
	p.logWarn("device disconnected", "device", info.name)
	p.host.SetErrorState(info.id, ErrorStateDisconnected)
}

func (p *Plugin) onConnectError(info *deviceInfo, err error) {
	p.logError("onConnectError", "device", info.name, "error", err)
	p.host.SetErrorState(info.id, ErrorStateConnectionError)
}

// post hands fn to the loop, dropping it once the loop has stopped.
func (p *Plugin) post(fn func()) {
	if err := p.loop.Post(fn); err != nil {
		p.logDebug("dropping work after shutdown", "error", err)
	}
}

// converter returns the temperature policy for the current preferences.
func (p *Plugin) converter() TemperatureConverter {
	p.prefsMu.RLock()
	defer p.prefsMu.RUnlock()
	return TemperatureConverter{Fahrenheit: p.fahrenheit, Logger: p.logger}
}

func (p *Plugin) logDebug(msg string, keysAndValues ...any) {
	if p.logger != nil {
		p.logger.Debug(msg, keysAndValues...)
	}
}

func (p *Plugin) logInfo(msg string, keysAndValues ...any) {
	if p.logger != nil {
		p.logger.Info(msg, keysAndValues...)
	}
}

func (p *Plugin) logWarn(msg string, keysAndValues ...any) {
	if p.logger != nil {
		p.logger.Warn(msg, keysAndValues...)
	}
}

func (p *Plugin) logError(msg string, keysAndValues ...any) {
	if p.logger != nil {
		p.logger.Error(msg, keysAndValues...)
	}
}
