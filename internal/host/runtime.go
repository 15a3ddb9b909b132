package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-esphome/internal/bridges/esphome"
	"github.com/nerrad567/gray-logic-esphome/internal/device"
	"github.com/nerrad567/gray-logic-esphome/internal/thermostat"
)

const (
	// callbackTimeout bounds the registry writes made from plugin callbacks.
	callbackTimeout = 5 * time.Second

	pruneInterval = time.Hour

	// ErrorStateConfiguration is shown on a device whose props the plugin
	// rejected at start.
	ErrorStateConfiguration = "Configuration Error"
)

// Logger defines the logging interface used by the runtime.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Plugin is the part of the ESPHome climate plugin the runtime drives.
// *esphome.Plugin satisfies it.
type Plugin interface {
	Startup()
	Shutdown(ctx context.Context)
	DeviceStartComm(ctx context.Context, dev esphome.Device) error
	DeviceStopComm(ctx context.Context, deviceID string) error
	ActionControlThermostat(ctx context.Context, deviceID string, action thermostat.Action) error
	ActionControlUniversal(ctx context.Context, deviceID string, kind thermostat.UniversalKind) error
	ActionCustom(ctx context.Context, deviceID, name string, props map[string]string) error
	SupportedFanSpeeds(ctx context.Context, deviceID string) []thermostat.Option
	VerticalVaneModes(ctx context.Context, deviceID string) []thermostat.Option
	ClosedPrefsConfig(values map[string]string, cancelled bool)
}

// Options configures a Runtime.
type Options struct {
	// Registry stores devices. Required.
	Registry *device.Registry

	// Logger is optional.
	Logger Logger

	// HistoryRetention is how long state history is kept. Zero keeps it
	// forever.
	HistoryRetention time.Duration

	// EventBuffer is the number of events queued for sinks. Default: 256.
	EventBuffer int
}

// NewDevice describes a device to add.
type NewDevice struct {
	// ID is optional; it is derived from Name when empty.
	ID      string
	Name    string
	Enabled bool
	Props   map[string]string
}

// DeviceStats summarises the managed devices.
type DeviceStats struct {
	Managed   int
	Started   int
	Connected int
	InError   int
}

// Runtime hosts the plugin. It implements esphome.Host.
type Runtime struct {
	registry  *device.Registry
	logger    Logger
	retention time.Duration
	events    *dispatcher

	plugin Plugin

	// mu guards running and started.
	mu      sync.Mutex
	running bool
	started map[string]bool

	// lifecycleMu serialises device start/stop across add, update and remove.
	lifecycleMu sync.Mutex

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

var _ esphome.Host = (*Runtime)(nil)

// New creates a runtime. Attach a plugin with SetPlugin before Start.
func New(opts Options) (*Runtime, error) {
	if opts.Registry == nil {
		return nil, errors.New("host: registry is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Runtime{
		registry:  opts.Registry,
		logger:    logger,
		retention: opts.HistoryRetention,
		events:    newDispatcher(opts.EventBuffer, logger),
		started:   make(map[string]bool),
		done:      make(chan struct{}),
	}, nil
}

// SetPlugin attaches the plugin. The plugin is created with the runtime as
// its Host, so this happens after New.
func (r *Runtime) SetPlugin(p Plugin) {
	r.plugin = p
}

// AddSink registers a sink for device events.
func (r *Runtime) AddSink(sink StateSink) {
	r.events.add(sink)
}

// Start starts the plugin and communication with every enabled device.
// A device that fails to start is logged and marked with an error state;
// it does not stop the others.
func (r *Runtime) Start(ctx context.Context) error {
	if r.plugin == nil {
		return errors.New("host: plugin is required")
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.running = true
	r.mu.Unlock()

	r.events.start()
	r.plugin.Startup()

	r.lifecycleMu.Lock()
	for _, d := range r.registry.ListDevices() {
		if !d.Enabled {
			continue
		}
		r.startDevice(ctx, &d)
	}
	r.lifecycleMu.Unlock()

	if r.retention > 0 {
		r.wg.Add(1)
		go r.pruneLoop()
	}

	r.logger.Info("runtime started", "devices", r.registry.GetDeviceCount())
	return nil
}

// Stop stops every started device, then the plugin, then event delivery.
// Safe to call more than once.
func (r *Runtime) Stop(ctx context.Context) {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		wasRunning := r.running
		r.running = false
		r.mu.Unlock()

		close(r.done)
		r.wg.Wait()

		if wasRunning {
			r.lifecycleMu.Lock()
			for _, id := range r.startedIDs() {
				r.stopDevice(ctx, id)
			}
			r.lifecycleMu.Unlock()
			r.plugin.Shutdown(ctx)
		}

		r.events.stop()
		r.logger.Info("runtime stopped")
	})
}

// Running reports whether Start has been called and Stop has not.
func (r *Runtime) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// States implements esphome.Host.
func (r *Runtime) States(deviceID string) map[string]any {
	return r.registry.States(deviceID)
}

// UpdateStates implements esphome.Host. Changed values are persisted and
// fanned out; unchanged values are dropped.
func (r *Runtime) UpdateStates(deviceID string, updates []thermostat.StateUpdate) {
	if len(updates) == 0 {
		return
	}

	states := make(device.States, len(updates))
	var ui map[string]string
	for _, u := range updates {
		states[u.Key] = u.Value
		if u.UIValue != "" {
			if ui == nil {
				ui = make(map[string]string)
			}
			ui[u.Key] = u.UIValue
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	changed, err := r.registry.ApplyStates(ctx, deviceID, states, device.StateHistorySourcePlugin)
	if err != nil {
		r.logger.Warn("applying device states failed", "device", deviceID, "error", err)
		return
	}
	if len(changed) == 0 {
		return
	}

	for k := range ui {
		if _, ok := changed[k]; !ok {
			delete(ui, k)
		}
	}
	r.emitFor(ctx, deviceID, Event{Type: EventStateChanged, Changed: changed, UIValues: ui})
}

// SetErrorState implements esphome.Host.
func (r *Runtime) SetErrorState(deviceID string, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	changed, err := r.registry.SetErrorState(ctx, deviceID, msg)
	if err != nil {
		r.logger.Warn("setting device error state failed", "device", deviceID, "error", err)
		return
	}
	if changed {
		r.emitFor(ctx, deviceID, Event{Type: EventErrorChanged})
	}
}

// ReplacePluginProps implements esphome.Host.
func (r *Runtime) ReplacePluginProps(deviceID string, props map[string]string) {
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	if err := r.registry.ReplaceProps(ctx, deviceID, device.Props(props)); err != nil {
		r.logger.Warn("replacing device props failed", "device", deviceID, "error", err)
	}
}

// emitFor fills in the device snapshot and queues ev.
func (r *Runtime) emitFor(ctx context.Context, deviceID string, ev Event) {
	dev, err := r.registry.GetDevice(ctx, deviceID)
	if err != nil {
		return
	}
	ev.DeviceID = dev.ID
	ev.Name = dev.Name
	ev.States = dev.States
	ev.ErrorState = dev.ErrorState
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	r.events.emit(ev)
}

// Devices returns every device ordered by name.
func (r *Runtime) Devices() []device.Device {
	return r.registry.ListDevices()
}

// Device returns one device.
func (r *Runtime) Device(ctx context.Context, id string) (*device.Device, error) {
	return r.registry.GetDevice(ctx, id)
}

// History returns a device's recent state changes, newest first.
func (r *Runtime) History(ctx context.Context, id string, limit int) ([]device.StateHistoryEntry, error) {
	if _, err := r.registry.GetDevice(ctx, id); err != nil {
		return nil, err
	}
	return r.registry.History(ctx, id, limit)
}

// AddDevice validates props with the plugin's rules, persists the device
// and, when the runtime is running and the device enabled, starts
// communication. Invalid props return an *esphome.ValidationError.
func (r *Runtime) AddDevice(ctx context.Context, nd NewDevice) (*device.Device, error) {
	if fields := esphome.ValidateDeviceConfig(nd.Props); len(fields) > 0 {
		return nil, &esphome.ValidationError{Fields: fields}
	}

	dev := &device.Device{
		ID:      nd.ID,
		Name:    nd.Name,
		Enabled: nd.Enabled,
		Props:   device.Props(nd.Props).Clone(),
	}
	if err := r.registry.CreateDevice(ctx, dev); err != nil {
		return nil, err
	}
	r.emitFor(ctx, dev.ID, Event{Type: EventDeviceAdded})

	if dev.Enabled && r.Running() {
		r.lifecycleMu.Lock()
		r.startDevice(ctx, dev)
		r.lifecycleMu.Unlock()
	}
	return r.registry.GetDevice(ctx, dev.ID)
}

// UpdateDevice changes a device's name, enabled flag and props. A running
// device is restarted so new connection props take effect.
func (r *Runtime) UpdateDevice(ctx context.Context, id string, name string, enabled bool, props map[string]string) (*device.Device, error) {
	if fields := esphome.ValidateDeviceConfig(props); len(fields) > 0 {
		return nil, &esphome.ValidationError{Fields: fields}
	}

	existing, err := r.registry.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}

	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if r.isStarted(id) {
		r.stopDevice(ctx, id)
	}

	existing.Name = name
	existing.Enabled = enabled
	existing.Props = device.Props(props).Clone()
	if err := r.registry.UpdateDevice(ctx, existing); err != nil {
		return nil, err
	}

	if enabled && r.Running() {
		r.startDevice(ctx, existing)
	} else if !enabled {
		r.SetErrorState(id, "")
	}
	return r.registry.GetDevice(ctx, id)
}

// RemoveDevice stops communication with a device and deletes it.
func (r *Runtime) RemoveDevice(ctx context.Context, id string) error {
	if _, err := r.registry.GetDevice(ctx, id); err != nil {
		return err
	}

	r.lifecycleMu.Lock()
	if r.isStarted(id) {
		r.stopDevice(ctx, id)
	}
	r.lifecycleMu.Unlock()

	if err := r.registry.DeleteDevice(ctx, id); err != nil {
		return err
	}
	r.events.emit(Event{Type: EventDeviceRemoved, DeviceID: id, Timestamp: time.Now().UTC()})
	return nil
}

// ExecuteThermostatAction forwards a thermostat action to the plugin.
func (r *Runtime) ExecuteThermostatAction(ctx context.Context, id string, action thermostat.Action) error {
	if err := r.requireStarted(ctx, id); err != nil {
		return err
	}
	r.logger.Debug("thermostat action", "device", id, "action", string(action.Kind))
	return r.plugin.ActionControlThermostat(ctx, id, action)
}

// ExecuteUniversalAction forwards a device-independent action to the plugin.
func (r *Runtime) ExecuteUniversalAction(ctx context.Context, id string, kind thermostat.UniversalKind) error {
	if err := r.requireStarted(ctx, id); err != nil {
		return err
	}
	return r.plugin.ActionControlUniversal(ctx, id, kind)
}

// ExecuteCustomAction forwards a custom action (setFanSpeed,
// setVerticalVaneMode) to the plugin.
func (r *Runtime) ExecuteCustomAction(ctx context.Context, id, name string, props map[string]string) error {
	if err := r.requireStarted(ctx, id); err != nil {
		return err
	}
	return r.plugin.ActionCustom(ctx, id, name, props)
}

// FanSpeeds lists the fan speeds a device supports.
func (r *Runtime) FanSpeeds(ctx context.Context, id string) ([]thermostat.Option, error) {
	if _, err := r.registry.GetDevice(ctx, id); err != nil {
		return nil, err
	}
	return r.plugin.SupportedFanSpeeds(ctx, id), nil
}

// VaneModes lists a device's vertical vane modes.
func (r *Runtime) VaneModes(ctx context.Context, id string) ([]thermostat.Option, error) {
	if _, err := r.registry.GetDevice(ctx, id); err != nil {
		return nil, err
	}
	return r.plugin.VerticalVaneModes(ctx, id), nil
}

// ApplyPrefs passes plugin preferences (debugEnabled, temperatureUnit) to
// the plugin as if its preferences dialog had been saved.
func (r *Runtime) ApplyPrefs(values map[string]string) {
	if r.plugin != nil {
		r.plugin.ClosedPrefsConfig(values, false)
	}
}

// Stats counts managed, started, connected and errored devices.
func (r *Runtime) Stats() DeviceStats {
	devices := r.registry.ListDevices()
	r.mu.Lock()
	defer r.mu.Unlock()

	s := DeviceStats{Managed: len(devices)}
	for _, d := range devices {
		if d.HasError() {
			s.InError++
		}
		if r.started[d.ID] {
			s.Started++
			if !d.HasError() {
				s.Connected++
			}
		}
	}
	return s
}

func (r *Runtime) startDevice(ctx context.Context, d *device.Device) {
	err := r.plugin.DeviceStartComm(ctx, esphome.Device{ID: d.ID, Name: d.Name, Props: d.Props.Clone()})
	if err != nil {
		r.logger.Error("starting device failed", "device", d.ID, "error", err)
		if errors.Is(err, esphome.ErrInvalidConfig) {
			r.SetErrorState(d.ID, ErrorStateConfiguration)
		}
		return
	}
	r.mu.Lock()
	r.started[d.ID] = true
	r.mu.Unlock()
	r.logger.Info("device started", "device", d.ID, "name", d.Name)
}

func (r *Runtime) stopDevice(ctx context.Context, id string) {
	if err := r.plugin.DeviceStopComm(ctx, id); err != nil {
		r.logger.Warn("stopping device failed", "device", id, "error", err)
	}
	r.mu.Lock()
	delete(r.started, id)
	r.mu.Unlock()
}

func (r *Runtime) isStarted(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started[id]
}

func (r *Runtime) startedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.started))
	for id := range r.started {
		ids = append(ids, id)
	}
	return ids
}

func (r *Runtime) requireStarted(ctx context.Context, id string) error {
	if _, err := r.registry.GetDevice(ctx, id); err != nil {
		return err
	}
	if !r.isStarted(id) {
		return fmt.Errorf("%w: %s", ErrDeviceNotStarted, id)
	}
	return nil
}

func (r *Runtime) pruneLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	r.prune()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.prune()
		}
	}
}

func (r *Runtime) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()
	if _, err := r.registry.PruneHistory(ctx, r.retention); err != nil {
		r.logger.Warn("pruning state history failed", "error", err)
	}
}
