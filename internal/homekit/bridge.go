package homekit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/brutella/hc"
	"github.com/brutella/hc/accessory"

	"github.com/nerrad567/gray-logic-esphome/internal/device"
	"github.com/nerrad567/gray-logic-esphome/internal/host"
)

// commandTimeout bounds one command started from the Home app.
const commandTimeout = 10 * time.Second

// Logger defines the logging interface used by the bridge.
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

// Executor runs host commands. *host.Runtime satisfies it.
type Executor interface {
	Execute(ctx context.Context, deviceID string, cmd host.Command) error
}

// Options configures a Bridge.
type Options struct {
	// Name is the bridge accessory name shown in the Home app.
	Name string

	// Pin is the eight-digit pairing code.
	Pin string

	// StoragePath holds pairing keys. Default: the hc library's default.
	StoragePath string

	Executor Executor

	// Fahrenheit reports whether host temperatures are in °F. Optional.
	Fahrenheit func() bool

	Logger Logger
}

// Bridge publishes host climate devices to HomeKit.
type Bridge struct {
	opts   Options
	logger Logger

	mu          sync.Mutex
	climates    map[string]*climate
	transport   hc.Transport
	running     bool
	transportWG sync.WaitGroup

	// commands tracks in-flight Execute calls.
	commands sync.WaitGroup
}

var _ host.StateSink = (*Bridge)(nil)

// New creates a Bridge. Add devices before Start.
func New(opts Options) (*Bridge, error) {
	if opts.Executor == nil {
		return nil, ErrNoExecutor
	}
	if !validPin(opts.Pin) {
		return nil, ErrInvalidPin
	}
	if opts.Name == "" {
		opts.Name = "ESPHome Climate"
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Bridge{
		opts:     opts,
		logger:   logger,
		climates: make(map[string]*climate),
	}, nil
}

func validPin(pin string) bool {
	if len(pin) != 8 {
		return false
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Add creates the accessory for a device and mirrors its current states.
// Adding a known device only refreshes its states.
func (b *Bridge) Add(dev device.Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addLocked(dev.ID, dev.Name).apply(dev.States, dev.ErrorState)
}

func (b *Bridge) addLocked(id, name string) *climate {
	if c, ok := b.climates[id]; ok {
		return c
	}
	c := newClimate(id, name, func(cmd host.Command) { b.execute(id, cmd) }, b.opts.Fahrenheit)
	b.climates[id] = c
	return c
}

// Start creates the HAP transport for the current accessories and serves it
// in the background.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return ErrAlreadyRunning
	}

	bridge := accessory.NewBridge(accessory.Info{
		Name:         b.opts.Name,
		Manufacturer: "Gray Logic",
	})
	accs := make([]*accessory.Accessory, 0, len(b.climates))
	for _, c := range b.climates {
		accs = append(accs, c.acc.Accessory)
	}

	transport, err := hc.NewIPTransport(hc.Config{
		Pin:         b.opts.Pin,
		StoragePath: b.opts.StoragePath,
	}, bridge.Accessory, accs...)
	if err != nil {
		return fmt.Errorf("creating homekit transport: %w", err)
	}

	b.transport = transport
	b.running = true
	b.transportWG.Add(1)
	go func() {
		defer b.transportWG.Done()
		transport.Start()
	}()

	b.logger.Info("homekit bridge started", "accessories", len(accs))
	return nil
}

// Stop stops the transport and waits for in-flight commands.
func (b *Bridge) Stop() {
	b.mu.Lock()
	transport := b.transport
	b.transport = nil
	b.running = false
	b.mu.Unlock()

	if transport != nil {
		<-transport.Stop()
		b.transportWG.Wait()
		b.logger.Info("homekit bridge stopped")
	}
	b.commands.Wait()
}

// HandleEvent implements host.StateSink.
func (b *Bridge) HandleEvent(ev host.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch ev.Type {
	case host.EventDeviceRemoved:
		delete(b.climates, ev.DeviceID)
		return

	case host.EventDeviceAdded:
		if b.running {
			b.logger.Info("new device appears in homekit after restart", "device_id", ev.DeviceID)
			return
		}
		b.addLocked(ev.DeviceID, ev.Name).apply(ev.States, ev.ErrorState)
		return
	}

	c, ok := b.climates[ev.DeviceID]
	if !ok {
		return
	}
	c.apply(ev.States, ev.ErrorState)
}

// execute runs cmd off the HAP goroutine.
func (b *Bridge) execute(deviceID string, cmd host.Command) {
	b.commands.Add(1)
	go func() {
		defer b.commands.Done()

		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		b.logger.Debug("homekit command", "device_id", deviceID, "action", cmd.Action)
		if err := b.opts.Executor.Execute(ctx, deviceID, cmd); err != nil {
			b.logger.Warn("homekit command failed",
				"device_id", deviceID,
				"action", cmd.Action,
				"error", err,
			)
		}
	}()
}
