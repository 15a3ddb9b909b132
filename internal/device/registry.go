package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
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

// Registry is the cached view of the climate devices over a Repository.
//
// RefreshCache loads it at startup; every write goes to the repository first
// and then to the cache. Safe for concurrent use.
type Registry struct {
	repo    Repository
	history StateHistoryRepository
	cache   map[string]*Device
	cacheMu sync.RWMutex
	logger  Logger

	// writeMu serialises state and error-state writes so change detection
	// against the cache and the write that follows are atomic.
	writeMu sync.Mutex
}

// NewRegistry creates a new device registry.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		cache:  make(map[string]*Device),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// SetStateHistory enables recording of state changes.
func (r *Registry) SetStateHistory(history StateHistoryRepository) {
	r.history = history
}

// RefreshCache reloads all devices from the repository into the cache.
func (r *Registry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	r.cache = make(map[string]*Device, len(devices))
	for i := range devices {
		r.cache[devices[i].ID] = devices[i].DeepCopy()
	}

	r.logger.Info("device cache refreshed", "count", len(devices))
	return nil
}

// GetDevice retrieves a device by ID. The returned device is a deep copy.
// Returns ErrDeviceNotFound if the device does not exist.
func (r *Registry) GetDevice(ctx context.Context, id string) (*Device, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	r.cacheMu.RUnlock()
	if ok {
		return cached.DeepCopy(), nil
	}

	device, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.cache[id] = device.DeepCopy()
	r.cacheMu.Unlock()

	return device, nil
}

// ListDevices returns deep copies of all cached devices ordered by name.
func (r *Registry) ListDevices() []Device {
	r.cacheMu.RLock()
	devices := make([]Device, 0, len(r.cache))
	for _, d := range r.cache {
		devices = append(devices, *d.DeepCopy())
	}
	r.cacheMu.RUnlock()

	sort.Slice(devices, func(i, j int) bool {
		if devices[i].Name != devices[j].Name {
			return devices[i].Name < devices[j].Name
		}
		return devices[i].ID < devices[j].ID
	})
	return devices
}

// States returns a copy of a cached device's states, or nil when the device
// is unknown.
func (r *Registry) States(id string) States {
	var states States
	r.peek(id, func(d *Device) { states = d.States.Clone() })
	return states
}

// CreateDevice validates and persists a new device. An empty ID is derived
// from the name.
func (r *Registry) CreateDevice(ctx context.Context, device *Device) error {
	if device.ID == "" {
		device.ID = GenerateID(device.Name)
	}
	if device.Type == "" {
		device.Type = TypeESPHomeThermostat
	}
	if device.Props == nil {
		device.Props = Props{}
	}
	if device.States == nil {
		device.States = States{}
	}

	if err := ValidateDevice(device); err != nil {
		return err
	}
	if err := r.repo.Create(ctx, device); err != nil {
		return err
	}

	r.store(device.DeepCopy())

	r.logger.Info("device created", "id", device.ID, "name", device.Name)
	return nil
}

// UpdateDevice persists a device's name, enabled flag and props.
func (r *Registry) UpdateDevice(ctx context.Context, device *Device) error {
	existing, err := r.GetDevice(ctx, device.ID)
	if err != nil {
		return err
	}
	if err := ValidateDevice(device); err != nil {
		return err
	}
	if err := r.repo.Update(ctx, device); err != nil {
		return err
	}

	updated := existing.DeepCopy()
	updated.Name = device.Name
	updated.Enabled = device.Enabled
	updated.Props = device.Props.Clone()
	updated.UpdatedAt = device.UpdatedAt
	r.store(updated)

	r.logger.Info("device updated", "id", device.ID, "name", device.Name)
	return nil
}

// DeleteDevice removes a device.
func (r *Registry) DeleteDevice(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	r.cacheMu.Lock()
	delete(r.cache, id)
	r.cacheMu.Unlock()

	r.logger.Info("device deleted", "id", id)
	return nil
}

// ApplyStates merges states into the device and returns the entries that
// actually changed. Unchanged values are not written. Changes are recorded
// in the state history when one is configured.
func (r *Registry) ApplyStates(ctx context.Context, id string, states States, source string) (States, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	var changed States
	if !r.peek(id, func(d *Device) { changed = d.States.Changed(states) }) {
		return nil, ErrDeviceNotFound
	}
	if len(changed) == 0 {
		return changed, nil
	}

	if err := r.repo.UpdateStates(ctx, id, changed); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	r.patchCached(id, func(d *Device) {
		for k, v := range changed.Clone() {
			d.States[k] = v
		}
		d.StateUpdatedAt = &now
	})

	if r.history != nil {
		if err := r.history.RecordStateChange(ctx, id, changed, source); err != nil {
			r.logger.Warn("recording state history failed", "id", id, "error", err)
		}
	}

	r.logger.Debug("device states updated", "id", id, "changed", len(changed))
	return changed, nil
}

// ReplaceProps replaces a device's props.
func (r *Registry) ReplaceProps(ctx context.Context, id string, props Props) error {
	if err := r.repo.UpdateProps(ctx, id, props); err != nil {
		return err
	}

	r.patchCached(id, func(d *Device) { d.Props = props.Clone() })

	r.logger.Debug("device props replaced", "id", id)
	return nil
}

// SetErrorState sets or clears (msg == "") the device's error state and
// reports whether it changed.
func (r *Registry) SetErrorState(ctx context.Context, id string, msg string) (bool, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	var same bool
	if !r.peek(id, func(d *Device) { same = d.ErrorState == msg }) {
		return false, ErrDeviceNotFound
	}
	if same {
		return false, nil
	}

	if err := r.repo.SetErrorState(ctx, id, msg); err != nil {
		return false, err
	}

	r.patchCached(id, func(d *Device) { d.ErrorState = msg })

	r.logger.Debug("device error state set", "id", id, "error_state", msg)
	return true, nil
}

// History returns recent state changes for a device, newest first.
// Returns an empty list when no history repository is configured.
func (r *Registry) History(ctx context.Context, id string, limit int) ([]StateHistoryEntry, error) {
	if r.history == nil {
		return []StateHistoryEntry{}, nil
	}
	return r.history.GetHistory(ctx, id, limit)
}

// PruneHistory drops state history older than retention.
func (r *Registry) PruneHistory(ctx context.Context, retention time.Duration) (int64, error) {
	if r.history == nil || retention <= 0 {
		return 0, nil
	}
	n, err := r.history.PruneHistory(ctx, retention)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Info("state history pruned", "rows", n)
	}
	return n, nil
}

// store caches d. Cached devices are replaced, never mutated in place.
func (r *Registry) store(d *Device) {
	r.cacheMu.Lock()
	r.cache[d.ID] = d
	r.cacheMu.Unlock()
}

// patchCached replaces the cached device with a patched copy. Unknown IDs
// are ignored.
func (r *Registry) patchCached(id string, patch func(*Device)) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	if cached, ok := r.cache[id]; ok {
		updated := cached.DeepCopy()
		patch(updated)
		r.cache[id] = updated
	}
}

// peek runs read against the cached device and reports whether it exists.
// read must not retain the pointer.
func (r *Registry) peek(id string, read func(*Device)) bool {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	cached, ok := r.cache[id]
	if ok {
		read(cached)
	}
	return ok
}

// GetDeviceCount returns the number of cached devices.
func (r *Registry) GetDeviceCount() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}
