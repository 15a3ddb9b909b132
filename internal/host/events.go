package host

import (
	"sync"
	"time"
)

// EventType identifies what changed on a device.
type EventType string

const (
	EventStateChanged  EventType = "state_changed"
	EventErrorChanged  EventType = "error_changed"
	EventDeviceAdded   EventType = "device_added"
	EventDeviceRemoved EventType = "device_removed"
)

// Event describes a device change delivered to StateSinks.
type Event struct {
	Type     EventType `json:"type"`
	DeviceID string    `json:"device_id"`
	Name     string    `json:"name,omitempty"`

	// Changed holds only the states that changed (state_changed).
	Changed map[string]any `json:"changed,omitempty"`

	// States is the device's full state snapshot after the change.
	States map[string]any `json:"states,omitempty"`

	// UIValues holds display forms reported with the change, keyed by state.
	UIValues map[string]string `json:"ui_values,omitempty"`

	ErrorState string    `json:"error_state,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// StateSink receives device events. HandleEvent is called from a single
// dispatcher goroutine and must not call back into the Runtime's action
// methods synchronously.
type StateSink interface {
	HandleEvent(ev Event)
}

// SinkFunc adapts a function to StateSink.
type SinkFunc func(ev Event)

// HandleEvent calls f(ev).
func (f SinkFunc) HandleEvent(ev Event) { f(ev) }

const defaultEventBuffer = 256

// dispatcher delivers events to sinks in order on its own goroutine.
type dispatcher struct {
	events chan Event
	logger Logger

	mu     sync.RWMutex
	sinks  []StateSink
	closed bool

	wg sync.WaitGroup
}

func newDispatcher(size int, logger Logger) *dispatcher {
	if size <= 0 {
		size = defaultEventBuffer
	}
	return &dispatcher{events: make(chan Event, size), logger: logger}
}

func (d *dispatcher) add(sink StateSink) {
	d.mu.Lock()
	d.sinks = append(d.sinks, sink)
	d.mu.Unlock()
}

func (d *dispatcher) start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for ev := range d.events {
			d.deliver(ev)
		}
	}()
}

func (d *dispatcher) deliver(ev Event) {
	d.mu.RLock()
	sinks := make([]StateSink, len(d.sinks))
	copy(sinks, d.sinks)
	d.mu.RUnlock()

	for _, s := range sinks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("state sink panicked", "device", ev.DeviceID, "panic", r)
				}
			}()
			s.HandleEvent(ev)
		}()
	}
}

// emit queues ev without blocking. Events are dropped when the buffer is
// full or the dispatcher has stopped.
func (d *dispatcher) emit(ev Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.events <- ev:
	default:
		d.logger.Warn("event buffer full, dropping event", "device", ev.DeviceID, "type", string(ev.Type))
	}
}

// stop drains queued events and waits for the dispatcher goroutine.
func (d *dispatcher) stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.events)
	d.mu.Unlock()
	d.wg.Wait()
}
