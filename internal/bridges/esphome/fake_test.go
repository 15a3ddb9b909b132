package esphome

import (
	"context"
	"maps"
	"sync"

	esp "github.com/nerrad567/gray-logic-esphome/internal/esphome"
	"github.com/nerrad567/gray-logic-esphome/internal/thermostat"
)

// fakeHost records everything the plugin reports.
type fakeHost struct {
	mu     sync.Mutex
	states map[string]map[string]any
	errors map[string]string
	props  map[string]map[string]string

	errorHistory []string
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		states: make(map[string]map[string]any),
		errors: make(map[string]string),
		props:  make(map[string]map[string]string),
	}
}

func (h *fakeHost) States(id string) map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return maps.Clone(h.states[id])
}

func (h *fakeHost) UpdateStates(id string, updates []thermostat.StateUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.states[id] == nil {
		h.states[id] = make(map[string]any)
	}
	for _, u := range updates {
		h.states[id][u.Key] = u.Value
	}
}

func (h *fakeHost) SetErrorState(id, msg string) {
	h.mu.Lock()
	h.errors[id] = msg
	h.errorHistory = append(h.errorHistory, msg)
	h.mu.Unlock()
}

func (h *fakeHost) ReplacePluginProps(id string, props map[string]string) {
	h.mu.Lock()
	h.props[id] = props
	h.mu.Unlock()
}

func (h *fakeHost) setState(id, key string, v any) {
	h.UpdateStates(id, []thermostat.StateUpdate{{Key: key, Value: v}})
}

func (h *fakeHost) state(id, key string) any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.states[id][key]
}

func (h *fakeHost) errorState(id string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	msg, ok := h.errors[id]
	return msg, ok
}

func (h *fakeHost) errorStates() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.errorHistory...)
}

func (h *fakeHost) propsOf(id string) map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.props[id]
}

// fakeClient is an in-memory node.
type fakeClient struct {
	mu           sync.Mutex
	entities     []esp.EntityInfo
	connected    bool
	disconnects  int
	onState      func(esp.State)
	onDisconnect func(bool)
	climate      []esp.ClimateCommand
	selects      []esp.SelectCommand
}

func newFakeClient(entities ...esp.EntityInfo) *fakeClient {
	return &fakeClient{entities: entities}
}

func (c *fakeClient) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return esp.ErrAlreadyConnected
	}
	c.connected = true
	return nil
}

func (c *fakeClient) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		c.disconnects++
	}
	c.connected = false
	c.onState = nil
	return nil
}

func (c *fakeClient) ListEntities(context.Context) ([]esp.EntityInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entities, nil
}

func (c *fakeClient) SubscribeStates(_ context.Context, cb func(esp.State)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = cb
	return nil
}

func (c *fakeClient) ClimateCommand(_ context.Context, cmd esp.ClimateCommand) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return esp.ErrNotConnected
	}
	c.climate = append(c.climate, cmd)
	return nil
}

func (c *fakeClient) SelectCommand(_ context.Context, cmd esp.SelectCommand) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return esp.ErrNotConnected
	}
	c.selects = append(c.selects, cmd)
	return nil
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) SetOnDisconnect(cb func(bool)) {
	c.mu.Lock()
	c.onDisconnect = cb
	c.mu.Unlock()
}

func (c *fakeClient) subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onState != nil
}

func (c *fakeClient) push(st esp.State) {
	c.mu.Lock()
	cb := c.onState
	c.mu.Unlock()
	if cb != nil {
		cb(st)
	}
}

func (c *fakeClient) lose() {
	c.mu.Lock()
	c.connected = false
	c.onState = nil
	cb := c.onDisconnect
	c.mu.Unlock()
	cb(false)
}

func (c *fakeClient) climateCommands() []esp.ClimateCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]esp.ClimateCommand(nil), c.climate...)
}

func (c *fakeClient) selectCommands() []esp.SelectCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]esp.SelectCommand(nil), c.selects...)
}

func (c *fakeClient) disconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// debugLogger is a no-op Logger that records SetDebug calls.
type debugLogger struct {
	mu    sync.Mutex
	debug []bool
	warns []string
}

func (l *debugLogger) Debug(string, ...any) {}
func (l *debugLogger) Info(string, ...any)  {}
func (l *debugLogger) Error(string, ...any) {}

func (l *debugLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

func (l *debugLogger) SetDebug(enabled bool) {
	l.mu.Lock()
	l.debug = append(l.debug, enabled)
	l.mu.Unlock()
}

func (l *debugLogger) warnings() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.warns...)
}
