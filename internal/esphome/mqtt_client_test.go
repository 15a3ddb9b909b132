package esphome

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-esphome/internal/clock"
)

const (
	climateDiscovery = `{
		"~": "lounge-hp/climate/heat_pump",
		"name": "Heat Pump",
		"uniq_id": "ESPclimateheat_pump",
		"avty_t": "lounge-hp/status",
		"mode_cmd_t": "~/mode/command",
		"mode_stat_t": "~/mode/state",
		"modes": ["off", "heat_cool", "cool", "heat", "dry", "fan_only"],
		"temp_cmd_t": "~/target_temperature/command",
		"temp_stat_t": "~/target_temperature/state",
		"curr_temp_t": "~/current_temperature/state",
		"act_t": "~/action/state",
		"fan_mode_cmd_t": "~/fan_mode/command",
		"fan_mode_stat_t": "~/fan_mode/state",
		"fan_modes": ["auto", "diffuse", "low", "medium", "middle", "high"],
		"min_temp": 16, "max_temp": 31, "temp_step": 0.5
	}`

	vaneDiscovery = `{
		"name": "Vertical Vane",
		"cmd_t": "lounge-hp/select/vertical_vane/command",
		"stat_t": "lounge-hp/select/vertical_vane/state",
		"ops": ["auto", "up", "up_center", "center", "down_center", "down", "swing"]
	}`
)

func newTestClient(t *testing.T, b *fakeBroker) *MQTTClient {
	t.Helper()
	return NewMQTTClient(
		ConnectParams{Address: "broker", Port: 1883, Node: "lounge-hp"},
		MQTTOptions{Dial: staticDialer(b), Clock: clock.NewMock(time.Unix(0, 0))},
	)
}

func seededBroker() *fakeBroker {
	b := newFakeBroker()
	b.retain("homeassistant/climate/lounge-hp/heat_pump/config", climateDiscovery)
	b.retain("homeassistant/select/lounge-hp/vertical_vane/config", vaneDiscovery)
	b.retain("homeassistant/climate/other-node/x/config", climateDiscovery)
	b.retain("lounge-hp/status", "online")
	return b
}

type stateSink struct {
	mu     sync.Mutex
	states []State
}

func (s *stateSink) add(st State) {
	s.mu.Lock()
	s.states = append(s.states, st)
	s.mu.Unlock()
}

func (s *stateSink) last() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.states) == 0 {
		return nil
	}
	return s.states[len(s.states)-1]
}

func TestMQTTClient_ListEntities(t *testing.T) {
	b := seededBroker()
	c := newTestClient(t, b)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	assert.ErrorIs(t, c.Connect(ctx), ErrAlreadyConnected)

	entities, err := c.ListEntities(ctx)
	require.NoError(t, err)
	require.Len(t, entities, 2, "other nodes' entities are not listed")

	climate, ok := entities[0].(ClimateInfo)
	require.True(t, ok)
	assert.Equal(t, "heat_pump", climate.ObjectID)
	assert.Equal(t, EntityKey("heat_pump"), climate.Key)
	assert.Equal(t, "Heat Pump", climate.Name)
	assert.Contains(t, climate.SupportedModes, ClimateModeFanOnly)
	assert.NotContains(t, climate.SupportedModes, ClimateModeAuto)
	assert.Equal(t, []ClimateFanMode{ClimateFanAuto, ClimateFanDiffuse, ClimateFanLow, ClimateFanMedium, ClimateFanMiddle, ClimateFanHigh}, climate.SupportedFanModes)
	assert.Equal(t, 0.5, climate.VisualStep)

	vane, ok := entities[1].(SelectInfo)
	require.True(t, ok)
	assert.True(t, vane.HasOption("down"))
	assert.Equal(t, EntityKey("vertical_vane"), vane.EntityKey())
}

func TestMQTTClient_ListEntitiesNotConnected(t *testing.T) {
	c := newTestClient(t, newFakeBroker())
	_, err := c.ListEntities(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestMQTTClient_ListEntitiesNodeOffline(t *testing.T) {
	b := seededBroker()
	b.retain("lounge-hp/status", "offline")
	c := newTestClient(t, b)

	require.NoError(t, c.Connect(context.Background()))
	_, err := c.ListEntities(context.Background())
	assert.ErrorIs(t, err, ErrNodeOffline)
}

func TestMQTTClient_ListEntitiesWaitsForSettle(t *testing.T) {
	b := seededBroker()
	mock := clock.NewMock(time.Unix(0, 0))
	c := NewMQTTClient(ConnectParams{Node: "lounge-hp"}, MQTTOptions{
		Dial:       staticDialer(b),
		Clock:      mock,
		SettleTime: time.Second,
	})
	require.NoError(t, c.Connect(context.Background()))

	result := make(chan int, 1)
	go func() {
		entities, _ := c.ListEntities(context.Background())
		result <- len(entities)
	}()

	require.Eventually(t, func() bool { return mock.Pending() == 1 }, time.Second, time.Millisecond)
	mock.Advance(time.Second)
	assert.Equal(t, 2, <-result)
}

func TestMQTTClient_StatePushesMergeClimateFields(t *testing.T) {
	b := seededBroker()
	b.retain("lounge-hp/climate/heat_pump/mode/state", "heat")
	b.retain("lounge-hp/climate/heat_pump/target_temperature/state", "21.5")
	c := newTestClient(t, b)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	_, err := c.ListEntities(ctx)
	require.NoError(t, err)

	sink := &stateSink{}
	require.NoError(t, c.SubscribeStates(ctx, sink.add))

	// Retained values were delivered on subscribe.
	st, ok := sink.last().(ClimateState)
	require.True(t, ok)
	assert.True(t, st.HasMode)

	b.deliver("lounge-hp/climate/heat_pump/action/state", "heating")
	b.deliver("lounge-hp/climate/heat_pump/fan_mode/state", "diffuse")
	b.deliver("lounge-hp/climate/heat_pump/current_temperature/state", "20.0")

	st = sink.last().(ClimateState)
	assert.Equal(t, EntityKey("heat_pump"), st.Key)
	assert.Equal(t, ClimateModeHeat, st.Mode)
	assert.Equal(t, ClimateActionHeating, st.Action)
	assert.Equal(t, ClimateFanDiffuse, st.FanMode)
	assert.Equal(t, 21.5, st.TargetTemperature)
	assert.Equal(t, 20.0, st.CurrentTemperature)

	b.deliver("lounge-hp/climate/heat_pump/current_temperature/state", "nan")
	st = sink.last().(ClimateState)
	assert.True(t, math.IsNaN(st.CurrentTemperature))

	b.deliver("lounge-hp/select/vertical_vane/state", "down")
	sel, ok := sink.last().(SelectState)
	require.True(t, ok)
	assert.Equal(t, SelectState{Key: EntityKey("vertical_vane"), State: "down"}, sel)
}

func TestMQTTClient_Commands(t *testing.T) {
	b := seededBroker()
	c := newTestClient(t, b)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	mode := ClimateModeCool
	target := 22.5
	fan := ClimateFanHigh
	require.NoError(t, c.ClimateCommand(ctx, ClimateCommand{
		Key:               EntityKey("heat_pump"),
		Mode:              &mode,
		TargetTemperature: &target,
		FanMode:           &fan,
	}))
	require.NoError(t, c.SelectCommand(ctx, SelectCommand{Key: EntityKey("vertical_vane"), State: "down"}))

	assert.Equal(t, [][2]string{
		{"lounge-hp/climate/heat_pump/mode/command", "cool"},
		{"lounge-hp/climate/heat_pump/target_temperature/command", "22.5"},
		{"lounge-hp/climate/heat_pump/fan_mode/command", "high"},
		{"lounge-hp/select/vertical_vane/command", "down"},
	}, b.allPublished())

	// Omitted fields are not published.
	require.NoError(t, c.ClimateCommand(ctx, ClimateCommand{Key: EntityKey("heat_pump"), Mode: &mode}))
	assert.Len(t, b.publishedTo("lounge-hp/climate/heat_pump/mode/command"), 2)
	assert.Len(t, b.publishedTo("lounge-hp/climate/heat_pump/fan_mode/command"), 1)

	assert.ErrorIs(t, c.ClimateCommand(ctx, ClimateCommand{Key: 42}), ErrUnknownEntity)
	assert.ErrorIs(t, c.SelectCommand(ctx, SelectCommand{Key: 42}), ErrUnknownEntity)
}

func TestMQTTClient_CommandsWhenDisconnected(t *testing.T) {
	c := newTestClient(t, newFakeBroker())
	ctx := context.Background()
	assert.ErrorIs(t, c.ClimateCommand(ctx, ClimateCommand{}), ErrNotConnected)
	assert.ErrorIs(t, c.SelectCommand(ctx, SelectCommand{}), ErrNotConnected)
	assert.ErrorIs(t, c.SubscribeStates(ctx, func(State) {}), ErrNotConnected)
}

func TestMQTTClient_OfflineIsDisconnect(t *testing.T) {
	b := seededBroker()
	c := newTestClient(t, b)
	ctx := context.Background()

	lost := make(chan bool, 1)
	c.SetOnDisconnect(func(expected bool) { lost <- expected })

	require.NoError(t, c.Connect(ctx))
	_, err := c.ListEntities(ctx)
	require.NoError(t, err)
	require.NoError(t, c.SubscribeStates(ctx, func(State) {}))
	assert.True(t, c.IsConnected())

	b.deliver("lounge-hp/status", "offline")

	select {
	case expected := <-lost:
		assert.False(t, expected)
	case <-time.After(time.Second):
		t.Fatal("disconnect not reported")
	}
	assert.False(t, c.IsConnected())
	assert.Eventually(t, b.isClosed, time.Second, time.Millisecond)
}

func TestMQTTClient_BrokerLossIsDisconnect(t *testing.T) {
	b := seededBroker()
	c := newTestClient(t, b)

	lost := make(chan bool, 1)
	c.SetOnDisconnect(func(expected bool) { lost <- expected })
	require.NoError(t, c.Connect(context.Background()))

	b.dropConnection()
	assert.False(t, <-lost)

	// Reconnecting works after a loss.
	require.NoError(t, c.Connect(context.Background()))
}

func TestMQTTClient_ExplicitDisconnectIsSilent(t *testing.T) {
	b := seededBroker()
	c := newTestClient(t, b)

	called := false
	c.SetOnDisconnect(func(bool) { called = true })
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Disconnect(context.Background()))

	assert.False(t, called)
	assert.True(t, b.isClosed())
	assert.NoError(t, c.Disconnect(context.Background()))
}
