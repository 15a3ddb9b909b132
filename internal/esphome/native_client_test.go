package esphome

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	esphomeapi "github.com/mycontroller-org/esphome_api/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/nerrad567/gray-logic-esphome/internal/clock"
)

// fakeNode is a NativeConn that records what the client sends. Requests that
// expect a reply are answered synchronously through the dial handler.
type fakeNode struct {
	mu       sync.Mutex
	handle   func(proto.Message)
	password string
	sent     []proto.Message
	closed   bool
	sendErr  error
	entities []proto.Message
}

func (n *fakeNode) Login(password string) error {
	n.mu.Lock()
	n.password = password
	n.mu.Unlock()
	return nil
}

func (n *fakeNode) Send(msg proto.Message) error {
	n.mu.Lock()
	if n.sendErr != nil {
		err := n.sendErr
		n.mu.Unlock()
		return err
	}
	n.sent = append(n.sent, msg)
	handle, entities := n.handle, n.entities
	n.mu.Unlock()

	if _, ok := msg.(*esphomeapi.ListEntitiesRequest); ok {
		for _, e := range entities {
			handle(e)
		}
		handle(&esphomeapi.ListEntitiesDoneResponse{})
	}
	return nil
}

func (n *fakeNode) Close() error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	return nil
}

func (n *fakeNode) push(msg proto.Message) {
	n.mu.Lock()
	handle := n.handle
	n.mu.Unlock()
	handle(msg)
}

func (n *fakeNode) sentOf(match func(proto.Message) bool) []proto.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []proto.Message
	for _, m := range n.sent {
		if match(m) {
			out = append(out, m)
		}
	}
	return out
}

func (n *fakeNode) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

func heatPumpEntities() []proto.Message {
	return []proto.Message{
		&esphomeapi.ListEntitiesClimateResponse{
			ObjectId:             "heat_pump",
			Key:                  EntityKey("heat_pump"),
			Name:                 "Heat Pump",
			SupportedModes:       []esphomeapi.ClimateMode{esphomeapi.ClimateMode(ClimateModeOff), esphomeapi.ClimateMode(ClimateModeCool)},
			SupportedFanModes:    []esphomeapi.ClimateFanMode{esphomeapi.ClimateFanMode(ClimateFanAuto), esphomeapi.ClimateFanMode(ClimateFanHigh)},
			VisualMinTemperature: 16,
			VisualMaxTemperature: 31,
		},
		&esphomeapi.ListEntitiesSelectResponse{
			ObjectId: "vertical_vane",
			Key:      EntityKey("vertical_vane"),
			Name:     "Vertical Vane",
			Options:  []string{"auto", "up", "down"},
		},
	}
}

type nativeHarness struct {
	client *NativeClient
	node   *fakeNode
	clock  *clock.Mock
	dialed ConnectParams
}

func newNativeHarness(t *testing.T, p ConnectParams) *nativeHarness {
	t.Helper()
	h := &nativeHarness{
		node:  &fakeNode{entities: heatPumpEntities()},
		clock: clock.NewMock(time.Unix(0, 0)),
	}
	h.client = NewNativeClient(p, NativeOptions{
		Clock:     h.clock,
		KeepAlive: 20 * time.Second,
		Dial: func(_ context.Context, p ConnectParams, handle func(proto.Message)) (NativeConn, error) {
			h.dialed = p
			h.node.handle = handle
			return h.node, nil
		},
	})
	return h
}

func TestNativeClient_ConnectUsesKeyAndPassword(t *testing.T) {
	psk := "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
	h := newNativeHarness(t, ConnectParams{Address: "10.0.0.5", Port: DefaultNativePort, Password: "secret", NoisePSK: psk})

	require.NoError(t, h.client.Connect(context.Background()))
	assert.Equal(t, psk, h.dialed.NoisePSK)
	assert.Equal(t, "10.0.0.5", h.dialed.Address)
	assert.Equal(t, "secret", h.node.password)
	assert.True(t, h.client.IsConnected())
	assert.ErrorIs(t, h.client.Connect(context.Background()), ErrAlreadyConnected)
}

func TestNativeClient_ConnectFailure(t *testing.T) {
	dialErr := errors.New("handshake failed")
	c := NewNativeClient(ConnectParams{Address: "10.0.0.5", Port: DefaultNativePort}, NativeOptions{
		Clock: clock.NewMock(time.Unix(0, 0)),
		Dial: func(context.Context, ConnectParams, func(proto.Message)) (NativeConn, error) {
			return nil, dialErr
		},
	})

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, dialErr)
	assert.False(t, c.IsConnected())
}

func TestNativeClient_ListEntities(t *testing.T) {
	h := newNativeHarness(t, ConnectParams{Address: "10.0.0.5", Port: DefaultNativePort})
	_, err := h.client.ListEntities(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, h.client.Connect(context.Background()))
	entities, err := h.client.ListEntities(context.Background())
	require.NoError(t, err)
	require.Len(t, entities, 2)

	climate, ok := entities[0].(ClimateInfo)
	require.True(t, ok)
	assert.Equal(t, "heat_pump", climate.ObjectID)
	assert.Equal(t, []ClimateMode{ClimateModeOff, ClimateModeCool}, climate.SupportedModes)
	assert.Equal(t, []ClimateFanMode{ClimateFanAuto, ClimateFanHigh}, climate.SupportedFanModes)
	assert.Equal(t, 16.0, climate.VisualMinTemp)

	vane, ok := entities[1].(SelectInfo)
	require.True(t, ok)
	assert.True(t, vane.HasOption("down"))
}

func TestNativeClient_StatePushes(t *testing.T) {
	h := newNativeHarness(t, ConnectParams{Address: "10.0.0.5", Port: DefaultNativePort})
	require.NoError(t, h.client.Connect(context.Background()))
	_, err := h.client.ListEntities(context.Background())
	require.NoError(t, err)

	sink := &stateSink{}
	require.NoError(t, h.client.SubscribeStates(context.Background(), sink.add))
	assert.Len(t, h.node.sentOf(func(m proto.Message) bool {
		_, ok := m.(*esphomeapi.SubscribeStatesRequest)
		return ok
	}), 1)

	h.node.push(&esphomeapi.ClimateStateResponse{
		Key:                EntityKey("heat_pump"),
		Mode:               esphomeapi.ClimateMode(ClimateModeCool),
		Action:             esphomeapi.ClimateAction(ClimateActionCooling),
		FanMode:            esphomeapi.ClimateFanMode(ClimateFanHigh),
		CurrentTemperature: float32(math.NaN()),
		TargetTemperature:  22.5,
	})
	st, ok := sink.last().(ClimateState)
	require.True(t, ok)
	assert.Equal(t, ClimateModeCool, st.Mode)
	assert.Equal(t, ClimateActionCooling, st.Action)
	assert.Equal(t, ClimateFanHigh, st.FanMode)
	assert.True(t, st.HasMode && st.HasAction && st.HasFanMode)
	assert.True(t, math.IsNaN(st.CurrentTemperature))
	assert.Equal(t, 22.5, st.TargetTemperature)

	h.node.push(&esphomeapi.SelectStateResponse{Key: EntityKey("vertical_vane"), State: "down"})
	assert.Equal(t, SelectState{Key: EntityKey("vertical_vane"), State: "down"}, sink.last())
}

func TestNativeClient_Commands(t *testing.T) {
	h := newNativeHarness(t, ConnectParams{Address: "10.0.0.5", Port: DefaultNativePort})
	ctx := context.Background()
	assert.ErrorIs(t, h.client.ClimateCommand(ctx, ClimateCommand{Key: 1}), ErrNotConnected)

	require.NoError(t, h.client.Connect(ctx))
	_, err := h.client.ListEntities(ctx)
	require.NoError(t, err)

	mode, target := ClimateModeHeat, 21.0
	require.NoError(t, h.client.ClimateCommand(ctx, ClimateCommand{
		Key:               EntityKey("heat_pump"),
		Mode:              &mode,
		TargetTemperature: &target,
	}))
	require.NoError(t, h.client.SelectCommand(ctx, SelectCommand{Key: EntityKey("vertical_vane"), State: "up"}))
	assert.ErrorIs(t, h.client.SelectCommand(ctx, SelectCommand{Key: 42, State: "up"}), ErrUnknownEntity)

	climate := h.node.sentOf(func(m proto.Message) bool {
		_, ok := m.(*esphomeapi.ClimateCommandRequest)
		return ok
	})
	require.Len(t, climate, 1)
	req := climate[0].(*esphomeapi.ClimateCommandRequest)
	assert.True(t, req.HasMode)
	assert.Equal(t, esphomeapi.ClimateMode(ClimateModeHeat), req.Mode)
	assert.True(t, req.HasTargetTemperature)
	assert.Equal(t, float32(21), req.TargetTemperature)
	assert.False(t, req.HasFanMode)

	sel := h.node.sentOf(func(m proto.Message) bool {
		_, ok := m.(*esphomeapi.SelectCommandRequest)
		return ok
	})
	require.Len(t, sel, 1)
	assert.Equal(t, "up", sel[0].(*esphomeapi.SelectCommandRequest).State)
}

func TestNativeClient_NodeDisconnectIsReported(t *testing.T) {
	h := newNativeHarness(t, ConnectParams{Address: "10.0.0.5", Port: DefaultNativePort})
	lost := make(chan bool, 1)
	h.client.SetOnDisconnect(func(expected bool) { lost <- expected })
	require.NoError(t, h.client.Connect(context.Background()))

	h.node.push(&esphomeapi.DisconnectRequest{})

	select {
	case expected := <-lost:
		assert.False(t, expected)
	case <-time.After(time.Second):
		t.Fatal("disconnect not reported")
	}
	assert.False(t, h.client.IsConnected())
	assert.Eventually(t, h.node.isClosed, time.Second, 10*time.Millisecond)
}

func TestNativeClient_FailedKeepAliveIsReported(t *testing.T) {
	h := newNativeHarness(t, ConnectParams{Address: "10.0.0.5", Port: DefaultNativePort})
	lost := make(chan bool, 1)
	h.client.SetOnDisconnect(func(expected bool) { lost <- expected })
	require.NoError(t, h.client.Connect(context.Background()))

	h.clock.Advance(20 * time.Second)
	assert.Len(t, h.node.sentOf(func(m proto.Message) bool {
		_, ok := m.(*esphomeapi.PingRequest)
		return ok
	}), 1)
	assert.True(t, h.client.IsConnected())

	h.node.mu.Lock()
	h.node.sendErr = errors.New("broken pipe")
	h.node.mu.Unlock()
	h.clock.Advance(20 * time.Second)

	select {
	case expected := <-lost:
		assert.False(t, expected)
	case <-time.After(time.Second):
		t.Fatal("lost connection not reported")
	}
}

func TestNativeClient_ExplicitDisconnectIsSilent(t *testing.T) {
	h := newNativeHarness(t, ConnectParams{Address: "10.0.0.5", Port: DefaultNativePort})
	called := false
	h.client.SetOnDisconnect(func(bool) { called = true })
	require.NoError(t, h.client.Connect(context.Background()))

	require.NoError(t, h.client.Disconnect(context.Background()))
	assert.False(t, called)
	assert.True(t, h.node.isClosed())
	assert.Len(t, h.node.sentOf(func(m proto.Message) bool {
		_, ok := m.(*esphomeapi.DisconnectRequest)
		return ok
	}), 1)
	assert.Zero(t, h.clock.Pending(), "keepalive stopped")
	assert.NoError(t, h.client.Disconnect(context.Background()))
}
