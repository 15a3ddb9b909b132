package esphome

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-esphome/internal/clock"
)

// scriptedClient fails Connect while failConnects > 0.
type scriptedClient struct {
	mu           sync.Mutex
	failConnects int
	connects     int
	disconnects  int
	connected    bool
	onDisconnect func(bool)
}

func (c *scriptedClient) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.failConnects > 0 {
		c.failConnects--
		return errors.New("connection refused")
	}
	c.connected = true
	return nil
}

func (c *scriptedClient) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	c.connected = false
	return nil
}

func (c *scriptedClient) ListEntities(context.Context) ([]EntityInfo, error)  { return nil, nil }
func (c *scriptedClient) SubscribeStates(context.Context, func(State)) error { return nil }
func (c *scriptedClient) ClimateCommand(context.Context, ClimateCommand) error {
	return nil
}
func (c *scriptedClient) SelectCommand(context.Context, SelectCommand) error { return nil }

func (c *scriptedClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *scriptedClient) SetOnDisconnect(cb func(bool)) {
	c.mu.Lock()
	c.onDisconnect = cb
	c.mu.Unlock()
}

func (c *scriptedClient) loseConnection() {
	c.mu.Lock()
	c.connected = false
	cb := c.onDisconnect
	c.mu.Unlock()
	cb(false)
}

func (c *scriptedClient) counts() (connects, disconnects int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects, c.disconnects
}

type events struct {
	mu          sync.Mutex
	connects    int
	errs        []error
	disconnects []bool
}

func (e *events) logic(client Client, mock *clock.Mock) *ReconnectLogic {
	return &ReconnectLogic{
		Client: client,
		Name:   "lounge",
		OnConnect: func(context.Context) error {
			e.mu.Lock()
			e.connects++
			e.mu.Unlock()
			return nil
		},
		OnDisconnect: func(expected bool) {
			e.mu.Lock()
			e.disconnects = append(e.disconnects, expected)
			e.mu.Unlock()
		},
		OnConnectError: func(err error) {
			e.mu.Lock()
			e.errs = append(e.errs, err)
			e.mu.Unlock()
		},
		InitialDelay: time.Second,
		MaxDelay:     4 * time.Second,
		Clock:        mock,
	}
}

func (e *events) snapshot() (connects, errs int, disconnects []bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connects, len(e.errs), append([]bool(nil), e.disconnects...)
}

func TestReconnectLogic_ConnectsAndStops(t *testing.T) {
	client := &scriptedClient{}
	ev := &events{}
	r := ev.logic(client, clock.NewMock(time.Unix(0, 0)))

	require.NoError(t, r.Start(context.Background()))
	assert.ErrorIs(t, r.Start(context.Background()), ErrAlreadyStarted)

	require.Eventually(t, r.Connected, time.Second, time.Millisecond)
	r.Stop(context.Background())

	connects, errs, disconnects := ev.snapshot()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 0, errs)
	assert.Equal(t, []bool{true}, disconnects)
	assert.False(t, client.IsConnected())
	assert.False(t, r.Connected())
}

func TestReconnectLogic_BacksOffAfterFailures(t *testing.T) {
	client := &scriptedClient{failConnects: 3}
	ev := &events{}
	mock := clock.NewMock(time.Unix(0, 0))
	r := ev.logic(client, mock)

	require.NoError(t, r.Start(context.Background()))
	defer r.Stop(context.Background())

	// Backoff: 1s, 1.5s, 2.25s.
	for _, step := range []time.Duration{time.Second, 1500 * time.Millisecond, 2250 * time.Millisecond} {
		require.Eventually(t, func() bool { return mock.Pending() == 1 }, time.Second, time.Millisecond)
		mock.Advance(step - time.Millisecond)
		assert.Equal(t, 1, mock.Pending(), "retry fired before its backoff")
		mock.Advance(time.Millisecond)
	}

	require.Eventually(t, r.Connected, time.Second, time.Millisecond)
	connects, errs, _ := ev.snapshot()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 3, errs)
}

func TestReconnectLogic_ReconnectsAfterLoss(t *testing.T) {
	client := &scriptedClient{}
	ev := &events{}
	r := ev.logic(client, clock.NewMock(time.Unix(0, 0)))

	require.NoError(t, r.Start(context.Background()))
	defer r.Stop(context.Background())
	require.Eventually(t, r.Connected, time.Second, time.Millisecond)

	client.loseConnection()

	require.Eventually(t, func() bool {
		connects, _, _ := ev.snapshot()
		return connects == 2
	}, time.Second, time.Millisecond)
	_, _, disconnects := ev.snapshot()
	assert.Equal(t, []bool{false}, disconnects)
}

func TestReconnectLogic_OnConnectErrorCountsAsFailure(t *testing.T) {
	client := &scriptedClient{}
	mock := clock.NewMock(time.Unix(0, 0))
	var attempts atomic.Int32
	var reported atomic.Int32

	r := &ReconnectLogic{
		Client: client,
		OnConnect: func(context.Context) error {
			if attempts.Add(1) == 1 {
				return errors.New("no climate entity")
			}
			return nil
		},
		OnConnectError: func(error) { reported.Add(1) },
		Clock:          mock,
	}
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop(context.Background())

	require.Eventually(t, func() bool { return mock.Pending() == 1 }, time.Second, time.Millisecond)
	_, disconnects := client.counts()
	assert.Equal(t, 1, disconnects, "failed OnConnect disconnects the client")
	assert.Equal(t, int32(1), reported.Load())

	mock.Advance(defaultInitialDelay)
	require.Eventually(t, r.Connected, time.Second, time.Millisecond)
}

func TestReconnectLogic_StopDuringBackoff(t *testing.T) {
	client := &scriptedClient{failConnects: 100}
	ev := &events{}
	mock := clock.NewMock(time.Unix(0, 0))
	r := ev.logic(client, mock)

	require.NoError(t, r.Start(context.Background()))
	require.Eventually(t, func() bool { return mock.Pending() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Stop(ctx)
	assert.NoError(t, ctx.Err(), "Stop returned because the worker exited")

	connects, _ := client.counts()
	assert.Equal(t, 1, connects)
}
