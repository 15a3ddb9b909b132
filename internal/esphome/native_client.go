package esphome

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	esphomeapi "github.com/mycontroller-org/esphome_api/pkg/api"
	esphomeclient "github.com/mycontroller-org/esphome_api/pkg/client"
	"google.golang.org/protobuf/proto"

	"github.com/nerrad567/gray-logic-esphome/internal/clock"
)

// Native API defaults.
const (
	DefaultNativePort = 6053

	defaultNativeTimeout   = 10 * time.Second
	defaultNativeKeepAlive = 20 * time.Second

	nativeClientID = "esphome-climate"
)

// NativeConn is an open native API connection. *client.Client from
// github.com/mycontroller-org/esphome_api satisfies it.
type NativeConn interface {
	Login(password string) error
	Send(msg proto.Message) error
	Close() error
}

// NativeDialer opens a connection to the node in p. Messages the node sends
// on its own are passed to handle, on the connection's reader goroutine.
type NativeDialer func(ctx context.Context, p ConnectParams, handle func(proto.Message)) (NativeConn, error)

// NativeOptions configures a NativeClient.
type NativeOptions struct {
	// ConnectTimeout bounds the handshake and every request that waits
	// for a reply. Default 10 seconds.
	ConnectTimeout time.Duration

	// KeepAlive is the ping interval. A failed ping is a lost connection.
	// Default 20 seconds.
	KeepAlive time.Duration

	Clock clock.Clock

	// Dial overrides the connection dialer. Tests use it to inject a fake node.
	Dial NativeDialer
}

// NativeClient talks to a node over the ESPHome native API. A NoisePSK in
// the connect parameters enables the encrypted transport.
type NativeClient struct {
	params ConnectParams
	opts   NativeOptions

	mu           sync.Mutex
	session      *nativeSession
	onDisconnect func(expected bool)
}

// nativeSession is the state of one connection.
type nativeSession struct {
	conn      NativeConn
	closed    chan struct{}
	keepAlive clock.Timer

	listing  *entityListing
	climates map[uint32]bool
	selects  map[uint32]bool
	onState  func(State)
}

// entityListing collects the replies to one ListEntitiesRequest.
type entityListing struct {
	entities []EntityInfo
	done     chan struct{}
}

// NewNativeClient creates a client for one node.
func NewNativeClient(p ConnectParams, opts NativeOptions) *NativeClient {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultNativeTimeout
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = defaultNativeKeepAlive
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewReal()
	}
	if opts.Dial == nil {
		opts.Dial = dialNative(opts.ConnectTimeout)
	}
	return &NativeClient{params: p, opts: opts}
}

// dialNative returns the production dialer. The library performs the noise
// handshake when an encryption key is given and the plaintext hello otherwise.
func dialNative(timeout time.Duration) NativeDialer {
	return func(ctx context.Context, p ConnectParams, handle func(proto.Message)) (NativeConn, error) {
		t := timeout
		if deadline, ok := ctx.Deadline(); ok {
			t = min(t, time.Until(deadline))
		}
		address := net.JoinHostPort(p.Address, strconv.Itoa(p.Port))
		conn, err := esphomeclient.GetClient(nativeClientID, address, p.NoisePSK, t, handle)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Connect dials the node and logs in with the configured password.
func (c *NativeClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	s := &nativeSession{
		closed:   make(chan struct{}),
		climates: make(map[uint32]bool),
		selects:  make(map[uint32]bool),
	}
	conn, err := c.opts.Dial(ctx, c.params, func(msg proto.Message) { c.handle(s, msg) })
	if err != nil {
		return fmt.Errorf("esphome: connecting to %s:%d: %w", c.params.Address, c.params.Port, err)
	}
	if err := conn.Login(c.params.Password); err != nil {
		conn.Close() //nolint:errcheck // login already failed
		return fmt.Errorf("esphome: logging in to %s:%d: %w", c.params.Address, c.params.Port, err)
	}

	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		conn.Close() //nolint:errcheck // lost a concurrent Connect
		return ErrAlreadyConnected
	}
	s.conn = conn
	c.session = s
	s.keepAlive = c.opts.Clock.AfterFunc(c.opts.KeepAlive, func() { c.ping(s) })
	c.mu.Unlock()
	return nil
}

// Disconnect tells the node the connection is ending and closes it. The
// disconnect callback is not invoked.
func (c *NativeClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil || !c.drop(s) {
		return nil
	}
	s.conn.Send(&esphomeapi.DisconnectRequest{}) //nolint:errcheck // closing regardless
	return s.conn.Close()
}

// drop ends s if it is still the active session. It reports whether it was.
func (c *NativeClient) drop(s *nativeSession) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != s {
		return false
	}
	c.session = nil
	if s.keepAlive != nil {
		s.keepAlive.Stop()
	}
	s.onState = nil
	close(s.closed)
	return true
}

// lost handles an unexpected end of s.
func (c *NativeClient) lost(s *nativeSession) {
	if !c.drop(s) {
		return
	}
	// The caller may be the library's reader goroutine, which Close waits for.
	go s.conn.Close() //nolint:errcheck // connection is already gone

	c.mu.Lock()
	cb := c.onDisconnect
	c.mu.Unlock()
	if cb != nil {
		cb(false)
	}
}

func (c *NativeClient) active() *nativeSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *NativeClient) ping(s *nativeSession) {
	if c.active() != s {
		return
	}
	if err := s.conn.Send(&esphomeapi.PingRequest{}); err != nil {
		c.lost(s)
		return
	}
	c.mu.Lock()
	if c.session == s {
		s.keepAlive = c.opts.Clock.AfterFunc(c.opts.KeepAlive, func() { c.ping(s) })
	}
	c.mu.Unlock()
}

// IsConnected reports whether a session is open.
func (c *NativeClient) IsConnected() bool {
	return c.active() != nil
}

// SetOnDisconnect registers cb for a lost session.
func (c *NativeClient) SetOnDisconnect(cb func(expected bool)) {
	c.mu.Lock()
	c.onDisconnect = cb
	c.mu.Unlock()
}

// ListEntities asks the node for its entities and waits for the list to end.
func (c *NativeClient) ListEntities(ctx context.Context) ([]EntityInfo, error) {
	s := c.active()
	if s == nil {
		return nil, ErrNotConnected
	}

	l := &entityListing{done: make(chan struct{})}
	c.mu.Lock()
	s.listing = l
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if s.listing == l {
			s.listing = nil
		}
		c.mu.Unlock()
	}()

	if err := s.conn.Send(&esphomeapi.ListEntitiesRequest{}); err != nil {
		return nil, fmt.Errorf("esphome: listing entities: %w", err)
	}

	select {
	case <-l.done:
	case <-s.closed:
		return nil, ErrNotConnected
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.opts.Clock.After(c.opts.ConnectTimeout):
		return nil, fmt.Errorf("esphome: listing entities: no reply within %v", c.opts.ConnectTimeout)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return l.entities, nil
}

// SubscribeStates asks the node to push every entity state to cb.
func (c *NativeClient) SubscribeStates(ctx context.Context, cb func(State)) error {
	s := c.active()
	if s == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	s.onState = cb
	c.mu.Unlock()

	if err := s.conn.Send(&esphomeapi.SubscribeStatesRequest{}); err != nil {
		return fmt.Errorf("esphome: subscribing states: %w", err)
	}
	return nil
}

// ClimateCommand sends a ClimateCommandRequest with the fields set in cmd.
func (c *NativeClient) ClimateCommand(ctx context.Context, cmd ClimateCommand) error {
	s, err := c.commandSession(ctx, cmd.Key, func(s *nativeSession) bool { return s.climates[cmd.Key] })
	if err != nil {
		return err
	}

	req := &esphomeapi.ClimateCommandRequest{Key: cmd.Key}
	if cmd.Mode != nil {
		req.HasMode = true
		req.Mode = esphomeapi.ClimateMode(*cmd.Mode)
	}
	if cmd.TargetTemperature != nil {
		req.HasTargetTemperature = true
		req.TargetTemperature = float32(*cmd.TargetTemperature)
	}
	if cmd.FanMode != nil {
		req.HasFanMode = true
		req.FanMode = esphomeapi.ClimateFanMode(*cmd.FanMode)
	}
	if err := s.conn.Send(req); err != nil {
		return fmt.Errorf("esphome: climate command: %w", err)
	}
	return nil
}

func (c *NativeClient) SelectCommand(ctx context.Context, cmd SelectCommand) error {
	s, err := c.commandSession(ctx, cmd.Key, func(s *nativeSession) bool { return s.selects[cmd.Key] })
	if err != nil {
		return err
	}
	if err := s.conn.Send(&esphomeapi.SelectCommandRequest{Key: cmd.Key, State: cmd.State}); err != nil {
		return fmt.Errorf("esphome: select command: %w", err)
	}
	return nil
}

// commandSession returns the active session when key names a listed entity.
func (c *NativeClient) commandSession(ctx context.Context, key uint32, known func(*nativeSession) bool) (*nativeSession, error) {
	c.mu.Lock()
	s := c.session
	ok := s != nil && known(s)
	c.mu.Unlock()
	if s == nil {
		return nil, ErrNotConnected
	}
	if !ok {
		return nil, fmt.Errorf("%w: key %d", ErrUnknownEntity, key)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s, nil
}

// handle processes one message the node sent on s.
func (c *NativeClient) handle(s *nativeSession, msg proto.Message) {
	switch m := msg.(type) {
	case *esphomeapi.ListEntitiesClimateResponse:
		c.listed(s, func() EntityInfo {
			s.climates[m.Key] = true
			return climateInfoFromNative(m)
		})
	case *esphomeapi.ListEntitiesSelectResponse:
		c.listed(s, func() EntityInfo {
			s.selects[m.Key] = true
			return SelectInfo{Key: m.Key, ObjectID: m.ObjectId, Name: m.Name, Options: m.Options}
		})
	case *esphomeapi.ListEntitiesDoneResponse:
		c.mu.Lock()
		if l := s.listing; l != nil {
			s.listing = nil
			close(l.done)
		}
		c.mu.Unlock()
	case *esphomeapi.ClimateStateResponse:
		c.emit(s, climateStateFromNative(m))
	case *esphomeapi.SelectStateResponse:
		c.emit(s, SelectState{Key: m.Key, State: m.State, MissingState: m.MissingState})
	case *esphomeapi.PingRequest:
		if conn := c.connOf(s); conn != nil {
			conn.Send(&esphomeapi.PingResponse{}) //nolint:errcheck // the next keepalive notices a dead link
		}
	case *esphomeapi.DisconnectRequest:
		if conn := c.connOf(s); conn != nil {
			conn.Send(&esphomeapi.DisconnectResponse{}) //nolint:errcheck // closing regardless
			c.lost(s)
		}
	}
}

// connOf returns s's connection, or nil while s is still being dialled.
func (c *NativeClient) connOf(s *nativeSession) NativeConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return s.conn
}

// listed appends the entity built by info to the listing in progress.
func (c *NativeClient) listed(s *nativeSession, info func() EntityInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.listing != nil {
		s.listing.entities = append(s.listing.entities, info())
	}
}

func (c *NativeClient) emit(s *nativeSession, st State) {
	c.mu.Lock()
	cb := s.onState
	c.mu.Unlock()
	if cb != nil {
		cb(st)
	}
}

func climateInfoFromNative(m *esphomeapi.ListEntitiesClimateResponse) ClimateInfo {
	info := ClimateInfo{
		Key:           m.Key,
		ObjectID:      m.ObjectId,
		Name:          m.Name,
		VisualMinTemp: float64(m.VisualMinTemperature),
		VisualMaxTemp: float64(m.VisualMaxTemperature),
	}
	for _, mode := range m.SupportedModes {
		info.SupportedModes = append(info.SupportedModes, ClimateMode(mode))
	}
	for _, fan := range m.SupportedFanModes {
		info.SupportedFanModes = append(info.SupportedFanModes, ClimateFanMode(fan))
	}
	return info
}

// climateStateFromNative converts a push. The native API always sends every
// field, and unknown temperatures arrive as NaN.
func climateStateFromNative(m *esphomeapi.ClimateStateResponse) ClimateState {
	return ClimateState{
		Key:                m.Key,
		Mode:               ClimateMode(m.Mode),
		Action:             ClimateAction(m.Action),
		FanMode:            ClimateFanMode(m.FanMode),
		CurrentTemperature: float64(m.CurrentTemperature),
		TargetTemperature:  float64(m.TargetTemperature),
		HasMode:            true,
		HasAction:          true,
		HasFanMode:         true,
	}
}
