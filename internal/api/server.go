package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/gray-logic-esphome/internal/audit"
	"github.com/nerrad567/gray-logic-esphome/internal/device"
	"github.com/nerrad567/gray-logic-esphome/internal/host"
	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-esphome/internal/thermostat"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// DeviceService is what the API needs from the host runtime.
// *host.Runtime satisfies it.
type DeviceService interface {
	Devices() []device.Device
	Device(ctx context.Context, id string) (*device.Device, error)
	AddDevice(ctx context.Context, nd host.NewDevice) (*device.Device, error)
	UpdateDevice(ctx context.Context, id, name string, enabled bool, props map[string]string) (*device.Device, error)
	RemoveDevice(ctx context.Context, id string) error
	Execute(ctx context.Context, id string, cmd host.Command) error
	FanSpeeds(ctx context.Context, id string) ([]thermostat.Option, error)
	VaneModes(ctx context.Context, id string) ([]thermostat.Option, error)
	History(ctx context.Context, id string, limit int) ([]device.StateHistoryEntry, error)
	ApplyPrefs(values map[string]string)
	Stats() host.DeviceStats
}

// HealthCheckFunc reports whether a dependency is healthy.
type HealthCheckFunc func(ctx context.Context) error

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Devices  DeviceService

	// Hub is optional; the server creates one when nil. Register it with
	// the runtime as a sink to broadcast device events.
	Hub *Hub

	// Gatherer serves /metrics. Default: prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// Audit records device changes and commands. Optional.
	Audit audit.Repository

	// HealthChecks are run by /health, keyed by component name.
	HealthChecks map[string]HealthCheckFunc

	Version string
}

// Server is the HTTP API server.
type Server struct {
	cfg          config.APIConfig
	wsCfg        config.WebSocketConfig
	secCfg       config.SecurityConfig
	logger       *logging.Logger
	devices      DeviceService
	gatherer     prometheus.Gatherer
	audit        audit.Repository
	healthChecks map[string]HealthCheckFunc
	version      string
	startTime    time.Time

	hub    *Hub
	server *http.Server
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new API server. It is not started until Start is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Devices == nil {
		return nil, fmt.Errorf("device service is required")
	}

	s := &Server{
		cfg:          deps.Config,
		wsCfg:        deps.WS,
		secCfg:       deps.Security,
		logger:       deps.Logger,
		devices:      deps.Devices,
		gatherer:     deps.Gatherer,
		audit:        deps.Audit,
		healthChecks: deps.HealthChecks,
		version:      deps.Version,
		startTime:    time.Now(),
		hub:          deps.Hub,
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
	}
	return s, nil
}

// Hub returns the WebSocket hub, which is a host.StateSink.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the server's router.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections in a background goroutine.
// The listener is bound before Start returns, so a port conflict is
// reported here.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("API server listening", "address", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server, waiting up to 10 seconds for
// in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
