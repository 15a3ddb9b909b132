package host

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/mqtt"
)

// HealthStatus is the bridge's operational status.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthOffline   HealthStatus = "offline"
	HealthStarting  HealthStatus = "starting"
	HealthStopping  HealthStatus = "stopping"
)

const defaultHealthInterval = 30 * time.Second

// HealthMessage is the retained status on graylogic/health/esphome.
type HealthMessage struct {
	Bridge           string       `json:"bridge"`
	Timestamp        time.Time    `json:"timestamp"`
	Status           HealthStatus `json:"status"`
	Version          string       `json:"version"`
	UptimeSeconds    int64        `json:"uptime_seconds"`
	DevicesManaged   int          `json:"devices_managed"`
	DevicesStarted   int          `json:"devices_started"`
	DevicesConnected int          `json:"devices_connected"`
	DevicesInError   int          `json:"devices_in_error"`
	Reason           string       `json:"reason,omitempty"`
}

// StatsSource reports device counts. *Runtime satisfies it.
type StatsSource interface {
	Stats() DeviceStats
}

// HealthReporterConfig configures a HealthReporter.
type HealthReporterConfig struct {
	Version string

	// Interval is how often status is published. Default: 30 seconds.
	Interval time.Duration

	Publisher Publisher
	Stats     StatsSource
	Logger    Logger
}

// HealthReporter periodically publishes the bridge's health.
type HealthReporter struct {
	version   string
	startTime time.Time
	interval  time.Duration
	publisher Publisher
	stats     StatsSource
	logger    Logger
	topic     string

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewHealthReporter creates a reporter. Call Start to begin reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &HealthReporter{
		version:   cfg.Version,
		startTime: time.Now(),
		interval:  interval,
		publisher: cfg.Publisher,
		stats:     cfg.Stats,
		logger:    logger,
		topic:     mqtt.Topics{}.BridgeHealth(Protocol),
		done:      make(chan struct{}),
	}
}

// Start begins periodic reporting until ctx is cancelled or Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop ends reporting and publishes a final "stopping" status.
// Safe to call more than once.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // best effort during shutdown
		h.publishStatus(HealthStopping, "")
	})
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "bridge starting")
}

// PublishNow publishes the current status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publishStatus(status, reason)
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.logger.Error("failed to publish initial health", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logger.Error("failed to publish health", "error", err)
			}
		}
	}
}

func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.publisher == nil || !h.publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}

	s := h.deviceStats()
	switch {
	case s.Started > 0 && s.Connected == 0:
		return HealthUnhealthy, "no devices connected"
	case s.InError > 0:
		return HealthDegraded, fmt.Sprintf("%d of %d devices in error", s.InError, s.Managed)
	}
	return HealthHealthy, ""
}

func (h *HealthReporter) deviceStats() DeviceStats {
	if h.stats == nil {
		return DeviceStats{}
	}
	return h.stats.Stats()
}

func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	if h.publisher == nil {
		return nil
	}

	s := h.deviceStats()
	msg := HealthMessage{
		Bridge:           Protocol,
		Timestamp:        time.Now().UTC(),
		Status:           status,
		Version:          h.version,
		UptimeSeconds:    int64(time.Since(h.startTime).Seconds()),
		DevicesManaged:   s.Managed,
		DevicesStarted:   s.Started,
		DevicesConnected: s.Connected,
		DevicesInError:   s.InError,
		Reason:           reason,
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.publisher.Publish(h.topic, payload, busQoS, true)
}
