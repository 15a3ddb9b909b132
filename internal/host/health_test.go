package host

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedStats DeviceStats

func (s fixedStats) Stats() DeviceStats { return DeviceStats(s) }

func TestHealthReporter_DetermineStatus(t *testing.T) {
	tests := []struct {
		name      string
		connected bool
		stats     DeviceStats
		want      HealthStatus
	}{
		{"mqtt down", false, DeviceStats{Managed: 1, Started: 1, Connected: 1}, HealthDegraded},
		{"all connected", true, DeviceStats{Managed: 2, Started: 2, Connected: 2}, HealthHealthy},
		{"no devices", true, DeviceStats{}, HealthHealthy},
		{"some in error", true, DeviceStats{Managed: 2, Started: 2, Connected: 1, InError: 1}, HealthDegraded},
		{"none connected", true, DeviceStats{Managed: 2, Started: 2, InError: 2}, HealthUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := newFakeBus()
			bus.connected = tt.connected
			h := NewHealthReporter(HealthReporterConfig{Publisher: bus, Stats: fixedStats(tt.stats)})

			status, _ := h.determineStatus()
			assert.Equal(t, tt.want, status)
		})
	}
}

func TestHealthReporter_PublishesRetainedStatus(t *testing.T) {
	bus := newFakeBus()
	h := NewHealthReporter(HealthReporterConfig{
		Version:   "1.2.3",
		Publisher: bus,
		Stats:     fixedStats{Managed: 3, Started: 2, Connected: 1, InError: 1},
	})

	require.NoError(t, h.PublishStarting())
	m := bus.next(t)
	assert.Equal(t, "graylogic/health/esphome", m.topic)
	assert.True(t, m.retained)

	var msg HealthMessage
	require.NoError(t, json.Unmarshal(m.payload, &msg))
	assert.Equal(t, HealthStarting, msg.Status)
	assert.Equal(t, "esphome", msg.Bridge)
	assert.Equal(t, "1.2.3", msg.Version)
	assert.Equal(t, 3, msg.DevicesManaged)
	assert.Equal(t, 1, msg.DevicesInError)

	require.NoError(t, h.PublishNow())
	require.NoError(t, json.Unmarshal(bus.next(t).payload, &msg))
	assert.Equal(t, HealthDegraded, msg.Status)
	assert.Equal(t, "1 of 3 devices in error", msg.Reason)
}

func TestHealthReporter_StopPublishesStopping(t *testing.T) {
	bus := newFakeBus()
	h := NewHealthReporter(HealthReporterConfig{Publisher: bus})
	h.Start(t.Context())

	// Initial status from the report loop.
	bus.next(t)

	h.Stop()
	h.Stop()

	var msg HealthMessage
	require.NoError(t, json.Unmarshal(bus.next(t).payload, &msg))
	assert.Equal(t, HealthStopping, msg.Status)
}
