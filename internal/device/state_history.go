package device

import (
	"context"
	"time"
)

// State history source values.
const (
	// StateHistorySourcePlugin marks states reported by the plugin, either
	// pushed by the node or applied optimistically for a command.
	StateHistorySourcePlugin = "plugin"

	// StateHistorySourceAPI marks states written through the HTTP API.
	StateHistorySourceAPI = "api"
)

// StateHistoryEntry is a single device state change record.
//
// Each entry stores the states that changed, so a local audit trail exists
// even when InfluxDB is not configured.
type StateHistoryEntry struct {
	ID        int64     `json:"id"`
	DeviceID  string    `json:"device_id"`
	States    States    `json:"states"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// StateHistoryRepository stores and retrieves device state change history.
//
// Implementations must be thread-safe and use UTC timestamps.
type StateHistoryRepository interface {
	// RecordStateChange records the states that changed on a device.
	RecordStateChange(ctx context.Context, deviceID string, states States, source string) error

	// GetHistory returns recent entries for the device, newest first.
	// Implementations may clamp limit.
	GetHistory(ctx context.Context, deviceID string, limit int) ([]StateHistoryEntry, error)

	// PruneHistory deletes entries older than the given age and returns how
	// many were removed.
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)
}
