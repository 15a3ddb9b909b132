package device

import (
	"context"
	"database/sql"
	"testing"

	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-esphome/migrations"
)

// setupTestDB opens an in-memory database with the bridge schema applied.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{Path: database.MemoryPath, BusyTimeout: 1})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db.DB
}

// testDevice creates a device for testing.
func testDevice(id, name string) *Device {
	return &Device{
		ID:      id,
		Name:    name,
		Type:    TypeESPHomeThermostat,
		Enabled: true,
		Props: Props{
			"address": "broker.local",
			"port":    "1883",
			"node":    id + "-hp",
		},
		States: States{},
	}
}
