// Package device provides the thermostat device registry for the ESPHome
// climate bridge.
//
// Every climate head the bridge controls is a Device: its plugin props
// (connection settings for the node), the thermostat states the plugin
// reports, and the error state shown while the node is unreachable.
//
// # Architecture
//
//	┌───────────────────────────────────────────────────────────────┐
//	│                        Device Registry                         │
//	│                                                                │
//	│  ┌──────────────────┐    ┌──────────────────┐                  │
//	│  │     Registry     │    │    Repository    │                  │
//	│  │   (registry.go)  │───▶│  (repository.go) │                  │
//	│  │                  │    │                  │                  │
//	│  │ • CRUD ops       │    │ • SQLite queries │                  │
//	│  │ • In-memory cache│    │ • JSON columns   │                  │
//	│  │ • State history  │    │ • json_patch     │                  │
//	│  └──────────────────┘    └──────────────────┘                  │
//	└────────────────────────────────────────────────────────────────┘
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db)
//	registry := device.NewRegistry(repo)
//	registry.SetLogger(log)
//	registry.SetStateHistory(device.NewSQLiteStateHistoryRepository(db))
//
//	if err := registry.RefreshCache(ctx); err != nil {
//	    return err
//	}
//
//	// States reported by the plugin are merged into the stored states.
//	changed, err := registry.ApplyStates(ctx, "lounge", device.States{"setpointCool": 72.0})
//
// # Thread Safety
//
// The Registry is safe for concurrent use. The cache is guarded by a
// read-write mutex and every device handed out is a deep copy.
package device
