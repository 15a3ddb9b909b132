// Package host is the plugin host runtime: it owns the device registry and
// the ESPHome climate plugin, and connects both to the outside world.
//
// The Runtime implements the plugin's Host callbacks. State and error-state
// changes reported by the plugin are persisted through the device registry
// and then fanned out to every configured StateSink:
//   - StatePublisher: retained JSON on graylogic/state/esphome/{device}
//   - HistorySink: InfluxDB climate points
//   - the API WebSocket hub and the HomeKit bridge
//
// Sinks run on a dispatcher goroutine, never on the plugin's event loop, so
// a slow broker cannot stall command handling and no callback re-enters the
// plugin.
//
// Commands arrive from the API or from the host bus on
// graylogic/command/esphome/{device} and are acknowledged on
// graylogic/ack/esphome/{device}. A HealthReporter publishes the bridge
// status on graylogic/health/esphome.
package host
