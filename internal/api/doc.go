// Package api implements the HTTP REST API and WebSocket server for the
// ESPHome climate bridge.
//
// This package provides:
//   - REST endpoints to add, update, remove and list thermostat devices
//   - Action dispatch (thermostat, universal and custom actions)
//   - Fan speed and vane mode option lists and state history
//   - A WebSocket hub broadcasting device events from the host runtime
//   - Prometheus metrics at /api/v1/metrics
//   - Middleware stack (request ID, logging, recovery, body size limit)
//
// # Security
//
// When security.jwt.secret is set every route except /health and /metrics
// requires an HS256 bearer token. WebSocket clients that cannot set headers
// pass the token as the access_token query parameter. Device passwords and
// encryption keys are never returned.
//
// # Errors
//
// Errors use the envelope {"status", "code", "message"}. Device props that
// fail validation return 422 with a "fields" map, one message per field.
package api
