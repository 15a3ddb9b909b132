package influxdb

import "errors"

var (
	// ErrDisabled is returned by Connect when climate history is turned off.
	ErrDisabled = errors.New("influxdb: disabled in configuration")

	// ErrConnectionFailed wraps the ping failure from Connect.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrNotConnected is reported by HealthCheck after Close or a failed ping.
	ErrNotConnected = errors.New("influxdb: not connected")
)
