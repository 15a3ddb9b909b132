package esphome

import "errors"

// Domain errors for the ESPHome climate plugin.
var (
	// ErrUnknownDevice is returned for a device that has not been started.
	ErrUnknownDevice = errors.New("esphome plugin: unknown device")

	// ErrDeviceStarted is returned by DeviceStartComm for a running device.
	ErrDeviceStarted = errors.New("esphome plugin: device already started")

	// ErrNoClimateEntity is returned when a node exposes no climate entity.
	ErrNoClimateEntity = errors.New("esphome plugin: no climate entity found on ESPHome device")

	// ErrNotReady is returned for commands to a device whose climate entity
	// has not been discovered yet.
	ErrNotReady = errors.New("esphome plugin: device not connected")

	// ErrUnsupportedMode is returned for a host HVAC mode with no node equivalent.
	ErrUnsupportedMode = errors.New("esphome plugin: unsupported hvac mode")

	// ErrUnknownFanSpeed is returned for a fan speed name outside the table.
	ErrUnknownFanSpeed = errors.New("esphome plugin: unknown fan speed")

	// ErrUnsupportedAction is returned for actions the plugin does not handle.
	ErrUnsupportedAction = errors.New("esphome plugin: unsupported action")

	// ErrInvalidConfig is returned when device props fail validation.
	ErrInvalidConfig = errors.New("esphome plugin: invalid device configuration")
)
