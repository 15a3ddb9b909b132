package esphome

import "errors"

// Domain errors for the ESPHome client package.
var (
	// ErrNotConnected is returned when an operation needs a live connection.
	ErrNotConnected = errors.New("esphome: not connected")

	// ErrAlreadyConnected is returned by Connect on a connected client.
	ErrAlreadyConnected = errors.New("esphome: already connected")

	// ErrNodeOffline is returned when the broker reports the node unavailable.
	ErrNodeOffline = errors.New("esphome: node offline")

	// ErrUnknownEntity is returned for commands addressed to an entity key
	// that was not discovered.
	ErrUnknownEntity = errors.New("esphome: unknown entity")

	// ErrInvalidPSK is returned when a pre-shared key is not 32 bytes of base64.
	ErrInvalidPSK = errors.New("esphome: invalid pre-shared key")

	// ErrInvalidDiscovery is returned when a discovery document cannot be parsed.
	ErrInvalidDiscovery = errors.New("esphome: invalid discovery document")

	// ErrAlreadyStarted is returned by ReconnectLogic.Start when it is running.
	ErrAlreadyStarted = errors.New("esphome: reconnect logic already started")
)
