package device

import "errors"

// Registry and repository errors. Validation failures wrap ErrInvalidDevice,
// ErrInvalidName or ErrInvalidID with the offending field.
var (
	ErrDeviceNotFound = errors.New("device: not found")
	ErrDeviceExists   = errors.New("device: already exists")

	// ErrInvalidDevice covers props and state values the registry rejects.
	ErrInvalidDevice = errors.New("device: invalid")
	ErrInvalidName   = errors.New("device: invalid name")

	// ErrInvalidID means the ID is not a lowercase slug. IDs appear in bus
	// topics and URLs, so nothing else is accepted.
	ErrInvalidID = errors.New("device: invalid id")
)
