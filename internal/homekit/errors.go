package homekit

import "errors"

var (
	// ErrAlreadyRunning is returned by Start on a running bridge.
	ErrAlreadyRunning = errors.New("homekit: bridge already running")

	// ErrInvalidPin is returned when the pairing PIN is not eight digits.
	ErrInvalidPin = errors.New("homekit: pin must be eight digits")

	// ErrNoExecutor is returned by New without a command executor.
	ErrNoExecutor = errors.New("homekit: executor is required")
)
