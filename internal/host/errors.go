package host

import "errors"

var (
	// ErrAlreadyRunning is returned by Start on a running runtime.
	ErrAlreadyRunning = errors.New("host: runtime already running")

	// ErrNotRunning is returned when an operation needs a running runtime.
	ErrNotRunning = errors.New("host: runtime not running")

	// ErrDeviceNotStarted is returned for actions on a device whose
	// communication is not running (disabled or failed to start).
	ErrDeviceNotStarted = errors.New("host: device not started")

	// ErrInvalidCommand is returned for an unknown action name.
	ErrInvalidCommand = errors.New("host: invalid command")

	// ErrInvalidParameters is returned when an action's parameters are
	// missing or malformed.
	ErrInvalidParameters = errors.New("host: invalid command parameters")
)
