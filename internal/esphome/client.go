package esphome

import "context"

// Client is a connection to one ESPHome node.
//
// Implementations deliver state pushes and disconnect notifications on their
// own goroutines; callers are expected to hand them off to their own context.
type Client interface {
	// Connect opens the connection. It fails with ErrAlreadyConnected if open.
	Connect(ctx context.Context) error

	// Disconnect closes the connection and drops all subscriptions.
	// The disconnect callback is not invoked for an explicit Disconnect.
	Disconnect(ctx context.Context) error

	// ListEntities returns every entity the node exposes.
	ListEntities(ctx context.Context) ([]EntityInfo, error)

	// SubscribeStates delivers the current and every following state of all
	// listed entities to cb until the connection closes.
	SubscribeStates(ctx context.Context, cb func(State)) error

	ClimateCommand(ctx context.Context, cmd ClimateCommand) error
	SelectCommand(ctx context.Context, cmd SelectCommand) error

	IsConnected() bool

	// SetOnDisconnect registers the callback for connection loss.
	SetOnDisconnect(func(expected bool))
}
