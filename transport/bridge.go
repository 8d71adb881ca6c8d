package transport

import (
	"context"
)

// Bridge is the only mesh dependency the engine has.
//
// The engine never talks to the routing layer directly. It pushes the chosen
// relay down, fires a pull request, and learns the outcome asynchronously from
// the event stream. Link management, retries at the link level, and message
// decoding are owned by the transport behind this interface.
type Bridge interface {
	// Ready blocks until the transport is initialized and able to accept
	// commands, or until ctx ends.
	Ready(ctx context.Context) error

	// SetOutboundRelay points store-and-forward traffic at the given relay.
	// A zero hash clears the outbound relay. Implementations are idempotent:
	// setting the current value again is a no-op.
	SetOutboundRelay(ctx context.Context, relay DestinationHash) error

	// RequestSync asks the transport to pull queued messages from the
	// configured outbound relay. Completion is not returned here; it arrives
	// on the event stream.
	RequestSync(ctx context.Context) error

	// Events subscribes to sync transfer events. The subscription is closed
	// when ctx ends or Close is called.
	Events(ctx context.Context) (EventSubscription, error)
}

// EventSubscription yields sync transfer events in transport-emission order.
type EventSubscription interface {
	Next(ctx context.Context) (SyncEvent, error)
	Close() error
}

// AnnounceSource delivers announces heard on the mesh, already parsed.
//
// Optional: transports that cannot observe announces may return
// ErrUnimplemented from Announces.
type AnnounceSource interface {
	Announces(ctx context.Context) (AnnounceSubscription, error)
}

// AnnounceSubscription yields announces in arrival order.
type AnnounceSubscription interface {
	Next(ctx context.Context) (Announce, error)
	Close() error
}
