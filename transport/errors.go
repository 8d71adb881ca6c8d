package transport

import "errors"

// ErrUnimplemented can be returned by optional transport methods that are not supported.
var ErrUnimplemented = errors.New("unimplemented")

// ErrNotReady is returned by commands issued before the transport finished
// initializing.
var ErrNotReady = errors.New("transport not ready")

// ErrNoRelay is returned by RequestSync when no outbound relay is configured.
var ErrNoRelay = errors.New("no outbound relay configured")

// ErrClosed is returned by subscriptions and commands after the transport
// connection has been closed.
var ErrClosed = errors.New("transport closed")
