// Package integration exercises the assembled relay engine: real sqlite
// stores, the announce pump and the controller wired to an in-memory
// transport, driven end to end the way the daemon runs them.
package integration
