// Package transport declares the contract the collaborative-editing core
// consumes to reach connected clients. The actual WebSocket/HTTP layer lives
// outside this module; the core never touches raw sockets.
package transport

import "context"

// Transport delivers messages to client connections held by this instance.
type Transport interface {
	// Send delivers data to the named connection.
	Send(ctx context.Context, connection string, data []byte) error

	// Has reports whether this instance currently holds the connection.
	Has(connection string) bool

	// Disconnect forcefully terminates the connection.
	Disconnect(connection string) error
}
