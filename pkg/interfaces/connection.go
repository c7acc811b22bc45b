package interfaces

// Conn is a live client connection as seen by the connection manager and
// broadcast fan-out. Implementations must make WriteJSON safe for
// concurrent callers (the WebSocket implementation uses a single-writer
// goroutine).
type Conn interface {
	// WriteJSON sends a JSON message to the client.
	WriteJSON(v interface{}) error

	// Close closes the connection and releases its resources. It must be
	// safe to call more than once.
	Close() error
}
