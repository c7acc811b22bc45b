package websocket

import "time"

// Config holds the per-connection transport tunables.
type Config struct {
	// PingInterval is how often the server pings each client.
	PingInterval time.Duration
	// ReadTimeout is the read deadline, refreshed on every pong.
	ReadTimeout time.Duration
	// WriteTimeout bounds both queueing a frame and writing it to the wire.
	WriteTimeout time.Duration
	// BufferSize is the outbound frame queue capacity per connection.
	BufferSize int
}

// DefaultConfig returns the production defaults: 30s pings against a 60s
// read deadline, 10s writes, 100 queued frames.
func DefaultConfig() Config {
	return Config{
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		BufferSize:   100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	return c
}
