// Package transport provides the framed connection abstraction the
// MTProto engine talks through, and its TCP implementation.
package transport

import (
	"context"
	"time"
)

// Methods are the callbacks a connection owner installs. They mirror the
// engine's view of a connection: it became ready, it delivered a complete
// frame, it went away.
type Methods struct {
	// Ready is called once the connection is established.
	Ready func(Conn)

	// Execute is called with each complete inbound frame payload.
	Execute func(Conn, []byte)

	// Closed is called when the connection is torn down. err is nil on a
	// deliberate close.
	Closed func(Conn, error)
}

// Conn is a full-duplex framed byte stream bound to one DC session.
type Conn interface {
	// WritePacket frames and queues one payload.
	WritePacket(payload []byte) error

	// Flush pushes queued packets to the wire.
	Flush() error

	// Close tears the connection down.
	Close() error

	// DCID returns the data center this connection serves.
	DCID() int32

	// SessionID returns the session this connection is bound to.
	SessionID() int64

	// RemoteAddr returns the remote endpoint as host:port.
	RemoteAddr() string

	// Stats returns the outgoing packet and byte counters.
	Stats() (packets, bytes int64)
}

// Factory creates connections. The engine never dials directly.
type Factory interface {
	// Connect dials host:port for the given DC session and starts
	// delivering frames through m.
	Connect(ctx context.Context, host string, port int, dcID int32, sessionID int64, m Methods) (Conn, error)
}

// DialConfig carries the dialing options of the TCP factory.
type DialConfig struct {
	// Timeout bounds the TCP connect.
	Timeout time.Duration

	// ProxyAddr, when set, routes the connection through a SOCKS5 proxy.
	ProxyAddr string

	// ProxyUser and ProxyPassword authenticate against the proxy.
	ProxyUser     string
	ProxyPassword string

	// SendBytesPerSecond caps outgoing framed bytes. Zero disables the
	// limiter.
	SendBytesPerSecond int

	// SendBurst is the limiter burst size. Defaults to one maximum frame.
	SendBurst int
}

// DefaultDialConfig returns sensible defaults.
func DefaultDialConfig() DialConfig {
	return DialConfig{
		Timeout: 30 * time.Second,
	}
}
