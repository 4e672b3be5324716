// Package stream accepts TCP clients and exchanges length-prefixed envelopes with them.
package stream

import (
	"net"
	"sync"
	"time"

	"github.com/cory-johannsen/omokchat/internal/protocol"
)

// Conn wraps a TCP connection with envelope framing.
// Reads must come from a single goroutine; writes are serialized internally.
type Conn struct {
	raw     net.Conn
	decoder *protocol.Decoder
	encoder *protocol.Encoder
	mu      sync.Mutex

	readTimeout  time.Duration
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps a raw TCP connection. Non-positive timeouts disable the
// corresponding deadline; a non-positive maxFrame selects protocol.DefaultMaxFrameBytes.
//
// Precondition: raw must be a valid, open network connection.
// Postcondition: Returns a Conn ready for reading and writing.
func NewConn(raw net.Conn, readTimeout, writeTimeout time.Duration, maxFrame int) *Conn {
	return &Conn{
		raw:          raw,
		decoder:      protocol.NewDecoder(raw, maxFrame),
		encoder:      protocol.NewEncoder(raw),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// ReadEnvelope blocks for the next envelope from the client.
//
// Postcondition: Returns the envelope, io.EOF on a clean close, or a framing/I/O error.
func (c *Conn) ReadEnvelope() (protocol.Envelope, error) {
	if c.readTimeout > 0 {
		_ = c.raw.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	return c.decoder.Decode()
}

// WriteEnvelope sends one envelope to the client as a single frame.
//
// Postcondition: The whole frame is written, or an error is returned.
func (c *Conn) WriteEnvelope(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.encoder.Encode(env)
}

// Close closes the underlying TCP connection. Later calls return the first result.
//
// Postcondition: The connection is closed and blocked reads return.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.raw.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the remote network address of the client.
func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}
