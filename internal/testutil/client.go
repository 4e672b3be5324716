// Package testutil provides helpers for integration tests against a running chat server.
package testutil

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/cory-johannsen/omokchat/internal/protocol"
)

// DefaultTimeout bounds every read made by a Client.
const DefaultTimeout = 2 * time.Second

// Client is a framed-protocol test client for integration testing.
type Client struct {
	conn    net.Conn
	encoder *protocol.Encoder
	decoder *protocol.Decoder
	t       *testing.T
}

// NewClient dials the given address and returns a test client.
//
// Precondition: addr must be a valid "host:port" string with a listening server.
// Postcondition: Returns a connected Client or fails the test.
func NewClient(t *testing.T, addr string) *Client {
	t.Helper()
	start := time.Now()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", addr, err, time.Since(start))
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return &Client{
		conn:    conn,
		encoder: protocol.NewEncoder(conn),
		decoder: protocol.NewDecoder(conn, 0),
		t:       t,
	}
}

// Login dials addr, logs in as nickname, and consumes the ROOM_LIST and
// welcome SYSTEM envelopes that follow a successful handshake.
//
// Postcondition: Returns a logged-in Client or fails the test.
func Login(t *testing.T, addr, nickname string) *Client {
	t.Helper()
	c := NewClient(t, addr)
	c.Send(protocol.Login(nickname))
	c.Expect(protocol.KindRoomList)
	c.Expect(protocol.KindSystem)
	return c
}

// Send writes one envelope to the server.
//
// Postcondition: env is written as a single frame, or the test fails.
func (c *Client) Send(env protocol.Envelope) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.encoder.Encode(env); err != nil {
		c.t.Fatalf("sending %s: %v", env.Kind, err)
	}
}

// SendRaw writes bytes to the server without framing.
func (c *Client) SendRaw(b []byte) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write(b); err != nil {
		c.t.Fatalf("sending raw bytes: %v", err)
	}
}

// Next returns the next envelope from the server.
//
// Postcondition: Returns the envelope or fails the test on timeout or error.
func (c *Client) Next() protocol.Envelope {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(DefaultTimeout))
	env, err := c.decoder.Decode()
	if err != nil {
		c.t.Fatalf("reading envelope: %v", err)
	}
	return env
}

// Expect returns the next envelope and fails the test if it is not of kind.
func (c *Client) Expect(kind protocol.Kind) protocol.Envelope {
	c.t.Helper()
	env := c.Next()
	if env.Kind != kind {
		c.t.Fatalf("expected %s, got %s (%+v)", kind, env.Kind, env)
	}
	return env
}

// ReadUntil skips envelopes until match accepts one and returns it.
//
// Postcondition: Returns the first matching envelope or fails on timeout.
func (c *Client) ReadUntil(match func(protocol.Envelope) bool) protocol.Envelope {
	c.t.Helper()
	for {
		env := c.Next()
		if match(env) {
			return env
		}
	}
}

// ExpectClosed fails the test unless the server closes the connection before
// the default timeout. Envelopes received first are returned.
func (c *Client) ExpectClosed() []protocol.Envelope {
	c.t.Helper()
	var out []protocol.Envelope
	_ = c.conn.SetReadDeadline(time.Now().Add(DefaultTimeout))
	for {
		env, err := c.decoder.Decode()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				c.t.Fatalf("connection still open after %s", DefaultTimeout)
			}
			return out
		}
		out = append(out, env)
	}
}

// Close closes the underlying connection.
func (c *Client) Close() {
	c.conn.Close()
}
