// Package netconn implements the connection abstraction shared by the
// server and the tunnel client: a uniform read/write/close/bridge API over
// raw TCP, server- and client-side TLS, dialed UDP sockets, and an
// in-process channel socket (ChannelConn, for synthesized UDP client
// connections).
package netconn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tunnelize/internal/wire"
)

// RequestTimeout bounds Conn.RequestMessage.
const RequestTimeout = 60 * time.Second

// ErrTimeout is returned by RequestMessage when no response arrives within
// RequestTimeout.
var ErrTimeout = errors.New("netconn: request timed out")

// ErrIncompatibleBridge is returned by BridgeTo when both endpoints are
// channel sockets.
var ErrIncompatibleBridge = errors.New("netconn: cannot bridge two channel sockets")

// Conn is the uniform API every transport implements.
type Conn interface {
	// Read reads up to len(buf) bytes, as io.Reader.
	Read(buf []byte) (int, error)

	// WriteAll writes the entirety of buf or returns an error.
	WriteAll(buf []byte) error

	// ReadMessage decodes one length-prefixed frame from the
	// connection's buffered input.
	ReadMessage() (wire.Message, error)

	// WriteMessage encodes and writes one length-prefixed frame.
	WriteMessage(msg wire.Message) error

	// ReadUntil reads into an internal buffer until delim appears as a
	// contiguous suffix of the bytes read so far, or EOF. The returned
	// slice includes delim. If deadline is non-zero the read is bounded by
	// it and returns an error satisfying os.IsTimeout.
	ReadUntil(delim []byte, deadline time.Time) ([]byte, error)

	// PeerAddr returns a human-readable remote address, or "" where none
	// applies.
	PeerAddr() string

	// RequestMessage writes req and waits up to RequestTimeout for a
	// response frame.
	RequestMessage(req wire.Message) (wire.Message, error)

	// CloseWithData makes a best-effort write of data, then shuts down.
	CloseWithData(data []byte) error

	// Shutdown closes the connection.
	Shutdown() error

	// BridgeTo performs a cancellation-aware bidirectional byte copy
	// between this connection and other, returning when either side
	// closes or ctx is cancelled. Both sides are shut down before
	// returning.
	BridgeTo(ctx context.Context, other Conn) error
}

// requestMessage is the transport-agnostic implementation of
// Conn.RequestMessage, built from a connection's own ReadMessage/
// WriteMessage so every transport shares identical timeout semantics.
func requestMessage(c Conn, req wire.Message) (wire.Message, error) {
	type result struct {
		msg wire.Message
		err error
	}
	done := make(chan result, 1)

	go func() {
		if err := c.WriteMessage(req); err != nil {
			done <- result{nil, fmt.Errorf("netconn: write request: %w", err)}
			return
		}
		msg, err := c.ReadMessage()
		done <- result{msg, err}
	}()

	select {
	case r := <-done:
		return r.msg, r.err
	case <-time.After(RequestTimeout):
		return nil, ErrTimeout
	}
}
