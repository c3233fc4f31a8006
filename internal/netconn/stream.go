package netconn

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"tunnelize/internal/wire"
)

// streamConn adapts any net.Conn (raw TCP, server/client TLS, or a dialed
// UDP socket — all already implement net.Conn in Go) to the Conn
// interface. A single bufio.Reader backs both ReadUntil and ReadMessage so
// bytes buffered while scanning for a delimiter are never lost to a later
// frame read — this is what lets the HTTP endpoint replay any
// request-head overrun onto the bridged connection.
type streamConn struct {
	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex // serializes writes (WriteAll, WriteMessage, CloseWithData)
}

// NewStream wraps conn (TCP, TLS, or dialed UDP) as a Conn.
func NewStream(conn net.Conn) Conn {
	return &streamConn{conn: conn, reader: bufio.NewReaderSize(conn, 4096)}
}

func (c *streamConn) Read(buf []byte) (int, error) {
	return c.reader.Read(buf)
}

func (c *streamConn) WriteAll(buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.conn.Write(buf)
	return err
}

func (c *streamConn) ReadMessage() (wire.Message, error) {
	return wire.Decode(c.reader)
}

func (c *streamConn) WriteMessage(msg wire.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wire.Encode(c.conn, msg)
}

func (c *streamConn) ReadUntil(delim []byte, deadline time.Time) ([]byte, error) {
	if !deadline.IsZero() {
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		defer c.conn.SetReadDeadline(time.Time{})
	}

	var out bytes.Buffer
	for {
		b, err := c.reader.ReadByte()
		if err != nil {
			return out.Bytes(), err
		}
		out.WriteByte(b)
		if out.Len() >= len(delim) && bytes.HasSuffix(out.Bytes(), delim) {
			return out.Bytes(), nil
		}
	}
}

func (c *streamConn) PeerAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (c *streamConn) RequestMessage(req wire.Message) (wire.Message, error) {
	return requestMessage(c, req)
}

func (c *streamConn) CloseWithData(data []byte) error {
	c.mu.Lock()
	_, _ = c.conn.Write(data)
	c.mu.Unlock()
	return c.Shutdown()
}

func (c *streamConn) Shutdown() error {
	return c.conn.Close()
}

func (c *streamConn) BridgeTo(ctx context.Context, other Conn) error {
	return bridge(ctx, c, other)
}

// bridge runs the cancellation-aware bidirectional copy shared by every
// Conn implementation. It is not a method so both streamConn and
// ChannelConn can share it without an import cycle.
func bridge(ctx context.Context, a, b Conn) error {
	if _, aIsChannel := a.(*ChannelConn); aIsChannel {
		if _, bIsChannel := b.(*ChannelConn); bIsChannel {
			return ErrIncompatibleBridge
		}
	}

	done := make(chan error, 2)
	copyOne := func(dst, src Conn) {
		_, err := io.Copy(writerFunc(dst.WriteAll), readerFunc(src.Read))
		done <- err
	}

	go copyOne(b, a)
	go copyOne(a, b)

	select {
	case <-ctx.Done():
	case <-done:
		// One direction finished; give the other a brief moment before
		// forcing shutdown so any in-flight final write is not dropped.
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}

	_ = a.Shutdown()
	_ = b.Shutdown()
	return nil
}

// writerFunc adapts a WriteAll-shaped function to io.Writer.
type writerFunc func([]byte) error

func (f writerFunc) Write(p []byte) (int, error) {
	if err := f(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// readerFunc adapts a Read-shaped function to io.Reader.
type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) {
	return f(p)
}
