package netconn

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"tunnelize/internal/wire"
)

// ChannelConn is the in-process "channel socket": a paired byte queue
// exposed through the Conn interface so the UDP endpoint's synthesized
// per-address clients can be bridged exactly like a real stream socket.
type ChannelConn struct {
	raw    *chanReader
	reader *bufio.Reader
	out    func([]byte) error

	peerAddr  string
	closed    chan struct{}
	closeOnce *sync.Once

	writeMu sync.Mutex
}

// chanReader adapts a channel of discrete payloads to a streaming
// io.Reader, splitting a payload across multiple Read calls if the
// caller's buffer is smaller than one payload.
type chanReader struct {
	in       <-chan []byte
	closed   <-chan struct{}
	leftover []byte
}

func (r *chanReader) Read(p []byte) (int, error) {
	if len(r.leftover) == 0 {
		select {
		case data, ok := <-r.in:
			if !ok {
				return 0, io.EOF
			}
			r.leftover = data
		case <-r.closed:
			return 0, io.EOF
		}
	}
	n := copy(p, r.leftover)
	r.leftover = r.leftover[n:]
	return n, nil
}

func newChannelConn(in <-chan []byte, closed chan struct{}, once *sync.Once, peer string, out func([]byte) error) *ChannelConn {
	raw := &chanReader{in: in, closed: closed}
	c := &ChannelConn{
		raw:       raw,
		reader:    bufio.NewReaderSize(raw, 4096),
		out:       out,
		peerAddr:  peer,
		closed:    closed,
		closeOnce: once,
	}
	return c
}

// NewChannelPair returns two ends of an in-process duplex connection, each
// with an inbound queue of the given capacity. Closing either end closes
// both, mirroring a single shared pipe.
func NewChannelPair(capacity int) (*ChannelConn, *ChannelConn) {
	ab := make(chan []byte, capacity)
	ba := make(chan []byte, capacity)
	closed := make(chan struct{})
	var once sync.Once

	a := newChannelConn(ba, closed, &once, "", func(p []byte) error { return sendOrClosed(ab, p, closed) })
	b := newChannelConn(ab, closed, &once, "", func(p []byte) error { return sendOrClosed(ba, p, closed) })
	return a, b
}

// NewChannelEndpoint builds one synthesized client connection for the UDP
// endpoint: send delivers bytes the tunnel writes back to the
// remote UDP peer (typically pc.WriteTo(addr, ...)), and the returned feed
// function is how the UDP leaf task pushes newly-arrived datagrams for
// this peer into the connection's read side. feed blocks when the
// capacity-1 queue is full, pushing backpressure onto the UDP leaf's
// receive loop.
func NewChannelEndpoint(capacity int, peer string, send func([]byte) error) (conn *ChannelConn, feed func([]byte) bool) {
	in := make(chan []byte, capacity)
	closed := make(chan struct{})
	var once sync.Once

	conn = newChannelConn(in, closed, &once, peer, send)
	feed = func(data []byte) bool {
		select {
		case <-closed:
			return false
		case in <- data:
			return true
		}
	}
	return conn, feed
}

func sendOrClosed(ch chan []byte, p []byte, closed chan struct{}) error {
	select {
	case <-closed:
		return errors.New("netconn: channel socket closed")
	case ch <- p:
		return nil
	}
}

func (c *ChannelConn) Read(buf []byte) (int, error) {
	return c.reader.Read(buf)
}

func (c *ChannelConn) WriteAll(buf []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.out(buf)
}

func (c *ChannelConn) ReadMessage() (wire.Message, error) {
	return wire.Decode(c.reader)
}

func (c *ChannelConn) WriteMessage(msg wire.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.Encode(channelWriter{c}, msg)
}

// channelWriter adapts ChannelConn.out to io.Writer for wire.Encode.
type channelWriter struct{ c *ChannelConn }

func (w channelWriter) Write(p []byte) (int, error) {
	if err := w.c.out(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *ChannelConn) ReadUntil(delim []byte, deadline time.Time) ([]byte, error) {
	type res struct {
		data []byte
		err  error
	}
	done := make(chan res, 1)

	go func() {
		var out bytes.Buffer
		for {
			b, err := c.reader.ReadByte()
			if err != nil {
				done <- res{out.Bytes(), err}
				return
			}
			out.WriteByte(b)
			if out.Len() >= len(delim) && bytes.HasSuffix(out.Bytes(), delim) {
				done <- res{out.Bytes(), nil}
				return
			}
		}
	}()

	if deadline.IsZero() {
		r := <-done
		return r.data, r.err
	}

	select {
	case r := <-done:
		return r.data, r.err
	case <-time.After(time.Until(deadline)):
		return nil, os.ErrDeadlineExceeded
	}
}

func (c *ChannelConn) PeerAddr() string {
	return c.peerAddr
}

func (c *ChannelConn) RequestMessage(req wire.Message) (wire.Message, error) {
	return requestMessage(c, req)
}

func (c *ChannelConn) CloseWithData(data []byte) error {
	_ = c.WriteAll(data)
	return c.Shutdown()
}

func (c *ChannelConn) Shutdown() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *ChannelConn) BridgeTo(ctx context.Context, other Conn) error {
	return bridge(ctx, c, other)
}
