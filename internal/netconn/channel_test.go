package netconn

import (
	"context"
	"io"
	"testing"
	"time"
)

func TestChannelPairRoundTrip(t *testing.T) {
	a, b := NewChannelPair(4)
	defer a.Shutdown()
	defer b.Shutdown()

	if err := a.WriteAll([]byte("hello")); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}

	buf := make([]byte, 5)
	n, err := b.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("got %q, want %q", buf[:n], "hello")
	}
}

func TestChannelEndpointFeedDeliversToReader(t *testing.T) {
	var sent [][]byte
	conn, feed := NewChannelEndpoint(1, "1.2.3.4:9999", func(p []byte) error {
		sent = append(sent, append([]byte(nil), p...))
		return nil
	})
	defer conn.Shutdown()

	if ok := feed([]byte("datagram")); !ok {
		t.Fatal("feed on an open connection must succeed")
	}

	buf := make([]byte, 8)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "datagram" {
		t.Fatalf("got %q, want %q", buf[:n], "datagram")
	}

	if err := conn.WriteAll([]byte("reply")); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	if len(sent) != 1 || string(sent[0]) != "reply" {
		t.Fatalf("sent = %v, want one entry %q", sent, "reply")
	}
	if conn.PeerAddr() != "1.2.3.4:9999" {
		t.Fatalf("PeerAddr() = %q", conn.PeerAddr())
	}
}

func TestBridgeTwoChannelSocketsIsIncompatible(t *testing.T) {
	a, _ := NewChannelEndpoint(1, "a", func([]byte) error { return nil })
	b, _ := NewChannelEndpoint(1, "b", func([]byte) error { return nil })
	defer a.Shutdown()
	defer b.Shutdown()

	if err := a.BridgeTo(context.Background(), b); err != ErrIncompatibleBridge {
		t.Fatalf("BridgeTo(channel, channel) = %v, want ErrIncompatibleBridge", err)
	}
}

func TestChannelConnReadReturnsEOFAfterShutdown(t *testing.T) {
	conn, _ := NewChannelEndpoint(1, "peer", func([]byte) error { return nil })
	conn.Shutdown()

	buf := make([]byte, 4)
	_, err := conn.Read(buf)
	if err != io.EOF {
		t.Fatalf("Read after Shutdown = %v, want io.EOF", err)
	}
}

func TestChannelEndpointFeedBlocksOnFullCapacity(t *testing.T) {
	conn, feed := NewChannelEndpoint(1, "peer", func([]byte) error { return nil })
	defer conn.Shutdown()

	if ok := feed([]byte("first")); !ok {
		t.Fatal("first feed must succeed")
	}

	done := make(chan bool, 1)
	go func() { done <- feed([]byte("second")) }()

	select {
	case <-done:
		t.Fatal("feed must block while the queue (capacity 1) is full")
	case <-time.After(50 * time.Millisecond):
	}

	buf := make([]byte, 5)
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("second feed should succeed once the queue has room")
		}
	case <-time.After(time.Second):
		t.Fatal("second feed never unblocked after draining the queue")
	}
}
