package tunnelclient

import (
	"context"
	"net"
	"testing"
	"time"

	"tunnelize/internal/config"
	"tunnelize/internal/netconn"
	"tunnelize/internal/wire"
)

func TestMainLoopExitsCleanlyOnContextCancellation(t *testing.T) {
	server, clientSide := net.Pipe()
	defer server.Close()

	c := &client{cfg: &config.TunnelConfig{}, tunnelID: "t1", proxies: map[string]config.TunnelProxy{}, conn: netconn.NewStream(clientSide)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- c.mainLoop(ctx) }()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("mainLoop returned %v, want nil on a cancelled context", err)
		}
	case <-time.After(time.Second):
		t.Fatal("mainLoop did not return promptly after context cancellation")
	}
}

func TestMainLoopReturnsErrorOnHeartbeatForWrongTunnel(t *testing.T) {
	server, clientSide := net.Pipe()
	defer clientSide.Close()

	c := &client{cfg: &config.TunnelConfig{}, tunnelID: "t1", proxies: map[string]config.TunnelProxy{}, conn: netconn.NewStream(clientSide)}

	errCh := make(chan error, 1)
	go func() { errCh <- c.mainLoop(context.Background()) }()

	if err := netconn.NewStream(server).WriteMessage(&wire.HeartbeatResponse{TunnelID: "other"}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected mainLoop to error on a heartbeat response for a different tunnel")
		}
	case <-time.After(time.Second):
		t.Fatal("mainLoop did not return")
	}
}

func TestMainLoopReturnsErrorWhenControlSocketCloses(t *testing.T) {
	server, clientSide := net.Pipe()
	c := &client{cfg: &config.TunnelConfig{}, tunnelID: "t1", proxies: map[string]config.TunnelProxy{}, conn: netconn.NewStream(clientSide)}

	errCh := make(chan error, 1)
	go func() { errCh <- c.mainLoop(context.Background()) }()

	server.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected mainLoop to error once the control socket closes")
		}
	case <-time.After(time.Second):
		t.Fatal("mainLoop did not return")
	}
}

func TestDialUpstreamConnectsOverTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	addr := ln.Addr().(*net.TCPAddr)

	c := &client{cfg: &config.TunnelConfig{}}
	p := config.TunnelProxy{Address: "127.0.0.1", Port: addr.Port}
	conn, err := c.dialUpstream(p)
	if err != nil {
		t.Fatalf("dialUpstream: %v", err)
	}
	defer conn.Shutdown()
}

func TestHandleLinkRejectsUnknownProxyWithoutDialing(t *testing.T) {
	c := &client{cfg: &config.TunnelConfig{}, proxies: map[string]config.TunnelProxy{}}
	// Must return without attempting to dial the (unset) server address.
	c.handleLink(context.Background(), &wire.InitLinkRequest{TunnelID: "t1", SessionID: "s1", ProxyID: "nope"})
}

func TestHandleLinkWritesMarkerAndBridgesToUpstream(t *testing.T) {
	serverLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer serverLn.Close()
	serverAddr := serverLn.Addr().(*net.TCPAddr)

	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer upstreamLn.Close()
	upstreamAddr := upstreamLn.Addr().(*net.TCPAddr)

	markerCh := make(chan wire.Message, 1)
	go func() {
		conn, err := serverLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		msg, err := netconn.NewStream(conn).ReadMessage()
		if err != nil {
			return
		}
		markerCh <- msg
	}()

	go func() {
		conn, err := upstreamLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 512)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		_, _ = conn.Write(buf[:n])
	}()

	cfg := &config.TunnelConfig{ServerAddress: "127.0.0.1", ServerPort: serverAddr.Port}
	c := &client{cfg: cfg, proxies: map[string]config.TunnelProxy{
		"p1": {EndpointName: "web", Address: "127.0.0.1", Port: upstreamAddr.Port},
	}}

	c.handleLink(context.Background(), &wire.InitLinkRequest{TunnelID: "t1", SessionID: "s1", ProxyID: "p1"})

	select {
	case msg := <-markerCh:
		req, ok := msg.(*wire.InitLinkRequest)
		if !ok || req.SessionID != "s1" {
			t.Fatalf("got %+v, want the link marker carrying session s1", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server side never received the link marker")
	}
}
