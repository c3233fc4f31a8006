package session

import (
	"context"
	"net"
	"testing"

	"tunnelize/internal/netconn"
	"tunnelize/internal/registry"
	"tunnelize/internal/token"
	"tunnelize/internal/wire"
)

func TestRunLinkRejectsUnknownSession(t *testing.T) {
	deps := newTestDeps()
	server, client := net.Pipe()
	defer client.Close()

	go RunLink(context.Background(), netconn.NewStream(server), &wire.InitLinkRequest{TunnelID: "t1", SessionID: "nope"}, deps)

	resp, err := netconn.NewStream(client).ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	linkResp, ok := resp.(*wire.InitLinkResponse)
	if !ok || linkResp.Rejected == nil {
		t.Fatalf("got %+v, want a rejected InitLinkResponse", resp)
	}
}

func TestRunLinkBridgesClientAndTunnelStreams(t *testing.T) {
	deps := newTestDeps()
	parent := token.New()
	link := deps.Links.CreateSession("s1", "t1", "c1", parent)

	clientServer, clientPeer := net.Pipe()
	clientConn := netconn.NewStream(clientServer)
	if _, err := deps.Clients.SubscribeClient("c1", "web", &registry.ClientLink{Conn: clientConn}); err != nil {
		t.Fatal(err)
	}

	tunnelServer, tunnelPeer := net.Pipe()
	defer tunnelPeer.Close()
	defer clientPeer.Close()

	go RunLink(context.Background(), netconn.NewStream(tunnelServer), &wire.InitLinkRequest{TunnelID: "t1", SessionID: link.SessionID}, deps)

	// The tunnel side must see Accepted before the bridge starts.
	ack, err := netconn.NewStream(tunnelPeer).ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !ack.(*wire.InitLinkResponse).Accepted {
		t.Fatalf("got %+v, want Accepted", ack)
	}

	if _, err := tunnelPeer.Write([]byte("from-tunnel")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len("from-tunnel"))
	if _, err := clientPeer.Read(buf); err != nil {
		t.Fatalf("client peer read: %v", err)
	}
	if string(buf) != "from-tunnel" {
		t.Fatalf("got %q, want bridged bytes", buf)
	}
}
