package udpep

import (
	"context"
	"net"
	"testing"

	"tunnelize/internal/config"
	"tunnelize/internal/registry"
	"tunnelize/internal/reqchan"
	"tunnelize/internal/token"
	"tunnelize/internal/wire"
)

func newTestEndpoint(from, to int) *Endpoint {
	cfg := config.UDPEndpointConfig{Address: "127.0.0.1", ReserveFrom: from, ReserveTo: to, AllowDesiredPort: true}
	e := New("voice", cfg, &registry.Deps{})
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

func TestHandleRegisterAssignsPortsAtomically(t *testing.T) {
	e := newTestEndpoint(9100, 9101)
	defer e.cancel()
	proxies := []registry.ProxyRecord{
		{ProxyID: "p1", Config: wire.ProxyConfig{Type: wire.ProxyTypeUDP}},
		{ProxyID: "p2", Config: wire.ProxyConfig{Type: wire.ProxyTypeUDP}},
	}
	info, err := e.handleRegister("t1", proxies)
	if err != nil {
		t.Fatalf("handleRegister: %v", err)
	}
	if len(info) != 2 {
		t.Fatalf("info = %v, want 2 assignments", info)
	}
	if len(e.ports) != 2 {
		t.Fatalf("ports = %v, want 2 reserved", e.ports)
	}
}

func TestHandleRegisterRollsBackOnExhaustion(t *testing.T) {
	e := newTestEndpoint(9100, 9100)
	defer e.cancel()
	proxies := []registry.ProxyRecord{
		{ProxyID: "p1", Config: wire.ProxyConfig{Type: wire.ProxyTypeUDP}},
		{ProxyID: "p2", Config: wire.ProxyConfig{Type: wire.ProxyTypeUDP}},
	}
	if _, err := e.handleRegister("t1", proxies); err == nil {
		t.Fatal("expected failure when the reserved range cannot fit both proxies")
	}
	if len(e.ports) != 0 {
		t.Fatalf("ports = %v, want a fully rolled-back table", e.ports)
	}
}

func TestHandleRemoveCancelsOwnedPortsOnly(t *testing.T) {
	e := newTestEndpoint(9100, 9110)
	defer e.cancel()
	proxies := []registry.ProxyRecord{{ProxyID: "p1", Config: wire.ProxyConfig{Type: wire.ProxyTypeUDP}}}
	if _, err := e.handleRegister("t1", proxies); err != nil {
		t.Fatal(err)
	}
	if _, err := e.handleRegister("t2", proxies); err != nil {
		t.Fatal(err)
	}
	e.handleRemove("t1")
	if len(e.ports) != 1 {
		t.Fatalf("ports = %v, want t2's port kept after removing t1", e.ports)
	}
}

func TestHandleDatagramCreatesOneSynthClientPerAddress(t *testing.T) {
	e := newTestEndpoint(9100, 9110)
	defer e.cancel()
	deps := &registry.Deps{Clients: registry.NewClients(10), Tunnels: registry.NewTunnels(10)}
	e.deps = deps

	// Register the owning tunnel with a responder that accepts every link
	// request, so the dispatch goroutine never cancels the client under us.
	sender, ch := reqchan.New[registry.ClientLinkRequest, registry.ClientLinkResult]()
	if err := deps.Tunnels.Register(&registry.TunnelInfo{ID: "t1", Token: token.New(), Requests: sender}); err != nil {
		t.Fatal(err)
	}
	go func() {
		for req := range ch {
			req.Respond(registry.ClientLinkResult{Accepted: true})
		}
	}()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	clients := make(map[string]*synthClient)
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 40000}
	entry := portEntry{TunnelID: "t1", ProxyID: "p1"}

	e.handleDatagram(pc, clients, addr, []byte("hello"), entry)
	if len(clients) != 1 {
		t.Fatalf("clients = %v, want exactly one synthesized client", clients)
	}
	if deps.Clients.Count() != 1 {
		t.Fatalf("Clients.Count() = %d, want 1", deps.Clients.Count())
	}

	e.handleDatagram(pc, clients, addr, []byte("more"), entry)
	if len(clients) != 1 {
		t.Fatalf("clients = %v, want the same address reused, not duplicated", clients)
	}
}
