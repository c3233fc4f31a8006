package tcpep

import (
	"context"
	"net"
	"testing"

	"tunnelize/internal/config"
	"tunnelize/internal/registry"
	"tunnelize/internal/wire"
)

func newTestEndpoint(from, to int) *Endpoint {
	cfg := config.TCPEndpointConfig{Address: "127.0.0.1", ReserveFrom: from, ReserveTo: to, AllowDesiredPort: true}
	e := New("game", cfg, &registry.Deps{})
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

func TestHandleRegisterAssignsDesiredPortWhenAllowed(t *testing.T) {
	e := newTestEndpoint(9000, 9010)
	port := 9005
	proxies := []registry.ProxyRecord{{ProxyID: "p1", Config: wire.ProxyConfig{Type: wire.ProxyTypeTCP, DesiredPort: &port}}}

	info, err := e.handleRegister("t1", proxies)
	if err != nil {
		t.Fatalf("handleRegister: %v", err)
	}
	if got := *info["p1"].AssignedHostname; got != "127.0.0.1:9005" {
		t.Fatalf("got %q, want the desired port honored", got)
	}
	for _, g := range e.byTunnel["t1"] {
		if g == 9005 {
			e.cancel() // stop the acceptLoop goroutine spawned for this port
			return
		}
	}
	t.Fatal("port 9005 not recorded under tunnel t1")
}

func TestHandleRegisterRejectsDesiredPortOutsideRange(t *testing.T) {
	e := newTestEndpoint(9000, 9010)
	defer e.cancel()
	port := 1234
	proxies := []registry.ProxyRecord{{ProxyID: "p1", Config: wire.ProxyConfig{Type: wire.ProxyTypeTCP, DesiredPort: &port}}}

	info, err := e.handleRegister("t1", proxies)
	if err != nil {
		t.Fatalf("handleRegister: %v", err)
	}
	if got := *info["p1"].AssignedHostname; got == "127.0.0.1:1234" {
		t.Fatal("an out-of-range desired port must fall back to auto-allocation")
	}
}

func TestHandleRegisterFailsWhenPortsExhausted(t *testing.T) {
	e := newTestEndpoint(9000, 9000)
	defer e.cancel()
	proxies := []registry.ProxyRecord{
		{ProxyID: "p1", Config: wire.ProxyConfig{Type: wire.ProxyTypeTCP}},
		{ProxyID: "p2", Config: wire.ProxyConfig{Type: wire.ProxyTypeTCP}},
	}
	if _, err := e.handleRegister("t1", proxies); err == nil {
		t.Fatal("expected an error when the reserved range cannot fit both proxies")
	}
	if len(e.ports) != 0 {
		t.Fatalf("ports = %v, want a fully rolled-back table on atomicity failure", e.ports)
	}
}

func TestHandleRemoveCancelsOwnedPortsOnly(t *testing.T) {
	e := newTestEndpoint(9000, 9010)
	defer e.cancel()
	proxies := []registry.ProxyRecord{{ProxyID: "p1", Config: wire.ProxyConfig{Type: wire.ProxyTypeTCP}}}
	if _, err := e.handleRegister("t1", proxies); err != nil {
		t.Fatal(err)
	}
	if _, err := e.handleRegister("t2", proxies); err != nil {
		t.Fatal(err)
	}
	if len(e.ports) != 2 {
		t.Fatalf("ports = %v, want 2 reserved", e.ports)
	}

	e.handleRemove("t1")
	if len(e.ports) != 1 {
		t.Fatalf("ports = %v, want t1's port released and t2's kept", e.ports)
	}
	if _, stillThere := e.byTunnel["t1"]; stillThere {
		t.Fatal("byTunnel must drop t1's entry after removal")
	}
}

func TestHandleClientConnectRejectsUnknownPort(t *testing.T) {
	e := newTestEndpoint(9000, 9010)
	defer e.cancel()
	client, server := net.Pipe()
	defer server.Close()
	e.handleClientConnect(client, 9999)
	// handleClientConnect closes the conn synchronously for an unknown port.
	buf := make([]byte, 1)
	if _, err := server.Read(buf); err == nil {
		t.Fatal("expected the peer side to observe the connection closing")
	}
}
