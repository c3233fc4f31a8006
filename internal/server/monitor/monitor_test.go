package monitor

import (
	"testing"

	"tunnelize/internal/config"
	"tunnelize/internal/registry"
	"tunnelize/internal/token"
	"tunnelize/internal/wire"
)

func newTestDeps(monitorKey, tunnelKey *string) *registry.Deps {
	return &registry.Deps{
		Config:    &config.ServerConfig{MonitorKey: monitorKey, TunnelKey: tunnelKey},
		Tunnels:   registry.NewTunnels(10),
		Clients:   registry.NewClients(10),
		Links:     registry.NewLinks(),
		Endpoints: registry.NewEndpoints(),
		Bfp:       registry.NewBfp(),
		Bus:       registry.NewBus(),
		RootToken: token.New(),
	}
}

func strPtr(s string) *string { return &s }

func TestHandleRejectsWrongMonitorKey(t *testing.T) {
	deps := newTestDeps(strPtr("right"), nil)
	resp := Handle(&wire.MonitoringRequest{Command: wire.CommandSystemInfo, MonitorKey: strPtr("wrong")}, "1.2.3.4", deps, nil)
	if resp.Rejected == nil {
		t.Fatal("expected rejection for a wrong monitor_key")
	}
}

func TestHandleSystemInfoReportsCounts(t *testing.T) {
	deps := newTestDeps(nil, nil)
	deps.Tunnels.Register(&registry.TunnelInfo{ID: "t1", Token: token.New()})

	resp := Handle(&wire.MonitoringRequest{Command: wire.CommandSystemInfo}, "1.2.3.4", deps, nil)
	if resp.SystemInfo == nil || resp.SystemInfo.TunnelCount != 1 {
		t.Fatalf("got %+v, want TunnelCount 1", resp.SystemInfo)
	}
}

func TestHandleLocksOutAfterThreshold(t *testing.T) {
	deps := newTestDeps(strPtr("right"), nil)
	for i := 0; i < registry.BfpLockThreshold; i++ {
		Handle(&wire.MonitoringRequest{Command: wire.CommandSystemInfo, MonitorKey: strPtr("wrong")}, "5.6.7.8", deps, nil)
	}

	resp := Handle(&wire.MonitoringRequest{Command: wire.CommandSystemInfo, MonitorKey: strPtr("right")}, "5.6.7.8", deps, nil)
	if resp.Rejected == nil {
		t.Fatal("expected lockout to reject even a correct key once the threshold is hit")
	}
}

func TestHandleDisconnectTunnelCancelsAndPublishes(t *testing.T) {
	deps := newTestDeps(nil, nil)
	info := &registry.TunnelInfo{ID: "t1", Token: token.New()}
	deps.Tunnels.Register(info)

	resp := Handle(&wire.MonitoringRequest{Command: wire.CommandDisconnectTunnel, ID: "t1"}, "1.2.3.4", deps, nil)
	if !resp.Disconnected {
		t.Fatalf("got %+v, want Disconnected", resp)
	}
	if !info.Token.Cancelled() {
		t.Fatal("DisconnectTunnel must cancel the tunnel's token")
	}
	if _, ok := deps.Tunnels.GetInfo("t1"); ok {
		t.Fatal("DisconnectTunnel must remove the tunnel record")
	}
}

func TestHandleGetTunnelNotFound(t *testing.T) {
	deps := newTestDeps(nil, nil)
	resp := Handle(&wire.MonitoringRequest{Command: wire.CommandGetTunnel, ID: "nope"}, "1.2.3.4", deps, nil)
	if resp.Rejected == nil {
		t.Fatal("expected rejection for an unknown tunnel id")
	}
}

func TestHandlePerEndpointMonitorKeyOverridesGlobal(t *testing.T) {
	deps := newTestDeps(strPtr("global"), nil)

	// The endpoint's own key is the one enforced, not the global one.
	resp := Handle(&wire.MonitoringRequest{Command: wire.CommandSystemInfo, MonitorKey: strPtr("endpoint")}, "9.9.9.9", deps, strPtr("endpoint"))
	if resp.Rejected != nil {
		t.Fatalf("got %+v, want the per-endpoint key accepted", resp.Rejected)
	}
	resp = Handle(&wire.MonitoringRequest{Command: wire.CommandSystemInfo, MonitorKey: strPtr("global")}, "9.9.9.9", deps, strPtr("endpoint"))
	if resp.Rejected == nil {
		t.Fatal("the global key must not satisfy an endpoint carrying its own key")
	}

	// With no override the global key still applies.
	resp = Handle(&wire.MonitoringRequest{Command: wire.CommandSystemInfo, MonitorKey: strPtr("global")}, "8.8.8.8", deps, nil)
	if resp.Rejected != nil {
		t.Fatalf("got %+v, want the global key accepted when no override is set", resp.Rejected)
	}
}
