package registry

import (
	"testing"

	"tunnelize/internal/reqchan"
	"tunnelize/internal/token"
)

func newTunnelInfo(id string) *TunnelInfo {
	sender, _ := reqchan.New[ClientLinkRequest, ClientLinkResult]()
	return &TunnelInfo{ID: id, Requests: sender, Token: token.New()}
}

func TestTunnelsRegisterCapacity(t *testing.T) {
	tunnels := NewTunnels(1)

	if err := tunnels.Register(newTunnelInfo("t1")); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := tunnels.Register(newTunnelInfo("t2")); err != ErrCapacity {
		t.Fatalf("second Register err = %v, want ErrCapacity", err)
	}
}

func TestCancelSessionCancelsToken(t *testing.T) {
	tunnels := NewTunnels(10)
	info := newTunnelInfo("t1")
	if err := tunnels.Register(info); err != nil {
		t.Fatal(err)
	}

	removed, ok := tunnels.CancelSession("t1")
	if !ok || removed != info {
		t.Fatalf("CancelSession: removed=%v ok=%v", removed, ok)
	}
	if !info.Token.Cancelled() {
		t.Fatal("CancelSession must cancel the tunnel's token")
	}
	if _, ok := tunnels.GetInfo("t1"); ok {
		t.Fatal("CancelSession must remove the tunnel record")
	}
}

func TestUpdateLastHeartbeatIgnoresUnknownID(t *testing.T) {
	tunnels := NewTunnels(10)
	tunnels.UpdateLastHeartbeat("nonexistent") // must not panic
}
