// Package dispatch implements the server-side first-message taxonomy:
// every freshly accepted control-listener connection is routed by the
// kind of its first framed message.
package dispatch

import (
	"context"
	"log"

	"tunnelize/internal/netconn"
	"tunnelize/internal/registry"
	"tunnelize/internal/server/monitor"
	"tunnelize/internal/server/session"
	"tunnelize/internal/wire"
)

// Dispatch reads the first message off conn and routes it to the matching
// handler. Monitoring requests are checked against the global
// ServerConfig.MonitorKey.
func Dispatch(ctx context.Context, conn netconn.Conn, deps *registry.Deps) {
	dispatchConn(ctx, conn, deps, nil)
}

// DispatchWithMonitorKey routes like Dispatch, but Monitoring requests
// are checked against the given per-endpoint key instead of the global
// one. A nil key falls back to the global key.
func DispatchWithMonitorKey(ctx context.Context, conn netconn.Conn, deps *registry.Deps, monitorKey *string) {
	dispatchConn(ctx, conn, deps, monitorKey)
}

func dispatchConn(ctx context.Context, conn netconn.Conn, deps *registry.Deps, monitorKey *string) {
	msg, err := conn.ReadMessage()
	if err != nil {
		log.Printf("[Dispatch] %s: read first message: %v", conn.PeerAddr(), err)
		_ = conn.Shutdown()
		return
	}

	switch m := msg.(type) {
	case *wire.InitTunnelRequest:
		session.RunTunnel(ctx, conn, m, deps)

	case *wire.InitLinkRequest:
		session.RunLink(ctx, conn, m, deps)

	case *wire.HeartbeatRequest:
		deps.Tunnels.UpdateLastHeartbeat(m.TunnelID)
		_ = conn.WriteMessage(&wire.HeartbeatResponse{TunnelID: m.TunnelID})
		_ = conn.Shutdown()

	case *wire.MonitoringRequest:
		resp := monitor.Handle(m, conn.PeerAddr(), deps, monitorKey)
		_ = conn.WriteMessage(resp)
		_ = conn.Shutdown()

	case *wire.ConfigRequest:
		handleConfig(conn, m, deps)

	default:
		log.Printf("[Dispatch] %s: unexpected first message %T", conn.PeerAddr(), msg)
		_ = conn.Shutdown()
	}
}

func handleConfig(conn netconn.Conn, req *wire.ConfigRequest, deps *registry.Deps) {
	if deps.Config.TunnelKey != nil {
		if req.TunnelKey == nil || *req.TunnelKey != *deps.Config.TunnelKey {
			_ = conn.Shutdown()
			return
		}
	}
	if req.Request != wire.RequestGetPublicEndpointConfig {
		_ = conn.Shutdown()
		return
	}
	_ = conn.WriteMessage(&wire.ConfigResponse{Endpoints: deps.Endpoints.PublicConfigs()})
	_ = conn.Shutdown()
}
