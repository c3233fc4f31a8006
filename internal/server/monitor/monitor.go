// Package monitor implements the Monitoring command family:
// brute-force-gated access to system/tunnel/client/link introspection and
// the disconnect operator commands, shared by both the dispatcher (a fresh
// monitoring connection) and a running tunnel session's control loop.
package monitor

import (
	"log"
	"net"
	"time"

	"tunnelize/internal/registry"
	"tunnelize/internal/wire"
)

// StartTime anchors SystemInfo.UptimeSeconds; set once by the composition
// root at process start.
var StartTime = time.Now()

// Version is the build-time version string reported by SystemInfo.
var Version = "dev"

// Handle authorizes and executes one MonitoringRequest: both tunnel_key
// (if configured) and monitor_key (if configured) must match, gated by
// BFP on sourceIP. sourceIP may be a bare IP or a host:port peer address;
// a port is dropped so BFP counts per IP. monitorKey, when non-nil, is a
// per-endpoint override of the global ServerConfig.MonitorKey (a
// Monitoring endpoint may carry its own key); nil falls back to the
// global key.
func Handle(req *wire.MonitoringRequest, sourceIP string, deps *registry.Deps, monitorKey *string) *wire.MonitoringResponse {
	if host, _, err := net.SplitHostPort(sourceIP); err == nil {
		sourceIP = host
	}
	if deps.Bfp.IsLocked(sourceIP) {
		log.Printf("[Monitor] %s is locked out", sourceIP)
		return &wire.MonitoringResponse{Rejected: &wire.RejectedInfo{Reason: "Access denied: too many failed attempts"}}
	}

	if !authorized(req, deps, monitorKey) {
		deps.Bfp.LogIPAttempt(sourceIP)
		log.Printf("[Monitor] denied monitoring request from %s: %s", sourceIP, req.Command)
		return &wire.MonitoringResponse{Rejected: &wire.RejectedInfo{Reason: "Access denied: invalid credentials"}}
	}
	deps.Bfp.ClearIPAttempts(sourceIP)

	return dispatch(req, deps)
}

func authorized(req *wire.MonitoringRequest, deps *registry.Deps, monitorKey *string) bool {
	if deps.Config.TunnelKey != nil {
		if req.TunnelKey == nil || *req.TunnelKey != *deps.Config.TunnelKey {
			return false
		}
	}
	key := monitorKey
	if key == nil {
		key = deps.Config.MonitorKey
	}
	if key != nil {
		if req.MonitorKey == nil || *req.MonitorKey != *key {
			return false
		}
	}
	return true
}

func dispatch(req *wire.MonitoringRequest, deps *registry.Deps) *wire.MonitoringResponse {
	switch req.Command {
	case wire.CommandSystemInfo:
		return &wire.MonitoringResponse{SystemInfo: &wire.SystemInfo{
			Version:       Version,
			UptimeSeconds: int64(time.Since(StartTime).Seconds()),
			TunnelCount:   deps.Tunnels.Count(),
			ClientCount:   deps.Clients.Count(),
			LinkCount:     deps.Links.Count(),
		}}

	case wire.CommandListEndpoints:
		var out []wire.EndpointInfo
		for _, ep := range deps.Endpoints.ListAll() {
			out = append(out, wire.EndpointInfo{Name: ep.Name(), Type: ep.Type()})
		}
		return &wire.MonitoringResponse{Endpoints: out}

	case wire.CommandListTunnels:
		var out []wire.TunnelInfo
		for _, t := range deps.Tunnels.ListAll() {
			out = append(out, tunnelInfoOf(t))
		}
		return &wire.MonitoringResponse{Tunnels: page(out, req.Limit, req.Offset)}

	case wire.CommandListClients:
		var out []wire.ClientInfo
		for _, c := range deps.Clients.ListAll() {
			out = append(out, wire.ClientInfo{ClientID: c.ID, EndpointName: c.EndpointName})
		}
		return &wire.MonitoringResponse{Clients: page(out, req.Limit, req.Offset)}

	case wire.CommandListLinks:
		var out []wire.LinkInfo
		for _, l := range deps.Links.ListAll() {
			out = append(out, wire.LinkInfo{SessionID: l.SessionID, TunnelID: l.TunnelID, ClientID: l.ClientID})
		}
		return &wire.MonitoringResponse{Links: page(out, req.Limit, req.Offset)}

	case wire.CommandGetTunnel:
		t, ok := deps.Tunnels.GetInfo(req.ID)
		if !ok {
			return &wire.MonitoringResponse{Rejected: &wire.RejectedInfo{Reason: "tunnel not found"}}
		}
		info := tunnelInfoOf(t)
		return &wire.MonitoringResponse{Tunnel: &info}

	case wire.CommandGetClient:
		c, ok := deps.Clients.GetInfo(req.ID)
		if !ok {
			return &wire.MonitoringResponse{Rejected: &wire.RejectedInfo{Reason: "client not found"}}
		}
		info := wire.ClientInfo{ClientID: c.ID, EndpointName: c.EndpointName}
		return &wire.MonitoringResponse{Client: &info}

	case wire.CommandGetLink:
		l, ok := deps.Links.GetSessionInfo(req.ID)
		if !ok {
			return &wire.MonitoringResponse{Rejected: &wire.RejectedInfo{Reason: "link not found"}}
		}
		info := wire.LinkInfo{SessionID: l.SessionID, TunnelID: l.TunnelID, ClientID: l.ClientID}
		return &wire.MonitoringResponse{Link: &info}

	case wire.CommandDisconnectTunnel:
		t, ok := deps.Tunnels.CancelSession(req.ID)
		if !ok {
			return &wire.MonitoringResponse{Rejected: &wire.RejectedInfo{Reason: "tunnel not found"}}
		}
		deps.Links.CancelAllForTunnel(t.ID)
		deps.Bus.Publish(registry.Event{TunnelDisconnected: &registry.TunnelDisconnected{TunnelID: t.ID}})
		return &wire.MonitoringResponse{Disconnected: true}

	case wire.CommandDisconnectLink:
		if _, ok := deps.Links.GetSessionInfo(req.ID); !ok {
			return &wire.MonitoringResponse{Rejected: &wire.RejectedInfo{Reason: "link not found"}}
		}
		deps.Links.CancelSession(req.ID)
		return &wire.MonitoringResponse{Disconnected: true}

	default:
		return &wire.MonitoringResponse{Rejected: &wire.RejectedInfo{Reason: "unknown monitoring command"}}
	}
}

// page applies the optional limit/offset window a listing request names.
func page[T any](items []T, limit, offset *int) []T {
	if offset != nil && *offset > 0 {
		if *offset >= len(items) {
			return nil
		}
		items = items[*offset:]
	}
	if limit != nil && *limit >= 0 && *limit < len(items) {
		items = items[:*limit]
	}
	return items
}

func tunnelInfoOf(t *registry.TunnelInfo) wire.TunnelInfo {
	ids := make([]string, 0, len(t.Proxies))
	for _, p := range t.Proxies {
		ids = append(ids, p.ProxyID)
	}
	return wire.TunnelInfo{TunnelID: t.ID, Name: t.Name, ProxyIDs: ids, ClientIP: t.ClientIP}
}
