// Package session implements the server-side tunnel session and link
// session: the per-tunnel control loop that routes link requests and
// heartbeats, and the per-link bridge that pairs a public client stream
// with the tunnel's dial-back stream.
package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"tunnelize/internal/idgen"
	"tunnelize/internal/netconn"
	"tunnelize/internal/registry"
	"tunnelize/internal/reqchan"
	"tunnelize/internal/server/monitor"
	"tunnelize/internal/wire"
)

// HeartbeatInterval and MissedIntervals define the heartbeat timeout: a
// tunnel that misses two consecutive 30-second windows is considered dead.
const (
	HeartbeatInterval = 30 * time.Second
	MissedIntervals   = 2
)

// RunTunnel drives a newly-accepted control connection whose first message
// was InitTunnelRequest, from policy checks and registration through the
// running select loop to teardown.
func RunTunnel(ctx context.Context, conn netconn.Conn, req *wire.InitTunnelRequest, deps *registry.Deps) {
	info, recv, accepted, err := initTunnel(ctx, conn, req, deps)
	if err != nil {
		log.Printf("[TunnelSession] rejecting init from %s: %v", conn.PeerAddr(), err)
		_ = conn.WriteMessage(&wire.InitTunnelResponse{Rejected: &wire.RejectedInfo{Reason: err.Error()}})
		_ = conn.Shutdown()
		return
	}

	if err := conn.WriteMessage(&wire.InitTunnelResponse{Accepted: accepted}); err != nil {
		log.Printf("[TunnelSession] %s: failed to write accept: %v", info.ID, err)
		deps.Tunnels.CancelSession(info.ID)
		return
	}

	deps.Bus.Publish(registry.Event{TunnelConnected: &registry.TunnelConnected{TunnelID: info.ID, Proxies: info.Proxies}})
	log.Printf("[TunnelSession] %s accepted (%d proxies)", info.ID, len(info.Proxies))

	runRunning(ctx, conn, info, recv, deps)
}

// initTunnel runs the policy checks, registers every proxy with its
// endpoint (atomically: any failure rolls back the whole batch), and
// registers the tunnel itself.
func initTunnel(ctx context.Context, conn netconn.Conn, req *wire.InitTunnelRequest, deps *registry.Deps) (*registry.TunnelInfo, reqchan.Chan[registry.ClientLinkRequest, registry.ClientLinkResult], *wire.InitTunnelAccepted, error) {
	cfg := deps.Config
	if cfg.TunnelKey != nil {
		if req.TunnelKey == nil || *req.TunnelKey != *cfg.TunnelKey {
			return nil, nil, nil, fmt.Errorf("invalid tunnel key")
		}
	}
	if len(req.Proxies) > cfg.MaxProxiesPerTunnel {
		return nil, nil, nil, fmt.Errorf("too many proxies: max %d per tunnel", cfg.MaxProxiesPerTunnel)
	}

	proxies := make([]registry.ProxyRecord, 0, len(req.Proxies))
	byEndpoint := make(map[string][]registry.ProxyRecord)
	for _, p := range req.Proxies {
		epCfg, ok := cfg.Endpoints[p.EndpointName]
		if !ok {
			return nil, nil, nil, fmt.Errorf("unknown endpoint %q", p.EndpointName)
		}
		if epCfg.Type() != p.Proxy.Type {
			return nil, nil, nil, fmt.Errorf("proxy type %q does not match endpoint %q (type %q)", p.Proxy.Type, p.EndpointName, epCfg.Type())
		}
		rec := registry.ProxyRecord{
			ProxyID:        p.ProxyID,
			EndpointName:   p.EndpointName,
			ForwardAddress: p.ForwardAddress,
			ForwardPort:    p.ForwardPort,
			Config:         p.Proxy,
		}
		proxies = append(proxies, rec)
		byEndpoint[p.EndpointName] = append(byEndpoint[p.EndpointName], rec)
	}

	tunnelID := idgen.New()
	endpointInfo := make(map[string]wire.ResolvedEndpointInfo)
	var registered []string

	rollback := func() {
		for _, name := range registered {
			if ep, ok := deps.Endpoints.Get(name); ok {
				ep.RemoveTunnel(tunnelID)
			}
		}
	}

	for name, group := range byEndpoint {
		info, err := deps.Endpoints.SendRegisterTunnel(ctx, name, tunnelID, group)
		if err != nil {
			rollback()
			return nil, nil, nil, err
		}
		registered = append(registered, name)
		for id, ri := range info {
			endpointInfo[id] = ri
		}
	}

	sender, recv := reqchan.New[registry.ClientLinkRequest, registry.ClientLinkResult]()
	tunnelInfo := &registry.TunnelInfo{
		ID:       tunnelID,
		Name:     req.Name,
		ClientIP: conn.PeerAddr(),
		Proxies:  proxies,
		Token:    deps.RootToken.Child(),
		Requests: sender,
	}
	if err := deps.Tunnels.Register(tunnelInfo); err != nil {
		rollback()
		return nil, nil, nil, err
	}

	return tunnelInfo, recv, &wire.InitTunnelAccepted{TunnelID: tunnelID, EndpointInfo: endpointInfo}, nil
}

// runRunning is the running-state select loop: it serves channel
// requests, inbound frames, and the heartbeat deadline until the session
// terminates.
func runRunning(ctx context.Context, conn netconn.Conn, info *registry.TunnelInfo, recv reqchan.Chan[registry.ClientLinkRequest, registry.ClientLinkResult], deps *registry.Deps) {
	sessionCtx := info.Token.Context()

	msgCh := make(chan wire.Message, 1)
	errCh := make(chan error, 1)
	go func() {
		for {
			msg, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			msgCh <- msg
		}
	}()

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	terminate := func(reason string) {
		log.Printf("[TunnelSession] %s terminating: %s", info.ID, reason)
		_ = conn.Shutdown()
		deps.Tunnels.CancelSession(info.ID)
		deps.Links.CancelAllForTunnel(info.ID)
		deps.Bus.Publish(registry.Event{TunnelDisconnected: &registry.TunnelDisconnected{TunnelID: info.ID}})
	}

	for {
		select {
		case <-sessionCtx.Done():
			terminate("cancelled")
			return

		case req, ok := <-recv:
			if !ok {
				continue
			}
			if done := handleClientLinkRequest(conn, req, info, deps, msgCh, errCh); done {
				terminate("control socket closed during link setup")
				return
			}

		case msg, ok := <-msgCh:
			if !ok {
				continue
			}
			if done := handleInboundMessage(conn, msg, info, deps); done {
				terminate("control socket closed")
				return
			}

		case err := <-errCh:
			log.Printf("[TunnelSession] %s: read error: %v", info.ID, err)
			terminate(fmt.Sprintf("socket error: %v", err))
			return

		case <-ticker.C:
			if time.Since(info.LastHeartbeat()) > MissedIntervals*HeartbeatInterval {
				terminate("heartbeat timeout")
				return
			}
		}
	}
}

// handleClientLinkRequest writes an InitLinkRequest on the control socket
// and waits for the tunnel's InitLinkResponse. The control socket carries
// frames strictly in order, so the next InitLinkResponse is the answer to
// this request; interleaved heartbeats are serviced inline while waiting.
// Returns true if the socket died and the session must terminate.
func handleClientLinkRequest(conn netconn.Conn, req reqchan.Request[registry.ClientLinkRequest, registry.ClientLinkResult], info *registry.TunnelInfo, deps *registry.Deps, msgCh <-chan wire.Message, errCh <-chan error) bool {
	sessionID := idgen.New()
	link := deps.Links.CreateSession(sessionID, info.ID, req.Data.ClientID, info.Token)

	if err := conn.WriteMessage(&wire.InitLinkRequest{TunnelID: info.ID, ProxyID: req.Data.ProxyID, SessionID: sessionID}); err != nil {
		deps.Links.CancelSession(sessionID)
		req.Respond(registry.ClientLinkResult{Accepted: false, Reason: fmt.Sprintf("link setup failed: %v", err)})
		return true
	}

	deadline := time.After(netconn.RequestTimeout)
	for {
		select {
		case msg := <-msgCh:
			linkResp, ok := msg.(*wire.InitLinkResponse)
			if !ok {
				if done := handleInboundMessage(conn, msg, info, deps); done {
					deps.Links.CancelSession(sessionID)
					req.Respond(registry.ClientLinkResult{Accepted: false, Reason: "tunnel disconnected during link setup"})
					return true
				}
				continue
			}
			if linkResp.Rejected != nil {
				deps.Links.CancelSession(sessionID)
				deps.Bus.Publish(registry.Event{LinkRejected: &registry.LinkRejected{ClientID: req.Data.ClientID, SessionID: link.SessionID, Reason: linkResp.Rejected.Reason}})
				req.Respond(registry.ClientLinkResult{Accepted: false, Reason: linkResp.Rejected.Reason})
				return false
			}
			req.Respond(registry.ClientLinkResult{Accepted: true})
			return false

		case err := <-errCh:
			deps.Links.CancelSession(sessionID)
			req.Respond(registry.ClientLinkResult{Accepted: false, Reason: fmt.Sprintf("link setup failed: %v", err)})
			return true

		case <-deadline:
			deps.Links.CancelSession(sessionID)
			req.Respond(registry.ClientLinkResult{Accepted: false, Reason: "link setup timed out"})
			return false
		}
	}
}

// handleInboundMessage services one frame that arrived on the control
// socket mid-session. It returns true if the caller should treat the
// socket as terminated.
func handleInboundMessage(conn netconn.Conn, msg wire.Message, info *registry.TunnelInfo, deps *registry.Deps) bool {
	switch m := msg.(type) {
	case *wire.HeartbeatRequest:
		deps.Tunnels.UpdateLastHeartbeat(info.ID)
		if err := conn.WriteMessage(&wire.HeartbeatResponse{TunnelID: m.TunnelID}); err != nil {
			return true
		}
	case *wire.MonitoringRequest:
		resp := monitor.Handle(m, conn.PeerAddr(), deps, nil)
		if err := conn.WriteMessage(resp); err != nil {
			return true
		}
	default:
		log.Printf("[TunnelSession] %s: ignoring unexpected message %T", info.ID, msg)
	}
	return false
}
