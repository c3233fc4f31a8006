package session

import (
	"context"
	"log"

	"tunnelize/internal/netconn"
	"tunnelize/internal/registry"
	"tunnelize/internal/wire"
)

// RunLink drives a newly-accepted connection whose first message was
// InitLinkRequest (the tunnel's dial-back connection). It
// resolves the (tunnel_id, session_id) pair, takes the client's stream,
// replays any buffered initial bytes, and bridges the two connections
// until either side closes or the link's token fires.
func RunLink(ctx context.Context, conn netconn.Conn, req *wire.InitLinkRequest, deps *registry.Deps) {
	link, ok := deps.Links.GetSessionInfo(req.SessionID)
	if !ok || link.TunnelID != req.TunnelID {
		_ = conn.WriteMessage(&wire.InitLinkResponse{Rejected: &wire.RejectedInfo{Reason: "link not found"}})
		_ = conn.Shutdown()
		return
	}

	clientLink, ok := deps.Clients.TakeClientLink(link.ClientID)
	if !ok {
		_ = conn.WriteMessage(&wire.InitLinkResponse{Rejected: &wire.RejectedInfo{Reason: "client not found"}})
		_ = conn.Shutdown()
		deps.Links.CancelSession(link.SessionID)
		return
	}

	if err := conn.WriteMessage(&wire.InitLinkResponse{Accepted: true}); err != nil {
		log.Printf("[LinkSession] %s: failed to accept: %v", link.SessionID, err)
		_ = clientLink.Conn.Shutdown()
		deps.Links.CancelSession(link.SessionID)
		return
	}

	if len(clientLink.InitialData) > 0 {
		if err := conn.WriteAll(clientLink.InitialData); err != nil {
			log.Printf("[LinkSession] %s: failed to replay initial data: %v", link.SessionID, err)
			_ = clientLink.Conn.Shutdown()
			deps.Links.CancelSession(link.SessionID)
			return
		}
	}

	bridgeCtx := link.Token.Context()
	if err := conn.BridgeTo(bridgeCtx, clientLink.Conn); err != nil {
		log.Printf("[LinkSession] %s: bridge error: %v", link.SessionID, err)
	}

	deps.Links.Remove(link.SessionID)
	deps.Clients.RemoveClient(link.ClientID)
	deps.Bus.Publish(registry.Event{LinkDisconnected: &registry.LinkDisconnected{ClientID: link.ClientID, SessionID: link.SessionID}})
	log.Printf("[LinkSession] %s disconnected", link.SessionID)
}
