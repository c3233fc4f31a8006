package registry

import "tunnelize/internal/wire"

// Event is the service event bus's payload. Endpoints is the subscriber
// that implements HandleEvent, passing tunnel disconnects on to every
// registered Endpoint so it reacts to a peer registry's lifecycle
// transitions without calling into that registry directly; Tunnels,
// Clients and Links do not implement HandleEvent.
type Event struct {
	TunnelConnected    *TunnelConnected
	TunnelDisconnected *TunnelDisconnected
	LinkRejected       *LinkRejected
	LinkDisconnected   *LinkDisconnected
}

// TunnelConnected fires once a tunnel has been accepted and registered.
type TunnelConnected struct {
	TunnelID string
	Proxies  []ProxyRecord
}

// TunnelDisconnected fires when a tunnel is removed for any reason (socket
// close, explicit disconnect, heartbeat timeout, cancellation). Endpoints
// MUST prune every mapping they own for TunnelID.
type TunnelDisconnected struct {
	TunnelID string
}

// LinkRejected fires when the tunnel rejects an InitLinkRequest.
type LinkRejected struct {
	ClientID  string
	SessionID string
	Reason    string
}

// LinkDisconnected fires when a link session's bridge ends.
type LinkDisconnected struct {
	ClientID  string
	SessionID string
}

// Handler reacts to bus events. Implementations must not block on network
// I/O or call back into the bus.
type Handler interface {
	HandleEvent(Event)
}

// Bus is a minimal synchronous fan-out publisher. Subscribers are added
// once at startup; Publish never blocks on anything but the handlers
// themselves.
type Bus struct {
	handlers []Handler
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers h to receive every future Publish.
func (b *Bus) Subscribe(h Handler) {
	b.handlers = append(b.handlers, h)
}

// Publish fans ev out to every subscriber.
func (b *Bus) Publish(ev Event) {
	for _, h := range b.handlers {
		h.HandleEvent(ev)
	}
}

// ProxyRecord is the server's resolved view of one tunnel-declared proxy,
// carried on TunnelConnected and stored on the TunnelInfo record.
type ProxyRecord struct {
	ProxyID        string
	EndpointName   string
	ForwardAddress string
	ForwardPort    int
	Config         wire.ProxyConfig
}
