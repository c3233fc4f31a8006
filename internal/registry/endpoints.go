package registry

import (
	"context"
	"sync"

	"tunnelize/internal/wire"
)

// Endpoint is the interface every public endpoint (httpep, tcpep, udpep,
// and the Monitoring listener) satisfies so the EndpointManager and
// dispatch (C12) can address them uniformly.
type Endpoint interface {
	// Name is the endpoint's configured name.
	Name() string
	// Type is "http", "tcp", "udp", or "monitoring".
	Type() string
	// RegisterTunnel registers every proxy in proxies that belongs to this
	// endpoint's type, returning the resolved endpoint info for each by
	// proxy_id. Registration is
	// atomic: either every such proxy is registered or none are.
	RegisterTunnel(ctx context.Context, tunnelID string, proxies []ProxyRecord) (map[string]wire.ResolvedEndpointInfo, error)
	// RemoveTunnel drops every mapping this endpoint owns for tunnelID.
	RemoveTunnel(tunnelID string)
	// PublicConfig returns the non-secret projection of this endpoint's
	// configuration.
	PublicConfig() wire.PublicEndpointConfig
}

// Endpoints is the endpoint registry: a name -> Endpoint handle table
// populated once at server startup.
type Endpoints struct {
	mu     sync.RWMutex
	byName map[string]Endpoint
}

// NewEndpoints returns an empty registry.
func NewEndpoints() *Endpoints {
	return &Endpoints{byName: make(map[string]Endpoint)}
}

// Register adds ep under its own Name. Called only at server startup.
func (e *Endpoints) Register(ep Endpoint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byName[ep.Name()] = ep
}

// Get returns the endpoint registered under name.
func (e *Endpoints) Get(name string) (Endpoint, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ep, ok := e.byName[name]
	return ep, ok
}

// SendRegisterTunnel routes a RegisterTunnelRequest to the named endpoint,
// returning ErrNotFound if it does not exist.
func (e *Endpoints) SendRegisterTunnel(ctx context.Context, name, tunnelID string, proxies []ProxyRecord) (map[string]wire.ResolvedEndpointInfo, error) {
	ep, ok := e.Get(name)
	if !ok {
		return nil, ErrNotFound
	}
	return ep.RegisterTunnel(ctx, tunnelID, proxies)
}

// ListAll returns every registered endpoint, in no particular order.
func (e *Endpoints) ListAll() []Endpoint {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Endpoint, 0, len(e.byName))
	for _, ep := range e.byName {
		out = append(out, ep)
	}
	return out
}

// HandleEvent implements Handler: on TunnelDisconnected, every endpoint
// removes whatever mappings it owns for that tunnel.
func (e *Endpoints) HandleEvent(ev Event) {
	if ev.TunnelDisconnected == nil {
		return
	}
	for _, ep := range e.ListAll() {
		ep.RemoveTunnel(ev.TunnelDisconnected.TunnelID)
	}
}

// PublicConfigs returns the public projection of every non-Monitoring
// endpoint.
func (e *Endpoints) PublicConfigs() []wire.NamedPublicEndpointConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]wire.NamedPublicEndpointConfig, 0, len(e.byName))
	for name, ep := range e.byName {
		if ep.Type() == "monitoring" {
			continue
		}
		out = append(out, wire.NamedPublicEndpointConfig{Name: name, Config: ep.PublicConfig()})
	}
	return out
}
