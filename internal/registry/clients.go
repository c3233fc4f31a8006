package registry

import (
	"sync"

	"tunnelize/internal/netconn"
)

// ClientLink is the accepted public stream plus whatever initial bytes
// were already read off it (e.g. an HTTP request head) before the link
// was paired with a tunnel.
type ClientLink struct {
	Conn        netconn.Conn
	InitialData []byte
}

// ClientInfo is the monitoring-visible projection of a Client record.
type ClientInfo struct {
	ID           string
	EndpointName string
}

type clientEntry struct {
	info ClientInfo

	linkMu sync.Mutex
	link   *ClientLink
}

// Clients is the client registry: accepted public connections keyed by
// client_id, capped at max_clients.
type Clients struct {
	mu   sync.Mutex
	byID map[string]*clientEntry
	max  int
}

// NewClients returns an empty registry capped at max clients.
func NewClients(max int) *Clients {
	return &Clients{byID: make(map[string]*clientEntry), max: max}
}

// SubscribeClient registers a new client carrying link. If the registry
// is already at max_clients it fails with ErrCapacity and hands link back
// unchanged so the caller can close it.
func (c *Clients) SubscribeClient(id, endpointName string, link *ClientLink) (*ClientLink, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.byID) >= c.max {
		return link, ErrCapacity
	}
	c.byID[id] = &clientEntry{info: ClientInfo{ID: id, EndpointName: endpointName}, link: link}
	return nil, nil
}

// TakeClientLink removes and returns the client's ClientLink. Taking is
// monotonic: a second call on the same client_id
// returns ok=false.
func (c *Clients) TakeClientLink(id string) (*ClientLink, bool) {
	c.mu.Lock()
	entry, ok := c.byID[id]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}

	entry.linkMu.Lock()
	defer entry.linkMu.Unlock()
	link := entry.link
	entry.link = nil
	return link, link != nil
}

// CancelClient tears a client down: if its link has not yet been taken,
// it is closed with finalBytes written first (best-effort); the client record is then removed.
func (c *Clients) CancelClient(id string, finalBytes []byte) {
	if link, ok := c.TakeClientLink(id); ok {
		if len(finalBytes) > 0 {
			_ = link.Conn.CloseWithData(finalBytes)
		} else {
			_ = link.Conn.Shutdown()
		}
	}
	c.RemoveClient(id)
}

// RemoveClient deletes the client record without touching any link (used
// once a LinkSession has taken ownership of the stream).
func (c *Clients) RemoveClient(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byID, id)
}

// GetInfo returns the monitoring projection for id.
func (c *Clients) GetInfo(id string) (ClientInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.byID[id]
	if !ok {
		return ClientInfo{}, false
	}
	return entry.info, true
}

// ListAll returns a snapshot of every subscribed client.
func (c *Clients) ListAll() []ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ClientInfo, 0, len(c.byID))
	for _, entry := range c.byID {
		out = append(out, entry.info)
	}
	return out
}

// Count returns the current client count.
func (c *Clients) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byID)
}
