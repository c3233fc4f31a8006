// Package udpep implements the UDP public endpoint.
// UDP presents no natural connection, so each reserved port's leaf task
// synthesizes one channel-socket "connection" per remote address and
// evicts it after an idle timeout.
package udpep

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"tunnelize/internal/config"
	"tunnelize/internal/idgen"
	"tunnelize/internal/netconn"
	"tunnelize/internal/registry"
	"tunnelize/internal/wire"
)

type portEntry struct {
	TunnelID string
	ProxyID  string
	cancel   context.CancelFunc
}

type registerReq struct {
	tunnelID string
	proxies  []registry.ProxyRecord
	reply    chan registerReply
}

type registerReply struct {
	info map[string]wire.ResolvedEndpointInfo
	err  error
}

type removeReq struct {
	tunnelID string
}

// synthClient is one synthesized per-address client: its channel-socket
// connection, the feed function that pushes arriving datagrams into it,
// and the activity timestamp the idle sweep checks.
type synthClient struct {
	clientID     string
	conn         *netconn.ChannelConn
	feed         func([]byte) bool
	lastActivity time.Time
}

// Endpoint is one configured UDP public endpoint. The port table is owned
// by the single loop goroutine started from Serve; each reserved port's
// datagram and synthClient activity state is owned by its own leaf goroutine.
type Endpoint struct {
	name string
	cfg  config.UDPEndpointConfig
	deps *registry.Deps

	ctx    context.Context
	cancel context.CancelFunc

	registerCh chan registerReq
	removeCh   chan removeReq

	ports    map[int]portEntry
	byTunnel map[string][]int
}

func New(name string, cfg config.UDPEndpointConfig, deps *registry.Deps) *Endpoint {
	return &Endpoint{
		name:       name,
		cfg:        cfg,
		deps:       deps,
		registerCh: make(chan registerReq, 32),
		removeCh:   make(chan removeReq, 32),
		ports:      make(map[int]portEntry),
		byTunnel:   make(map[string][]int),
	}
}

func (e *Endpoint) Name() string { return e.name }
func (e *Endpoint) Type() string { return "udp" }

func (e *Endpoint) Serve(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)
	log.Printf("[UDPEndpoint:%s] reserving ports %d-%d on %s", e.name, e.cfg.ReserveFrom, e.cfg.ReserveTo, e.cfg.Address)
	for {
		select {
		case <-e.ctx.Done():
			return nil
		case req := <-e.registerCh:
			info, err := e.handleRegister(req.tunnelID, req.proxies)
			req.reply <- registerReply{info: info, err: err}
		case req := <-e.removeCh:
			e.handleRemove(req.tunnelID)
		}
	}
}

func (e *Endpoint) RegisterTunnel(ctx context.Context, tunnelID string, proxies []registry.ProxyRecord) (map[string]wire.ResolvedEndpointInfo, error) {
	reply := make(chan registerReply, 1)
	select {
	case e.registerCh <- registerReq{tunnelID: tunnelID, proxies: proxies, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.ctx.Done():
		return nil, fmt.Errorf("udpep %s: endpoint stopped", e.name)
	}
	select {
	case r := <-reply:
		return r.info, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Endpoint) RemoveTunnel(tunnelID string) {
	select {
	case e.removeCh <- removeReq{tunnelID: tunnelID}:
	case <-e.ctx.Done():
	}
}

func (e *Endpoint) PublicConfig() wire.PublicEndpointConfig {
	from, to, allow := e.cfg.ReserveFrom, e.cfg.ReserveTo, e.cfg.AllowDesiredPort
	return wire.PublicEndpointConfig{Type: "udp", ReserveFrom: &from, ReserveTo: &to, AllowDesiredPort: &allow}
}

func (e *Endpoint) handleRegister(tunnelID string, proxies []registry.ProxyRecord) (map[string]wire.ResolvedEndpointInfo, error) {
	capacity := e.cfg.ReserveTo - e.cfg.ReserveFrom + 1

	type alloc struct {
		proxyID string
		port    int
	}
	var allocs []alloc
	reserved := make(map[int]bool)

	for _, p := range proxies {
		if p.Config.Type != wire.ProxyTypeUDP {
			continue
		}
		if len(e.ports)+len(reserved) >= capacity {
			return nil, fmt.Errorf("No available ports to be assigned.")
		}
		port, ok := e.resolvePort(p.Config.DesiredPort, reserved)
		if !ok {
			return nil, fmt.Errorf("No available ports to be assigned.")
		}
		reserved[port] = true
		allocs = append(allocs, alloc{proxyID: p.ProxyID, port: port})
	}

	info := make(map[string]wire.ResolvedEndpointInfo, len(allocs))
	for _, a := range allocs {
		actx, cancel := context.WithCancel(e.ctx)
		entry := portEntry{TunnelID: tunnelID, ProxyID: a.proxyID, cancel: cancel}
		e.ports[a.port] = entry
		e.byTunnel[tunnelID] = append(e.byTunnel[tunnelID], a.port)
		go e.portLeaf(actx, a.port, entry)

		host := fmt.Sprintf("%s:%d", e.cfg.Address, a.port)
		info[a.proxyID] = wire.ResolvedEndpointInfo{Type: "udp", AssignedHostname: &host}
	}
	return info, nil
}

func (e *Endpoint) resolvePort(desired *int, reserved map[int]bool) (int, bool) {
	if desired != nil && e.cfg.AllowDesiredPort {
		p := *desired
		if p >= e.cfg.ReserveFrom && p <= e.cfg.ReserveTo {
			if _, taken := e.ports[p]; !taken && !reserved[p] {
				return p, true
			}
		}
	}
	for p := e.cfg.ReserveFrom; p <= e.cfg.ReserveTo; p++ {
		if _, taken := e.ports[p]; !taken && !reserved[p] {
			return p, true
		}
	}
	return 0, false
}

func (e *Endpoint) handleRemove(tunnelID string) {
	for _, port := range e.byTunnel[tunnelID] {
		if entry, ok := e.ports[port]; ok && entry.TunnelID == tunnelID {
			entry.cancel()
			delete(e.ports, port)
		}
	}
	delete(e.byTunnel, tunnelID)
}

type datagram struct {
	addr net.Addr
	data []byte
	err  error
}

// portLeaf is the leaf task: one UDP socket, one address -> synthesized
// client map, and a periodic idle sweep.
func (e *Endpoint) portLeaf(ctx context.Context, port int, entry portEntry) {
	addr := fmt.Sprintf("%s:%d", e.cfg.Address, port)
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		log.Printf("[UDPEndpoint:%s] failed to listen on %s: %v", e.name, addr, err)
		return
	}

	timeout := time.Duration(e.cfg.InactivityTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = config.DefaultInactivityTimeoutSecs * time.Second
	}

	dgrams := make(chan datagram, 32)
	go func() {
		for {
			buf := make([]byte, 65535)
			n, raddr, err := pc.ReadFrom(buf)
			if err != nil {
				dgrams <- datagram{err: err}
				return
			}
			dgrams <- datagram{addr: raddr, data: buf[:n]}
		}
	}()

	clients := make(map[string]*synthClient)
	ticker := time.NewTicker(timeout)
	defer ticker.Stop()
	defer pc.Close()

	for {
		select {
		case <-ctx.Done():
			for _, c := range clients {
				_ = c.conn.Shutdown()
				e.deps.Clients.CancelClient(c.clientID, nil)
			}
			return

		case d := <-dgrams:
			if d.err != nil {
				log.Printf("[UDPEndpoint:%s] port %d: socket closed: %v", e.name, port, d.err)
				return
			}
			e.handleDatagram(pc, clients, d.addr, d.data, entry)

		case <-ticker.C:
			now := time.Now()
			for addr, c := range clients {
				if now.Sub(c.lastActivity) > timeout {
					_ = c.conn.Shutdown()
					e.deps.Clients.CancelClient(c.clientID, nil)
					delete(clients, addr)
				}
			}
		}
	}
}

func (e *Endpoint) handleDatagram(pc net.PacketConn, clients map[string]*synthClient, addr net.Addr, data []byte, entry portEntry) {
	key := addr.String()
	if c, ok := clients[key]; ok {
		if c.feed(data) {
			c.lastActivity = time.Now()
		} else {
			delete(clients, key)
		}
		return
	}

	clientID := idgen.New()
	sendFn := func(p []byte) error {
		_, err := pc.WriteTo(p, addr)
		return err
	}
	conn, feed := netconn.NewChannelEndpoint(1, addr.String(), sendFn)
	clients[key] = &synthClient{clientID: clientID, conn: conn, feed: feed, lastActivity: time.Now()}

	link := &registry.ClientLink{Conn: conn, InitialData: data}
	if rejectedLink, err := e.deps.Clients.SubscribeClient(clientID, e.name, link); err != nil {
		log.Printf("[UDPEndpoint:%s] subscribe failed: %v", e.name, err)
		delete(clients, key)
		if rejectedLink != nil {
			_ = rejectedLink.Conn.Shutdown()
		}
		return
	}

	go e.dispatchClient(clientID, entry)
}

func (e *Endpoint) dispatchClient(clientID string, entry portEntry) {
	tunnelInfo, ok := e.deps.Tunnels.GetInfo(entry.TunnelID)
	if !ok {
		e.deps.Clients.CancelClient(clientID, nil)
		return
	}

	result, err := tunnelInfo.Requests.Send(e.ctx, registry.ClientLinkRequest{ClientID: clientID, ProxyID: entry.ProxyID})
	if err != nil {
		log.Printf("[UDPEndpoint:%s] failed to link client to tunnel: %v", e.name, err)
		e.deps.Clients.CancelClient(clientID, nil)
		return
	}
	if !result.Accepted {
		log.Printf("[UDPEndpoint:%s] link rejected: %s", e.name, result.Reason)
		e.deps.Clients.CancelClient(clientID, nil)
	}
}
