// Package tcpep implements the TCP public endpoint: a port table within
// [reserve_from, reserve_to], one leaf acceptor per reserved port, and
// the port -> (tunnel_id, proxy_id) resolution that feeds the Client
// subscribe + ClientLinkRequest flow shared with the HTTP endpoint.
package tcpep

import (
	"context"
	"fmt"
	"log"
	"net"

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

type clientConnectReq struct {
	conn net.Conn
	port int
}

// Endpoint is one configured TCP public endpoint. Its port table is owned
// exclusively by the single loop goroutine started from Serve.
type Endpoint struct {
	name string
	cfg  config.TCPEndpointConfig
	deps *registry.Deps

	ctx    context.Context
	cancel context.CancelFunc

	registerCh chan registerReq
	removeCh   chan removeReq
	connectCh  chan clientConnectReq

	ports    map[int]portEntry
	byTunnel map[string][]int
}

func New(name string, cfg config.TCPEndpointConfig, deps *registry.Deps) *Endpoint {
	return &Endpoint{
		name:       name,
		cfg:        cfg,
		deps:       deps,
		registerCh: make(chan registerReq, 32),
		removeCh:   make(chan removeReq, 32),
		connectCh:  make(chan clientConnectReq, 32),
		ports:      make(map[int]portEntry),
		byTunnel:   make(map[string][]int),
	}
}

func (e *Endpoint) Name() string { return e.name }
func (e *Endpoint) Type() string { return "tcp" }

// Serve starts the endpoint's owning loop and blocks until ctx is
// cancelled.
func (e *Endpoint) Serve(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)
	log.Printf("[TCPEndpoint:%s] reserving ports %d-%d on %s", e.name, e.cfg.ReserveFrom, e.cfg.ReserveTo, e.cfg.Address)
	e.loop()
	return nil
}

func (e *Endpoint) loop() {
	for {
		select {
		case <-e.ctx.Done():
			return

		case req := <-e.registerCh:
			info, err := e.handleRegister(req.tunnelID, req.proxies)
			req.reply <- registerReply{info: info, err: err}

		case req := <-e.removeCh:
			e.handleRemove(req.tunnelID)

		case req := <-e.connectCh:
			e.handleClientConnect(req.conn, req.port)
		}
	}
}

// RegisterTunnel submits the batch to the owning loop and waits for the
// resolved ports.
func (e *Endpoint) RegisterTunnel(ctx context.Context, tunnelID string, proxies []registry.ProxyRecord) (map[string]wire.ResolvedEndpointInfo, error) {
	reply := make(chan registerReply, 1)
	select {
	case e.registerCh <- registerReq{tunnelID: tunnelID, proxies: proxies, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.ctx.Done():
		return nil, fmt.Errorf("tcpep %s: endpoint stopped", e.name)
	}
	select {
	case r := <-reply:
		return r.info, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RemoveTunnel asks the owning loop to release every port the tunnel
// holds and cancel its acceptors.
func (e *Endpoint) RemoveTunnel(tunnelID string) {
	select {
	case e.removeCh <- removeReq{tunnelID: tunnelID}:
	case <-e.ctx.Done():
	}
}

func (e *Endpoint) PublicConfig() wire.PublicEndpointConfig {
	from, to, allow := e.cfg.ReserveFrom, e.cfg.ReserveTo, e.cfg.AllowDesiredPort
	return wire.PublicEndpointConfig{Type: "tcp", ReserveFrom: &from, ReserveTo: &to, AllowDesiredPort: &allow}
}

// handleRegister runs on the owning loop goroutine: it resolves a port
// for every Tcp proxy in the batch, rolling back on any failure, then spawns one acceptor per new port.
func (e *Endpoint) handleRegister(tunnelID string, proxies []registry.ProxyRecord) (map[string]wire.ResolvedEndpointInfo, error) {
	capacity := e.cfg.ReserveTo - e.cfg.ReserveFrom + 1

	type alloc struct {
		proxyID string
		port    int
	}
	var allocs []alloc
	reserved := make(map[int]bool)

	for _, p := range proxies {
		if p.Config.Type != wire.ProxyTypeTCP {
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
		e.ports[a.port] = portEntry{TunnelID: tunnelID, ProxyID: a.proxyID, cancel: cancel}
		e.byTunnel[tunnelID] = append(e.byTunnel[tunnelID], a.port)
		go e.acceptLoop(actx, a.port)

		host := fmt.Sprintf("%s:%d", e.cfg.Address, a.port)
		info[a.proxyID] = wire.ResolvedEndpointInfo{Type: "tcp", AssignedHostname: &host}
	}
	return info, nil
}

// resolvePort honors a desired port only if policy allows it and the port
// is free and in range; otherwise it falls back to the first free port in
// range.
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

// acceptLoop is the leaf acceptor: one per reserved port, forwarding each
// accepted connection into the endpoint's own request channel.
func (e *Endpoint) acceptLoop(ctx context.Context, port int) {
	addr := fmt.Sprintf("%s:%d", e.cfg.Address, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Printf("[TCPEndpoint:%s] failed to listen on %s: %v", e.name, addr, err)
		return
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Printf("[TCPEndpoint:%s] accept error on port %d: %v", e.name, port, err)
				continue
			}
		}
		select {
		case e.connectCh <- clientConnectReq{conn: conn, port: port}:
		case <-ctx.Done():
			_ = conn.Close()
			return
		}
	}
}

// handleClientConnect runs on the owning loop goroutine: it resolves
// port -> (tunnel_id, proxy_id), then hands the blocking subscribe +
// ClientLinkRequest flow off to its own goroutine so a slow tunnel never
// stalls the port table.
func (e *Endpoint) handleClientConnect(conn net.Conn, port int) {
	entry, ok := e.ports[port]
	if !ok {
		_ = conn.Close()
		return
	}
	go e.dispatchClient(conn, entry)
}

func (e *Endpoint) dispatchClient(conn net.Conn, entry portEntry) {
	stream := netconn.NewStream(conn)
	clientID := idgen.New()
	link := &registry.ClientLink{Conn: stream}

	if rejectedLink, err := e.deps.Clients.SubscribeClient(clientID, e.name, link); err != nil {
		log.Printf("[TCPEndpoint:%s] subscribe failed: %v", e.name, err)
		if rejectedLink != nil {
			_ = rejectedLink.Conn.Shutdown()
		}
		return
	}

	tunnelInfo, ok := e.deps.Tunnels.GetInfo(entry.TunnelID)
	if !ok {
		e.deps.Clients.CancelClient(clientID, nil)
		return
	}

	result, err := tunnelInfo.Requests.Send(e.ctx, registry.ClientLinkRequest{ClientID: clientID, ProxyID: entry.ProxyID})
	if err != nil {
		log.Printf("[TCPEndpoint:%s] failed to link client to tunnel: %v", e.name, err)
		e.deps.Clients.CancelClient(clientID, nil)
		return
	}
	if !result.Accepted {
		log.Printf("[TCPEndpoint:%s] link rejected: %s", e.name, result.Reason)
		e.deps.Clients.CancelClient(clientID, nil)
	}
}
