// Package tunnelclient implements the tunnel-side client loop: dial the
// server, register every configured proxy, then service dial-back link
// requests and heartbeats until cancelled.
package tunnelclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"tunnelize/internal/config"
	"tunnelize/internal/idgen"
	"tunnelize/internal/netconn"
	"tunnelize/internal/wire"
)

// HeartbeatInterval and MaxMissedHeartbeats define the tunnel-side
// heartbeat cadence: a 30-second heartbeat with a failure count before
// giving up on the server.
const (
	HeartbeatInterval   = 30 * time.Second
	MaxMissedHeartbeats = 3
)

// Run dials cfg's server, registers every configured proxy, and services
// the connection until ctx is cancelled or the server becomes
// unavailable.
func Run(ctx context.Context, cfg *config.TunnelConfig) error {
	conn, err := dial(cfg)
	if err != nil {
		return err
	}

	proxiesByID := make(map[string]config.TunnelProxy, len(cfg.Proxies))
	inputs := make([]wire.InputProxy, 0, len(cfg.Proxies))
	for _, p := range cfg.Proxies {
		id := idgen.New()
		proxiesByID[id] = p
		inputs = append(inputs, wire.InputProxy{
			ProxyID:        id,
			EndpointName:   p.EndpointName,
			ForwardAddress: p.Address,
			ForwardPort:    p.Port,
			Proxy:          proxyConfigOf(p),
		})
	}

	req := &wire.InitTunnelRequest{Name: cfg.Name, TunnelKey: cfg.TunnelKey, AdminKey: cfg.AdminKey, Proxies: inputs}
	if err := conn.WriteMessage(req); err != nil {
		return fmt.Errorf("tunnelclient: send init_tunnel_request: %w", err)
	}

	resp, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("tunnelclient: read init_tunnel_response: %w", err)
	}
	initResp, ok := resp.(*wire.InitTunnelResponse)
	if !ok {
		return fmt.Errorf("tunnelclient: unexpected response %T to init_tunnel_request", resp)
	}
	if initResp.Rejected != nil {
		return fmt.Errorf("tunnelclient: rejected: %s", initResp.Rejected.Reason)
	}
	if initResp.Accepted == nil {
		return fmt.Errorf("tunnelclient: response carries neither accepted nor rejected")
	}

	accepted := initResp.Accepted
	log.Printf("[Tunnel] connected as %s", accepted.TunnelID)
	for proxyID, info := range accepted.EndpointInfo {
		p := proxiesByID[proxyID]
		switch {
		case info.AssignedURL != nil:
			log.Printf("[Tunnel] %s -> %s", p.EndpointName, *info.AssignedURL)
		case info.AssignedHostname != nil:
			log.Printf("[Tunnel] %s -> %s", p.EndpointName, *info.AssignedHostname)
		}
	}

	c := &client{cfg: cfg, tunnelID: accepted.TunnelID, proxies: proxiesByID, conn: conn}
	return c.mainLoop(ctx)
}

func proxyConfigOf(p config.TunnelProxy) wire.ProxyConfig {
	switch {
	case p.EndpointConfig.Http != nil:
		return wire.ProxyConfig{Type: wire.ProxyTypeHTTP, DesiredName: p.EndpointConfig.Http.DesiredName}
	case p.EndpointConfig.Tcp != nil:
		return wire.ProxyConfig{Type: wire.ProxyTypeTCP, DesiredPort: p.EndpointConfig.Tcp.DesiredPort}
	case p.EndpointConfig.Udp != nil:
		return wire.ProxyConfig{Type: wire.ProxyTypeUDP, DesiredPort: p.EndpointConfig.Udp.DesiredPort, BindAddress: p.EndpointConfig.Udp.BindAddress}
	default:
		return wire.ProxyConfig{}
	}
}

// dial implements the three encryption policies. A TLS branch
// with no cert_path dials with the system trust store ("native TLS"); one
// naming a cert_path treats it as a CA to trust ("custom TLS with CA
// path").
func dial(cfg *config.TunnelConfig) (netconn.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.ServerAddress, cfg.ServerPort)

	if !cfg.Encryption.Enabled() {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("tunnelclient: dial %s: %w", addr, err)
		}
		return netconn.NewStream(conn), nil
	}

	tlsCfg := &tls.Config{}
	if cfg.Encryption.TLS.CertPath != "" {
		pem, err := os.ReadFile(cfg.Encryption.TLS.CertPath)
		if err != nil {
			return nil, fmt.Errorf("tunnelclient: read ca cert %s: %w", cfg.Encryption.TLS.CertPath, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("tunnelclient: %s contains no valid certificates", cfg.Encryption.TLS.CertPath)
		}
		tlsCfg.RootCAs = pool
	}

	conn, err := tls.Dial("tcp", addr, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("tunnelclient: dial %s: %w", addr, err)
	}
	return netconn.NewStream(conn), nil
}

type client struct {
	cfg      *config.TunnelConfig
	tunnelID string
	proxies  map[string]config.TunnelProxy
	conn     netconn.Conn
}

// mainLoop services the control connection until cancellation, a fatal
// protocol error, or too many missed heartbeats.
func (c *client) mainLoop(ctx context.Context) error {
	msgCh := make(chan wire.Message, 1)
	errCh := make(chan error, 1)
	go func() {
		for {
			msg, err := c.conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			msgCh <- msg
		}
	}()

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	missed := 0

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.Shutdown()
			return nil

		case msg, ok := <-msgCh:
			if !ok {
				continue
			}
			switch m := msg.(type) {
			case *wire.InitLinkRequest:
				// Acknowledge on the control socket first; an upstream dial
				// failure is reported later on the link connection itself.
				if _, known := c.proxies[m.ProxyID]; !known {
					reject := &wire.InitLinkResponse{Rejected: &wire.RejectedInfo{Reason: fmt.Sprintf("unknown proxy %s", m.ProxyID)}}
					if err := c.conn.WriteMessage(reject); err != nil {
						return fmt.Errorf("tunnelclient: send link rejection: %w", err)
					}
					continue
				}
				if err := c.conn.WriteMessage(&wire.InitLinkResponse{Accepted: true}); err != nil {
					return fmt.Errorf("tunnelclient: send link ack: %w", err)
				}
				go c.handleLink(ctx, m)
			case *wire.HeartbeatResponse:
				if m.TunnelID != c.tunnelID {
					return fmt.Errorf("tunnelclient: heartbeat response for tunnel %q, want %q", m.TunnelID, c.tunnelID)
				}
				missed = 0
			default:
				log.Printf("[Tunnel] ignoring unexpected message %T", msg)
			}

		case err := <-errCh:
			return fmt.Errorf("tunnelclient: control socket error: %w", err)

		case <-ticker.C:
			if err := c.conn.WriteMessage(&wire.HeartbeatRequest{TunnelID: c.tunnelID}); err != nil {
				return fmt.Errorf("tunnelclient: send heartbeat: %w", err)
			}
			missed++
			if missed > MaxMissedHeartbeats {
				return fmt.Errorf("tunnelclient: server unavailable: %d consecutive missed heartbeats", missed)
			}
		}
	}
}

// handleLink services one InitLinkRequest: dial back to the server,
// identify the link by session_id, dial the local upstream, and bridge.
// A failed local dial is reported as a rejection on the link connection
// itself rather than the control channel, since the server has already
// committed to the link by the time this runs.
func (c *client) handleLink(ctx context.Context, req *wire.InitLinkRequest) {
	p, ok := c.proxies[req.ProxyID]
	if !ok {
		log.Printf("[Tunnel] link request for unknown proxy %s", req.ProxyID)
		return
	}

	linkConn, err := dial(c.cfg)
	if err != nil {
		log.Printf("[Tunnel] failed to dial server for link %s: %v", req.SessionID, err)
		return
	}

	marker := &wire.InitLinkRequest{TunnelID: req.TunnelID, SessionID: req.SessionID}
	if err := linkConn.WriteMessage(marker); err != nil {
		log.Printf("[Tunnel] failed to send link marker for %s: %v", req.SessionID, err)
		_ = linkConn.Shutdown()
		return
	}

	upstream, err := c.dialUpstream(p)
	if err != nil {
		log.Printf("[Tunnel] local dial failed for %s: %v", p.EndpointName, err)
		_ = linkConn.WriteMessage(&wire.InitLinkResponse{Rejected: &wire.RejectedInfo{Reason: err.Error()}})
		_ = linkConn.Shutdown()
		return
	}

	if err := linkConn.BridgeTo(ctx, upstream); err != nil {
		log.Printf("[Tunnel] link %s bridge error: %v", req.SessionID, err)
	}
}

func (c *client) dialUpstream(p config.TunnelProxy) (netconn.Conn, error) {
	addr := fmt.Sprintf("%s:%d", p.Address, p.Port)
	timeout := time.Duration(c.cfg.ForwardConnectionTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = config.DefaultForwardTimeoutSecs * time.Second
	}

	network := "tcp"
	if p.EndpointConfig.Udp != nil {
		network = "udp"
	}
	conn, err := net.DialTimeout(network, addr, timeout)
	if err != nil {
		return nil, err
	}
	return netconn.NewStream(conn), nil
}
