// Package server is the composition root of the server process: it builds
// the registries and every configured endpoint, wires the event bus, and
// owns the control listener's accept loop.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"

	"tunnelize/internal/config"
	"tunnelize/internal/netconn"
	"tunnelize/internal/registry"
	"tunnelize/internal/server/dispatch"
	"tunnelize/internal/server/endpoint/httpep"
	"tunnelize/internal/server/endpoint/tcpep"
	"tunnelize/internal/server/endpoint/udpep"
	"tunnelize/internal/tlsconfig"
	"tunnelize/internal/token"
	"tunnelize/internal/wire"
)

// servable is implemented by every registry.Endpoint that owns a listener
// loop: the http, tcp and udp variants and the monitoring one.
type servable interface {
	Serve(ctx context.Context) error
}

// Server owns every registry and endpoint built from one ServerConfig.
type Server struct {
	cfg  *config.ServerConfig
	deps *registry.Deps
}

// New builds the registries and every configured endpoint, wiring the
// event bus so TunnelDisconnected prunes every endpoint's tables.
func New(cfg *config.ServerConfig) (*Server, error) {
	deps := &registry.Deps{
		Config:    cfg,
		Tunnels:   registry.NewTunnels(cfg.MaxTunnels),
		Clients:   registry.NewClients(cfg.MaxClients),
		Links:     registry.NewLinks(),
		Endpoints: registry.NewEndpoints(),
		Bfp:       registry.NewBfp(),
		Bus:       registry.NewBus(),
		RootToken: token.New(),
	}
	deps.Bus.Subscribe(deps.Endpoints)

	for name, epCfg := range cfg.Endpoints {
		switch {
		case epCfg.Http != nil:
			tlsCfg, err := tlsconfig.Load(epCfg.Http.Encryption)
			if err != nil {
				return nil, err
			}
			deps.Endpoints.Register(httpep.New(name, *epCfg.Http, deps, tlsCfg))

		case epCfg.Tcp != nil:
			deps.Endpoints.Register(tcpep.New(name, *epCfg.Tcp, deps))

		case epCfg.Udp != nil:
			deps.Endpoints.Register(udpep.New(name, *epCfg.Udp, deps))

		case epCfg.Monitoring != nil:
			deps.Endpoints.Register(&monitoringEndpoint{name: name, cfg: *epCfg.Monitoring, deps: deps})

		default:
			return nil, fmt.Errorf("server: endpoint %q sets none of http/tcp/udp/monitoring", name)
		}
	}

	return &Server{cfg: cfg, deps: deps}, nil
}

// Run starts every endpoint and the control listener's accept loop. It
// blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	for _, ep := range s.deps.Endpoints.ListAll() {
		ep := ep
		sv, ok := ep.(servable)
		if !ok {
			continue
		}
		go func() {
			if err := sv.Serve(ctx); err != nil {
				log.Printf("[Server] endpoint %s stopped: %v", ep.Name(), err)
			}
		}()
	}

	tlsCfg, err := tlsconfig.Load(s.cfg.Encryption)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.ServerAddress, s.cfg.ServerPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	log.Printf("[Server] control listener on %s", addr)

	go func() {
		<-ctx.Done()
		// Cancelling the root token cascades into every tunnel session and
		// every link derived from them.
		s.deps.RootToken.Cancel()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				log.Printf("[Server] accept error: %v", err)
				continue
			}
		}
		go dispatch.Dispatch(ctx, netconn.NewStream(conn), s.deps)
	}
}

// monitoringEndpoint is the Monitoring endpoint variant: a plain control
// listener whose accepted connections go straight to dispatch, which
// handles MonitoringRequest/ConfigRequest first messages. When the
// endpoint configures its own monitor_key, that key is enforced in place
// of the global one.
type monitoringEndpoint struct {
	name string
	cfg  config.MonitoringEndpointConfig
	deps *registry.Deps
}

func (m *monitoringEndpoint) Name() string { return m.name }
func (m *monitoringEndpoint) Type() string { return "monitoring" }

func (m *monitoringEndpoint) RegisterTunnel(context.Context, string, []registry.ProxyRecord) (map[string]wire.ResolvedEndpointInfo, error) {
	return map[string]wire.ResolvedEndpointInfo{}, nil
}

func (m *monitoringEndpoint) RemoveTunnel(string) {}

func (m *monitoringEndpoint) PublicConfig() wire.PublicEndpointConfig {
	return wire.PublicEndpointConfig{Type: "monitoring"}
}

func (m *monitoringEndpoint) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", m.cfg.Address, m.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("monitoring endpoint %s: listen %s: %w", m.name, addr, err)
	}
	log.Printf("[MonitoringEndpoint:%s] listening on %s", m.name, addr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				log.Printf("[MonitoringEndpoint:%s] accept error: %v", m.name, err)
				continue
			}
		}
		go dispatch.DispatchWithMonitorKey(ctx, netconn.NewStream(conn), m.deps, m.cfg.MonitorKey)
	}
}
