// Package config loads the single YAML configuration document (a server
// branch, a tunnel branch, or both), applies defaults,
// and runs the result through internal/validate before handing it to the
// rest of the program.
package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"tunnelize/internal/validate"
)

// desiredNameShape bounds what a proxy may request as a custom hostname;
// the server enforces the same shape on its own side.
var desiredNameShape = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// Default values applied to fields the document leaves unset.
const (
	DefaultMaxTunnels             = 50
	DefaultMaxClients             = 100
	DefaultMaxProxiesPerTunnel    = 10
	DefaultMaxClientInputWaitSecs = 300
	DefaultInactivityTimeoutSecs  = 300
	DefaultForwardTimeoutSecs     = 30
)

// Document is the top-level configuration: the server branch, the tunnel
// branch, or both.
type Document struct {
	Server *ServerConfig `yaml:"server,omitempty"`
	Tunnel *TunnelConfig `yaml:"tunnel,omitempty"`
}

// Encryption selects whether a listener or dialer speaks TLS: a nil TLS
// field means cleartext.
type Encryption struct {
	TLS *TLSConfig `yaml:"tls,omitempty"`
}

// Enabled reports whether TLS is configured.
func (e Encryption) Enabled() bool { return e.TLS != nil }

// TLSConfig names the certificate/key pair a TLS-enabled listener loads
// (internal/tlsconfig is the collaborator that actually loads them).
type TLSConfig struct {
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
}

// ServerConfig is the server branch: the control listener plus every
// public endpoint.
type ServerConfig struct {
	ServerPort          int                       `yaml:"server_port"`
	ServerAddress       string                    `yaml:"server_address,omitempty"`
	Encryption          Encryption                `yaml:"encryption,omitempty"`
	TunnelKey           *string                   `yaml:"tunnel_key,omitempty"`
	MonitorKey          *string                   `yaml:"monitor_key,omitempty"`
	MaxTunnels          int                       `yaml:"max_tunnels,omitempty"`
	MaxClients          int                       `yaml:"max_clients,omitempty"`
	MaxProxiesPerTunnel int                       `yaml:"max_proxies_per_tunnel,omitempty"`
	Endpoints           map[string]EndpointConfig `yaml:"endpoints"`
}

// EndpointConfig is a tagged variant: exactly one of Http, Tcp, Udp,
// Monitoring is set.
type EndpointConfig struct {
	Http       *HTTPEndpointConfig       `yaml:"http,omitempty"`
	Tcp        *TCPEndpointConfig        `yaml:"tcp,omitempty"`
	Udp        *UDPEndpointConfig        `yaml:"udp,omitempty"`
	Monitoring *MonitoringEndpointConfig `yaml:"monitoring,omitempty"`
}

// Type returns the variant's wire-level type name, or "" if none is set.
func (e EndpointConfig) Type() string {
	switch {
	case e.Http != nil:
		return "http"
	case e.Tcp != nil:
		return "tcp"
	case e.Udp != nil:
		return "udp"
	case e.Monitoring != nil:
		return "monitoring"
	default:
		return ""
	}
}

// HTTPAuth is an HTTP endpoint's optional Basic-auth challenge.
type HTTPAuth struct {
	Realm    string `yaml:"realm,omitempty"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// HTTPEndpointConfig is one public HTTP endpoint.
type HTTPEndpointConfig struct {
	Address                string     `yaml:"address,omitempty"`
	Port                   int        `yaml:"port"`
	Encryption             Encryption `yaml:"encryption,omitempty"`
	HostTemplate           string     `yaml:"host_template"`
	AllowCustomHostnames   bool       `yaml:"allow_custom_hostnames,omitempty"`
	RequireAuthorization   *HTTPAuth  `yaml:"require_authorization,omitempty"`
	MaxClientInputWaitSecs int        `yaml:"max_client_input_wait_secs,omitempty"`
}

// TCPEndpointConfig is one public TCP endpoint: a reservable port range.
type TCPEndpointConfig struct {
	Address          string `yaml:"address,omitempty"`
	ReserveFrom      int    `yaml:"reserve_ports_from"`
	ReserveTo        int    `yaml:"reserve_ports_to"`
	AllowDesiredPort bool   `yaml:"allow_desired_port,omitempty"`
}

// UDPEndpointConfig is one public UDP endpoint: a reservable port range
// with idle eviction of synthesized clients.
type UDPEndpointConfig struct {
	Address               string `yaml:"address,omitempty"`
	ReserveFrom           int    `yaml:"reserve_ports_from"`
	ReserveTo             int    `yaml:"reserve_ports_to"`
	AllowDesiredPort      bool   `yaml:"allow_desired_port,omitempty"`
	InactivityTimeoutSecs int    `yaml:"inactivity_timeout_seconds,omitempty"`
}

// MonitoringEndpointConfig is the Monitoring API listener.
type MonitoringEndpointConfig struct {
	Address    string  `yaml:"address,omitempty"`
	Port       int     `yaml:"port"`
	MonitorKey *string `yaml:"monitor_key,omitempty"`
}

// TunnelConfig is the tunnel branch: how to reach the server and what to
// expose through it.
type TunnelConfig struct {
	ServerAddress                   string        `yaml:"server_address"`
	ServerPort                      int           `yaml:"server_port"`
	Encryption                      Encryption    `yaml:"encryption,omitempty"`
	TunnelKey                       *string       `yaml:"tunnel_key,omitempty"`
	MonitorKey                      *string       `yaml:"monitor_key,omitempty"`
	AdminKey                        *string       `yaml:"admin_key,omitempty"`
	Name                            *string       `yaml:"name,omitempty"`
	ForwardConnectionTimeoutSeconds int           `yaml:"forward_connection_timeout_seconds,omitempty"`
	Proxies                         []TunnelProxy `yaml:"proxies"`
}

// TunnelProxy is one forwarding rule the tunnel declares: which endpoint
// to register with, which local upstream to forward to, and what public
// shape the proxy wants.
type TunnelProxy struct {
	EndpointName   string           `yaml:"endpoint_name"`
	Address        string           `yaml:"address"`
	Port           int              `yaml:"port"`
	EndpointConfig ProxyEndpointCfg `yaml:"endpoint_config"`
}

// ProxyEndpointCfg is the tagged variant of a declared proxy's
// public-facing shape: exactly one of Http, Tcp, Udp is set.
type ProxyEndpointCfg struct {
	Http *HTTPProxyConfig `yaml:"http,omitempty"`
	Tcp  *TCPProxyConfig  `yaml:"tcp,omitempty"`
	Udp  *UDPProxyConfig  `yaml:"udp,omitempty"`
}

// HTTPProxyConfig optionally requests a custom hostname.
type HTTPProxyConfig struct {
	DesiredName *string `yaml:"desired_name,omitempty"`
}

// TCPProxyConfig optionally requests a specific public port.
type TCPProxyConfig struct {
	DesiredPort *int `yaml:"desired_port,omitempty"`
}

// UDPProxyConfig optionally requests a specific public port and bind
// address.
type UDPProxyConfig struct {
	DesiredPort *int    `yaml:"desired_port,omitempty"`
	BindAddress *string `yaml:"bind_address,omitempty"`
}

// Load reads path as YAML, applies defaults, and validates the result.
func Load(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	doc.applyDefaults()

	if v := doc.Validate(); !v.Valid() {
		return nil, v.Err()
	}
	return &doc, nil
}

func (d *Document) applyDefaults() {
	if d.Server != nil {
		s := d.Server
		if s.ServerAddress == "" {
			s.ServerAddress = "0.0.0.0"
		}
		if s.MaxTunnels == 0 {
			s.MaxTunnels = DefaultMaxTunnels
		}
		if s.MaxClients == 0 {
			s.MaxClients = DefaultMaxClients
		}
		if s.MaxProxiesPerTunnel == 0 {
			s.MaxProxiesPerTunnel = DefaultMaxProxiesPerTunnel
		}
		for name, ep := range s.Endpoints {
			if ep.Http != nil {
				if ep.Http.Address == "" {
					ep.Http.Address = "0.0.0.0"
				}
				if ep.Http.MaxClientInputWaitSecs == 0 {
					ep.Http.MaxClientInputWaitSecs = DefaultMaxClientInputWaitSecs
				}
			}
			if ep.Tcp != nil && ep.Tcp.Address == "" {
				ep.Tcp.Address = "0.0.0.0"
			}
			if ep.Udp != nil {
				if ep.Udp.Address == "" {
					ep.Udp.Address = "0.0.0.0"
				}
				if ep.Udp.InactivityTimeoutSecs == 0 {
					ep.Udp.InactivityTimeoutSecs = DefaultInactivityTimeoutSecs
				}
			}
			s.Endpoints[name] = ep
		}
	}
	if d.Tunnel != nil {
		t := d.Tunnel
		if t.ForwardConnectionTimeoutSeconds == 0 {
			t.ForwardConnectionTimeoutSeconds = DefaultForwardTimeoutSecs
		}
	}
}

// Validate runs every configured branch through internal/validate's Rules
// and returns the accumulated Validation.
func (d *Document) Validate() *validate.Validation {
	v := &validate.Validation{}
	if d.Server == nil && d.Tunnel == nil {
		v.AddError("", "document must set at least one of server, tunnel")
		return v
	}
	if d.Server != nil {
		d.Server.validate(v)
	}
	if d.Tunnel != nil {
		d.Tunnel.validate(v)
	}
	return v
}

func (s *ServerConfig) validate(v *validate.Validation) {
	validate.Check(v, "server.server_port", s.ServerPort, validate.ValidPort)
	validate.Check(v, "server.max_tunnels", s.MaxTunnels, validate.PositiveInt)
	validate.Check(v, "server.max_clients", s.MaxClients, validate.PositiveInt)
	if s.Encryption.TLS != nil {
		validate.Check(v, "server.encryption.tls.cert_path", s.Encryption.TLS.CertPath, validate.FileExists)
		validate.Check(v, "server.encryption.tls.key_path", s.Encryption.TLS.KeyPath, validate.FileExists)
	}
	for name, ep := range s.Endpoints {
		path := fmt.Sprintf("server.endpoints[%s]", name)
		n := 0
		if ep.Http != nil {
			n++
			validate.Check(v, path+".http.port", ep.Http.Port, validate.ValidPort)
			validate.Check(v, path+".http.host_template", ep.Http.HostTemplate,
				validate.TemplateContains("{name}"))
		}
		if ep.Tcp != nil {
			n++
			validate.Check(v, path+".tcp.reserve_ports_from", ep.Tcp.ReserveFrom, validate.ValidPort)
			validate.Check(v, path+".tcp.reserve_ports_to", ep.Tcp.ReserveTo, validate.ValidPort)
			if ep.Tcp.ReserveFrom > ep.Tcp.ReserveTo {
				v.AddError(path+".tcp", "reserve_ports_from must be <= reserve_ports_to")
			}
		}
		if ep.Udp != nil {
			n++
			validate.Check(v, path+".udp.reserve_ports_from", ep.Udp.ReserveFrom, validate.ValidPort)
			validate.Check(v, path+".udp.reserve_ports_to", ep.Udp.ReserveTo, validate.ValidPort)
			if ep.Udp.ReserveFrom > ep.Udp.ReserveTo {
				v.AddError(path+".udp", "reserve_ports_from must be <= reserve_ports_to")
			}
		}
		if ep.Monitoring != nil {
			n++
			validate.Check(v, path+".monitoring.port", ep.Monitoring.Port, validate.ValidPort)
		}
		if n != 1 {
			v.AddError(path, "must set exactly one of http, tcp, udp, monitoring")
		}
	}
}

func (t *TunnelConfig) validate(v *validate.Validation) {
	validate.Check(v, "tunnel.server_address", t.ServerAddress, validate.ValidHost)
	validate.Check(v, "tunnel.server_port", t.ServerPort, validate.ValidPort)
	if t.Encryption.TLS != nil && t.Encryption.TLS.CertPath != "" {
		validate.Check(v, "tunnel.encryption.tls.cert_path", t.Encryption.TLS.CertPath, validate.FileExists)
	}
	for i, p := range t.Proxies {
		path := fmt.Sprintf("tunnel.proxies[%d]", i)
		validate.Check(v, path+".endpoint_name", p.EndpointName, validate.NonEmptyString)
		validate.Check(v, path+".address", p.Address, validate.ValidHost)
		validate.Check(v, path+".port", p.Port, validate.ValidPort)
		n := 0
		if p.EndpointConfig.Http != nil {
			n++
			if d := p.EndpointConfig.Http.DesiredName; d != nil && *d != "" {
				namePath := path + ".endpoint_config.http.desired_name"
				validate.Check(v, namePath, *d, validate.MatchesShape(desiredNameShape, "alphanumeric or '-'"))
				validate.Check(v, namePath, *d, validate.MaxLen(20))
			}
		}
		if p.EndpointConfig.Tcp != nil {
			n++
		}
		if p.EndpointConfig.Udp != nil {
			n++
		}
		if n != 1 {
			v.AddError(path+".endpoint_config", "must set exactly one of http, tcp, udp")
		}
	}
}
