package wire

// Message kind discriminants.
const (
	KindInitTunnelRequest  = "init_tunnel_request"
	KindInitTunnelResponse = "init_tunnel_response"
	KindInitLinkRequest    = "init_link_request"
	KindInitLinkResponse   = "init_link_response"
	KindHeartbeatRequest   = "heartbeat_request"
	KindHeartbeatResponse  = "heartbeat_response"
	KindMonitoringRequest  = "monitoring_request"
	KindMonitoringResponse = "monitoring_response"
	KindConfigRequest      = "config_request"
	KindConfigResponse     = "config_response"
)

var kindFactories = map[string]func() Message{
	KindInitTunnelRequest:  func() Message { return &InitTunnelRequest{} },
	KindInitTunnelResponse: func() Message { return &InitTunnelResponse{} },
	KindInitLinkRequest:    func() Message { return &InitLinkRequest{} },
	KindInitLinkResponse:   func() Message { return &InitLinkResponse{} },
	KindHeartbeatRequest:   func() Message { return &HeartbeatRequest{} },
	KindHeartbeatResponse:  func() Message { return &HeartbeatResponse{} },
	KindMonitoringRequest:  func() Message { return &MonitoringRequest{} },
	KindMonitoringResponse: func() Message { return &MonitoringResponse{} },
	KindConfigRequest:      func() Message { return &ConfigRequest{} },
	KindConfigResponse:     func() Message { return &ConfigResponse{} },
}

// RejectedInfo carries the reason text for every Rejected{reason} variant
// in the vocabulary.
type RejectedInfo struct {
	Reason string `cbor:"reason"`
}

// ProxyConfig describes one forwarding rule's public-facing shape. Type
// selects which of the optional fields apply; Go has no native sum type,
// so the variant is flattened with a discriminant instead of nested
// per-arm structs.
type ProxyConfig struct {
	Type        string  `cbor:"type"` // "http", "tcp", or "udp"
	DesiredName *string `cbor:"desired_name,omitempty"`
	DesiredPort *int    `cbor:"desired_port,omitempty"`
	BindAddress *string `cbor:"bind_address,omitempty"`
}

const (
	ProxyTypeHTTP = "http"
	ProxyTypeTCP  = "tcp"
	ProxyTypeUDP  = "udp"
)

// InputProxy is one entry of InitTunnelRequest.Proxies.
type InputProxy struct {
	ProxyID        string      `cbor:"proxy_id"`
	EndpointName   string      `cbor:"endpoint_name"`
	ForwardAddress string      `cbor:"forward_address"`
	ForwardPort    int         `cbor:"forward_port"`
	Proxy          ProxyConfig `cbor:"proxy"`
}

// InitTunnelRequest (T->S).
type InitTunnelRequest struct {
	Name      *string      `cbor:"name,omitempty"`
	TunnelKey *string      `cbor:"tunnel_key,omitempty"`
	AdminKey  *string      `cbor:"admin_key,omitempty"`
	Proxies   []InputProxy `cbor:"proxies"`
}

func (*InitTunnelRequest) Kind() string { return KindInitTunnelRequest }

// ResolvedEndpointInfo tells the tunnel what public surface each of its
// proxies was assigned: a full URL for HTTP, a host:port for TCP/UDP.
type ResolvedEndpointInfo struct {
	Type             string  `cbor:"type"` // "http", "tcp", or "udp"
	AssignedURL      *string `cbor:"assigned_url,omitempty"`
	AssignedHostname *string `cbor:"assigned_hostname,omitempty"`
}

// InitTunnelAccepted is the payload of InitTunnelResponse's Accepted arm.
type InitTunnelAccepted struct {
	TunnelID     string                          `cbor:"tunnel_id"`
	EndpointInfo map[string]ResolvedEndpointInfo `cbor:"endpoint_info"` // keyed by proxy_id
}

// InitTunnelResponse (S->T). Exactly one of Accepted/Rejected is set.
type InitTunnelResponse struct {
	Accepted *InitTunnelAccepted `cbor:"accepted,omitempty"`
	Rejected *RejectedInfo       `cbor:"rejected,omitempty"`
}

func (*InitTunnelResponse) Kind() string { return KindInitTunnelResponse }

// InitLinkRequest (S->T on the control socket; re-sent T->S as the first
// message on the dial-back link connection).
type InitLinkRequest struct {
	TunnelID  string `cbor:"tunnel_id"`
	ProxyID   string `cbor:"proxy_id,omitempty"`
	SessionID string `cbor:"session_id"`
}

func (*InitLinkRequest) Kind() string { return KindInitLinkRequest }

// InitLinkResponse (T->S). Accepted is a presence flag (no payload);
// Rejected carries the reason.
type InitLinkResponse struct {
	Accepted bool          `cbor:"accepted,omitempty"`
	Rejected *RejectedInfo `cbor:"rejected,omitempty"`
}

func (*InitLinkResponse) Kind() string { return KindInitLinkResponse }

// HeartbeatRequest (T->S).
type HeartbeatRequest struct {
	TunnelID string `cbor:"tunnel_id"`
}

func (*HeartbeatRequest) Kind() string { return KindHeartbeatRequest }

// HeartbeatResponse (S->T).
type HeartbeatResponse struct {
	TunnelID string `cbor:"tunnel_id"`
}

func (*HeartbeatResponse) Kind() string { return KindHeartbeatResponse }

// Monitoring commands. Command selects which optional request field, if
// any, is populated and which MonitoringResponse field is filled.
const (
	CommandSystemInfo       = "system_info"
	CommandListEndpoints    = "list_endpoints"
	CommandListTunnels      = "list_tunnels"
	CommandListClients      = "list_clients"
	CommandListLinks        = "list_links"
	CommandGetTunnel        = "get_tunnel"
	CommandGetClient        = "get_client"
	CommandGetLink          = "get_link"
	CommandDisconnectTunnel = "disconnect_tunnel"
	CommandDisconnectLink   = "disconnect_link"
)

// MonitoringRequest (C->S).
type MonitoringRequest struct {
	Command    string  `cbor:"command"`
	MonitorKey *string `cbor:"monitor_key,omitempty"`
	TunnelKey  *string `cbor:"tunnel_key,omitempty"`

	// ID is the target of Get*/Disconnect* commands.
	ID string `cbor:"id,omitempty"`

	// Limit/Offset page List* commands.
	Limit  *int `cbor:"limit,omitempty"`
	Offset *int `cbor:"offset,omitempty"`
}

// SystemInfo is the payload of a successful CommandSystemInfo response.
type SystemInfo struct {
	Version       string `cbor:"version" json:"version"`
	UptimeSeconds int64  `cbor:"uptime_seconds" json:"uptime_seconds"`
	TunnelCount   int    `cbor:"tunnel_count" json:"tunnel_count"`
	ClientCount   int    `cbor:"client_count" json:"client_count"`
	LinkCount     int    `cbor:"link_count" json:"link_count"`
}

// EndpointInfo summarizes one configured endpoint for monitoring listings.
type EndpointInfo struct {
	Name string `cbor:"name"`
	Type string `cbor:"type"`
}

// TunnelInfo summarizes one tunnel for monitoring listings.
type TunnelInfo struct {
	TunnelID string   `cbor:"tunnel_id"`
	Name     *string  `cbor:"name,omitempty"`
	ProxyIDs []string `cbor:"proxy_ids"`
	ClientIP string   `cbor:"client_ip,omitempty"`
}

// ClientInfo summarizes one client for monitoring listings.
type ClientInfo struct {
	ClientID     string `cbor:"client_id"`
	EndpointName string `cbor:"endpoint_name"`
}

// LinkInfo summarizes one link session for monitoring listings.
type LinkInfo struct {
	SessionID string `cbor:"session_id"`
	TunnelID  string `cbor:"tunnel_id"`
	ClientID  string `cbor:"client_id"`
}

// MonitoringResponse (S->C). At most one payload field is set; Rejected
// covers the BFP/auth-denied path.
type MonitoringResponse struct {
	Rejected *RejectedInfo `cbor:"rejected,omitempty"`

	SystemInfo *SystemInfo `cbor:"system_info,omitempty"`

	Endpoints []EndpointInfo `cbor:"endpoints,omitempty"`
	Tunnels   []TunnelInfo   `cbor:"tunnels,omitempty"`
	Clients   []ClientInfo   `cbor:"clients,omitempty"`
	Links     []LinkInfo     `cbor:"links,omitempty"`

	Tunnel *TunnelInfo `cbor:"tunnel,omitempty"`
	Client *ClientInfo `cbor:"client,omitempty"`
	Link   *LinkInfo   `cbor:"link,omitempty"`

	// Disconnected acknowledges a Disconnect* command.
	Disconnected bool `cbor:"disconnected,omitempty"`
}

func (*MonitoringResponse) Kind() string { return KindMonitoringResponse }
func (*MonitoringRequest) Kind() string  { return KindMonitoringRequest }

// RequestGetPublicEndpointConfig is the only ConfigRequest.Request value.
const RequestGetPublicEndpointConfig = "get_public_endpoint_config"

// ConfigRequest (C->S).
type ConfigRequest struct {
	TunnelKey *string `cbor:"tunnel_key,omitempty"`
	Request   string  `cbor:"request"`
}

func (*ConfigRequest) Kind() string { return KindConfigRequest }

// PublicEndpointConfig is the public (non-secret) projection of one
// configured endpoint, returned by ConfigResponse.
type PublicEndpointConfig struct {
	Type string `cbor:"type"` // "http", "tcp", "udp"

	// HTTP
	HostTemplate         *string `cbor:"host_template,omitempty"`
	AllowCustomHostnames *bool   `cbor:"allow_custom_hostnames,omitempty"`

	// TCP/UDP
	ReserveFrom      *int  `cbor:"reserve_from,omitempty"`
	ReserveTo        *int  `cbor:"reserve_to,omitempty"`
	AllowDesiredPort *bool `cbor:"allow_desired_port,omitempty"`
}

// ConfigResponse (S->C).
type ConfigResponse struct {
	Endpoints []NamedPublicEndpointConfig `cbor:"endpoints"`
}

func (*ConfigResponse) Kind() string { return KindConfigResponse }

// NamedPublicEndpointConfig pairs an endpoint name with its public
// projection.
type NamedPublicEndpointConfig struct {
	Name   string               `cbor:"name"`
	Config PublicEndpointConfig `cbor:"config"`
}
