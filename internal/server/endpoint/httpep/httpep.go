// Package httpep implements the HTTP public endpoint: request-head
// parsing, hostname template routing, optional Basic auth, and the
// TLS-detect/redirect fallback.
package httpep

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"tunnelize/internal/config"
	"tunnelize/internal/idgen"
	"tunnelize/internal/netconn"
	"tunnelize/internal/registry"
	"tunnelize/internal/wire"
)

const maxHostnameAttempts = 20

var desiredNameShape = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

type hostEntry struct {
	TunnelID string
	ProxyID  string
}

// Endpoint is one configured HTTP public endpoint.
type Endpoint struct {
	name string
	cfg  config.HTTPEndpointConfig
	deps *registry.Deps

	tlsConfig *tls.Config
	listener  net.Listener

	mu          sync.RWMutex
	hosts       map[string]hostEntry
	tunnelHosts map[string][]string
}

// New constructs an HTTP endpoint. tlsConfig is nil unless cfg.Encryption
// names a certificate pair (loaded by the internal/tlsconfig collaborator).
func New(name string, cfg config.HTTPEndpointConfig, deps *registry.Deps, tlsConfig *tls.Config) *Endpoint {
	return &Endpoint{
		name:        name,
		cfg:         cfg,
		deps:        deps,
		tlsConfig:   tlsConfig,
		hosts:       make(map[string]hostEntry),
		tunnelHosts: make(map[string][]string),
	}
}

func (e *Endpoint) Name() string { return e.name }
func (e *Endpoint) Type() string { return "http" }

// Serve binds the endpoint's listener and accepts connections until ctx
// is cancelled.
func (e *Endpoint) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", e.cfg.Address, e.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("httpep %s: listen %s: %w", e.name, addr, err)
	}
	e.listener = ln
	log.Printf("[HTTPEndpoint:%s] listening on %s", e.name, addr)

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
				log.Printf("[HTTPEndpoint:%s] accept error: %v", e.name, err)
				continue
			}
		}
		go e.handleConn(ctx, conn)
	}
}

// peekedConn replays bytes already consumed while detecting TLS before
// delegating further reads to the underlying connection.
type peekedConn struct {
	net.Conn
	prefix []byte
}

func (p *peekedConn) Read(b []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]
		return n, nil
	}
	return p.Conn.Read(b)
}

// looksLikeTLS recognizes a TLS record header: content type 0x16
// (handshake) and protocol version 3.1-3.4. Any buffer shorter than five
// bytes is not TLS.
func looksLikeTLS(b []byte) bool {
	if len(b) < 5 {
		return false
	}
	return b[0] == 0x16 && b[1] == 0x03 && b[2] >= 0x01 && b[2] <= 0x04
}

func (e *Endpoint) handleConn(ctx context.Context, raw net.Conn) {
	if !e.cfg.Encryption.Enabled() {
		e.handleRequest(ctx, netconn.NewStream(raw))
		return
	}

	buf := make([]byte, 5)
	n, err := io.ReadFull(raw, buf)
	if err != nil {
		_ = raw.Close()
		return
	}
	pc := &peekedConn{Conn: raw, prefix: append([]byte(nil), buf[:n]...)}

	if looksLikeTLS(buf[:n]) {
		tlsConn := tls.Server(pc, e.tlsConfig)
		e.handleRequest(ctx, netconn.NewStream(tlsConn))
		return
	}

	e.handleRedirect(netconn.NewStream(pc))
}

// handleRedirect answers a cleartext request on a TLS-configured endpoint
// with a 301 to the https origin.
func (e *Endpoint) handleRedirect(conn netconn.Conn) {
	defer conn.Shutdown()
	deadline := e.inputDeadline()
	head, err := conn.ReadUntil([]byte("\r\n\r\n"), deadline)
	if err != nil {
		_ = conn.CloseWithData(buildResponse(400, "Bad Request", "Bad Request", nil))
		return
	}
	_, host, ok := parseHead(head)
	if !ok {
		_ = conn.CloseWithData(buildResponse(400, "Bad Request", "Host header is missing", nil))
		return
	}
	location := fmt.Sprintf("https://%s:%d", host, e.cfg.Port)
	_ = conn.CloseWithData(buildResponse(301, "Moved Permanently", "", map[string]string{"Location": location}))
}

func (e *Endpoint) inputDeadline() time.Time {
	secs := e.cfg.MaxClientInputWaitSecs
	if secs <= 0 {
		secs = config.DefaultMaxClientInputWaitSecs
	}
	return time.Now().Add(time.Duration(secs) * time.Second)
}

// handleRequest parses the request head, routes by hostname, enforces the
// optional Basic-auth challenge, and dispatches the client into the
// owning tunnel's session.
func (e *Endpoint) handleRequest(ctx context.Context, conn netconn.Conn) {
	deadline := e.inputDeadline()
	head, err := conn.ReadUntil([]byte("\r\n\r\n"), deadline)
	if err != nil {
		_ = conn.CloseWithData(buildResponse(400, "Bad Request", "Bad Request", nil))
		return
	}

	headers, host, ok := parseHead(head)
	if !ok {
		_ = conn.CloseWithData(buildResponse(400, "Bad Request", "Host header is missing", nil))
		return
	}

	entry, ok := e.lookupHost(host)
	if !ok {
		_ = conn.CloseWithData(buildResponse(502, "Bad Gateway", "No tunnel assigned for requested hostname", nil))
		return
	}

	if e.cfg.RequireAuthorization != nil && !checkAuth(headers, e.cfg.RequireAuthorization) {
		realm := e.cfg.RequireAuthorization.Realm
		if realm == "" {
			realm = "Production"
		}
		_ = conn.CloseWithData(buildResponse(401, "Unauthorized", "Unauthorized", map[string]string{
			"WWW-Authenticate": fmt.Sprintf(`Basic realm="%s"`, realm),
		}))
		return
	}

	clientID := idgen.New()
	link := &registry.ClientLink{Conn: conn, InitialData: head}
	if rejectedLink, err := e.deps.Clients.SubscribeClient(clientID, e.name, link); err != nil {
		_ = conn.CloseWithData(buildResponse(502, "Bad Gateway", err.Error(), nil))
		if rejectedLink != nil {
			_ = rejectedLink.Conn.Shutdown()
		}
		return
	}

	tunnelInfo, ok := e.deps.Tunnels.GetInfo(entry.TunnelID)
	if !ok {
		e.deps.Clients.CancelClient(clientID, buildResponse(502, "Bad Gateway", "No tunnel assigned for requested hostname", nil))
		return
	}

	result, err := tunnelInfo.Requests.Send(ctx, registry.ClientLinkRequest{ClientID: clientID, ProxyID: entry.ProxyID})
	if err != nil {
		e.deps.Clients.CancelClient(clientID, buildResponse(502, "Bad Gateway", "Failed to link client to tunnel", nil))
		return
	}
	if !result.Accepted {
		e.deps.Clients.CancelClient(clientID, buildResponse(502, "Bad Gateway", result.Reason, nil))
		return
	}
	// Accepted: the tunnel's dial-back link will take this client's stream
	// via Clients.TakeClientLink.
}

func (e *Endpoint) lookupHost(host string) (hostEntry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.hosts[host]
	return entry, ok
}

// RegisterTunnel allocates a hostname for every HTTP proxy in the batch.
// Allocation is atomic across the group: any validation or collision
// failure registers nothing.
func (e *Endpoint) RegisterTunnel(_ context.Context, tunnelID string, proxies []registry.ProxyRecord) (map[string]wire.ResolvedEndpointInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	type assignment struct {
		proxyID  string
		hostname string
	}
	used := make(map[string]bool)
	var assignments []assignment

	for _, p := range proxies {
		if p.Config.Type != wire.ProxyTypeHTTP {
			continue
		}
		desired := ""
		if p.Config.DesiredName != nil {
			desired = *p.Config.DesiredName
		}
		name, err := e.validateDesiredName(desired)
		if err != nil {
			return nil, err
		}
		hostname, err := e.allocateHostname(name, used)
		if err != nil {
			return nil, err
		}
		used[hostname] = true
		assignments = append(assignments, assignment{proxyID: p.ProxyID, hostname: hostname})
	}

	info := make(map[string]wire.ResolvedEndpointInfo, len(assignments))
	scheme := "http"
	if e.cfg.Encryption.Enabled() {
		scheme = "https"
	}
	for _, a := range assignments {
		e.hosts[a.hostname] = hostEntry{TunnelID: tunnelID, ProxyID: a.proxyID}
		e.tunnelHosts[tunnelID] = append(e.tunnelHosts[tunnelID], a.hostname)
		url := fmt.Sprintf("%s://%s", scheme, a.hostname)
		info[a.proxyID] = wire.ResolvedEndpointInfo{Type: "http", AssignedURL: &url}
	}
	return info, nil
}

// validateDesiredName applies the custom-hostname policy: with
// allow_custom_hostnames disabled the requested name is silently ignored;
// when enabled, an out-of-shape name is a policy error.
func (e *Endpoint) validateDesiredName(desired string) (string, error) {
	if !e.cfg.AllowCustomHostnames || desired == "" {
		return "", nil
	}
	if len(desired) > 20 {
		return "", fmt.Errorf("desired hostname %q exceeds 20 characters", desired)
	}
	if !desiredNameShape.MatchString(desired) {
		return "", fmt.Errorf("desired hostname %q must be alphanumeric or '-'", desired)
	}
	return desired, nil
}

func (e *Endpoint) allocateHostname(desired string, used map[string]bool) (string, error) {
	if desired != "" {
		host := strings.Replace(e.cfg.HostTemplate, "{name}", desired, 1)
		if _, taken := e.hosts[host]; taken || used[host] {
			return "", fmt.Errorf("hostname %q is already in use", host)
		}
		return host, nil
	}
	for i := 0; i < maxHostnameAttempts; i++ {
		name := idgen.RandomLowercase(5)
		host := strings.Replace(e.cfg.HostTemplate, "{name}", name, 1)
		if _, taken := e.hosts[host]; !taken && !used[host] {
			return host, nil
		}
	}
	return "", fmt.Errorf("failed to allocate a unique hostname")
}

// RemoveTunnel drops every hostname owned by tunnelID.
func (e *Endpoint) RemoveTunnel(tunnelID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, host := range e.tunnelHosts[tunnelID] {
		if entry, ok := e.hosts[host]; ok && entry.TunnelID == tunnelID {
			delete(e.hosts, host)
		}
	}
	delete(e.tunnelHosts, tunnelID)
}

// PublicConfig returns the non-secret projection of this endpoint.
func (e *Endpoint) PublicConfig() wire.PublicEndpointConfig {
	template := e.cfg.HostTemplate
	allow := e.cfg.AllowCustomHostnames
	return wire.PublicEndpointConfig{Type: "http", HostTemplate: &template, AllowCustomHostnames: &allow}
}

func parseHead(head []byte) (headers map[string]string, host string, ok bool) {
	lines := strings.Split(string(head), "\r\n")
	headers = make(map[string]string)
	for _, line := range lines[1:] {
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		val := strings.TrimSpace(line[idx+1:])
		headers[key] = val
	}
	hostHeader, found := headers["host"]
	if !found || hostHeader == "" {
		return headers, "", false
	}
	host = hostHeader
	if h, _, err := net.SplitHostPort(hostHeader); err == nil {
		host = h
	}
	return headers, host, true
}

func checkAuth(headers map[string]string, auth *config.HTTPAuth) bool {
	val, ok := headers["authorization"]
	if !ok {
		return false
	}
	parts := strings.Fields(val)
	if len(parts) == 0 {
		return false
	}
	token := parts[len(parts)-1]
	expected := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Password))
	return token == expected
}

// buildResponse renders one of the HTTP endpoint's own-origin responses:
// always HTTP/1.1, text/plain, with a Content-Length and
// Connection: close.
func buildResponse(status int, statusText, body string, extraHeaders map[string]string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, statusText)
	b.WriteString("Content-Type: text/plain\r\n")
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	for k, v := range extraHeaders {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("Connection: close\r\n\r\n")
	b.WriteString(body)
	return b.Bytes()
}
