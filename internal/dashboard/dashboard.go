// Package dashboard implements the optional operator dashboard: a gin
// JSON API that is itself nothing more than a Monitoring-protocol client
// of the core server. It never touches server-side registries directly
// and so cannot diverge from the control protocol's own authorization
// rules.
package dashboard

import (
	"fmt"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"

	"tunnelize/internal/netconn"
	"tunnelize/internal/wire"
)

// Client issues MonitoringRequest messages against one server's control
// listener (or its dedicated Monitoring endpoint).
type Client struct {
	ServerAddr string
	TunnelKey  *string
	MonitorKey *string
}

func (c *Client) call(cmd, id string) (*wire.MonitoringResponse, error) {
	conn, err := net.Dial("tcp", c.ServerAddr)
	if err != nil {
		return nil, fmt.Errorf("dashboard: dial %s: %w", c.ServerAddr, err)
	}
	stream := netconn.NewStream(conn)
	defer stream.Shutdown()

	req := &wire.MonitoringRequest{Command: cmd, TunnelKey: c.TunnelKey, MonitorKey: c.MonitorKey, ID: id}
	resp, err := stream.RequestMessage(req)
	if err != nil {
		return nil, fmt.Errorf("dashboard: %s: %w", cmd, err)
	}
	mr, ok := resp.(*wire.MonitoringResponse)
	if !ok {
		return nil, fmt.Errorf("dashboard: unexpected response %T to %s", resp, cmd)
	}
	if mr.Rejected != nil {
		return nil, fmt.Errorf("dashboard: %s", mr.Rejected.Reason)
	}
	return mr, nil
}

// NewRouter builds the dashboard's gin.Engine.
func NewRouter(c *Client) *gin.Engine {
	r := gin.Default()
	api := r.Group("/api")

	api.GET("/system", func(ctx *gin.Context) { c.respond(ctx, wire.CommandSystemInfo, "", "SystemInfo") })
	api.GET("/endpoints", func(ctx *gin.Context) { c.respond(ctx, wire.CommandListEndpoints, "", "Endpoints") })

	api.GET("/tunnels", func(ctx *gin.Context) { c.respond(ctx, wire.CommandListTunnels, "", "Tunnels") })
	api.GET("/tunnels/:id", func(ctx *gin.Context) { c.respond(ctx, wire.CommandGetTunnel, ctx.Param("id"), "Tunnel") })
	api.DELETE("/tunnels/:id", func(ctx *gin.Context) { c.respond(ctx, wire.CommandDisconnectTunnel, ctx.Param("id"), "Disconnected") })

	api.GET("/clients", func(ctx *gin.Context) { c.respond(ctx, wire.CommandListClients, "", "Clients") })
	api.GET("/clients/:id", func(ctx *gin.Context) { c.respond(ctx, wire.CommandGetClient, ctx.Param("id"), "Client") })

	api.GET("/links", func(ctx *gin.Context) { c.respond(ctx, wire.CommandListLinks, "", "Links") })
	api.GET("/links/:id", func(ctx *gin.Context) { c.respond(ctx, wire.CommandGetLink, ctx.Param("id"), "Link") })
	api.DELETE("/links/:id", func(ctx *gin.Context) { c.respond(ctx, wire.CommandDisconnectLink, ctx.Param("id"), "Disconnected") })

	return r
}

// respond issues cmd against the core server and renders the named
// response field as JSON, or a 502 carrying the error.
func (c *Client) respond(ctx *gin.Context, cmd, id, field string) {
	resp, err := c.call(cmd, id)
	if err != nil {
		ctx.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	switch field {
	case "SystemInfo":
		ctx.JSON(http.StatusOK, resp.SystemInfo)
	case "Endpoints":
		ctx.JSON(http.StatusOK, resp.Endpoints)
	case "Tunnels":
		ctx.JSON(http.StatusOK, resp.Tunnels)
	case "Tunnel":
		ctx.JSON(http.StatusOK, resp.Tunnel)
	case "Clients":
		ctx.JSON(http.StatusOK, resp.Clients)
	case "Client":
		ctx.JSON(http.StatusOK, resp.Client)
	case "Links":
		ctx.JSON(http.StatusOK, resp.Links)
	case "Link":
		ctx.JSON(http.StatusOK, resp.Link)
	case "Disconnected":
		ctx.JSON(http.StatusOK, gin.H{"disconnected": resp.Disconnected})
	}
}
