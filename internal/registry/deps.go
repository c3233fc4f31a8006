package registry

import (
	"tunnelize/internal/config"
	"tunnelize/internal/token"
)

// Deps aggregates every shared service a tunnel session, link session,
// endpoint, and dispatcher needs: the registries, the event bus, the
// server configuration, and the root cancellation token. It is built once
// by the composition root so no package needs to import that root and
// create a cycle.
type Deps struct {
	Config    *config.ServerConfig
	Tunnels   *Tunnels
	Clients   *Clients
	Links     *Links
	Endpoints *Endpoints
	Bfp       *Bfp
	Bus       *Bus
	RootToken *token.Token
}
