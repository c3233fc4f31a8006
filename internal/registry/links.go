package registry

import (
	"sync"

	"tunnelize/internal/token"
)

// LinkInfo is the server's record of one in-flight link session.
type LinkInfo struct {
	SessionID string
	TunnelID  string
	ClientID  string
	Token     *token.Token
}

// Links is the link-session registry, keyed by session_id.
type Links struct {
	mu   sync.Mutex
	byID map[string]*LinkInfo
}

// NewLinks returns an empty registry.
func NewLinks() *Links {
	return &Links{byID: make(map[string]*LinkInfo)}
}

// CreateSession creates a LinkSession for clientID under tunnelID,
// deriving its cancellation token from parent (the owning TunnelInfo's
// Token), so cancelling the tunnel cancels this link.
func (l *Links) CreateSession(sessionID, tunnelID, clientID string, parent *token.Token) *LinkInfo {
	info := &LinkInfo{
		SessionID: sessionID,
		TunnelID:  tunnelID,
		ClientID:  clientID,
		Token:     parent.Child(),
	}
	l.mu.Lock()
	l.byID[sessionID] = info
	l.mu.Unlock()
	return info
}

// GetSessionInfo returns the link record for sessionID.
func (l *Links) GetSessionInfo(sessionID string) (*LinkInfo, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, ok := l.byID[sessionID]
	return info, ok
}

// CancelSession cancels sessionID's token and removes it.
func (l *Links) CancelSession(sessionID string) {
	l.mu.Lock()
	info, ok := l.byID[sessionID]
	delete(l.byID, sessionID)
	l.mu.Unlock()
	if ok {
		info.Token.Cancel()
	}
}

// Remove deletes sessionID without cancelling it (used once the bridge
// has already ended on its own).
func (l *Links) Remove(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byID, sessionID)
}

// CancelAllForTunnel cancels and removes every link belonging to
// tunnelID. Called when a tunnel is torn down; the
// tunnel's own token cancellation already propagates to these via the
// parent/child relationship, so this is a best-effort prompt sweep rather
// than the only mechanism.
func (l *Links) CancelAllForTunnel(tunnelID string) {
	l.mu.Lock()
	var victims []*LinkInfo
	for id, info := range l.byID {
		if info.TunnelID == tunnelID {
			victims = append(victims, info)
			delete(l.byID, id)
		}
	}
	l.mu.Unlock()
	for _, info := range victims {
		info.Token.Cancel()
	}
}

// ListAll returns a snapshot of every live link session.
func (l *Links) ListAll() []*LinkInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*LinkInfo, 0, len(l.byID))
	for _, info := range l.byID {
		out = append(out, info)
	}
	return out
}

// Count returns the current link count.
func (l *Links) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byID)
}
