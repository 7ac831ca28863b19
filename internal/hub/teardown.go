package hub

import (
	"context"
	"strings"

	"github.com/emberchat/emberhub/internal/monitoring"
	"github.com/emberchat/emberhub/internal/protocol"
)

// Disconnect unwinds a connection from every subsystem, then broadcasts the
// departures. It runs exactly once per connection no matter how many paths
// (read error, write error, server shutdown) race into it. Locks are taken
// one at a time in subsystem order; all sends happen after the last release.
func (h *Hub) Disconnect(ctx context.Context, c *Conn) {
	if !c.beginTeardown() {
		return
	}

	// Signaling: drop the connection and every peer registered on it. The
	// reserved friend prefix marks synthetic peers whose real state lives in
	// the presence indices and is cleaned there.
	h.signaling.mu.Lock()
	delete(h.signaling.conns, c.ID)
	if set := h.signaling.connPeers[c.ID]; set != nil {
		for _, peerID := range set.ToSlice() {
			if strings.HasPrefix(peerID, protocol.FriendPeerPrefix) {
				delete(h.signaling.peers, peerID)
				set.Remove(peerID)
				continue
			}
			h.unregisterPeerLocked(peerID)
		}
	}
	delete(h.signaling.connPeers, c.ID)
	h.signaling.mu.Unlock()

	// Voice: detach every room entry this connection owned.
	h.voice.mu.Lock()
	departures := h.voiceDisconnectLocked(c.ID)
	h.voice.mu.Unlock()

	// Presence: drop the connection; the user goes offline with its last one.
	h.presence.mu.Lock()
	userID, offlineKeys, wentOffline := h.presenceDisconnectLocked(c.ID)
	h.presence.mu.Unlock()

	for _, d := range departures {
		h.broadcastVoiceLeft(d.key, d.peer, d.otherConnIDs, c.ID)
	}
	if wentOffline {
		h.broadcastPresence(userID, offlineKeys, "", false, c.ID)
		if h.kv != nil {
			if err := h.kv.RemoveUser(ctx, userID, offlineKeys); err != nil {
				monitoring.BackendErrors.WithLabelValues("kv").Inc()
				h.logger.Warn().Err(err).Str("user_id", userID).Msg("KV presence removal failed")
			}
		}
	}

	c.Close()
	h.logger.Debug().
		Str("conn_id", c.ID).
		Str("addr", c.Addr).
		Bool("went_offline", wentOffline).
		Msg("Connection torn down")
}

// DisconnectAll tears down every live connection. Called on shutdown after
// the HTTP listener has drained; hijacked WebSocket sockets are not covered
// by http.Server.Shutdown.
func (h *Hub) DisconnectAll(ctx context.Context) {
	h.signaling.mu.RLock()
	conns := make([]*Conn, 0, len(h.signaling.conns))
	for _, c := range h.signaling.conns {
		conns = append(conns, c)
	}
	h.signaling.mu.RUnlock()

	for _, c := range conns {
		h.Disconnect(ctx, c)
	}
	if len(conns) > 0 {
		h.logger.Info().Int("connections", len(conns)).Msg("All connections closed")
	}
}
