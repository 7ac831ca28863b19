package hub

import "github.com/emberchat/emberhub/internal/protocol"

// Fan-out helpers. Every subsystem stores identifiers, not senders; these
// helpers resolve identifiers to connections under the signaling read lock
// while holding no other lock, then send without any lock held.

// connsForSigningSubs resolves the connections of every peer subscribed to
// the group's signing key, deduplicated, excluding exceptConnID.
func (h *Hub) connsForSigningSubs(signingPubkey, exceptConnID string) []*Conn {
	h.signaling.mu.RLock()
	defer h.signaling.mu.RUnlock()

	subs := h.signaling.signingSubs[signingPubkey]
	if subs == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []*Conn
	for _, peerID := range subs.ToSlice() {
		entry, ok := h.signaling.peers[peerID]
		if !ok || entry.connID == exceptConnID {
			continue
		}
		if _, dup := seen[entry.connID]; dup {
			continue
		}
		seen[entry.connID] = struct{}{}
		if conn := h.signaling.conns[entry.connID]; conn != nil {
			out = append(out, conn)
		}
	}
	return out
}

// connsByID maps connection identifiers to live connections.
func (h *Hub) connsByID(connIDs []string) []*Conn {
	h.signaling.mu.RLock()
	defer h.signaling.mu.RUnlock()

	out := make([]*Conn, 0, len(connIDs))
	for _, id := range connIDs {
		if conn := h.signaling.conns[id]; conn != nil {
			out = append(out, conn)
		}
	}
	return out
}

// connsForUser resolves every live connection a user currently has. Takes
// the presence read lock, releases it, then the signaling read lock.
func (h *Hub) connsForUser(userID string) []*Conn {
	h.presence.mu.RLock()
	var connIDs []string
	if user, ok := h.presence.byUser[userID]; ok {
		connIDs = user.conns.ToSlice()
	}
	h.presence.mu.RUnlock()

	if len(connIDs) == 0 {
		return nil
	}
	return h.connsByID(connIDs)
}

// friendSubscriberConns resolves the connections subscribed to userID on the
// friend-scoped presence channel, excluding exceptConnID.
func (h *Hub) friendSubscriberConns(userID, exceptConnID string) []*Conn {
	h.presence.mu.RLock()
	var connIDs []string
	if subs := h.presence.friendSubs[userID]; subs != nil {
		for _, id := range subs.ToSlice() {
			if id != exceptConnID {
				connIDs = append(connIDs, id)
			}
		}
	}
	h.presence.mu.RUnlock()

	if len(connIDs) == 0 {
		return nil
	}
	return h.connsByID(connIDs)
}

// sendToConns fans one frame out to a resolved connection list.
func sendToConns(conns []*Conn, payload []byte, kind string) {
	for _, c := range conns {
		c.TrySend(payload, kind)
	}
}

// sendError reports an in-band failure; the connection continues.
func (h *Hub) sendError(c *Conn, message string) {
	c.TrySend(protocol.Marshal(protocol.ErrorMessage{
		Type:    protocol.TypeError,
		Message: message,
	}), "error")
}

// SendError is the transport-facing variant used for parse and rate-limit
// failures.
func (h *Hub) SendError(c *Conn, message string) {
	h.sendError(c, message)
}
