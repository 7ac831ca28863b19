package hub

import (
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/emberchat/emberhub/internal/protocol"
)

// Register claims a peer identifier for the sending connection and returns
// the other peers currently in the same group. Identical re-registration is
// idempotent; a known peer on a different connection keeps its original
// owner, so the usurper's frames fail validation.
func (h *Hub) Register(c *Conn, msg protocol.Register) {
	if msg.PeerID == "" || msg.GroupID == "" {
		h.sendError(c, "Missing peer or group identifier")
		return
	}
	if strings.HasPrefix(msg.PeerID, protocol.FriendPeerPrefix) {
		h.sendError(c, "Reserved peer identifier prefix")
		return
	}

	h.signaling.mu.Lock()
	if existing, ok := h.signaling.peers[msg.PeerID]; ok && existing.connID != c.ID {
		h.signaling.mu.Unlock()
		h.logger.Warn().
			Str("peer_id", msg.PeerID).
			Str("conn_id", c.ID).
			Str("owner_conn_id", existing.connID).
			Msg("Peer re-registration on different connection ignored")
		h.sendError(c, "Invalid peer identity")
		return
	}
	h.registerPeerLocked(msg.PeerID, msg.GroupID, msg.SigningPubkey, c.ID)
	peers := h.signaling.groupPeers[msg.GroupID].ToSlice()
	h.signaling.mu.Unlock()

	others := make([]string, 0, len(peers))
	for _, p := range peers {
		if p != msg.PeerID {
			others = append(others, p)
		}
	}
	c.TrySend(protocol.Marshal(protocol.Registered{
		Type:   protocol.TypeRegistered,
		PeerID: msg.PeerID,
		Peers:  others,
	}), "signaling")
}

// registerPeerLocked inserts the peer into every signaling index. A known
// peer moving to a different group or signing key is first removed from its
// prior sets, so register followed by unregister always leaves the indices
// untouched. Caller holds the signaling write lock.
func (h *Hub) registerPeerLocked(peerID, groupID, signingPubkey, connID string) {
	if prev, ok := h.signaling.peers[peerID]; ok {
		if prev.groupID != groupID || prev.signingPubkey != signingPubkey {
			h.unregisterPeerLocked(peerID)
		}
	}
	h.signaling.peers[peerID] = &peerEntry{
		peerID:        peerID,
		groupID:       groupID,
		signingPubkey: signingPubkey,
		connID:        connID,
	}
	if h.signaling.connPeers[connID] == nil {
		h.signaling.connPeers[connID] = mapset.NewThreadUnsafeSet[string]()
	}
	h.signaling.connPeers[connID].Add(peerID)
	if groupID != "" {
		if h.signaling.groupPeers[groupID] == nil {
			h.signaling.groupPeers[groupID] = mapset.NewThreadUnsafeSet[string]()
		}
		h.signaling.groupPeers[groupID].Add(peerID)
	}
	if signingPubkey != "" {
		if h.signaling.signingSubs[signingPubkey] == nil {
			h.signaling.signingSubs[signingPubkey] = mapset.NewThreadUnsafeSet[string]()
		}
		h.signaling.signingSubs[signingPubkey].Add(peerID)
	}
}

// unregisterPeerLocked removes the peer from every signaling index. Caller
// holds the signaling write lock.
func (h *Hub) unregisterPeerLocked(peerID string) {
	entry, ok := h.signaling.peers[peerID]
	if !ok {
		return
	}
	delete(h.signaling.peers, peerID)
	if set := h.signaling.connPeers[entry.connID]; set != nil {
		set.Remove(peerID)
		if set.Cardinality() == 0 {
			delete(h.signaling.connPeers, entry.connID)
		}
	}
	if set := h.signaling.groupPeers[entry.groupID]; set != nil {
		set.Remove(peerID)
		if set.Cardinality() == 0 {
			delete(h.signaling.groupPeers, entry.groupID)
		}
	}
	if entry.signingPubkey != "" {
		if set := h.signaling.signingSubs[entry.signingPubkey]; set != nil {
			set.Remove(peerID)
			if set.Cardinality() == 0 {
				delete(h.signaling.signingSubs, entry.signingPubkey)
			}
		}
	}
}

// validatePeer is the core safety check: a frame naming from_peer is acted
// on only if that peer is owned by the sending connection.
func (h *Hub) validatePeer(peerID, connID string) bool {
	h.signaling.mu.RLock()
	entry, ok := h.signaling.peers[peerID]
	h.signaling.mu.RUnlock()
	return ok && entry.connID == connID
}

// ForwardSignal routes an offer, answer or ice_candidate frame to its target
// peer unmodified. A missing target is logged and dropped; ICE loss is
// expected when peers race leaves.
func (h *Hub) ForwardSignal(c *Conn, msg protocol.Signal, raw []byte) {
	if !h.validatePeer(msg.FromPeer, c.ID) {
		h.sendError(c, "Invalid peer identity")
		return
	}

	h.signaling.mu.RLock()
	var target *Conn
	if entry, ok := h.signaling.peers[msg.ToPeer]; ok {
		target = h.signaling.conns[entry.connID]
	}
	h.signaling.mu.RUnlock()

	if target == nil {
		h.logger.Debug().
			Str("kind", msg.Type).
			Str("from_peer", msg.FromPeer).
			Str("to_peer", msg.ToPeer).
			Msg("Signal target not registered, dropping")
		return
	}
	target.TrySend(raw, "signaling")
}
