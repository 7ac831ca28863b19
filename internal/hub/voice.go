package hub

import "github.com/emberchat/emberhub/internal/protocol"

// VoiceRegister joins a voice room keyed by (group, chat). Any existing
// entry for the same user is replaced, which covers reconnects arriving
// with a fresh peer identifier.
func (h *Hub) VoiceRegister(c *Conn, msg protocol.VoiceRegister) {
	if msg.PeerID == "" || msg.UserID == "" || msg.GroupID == "" || msg.ChatID == "" {
		h.sendError(c, "Missing voice registration field")
		return
	}

	key := roomKey{groupID: msg.GroupID, chatID: msg.ChatID}

	h.voice.mu.Lock()
	room := h.voice.rooms[key]
	kept := room[:0]
	for _, vp := range room {
		if vp.userID != msg.UserID {
			kept = append(kept, vp)
		}
	}
	kept = append(kept, &voicePeer{
		peerID:        msg.PeerID,
		userID:        msg.UserID,
		connID:        c.ID,
		signingPubkey: msg.SigningPubkey,
	})
	h.voice.rooms[key] = kept

	others := make([]string, 0, len(kept)-1)
	otherConnIDs := make([]string, 0, len(kept)-1)
	for _, vp := range kept {
		if vp.peerID != msg.PeerID {
			others = append(others, vp.peerID)
			otherConnIDs = append(otherConnIDs, vp.connID)
		}
	}
	h.voice.mu.Unlock()

	c.TrySend(protocol.Marshal(protocol.VoiceRegistered{
		Type:   protocol.TypeVoiceRegistered,
		PeerID: msg.PeerID,
		ChatID: msg.ChatID,
		Peers:  others,
	}), "voice")

	joined := protocol.Marshal(protocol.VoicePeerEvent{
		Type:   protocol.TypeVoicePeerJoined,
		PeerID: msg.PeerID,
		UserID: msg.UserID,
		ChatID: msg.ChatID,
	})
	sendToConns(h.connsByID(otherConnIDs), joined, "voice")

	if msg.SigningPubkey != "" {
		inVoice := protocol.Marshal(protocol.VoicePresenceUpdate{
			Type:          protocol.TypeVoicePresenceUpdate,
			SigningPubkey: msg.SigningPubkey,
			UserID:        msg.UserID,
			ChatID:        msg.ChatID,
			InVoice:       true,
		})
		sendToConns(h.connsForSigningSubs(msg.SigningPubkey, c.ID), inVoice, "voice")
	}
}

// VoiceUnregister leaves whichever room with the given chat holds the peer.
// Only the owning connection may remove its peer.
func (h *Hub) VoiceUnregister(c *Conn, msg protocol.VoiceUnregister) {
	h.voice.mu.Lock()
	var (
		removed      *voicePeer
		removedKey   roomKey
		otherConnIDs []string
	)
	for key, room := range h.voice.rooms {
		if key.chatID != msg.ChatID {
			continue
		}
		for i, vp := range room {
			if vp.peerID != msg.PeerID {
				continue
			}
			if vp.connID != c.ID {
				h.voice.mu.Unlock()
				h.sendError(c, "Invalid peer identity")
				return
			}
			removed = vp
			removedKey = key
			room = append(room[:i], room[i+1:]...)
			if len(room) == 0 {
				delete(h.voice.rooms, key)
			} else {
				h.voice.rooms[key] = room
				for _, other := range room {
					otherConnIDs = append(otherConnIDs, other.connID)
				}
			}
			break
		}
		if removed != nil {
			break
		}
	}
	h.voice.mu.Unlock()

	if removed == nil {
		return
	}
	h.broadcastVoiceLeft(removedKey, removed, otherConnIDs, c.ID)
}

// ForwardVoiceSignal routes voice_offer, voice_answer and voice_ice_candidate
// frames. The room is located by chat identifier (first match wins; chat ids
// are unique in practice) and the frame is forwarded only when the target is
// still in that room.
func (h *Hub) ForwardVoiceSignal(c *Conn, msg protocol.VoiceSignal, raw []byte) {
	h.voice.mu.RLock()
	var targetConnID string
	validated := false
	for key, room := range h.voice.rooms {
		if key.chatID != msg.ChatID {
			continue
		}
		for _, vp := range room {
			if vp.peerID == msg.FromPeer && vp.connID == c.ID {
				validated = true
			}
			if vp.peerID == msg.ToPeer {
				targetConnID = vp.connID
			}
		}
		break
	}
	h.voice.mu.RUnlock()

	if !validated {
		h.logger.Debug().
			Str("kind", msg.Type).
			Str("from_peer", msg.FromPeer).
			Str("chat_id", msg.ChatID).
			Msg("Voice signal from peer not in room, dropping")
		return
	}
	if targetConnID == "" {
		h.logger.Debug().
			Str("kind", msg.Type).
			Str("to_peer", msg.ToPeer).
			Str("chat_id", msg.ChatID).
			Msg("Voice signal target not in room, dropping")
		return
	}
	conns := h.connsByID([]string{targetConnID})
	if len(conns) == 1 {
		conns[0].TrySend(raw, "voice")
	}
}

// voiceDisconnectLocked removes every voice entry owned by the connection
// and reports the detached tuples plus each room's remaining connections.
// Caller holds the voice write lock.
type voiceDeparture struct {
	key          roomKey
	peer         *voicePeer
	otherConnIDs []string
}

func (h *Hub) voiceDisconnectLocked(connID string) []voiceDeparture {
	var out []voiceDeparture
	for key, room := range h.voice.rooms {
		kept := room[:0]
		var gone []*voicePeer
		for _, vp := range room {
			if vp.connID == connID {
				gone = append(gone, vp)
			} else {
				kept = append(kept, vp)
			}
		}
		if len(gone) == 0 {
			continue
		}
		if len(kept) == 0 {
			delete(h.voice.rooms, key)
		} else {
			h.voice.rooms[key] = kept
		}
		remaining := make([]string, 0, len(kept))
		for _, vp := range kept {
			remaining = append(remaining, vp.connID)
		}
		for _, vp := range gone {
			out = append(out, voiceDeparture{key: key, peer: vp, otherConnIDs: remaining})
		}
	}
	return out
}

// broadcastVoiceLeft emits the room-level left event and the group-level
// voice-presence delta for one departure.
func (h *Hub) broadcastVoiceLeft(key roomKey, vp *voicePeer, otherConnIDs []string, exceptConnID string) {
	left := protocol.Marshal(protocol.VoicePeerEvent{
		Type:   protocol.TypeVoicePeerLeft,
		PeerID: vp.peerID,
		UserID: vp.userID,
		ChatID: key.chatID,
	})
	sendToConns(h.connsByID(otherConnIDs), left, "voice")

	if vp.signingPubkey != "" {
		notInVoice := protocol.Marshal(protocol.VoicePresenceUpdate{
			Type:          protocol.TypeVoicePresenceUpdate,
			SigningPubkey: vp.signingPubkey,
			UserID:        vp.userID,
			ChatID:        key.chatID,
			InVoice:       false,
		})
		sendToConns(h.connsForSigningSubs(vp.signingPubkey, exceptConnID), notInVoice, "voice")
	}
}
