package hub

import (
	"context"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/emberchat/emberhub/internal/monitoring"
	"github.com/emberchat/emberhub/internal/protocol"
)

// maxFriendSubscriptions caps the friend-scoped presence channel per hello.
const maxFriendSubscriptions = 1000

// PresenceHello announces a user on this connection: it upserts both
// presence indices, sends the caller one snapshot per asserted group plus
// the friends pseudo-group, delivers the friend mailbox, and broadcasts the
// user's presence to group and friend subscribers.
func (h *Hub) PresenceHello(ctx context.Context, c *Conn, msg protocol.PresenceHello) {
	if msg.UserID == "" {
		h.sendError(c, "Missing user identifier")
		return
	}
	keys := dedupeStrings(msg.SigningPubkeys)
	friends := msg.FriendUserIDs
	if len(friends) > maxFriendSubscriptions {
		friends = friends[:maxFriendSubscriptions]
	}

	// Mutate both indices and compute the outbound view in one critical
	// section, then release before any send or backend round-trip.
	h.presence.mu.Lock()
	pc := h.presence.byConn[c.ID]
	if pc == nil {
		pc = &presenceConn{userID: msg.UserID, signingPubkeys: mapset.NewThreadUnsafeSet[string]()}
		h.presence.byConn[c.ID] = pc
	}
	pc.userID = msg.UserID
	pc.signingPubkeys.Append(keys...)

	user := h.presence.byUser[msg.UserID]
	if user == nil {
		user = &presenceUser{
			conns:          mapset.NewThreadUnsafeSet[string](),
			signingPubkeys: mapset.NewThreadUnsafeSet[string](),
		}
		h.presence.byUser[msg.UserID] = user
	}
	user.conns.Add(c.ID)
	// Each hello extends, not replaces, the user's group set.
	user.signingPubkeys.Append(keys...)
	if msg.ActiveSigningPubkey != "" {
		user.activeSigningPubkey = msg.ActiveSigningPubkey
	}
	for _, key := range keys {
		if h.presence.byKey[key] == nil {
			h.presence.byKey[key] = mapset.NewThreadUnsafeSet[string]()
		}
		h.presence.byKey[key].Add(msg.UserID)
	}

	// Per-group snapshots from memory; the KV backend may override below.
	memSnapshots := make(map[string][]protocol.PresenceEntry, len(keys))
	for _, key := range keys {
		memSnapshots[key] = h.presenceEntriesLocked(key)
	}

	// Friend channel subscription plus the friends snapshot.
	if h.presence.connFriendSubs[c.ID] == nil {
		h.presence.connFriendSubs[c.ID] = mapset.NewThreadUnsafeSet[string]()
	}
	friendEntries := make([]protocol.PresenceEntry, 0, len(friends))
	for _, friendID := range friends {
		if friendID == "" || friendID == msg.UserID {
			continue
		}
		if h.presence.friendSubs[friendID] == nil {
			h.presence.friendSubs[friendID] = mapset.NewThreadUnsafeSet[string]()
		}
		h.presence.friendSubs[friendID].Add(c.ID)
		h.presence.connFriendSubs[c.ID].Add(friendID)
		if online, ok := h.presence.byUser[friendID]; ok {
			friendEntries = append(friendEntries, protocol.PresenceEntry{
				UserID:              friendID,
				ActiveSigningPubkey: online.activeSigningPubkey,
			})
		}
	}
	activeKey := user.activeSigningPubkey
	h.presence.mu.Unlock()

	// Synthetic friend peer unifies the outbound send path for friend-scoped
	// presence. Cleaned up by the reserved-prefix branch of teardown.
	h.signaling.mu.Lock()
	h.registerPeerLocked(protocol.FriendPeerPrefix+c.ID, "", "", c.ID)
	h.signaling.mu.Unlock()

	// KV backend: refresh TTL presence and prefer its snapshot view, falling
	// back to the in-memory one per group on error.
	if h.kv != nil {
		if err := h.kv.TouchUser(ctx, msg.UserID, activeKey, keys); err != nil {
			monitoring.BackendErrors.WithLabelValues("kv").Inc()
			h.logger.Warn().Err(err).Str("user_id", msg.UserID).Msg("KV presence touch failed")
		}
		for _, key := range keys {
			members, err := h.kv.HouseSnapshot(ctx, key)
			if err != nil {
				monitoring.BackendErrors.WithLabelValues("kv").Inc()
				h.logger.Warn().Err(err).Str("signing_pubkey", key).Msg("KV snapshot failed, serving memory")
				continue
			}
			entries := make([]protocol.PresenceEntry, 0, len(members))
			for _, m := range members {
				entries = append(entries, protocol.PresenceEntry{
					UserID:              m.UserID,
					ActiveSigningPubkey: m.ActiveSigningPubkey,
				})
			}
			memSnapshots[key] = entries
		}
	}

	// Snapshot burst to the caller: one per asserted group, then friends.
	for _, key := range keys {
		c.TrySend(protocol.Marshal(protocol.PresenceSnapshot{
			Type:          protocol.TypePresenceSnapshot,
			SigningPubkey: key,
			Users:         memSnapshots[key],
		}), "presence")
	}
	c.TrySend(protocol.Marshal(protocol.PresenceSnapshot{
		Type:          protocol.TypePresenceSnapshot,
		SigningPubkey: protocol.FriendsGroupKey,
		Users:         friendEntries,
	}), "presence")

	// Friend mailbox.
	c.TrySend(protocol.Marshal(h.pendingSnapshotFor(msg.UserID)), "friend")

	// Presence delta to each group's subscribers and to friend subscribers.
	h.broadcastPresence(msg.UserID, keys, activeKey, true, c.ID)
}

// PresenceActive changes the group the user is focused on and re-broadcasts
// presence on every group the user currently holds plus the friends channel.
func (h *Hub) PresenceActive(ctx context.Context, c *Conn, msg protocol.PresenceActive) {
	h.presence.mu.Lock()
	pc := h.presence.byConn[c.ID]
	if pc == nil || pc.userID != msg.UserID {
		h.presence.mu.Unlock()
		h.sendError(c, "Invalid peer identity")
		return
	}
	user := h.presence.byUser[msg.UserID]
	if user == nil {
		h.presence.mu.Unlock()
		return
	}
	user.activeSigningPubkey = msg.ActiveSigningPubkey
	keys := user.signingPubkeys.ToSlice()
	h.presence.mu.Unlock()

	if h.kv != nil {
		if err := h.kv.TouchUser(ctx, msg.UserID, msg.ActiveSigningPubkey, keys); err != nil {
			monitoring.BackendErrors.WithLabelValues("kv").Inc()
			h.logger.Warn().Err(err).Str("user_id", msg.UserID).Msg("KV presence touch failed")
		}
	}

	h.broadcastPresence(msg.UserID, keys, msg.ActiveSigningPubkey, true, c.ID)
}

// presenceEntriesLocked lists the online users of one group. Caller holds
// the presence lock.
func (h *Hub) presenceEntriesLocked(signingPubkey string) []protocol.PresenceEntry {
	set := h.presence.byKey[signingPubkey]
	if set == nil {
		return []protocol.PresenceEntry{}
	}
	userIDs := set.ToSlice()
	entries := make([]protocol.PresenceEntry, 0, len(userIDs))
	for _, userID := range userIDs {
		user, ok := h.presence.byUser[userID]
		if !ok {
			continue
		}
		entries = append(entries, protocol.PresenceEntry{
			UserID:              userID,
			ActiveSigningPubkey: user.activeSigningPubkey,
		})
	}
	return entries
}

// broadcastPresence fans a presence delta out to each group's signing
// subscribers and to the user's friend subscribers.
func (h *Hub) broadcastPresence(userID string, signingPubkeys []string, activeKey string, online bool, exceptConnID string) {
	for _, key := range signingPubkeys {
		payload := protocol.Marshal(protocol.PresenceUpdate{
			Type:                protocol.TypePresenceUpdate,
			SigningPubkey:       key,
			UserID:              userID,
			Online:              online,
			ActiveSigningPubkey: activeKey,
		})
		sendToConns(h.connsForSigningSubs(key, exceptConnID), payload, "presence")
	}

	friendPayload := protocol.Marshal(protocol.PresenceUpdate{
		Type:                protocol.TypePresenceUpdate,
		SigningPubkey:       protocol.FriendsGroupKey,
		UserID:              userID,
		Online:              online,
		ActiveSigningPubkey: activeKey,
	})
	sendToConns(h.friendSubscriberConns(userID, exceptConnID), friendPayload, "presence")
}

// presenceDisconnectLocked removes the connection from the presence indices.
// When the user's last connection goes, it returns the user id and the
// groups that must learn about the offline transition. Caller holds the
// presence write lock.
func (h *Hub) presenceDisconnectLocked(connID string) (userID string, offlineKeys []string, wentOffline bool) {
	pc := h.presence.byConn[connID]
	if pc == nil {
		return "", nil, false
	}
	delete(h.presence.byConn, connID)

	// Friend channel subscriptions die with the connection.
	if subs := h.presence.connFriendSubs[connID]; subs != nil {
		for _, friendID := range subs.ToSlice() {
			if s := h.presence.friendSubs[friendID]; s != nil {
				s.Remove(connID)
				if s.Cardinality() == 0 {
					delete(h.presence.friendSubs, friendID)
				}
			}
		}
		delete(h.presence.connFriendSubs, connID)
	}

	user := h.presence.byUser[pc.userID]
	if user == nil {
		return "", nil, false
	}
	user.conns.Remove(connID)
	if user.conns.Cardinality() > 0 {
		return pc.userID, nil, false
	}

	offlineKeys = user.signingPubkeys.ToSlice()
	delete(h.presence.byUser, pc.userID)
	for _, key := range offlineKeys {
		if set := h.presence.byKey[key]; set != nil {
			set.Remove(pc.userID)
			if set.Cardinality() == 0 {
				delete(h.presence.byKey, key)
			}
		}
	}
	return pc.userID, offlineKeys, true
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
