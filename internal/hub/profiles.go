package hub

import (
	"context"

	"github.com/emberchat/emberhub/internal/model"
	"github.com/emberchat/emberhub/internal/monitoring"
	"github.com/emberchat/emberhub/internal/protocol"
)

// maxProfilePushTargets bounds a single push fan-out.
const maxProfilePushTargets = 500

// ProfileAnnounce accepts a gossiped profile record if its rev is strictly
// newer than what the hub holds, persists it, and fans the update out to the
// announced groups and to the user's friend subscribers.
func (h *Hub) ProfileAnnounce(ctx context.Context, c *Conn, msg protocol.ProfileAnnounce) {
	if msg.UserID == "" || msg.DisplayName == "" {
		h.sendError(c, "Missing profile field")
		return
	}

	p := model.Profile{
		UserID:       msg.UserID,
		DisplayName:  msg.DisplayName,
		RealName:     msg.RealName,
		ShowRealName: msg.ShowRealName,
		Rev:          msg.Rev,
	}

	h.profiles.mu.Lock()
	stored, exists := h.profiles.byUser[msg.UserID]
	if exists && stored.Rev >= msg.Rev {
		h.profiles.mu.Unlock()
		return
	}
	h.profiles.byUser[msg.UserID] = p
	h.profiles.mu.Unlock()

	if h.sql != nil {
		if _, err := h.sql.UpsertProfile(ctx, p); err != nil {
			monitoring.BackendErrors.WithLabelValues("sql").Inc()
			h.logger.Warn().Err(err).Str("user_id", msg.UserID).Msg("Profile upsert failed")
		}
	}

	for _, key := range dedupeStrings(msg.SigningPubkeys) {
		payload := protocol.Marshal(protocol.ProfileUpdate{
			Type:          protocol.TypeProfileUpdate,
			SigningPubkey: key,
			UserID:        msg.UserID,
			DisplayName:   msg.DisplayName,
			RealName:      msg.RealName,
			ShowRealName:  msg.ShowRealName,
			Rev:           msg.Rev,
		})
		sendToConns(h.connsForSigningSubs(key, c.ID), payload, "profile")
	}

	friendPayload := protocol.Marshal(protocol.ProfileUpdate{
		Type:          protocol.TypeProfileUpdate,
		SigningPubkey: protocol.FriendsGroupKey,
		UserID:        msg.UserID,
		DisplayName:   msg.DisplayName,
		RealName:      msg.RealName,
		ShowRealName:  msg.ShowRealName,
		Rev:           msg.Rev,
	})
	sendToConns(h.friendSubscriberConns(msg.UserID, c.ID), friendPayload, "profile")
}

// ProfileHello answers with the current records for the requested users,
// preferring the durable store and falling back to the in-memory cache when
// the query fails or no store is configured.
func (h *Hub) ProfileHello(ctx context.Context, c *Conn, msg protocol.ProfileHello) {
	userIDs := dedupeStrings(msg.UserIDs)
	var records []protocol.ProfileRecord

	fromSQL := false
	if h.sql != nil && len(userIDs) > 0 {
		profiles, err := h.sql.GetProfiles(ctx, userIDs)
		if err != nil {
			monitoring.BackendErrors.WithLabelValues("sql").Inc()
			h.logger.Warn().Err(err).Msg("Profile query failed, serving memory")
		} else {
			fromSQL = true
			for _, p := range profiles {
				records = append(records, profileRecord(p))
			}
		}
	}
	if !fromSQL {
		h.profiles.mu.RLock()
		for _, userID := range userIDs {
			if p, ok := h.profiles.byUser[userID]; ok {
				records = append(records, profileRecord(p))
			}
		}
		h.profiles.mu.RUnlock()
	}
	if records == nil {
		records = []protocol.ProfileRecord{}
	}

	c.TrySend(protocol.Marshal(protocol.ProfileSnapshot{
		Type:          protocol.TypeProfileSnapshot,
		SigningPubkey: msg.SigningPubkey,
		Profiles:      records,
	}), "profile")
}

// ProfilePush delivers the sender's record, avatar included, straight to the
// named users. The sender must have hello'd; self and empty targets are
// skipped.
func (h *Hub) ProfilePush(c *Conn, msg protocol.ProfilePush) {
	h.presence.mu.RLock()
	pc := h.presence.byConn[c.ID]
	h.presence.mu.RUnlock()
	if pc == nil {
		h.sendError(c, "Invalid peer identity")
		return
	}
	fromUserID := pc.userID

	targets := dedupeStrings(msg.ToUserIDs)
	if len(targets) > maxProfilePushTargets {
		targets = targets[:maxProfilePushTargets]
	}

	payload := protocol.Marshal(protocol.ProfilePushIncoming{
		Type:             protocol.TypeProfilePushIncoming,
		FromUserID:       fromUserID,
		DisplayName:      msg.DisplayName,
		RealName:         msg.RealName,
		ShowRealName:     msg.ShowRealName,
		Rev:              msg.Rev,
		AvatarDataURL:    msg.AvatarDataURL,
		AvatarRev:        msg.AvatarRev,
		AccountCreatedAt: msg.AccountCreatedAt,
	})
	for _, target := range targets {
		if target == fromUserID {
			continue
		}
		h.DeliverToUser(target, payload, "profile")
	}
}

func profileRecord(p model.Profile) protocol.ProfileRecord {
	return protocol.ProfileRecord{
		UserID:       p.UserID,
		DisplayName:  p.DisplayName,
		RealName:     p.RealName,
		ShowRealName: p.ShowRealName,
		Rev:          p.Rev,
	}
}
