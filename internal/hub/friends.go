package hub

import (
	"crypto/rand"
	"errors"
	"math/big"
	"time"

	"github.com/emberchat/emberhub/internal/protocol"
)

// Friend-flow failures the HTTP layer maps to status codes.
var (
	ErrCodeNotFound  = errors.New("friend code not found")
	ErrCodeRevoked   = errors.New("friend code revoked")
	ErrSelfRedeem    = errors.New("cannot redeem own friend code")
	ErrNoSuchRequest = errors.New("no such pending request")
)

// friendCodeAlphabet avoids 0/O/1/I lookalikes; codes are read aloud.
const (
	friendCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	friendCodeLength   = 8
)

// revokedCodeRetention is how long a revoked code stays known so redeems of
// it answer gone rather than not-found. After the window the code is GC'd
// and the map stays bounded.
const revokedCodeRetention = 30 * 24 * time.Hour

func requestKey(fromUserID, toUserID string) string {
	return fromUserID + "|" + toUserID
}

// SendFriendRequest files a pending request from -> to. Re-sending an
// existing request is a no-op reported via alreadySent. If the reverse
// request is already pending the pair is treated as mutual: both pendings
// collapse and both sides get an accepted notification.
func (h *Hub) SendFriendRequest(fromUserID, toUserID, displayName string) (mutual, alreadySent bool) {
	now := h.now()

	h.friends.mu.Lock()
	if _, ok := h.friends.requests[requestKey(toUserID, fromUserID)]; ok {
		delete(h.friends.requests, requestKey(toUserID, fromUserID))
		delete(h.friends.requests, requestKey(fromUserID, toUserID))
		mutual = true
	} else if _, ok := h.friends.requests[requestKey(fromUserID, toUserID)]; ok {
		alreadySent = true
	} else {
		h.friends.requests[requestKey(fromUserID, toUserID)] = &friendRequest{
			fromUserID:  fromUserID,
			toUserID:    toUserID,
			displayName: displayName,
			createdAt:   now,
		}
	}
	h.friends.mu.Unlock()

	if alreadySent {
		return mutual, alreadySent
	}
	if mutual {
		h.DeliverToUser(fromUserID, protocol.Marshal(protocol.FriendEvent{
			Type:       protocol.TypeFriendRequestAccepted,
			FromUserID: toUserID,
			Mutual:     true,
		}), "friend")
		h.DeliverToUser(toUserID, protocol.Marshal(protocol.FriendEvent{
			Type:       protocol.TypeFriendRequestAccepted,
			FromUserID: fromUserID,
			Mutual:     true,
		}), "friend")
		return mutual, alreadySent
	}

	h.DeliverToUser(toUserID, protocol.Marshal(protocol.FriendEvent{
		Type:        protocol.TypeFriendRequestIncoming,
		FromUserID:  fromUserID,
		DisplayName: displayName,
	}), "friend")
	return mutual, alreadySent
}

// AcceptFriendRequest resolves a pending request addressed to toUserID.
func (h *Hub) AcceptFriendRequest(fromUserID, toUserID string) error {
	h.friends.mu.Lock()
	_, ok := h.friends.requests[requestKey(fromUserID, toUserID)]
	if ok {
		delete(h.friends.requests, requestKey(fromUserID, toUserID))
	}
	h.friends.mu.Unlock()

	if !ok {
		return ErrNoSuchRequest
	}
	h.DeliverToUser(fromUserID, protocol.Marshal(protocol.FriendEvent{
		Type:       protocol.TypeFriendRequestAccepted,
		FromUserID: toUserID,
	}), "friend")
	return nil
}

// DeclineFriendRequest drops a pending request and tells the requester.
func (h *Hub) DeclineFriendRequest(fromUserID, toUserID string) error {
	h.friends.mu.Lock()
	_, ok := h.friends.requests[requestKey(fromUserID, toUserID)]
	if ok {
		delete(h.friends.requests, requestKey(fromUserID, toUserID))
	}
	h.friends.mu.Unlock()

	if !ok {
		return ErrNoSuchRequest
	}
	h.DeliverToUser(fromUserID, protocol.Marshal(protocol.FriendEvent{
		Type:       protocol.TypeFriendRequestDeclined,
		FromUserID: toUserID,
	}), "friend")
	return nil
}

// CreateFriendCode mints a fresh code for the owner and revokes the previous
// active one. A user holds at most one live code.
func (h *Hub) CreateFriendCode(ownerUserID string) (string, error) {
	code, err := randomFriendCode()
	if err != nil {
		return "", err
	}
	now := h.now()

	h.friends.mu.Lock()
	if prev, ok := h.friends.activeCode[ownerUserID]; ok {
		if fc := h.friends.codes[prev]; fc != nil {
			fc.revoked = true
			fc.revokedAt = now
		}
	}
	h.friends.codes[code] = &friendCode{
		ownerUserID: ownerUserID,
		code:        code,
		createdAt:   now,
	}
	h.friends.activeCode[ownerUserID] = code
	h.friends.mu.Unlock()

	return code, nil
}

// RevokeFriendCode retires the owner's active code without replacement.
func (h *Hub) RevokeFriendCode(ownerUserID string) error {
	now := h.now()

	h.friends.mu.Lock()
	defer h.friends.mu.Unlock()

	code, ok := h.friends.activeCode[ownerUserID]
	if !ok {
		return ErrCodeNotFound
	}
	if fc := h.friends.codes[code]; fc != nil {
		fc.revoked = true
		fc.revokedAt = now
	}
	delete(h.friends.activeCode, ownerUserID)
	return nil
}

// gcFriendCodes drops revoked codes past the retention window. Redeems of a
// pruned code fall back to not-found, which is acceptable after thirty days.
func (h *Hub) gcFriendCodes() {
	cutoff := h.now().Add(-revokedCodeRetention)

	h.friends.mu.Lock()
	removed := 0
	for code, fc := range h.friends.codes {
		if fc.revoked && fc.revokedAt.Before(cutoff) {
			delete(h.friends.codes, code)
			removed++
		}
	}
	h.friends.mu.Unlock()
	if removed > 0 {
		h.logger.Info().Int("removed", removed).Msg("Expired revoked friend codes removed")
	}
}

// RedeemFriendCode files a pending redemption with the code's owner. Revoked
// codes stay known so the caller can distinguish gone from never-existed.
func (h *Hub) RedeemFriendCode(code, redeemerUserID, displayName string) error {
	now := h.now()

	h.friends.mu.Lock()
	fc, ok := h.friends.codes[code]
	if !ok {
		h.friends.mu.Unlock()
		return ErrCodeNotFound
	}
	if fc.revoked {
		h.friends.mu.Unlock()
		return ErrCodeRevoked
	}
	if fc.ownerUserID == redeemerUserID {
		h.friends.mu.Unlock()
		return ErrSelfRedeem
	}
	owner := fc.ownerUserID
	duplicate := false
	for _, r := range h.friends.redemptions[owner] {
		if r.redeemerUserID == redeemerUserID {
			duplicate = true
			break
		}
	}
	if !duplicate {
		h.friends.redemptions[owner] = append(h.friends.redemptions[owner], &codeRedemption{
			ownerUserID:    owner,
			redeemerUserID: redeemerUserID,
			displayName:    displayName,
			code:           code,
			createdAt:      now,
		})
	}
	h.friends.mu.Unlock()

	if !duplicate {
		h.DeliverToUser(owner, protocol.Marshal(protocol.FriendEvent{
			Type:        protocol.TypeFriendCodeRedemptionIncoming,
			UserID:      redeemerUserID,
			DisplayName: displayName,
			Code:        code,
		}), "friend")
	}
	return nil
}

// AcceptCodeRedemption confirms a pending redemption and notifies the
// redeemer.
func (h *Hub) AcceptCodeRedemption(ownerUserID, redeemerUserID string) error {
	if err := h.removeRedemption(ownerUserID, redeemerUserID); err != nil {
		return err
	}
	h.DeliverToUser(redeemerUserID, protocol.Marshal(protocol.FriendEvent{
		Type:   protocol.TypeFriendCodeRedemptionAccepted,
		UserID: ownerUserID,
	}), "friend")
	return nil
}

// DeclineCodeRedemption drops a pending redemption and notifies the redeemer.
func (h *Hub) DeclineCodeRedemption(ownerUserID, redeemerUserID string) error {
	if err := h.removeRedemption(ownerUserID, redeemerUserID); err != nil {
		return err
	}
	h.DeliverToUser(redeemerUserID, protocol.Marshal(protocol.FriendEvent{
		Type:   protocol.TypeFriendCodeRedemptionDeclined,
		UserID: ownerUserID,
	}), "friend")
	return nil
}

func (h *Hub) removeRedemption(ownerUserID, redeemerUserID string) error {
	h.friends.mu.Lock()
	defer h.friends.mu.Unlock()

	list := h.friends.redemptions[ownerUserID]
	for i, r := range list {
		if r.redeemerUserID != redeemerUserID {
			continue
		}
		list = append(list[:i], list[i+1:]...)
		if len(list) == 0 {
			delete(h.friends.redemptions, ownerUserID)
		} else {
			h.friends.redemptions[ownerUserID] = list
		}
		return nil
	}
	return ErrNoSuchRequest
}

// pendingSnapshotFor assembles the friend mailbox delivered on hello:
// requests addressed to the user, targets the user has asked, and
// redemptions of the user's code.
func (h *Hub) pendingSnapshotFor(userID string) protocol.FriendPendingSnapshot {
	snap := protocol.FriendPendingSnapshot{
		Type:                   protocol.TypeFriendPendingSnapshot,
		PendingIncoming:        []protocol.PendingFriendRequest{},
		PendingOutgoing:        []string{},
		PendingCodeRedemptions: []protocol.PendingCodeRedemption{},
	}

	h.friends.mu.RLock()
	defer h.friends.mu.RUnlock()

	for _, req := range h.friends.requests {
		switch userID {
		case req.toUserID:
			snap.PendingIncoming = append(snap.PendingIncoming, protocol.PendingFriendRequest{
				FromUserID:  req.fromUserID,
				DisplayName: req.displayName,
				CreatedAt:   req.createdAt.UnixMilli(),
			})
		case req.fromUserID:
			snap.PendingOutgoing = append(snap.PendingOutgoing, req.toUserID)
		}
	}
	for _, r := range h.friends.redemptions[userID] {
		snap.PendingCodeRedemptions = append(snap.PendingCodeRedemptions, protocol.PendingCodeRedemption{
			RedeemerUserID: r.redeemerUserID,
			DisplayName:    r.displayName,
			Code:           r.code,
			CreatedAt:      r.createdAt.UnixMilli(),
		})
	}
	return snap
}

// DeliverToUser pushes one frame to every live connection of a user.
func (h *Hub) DeliverToUser(userID string, payload []byte, kind string) {
	sendToConns(h.connsForUser(userID), payload, kind)
}

func randomFriendCode() (string, error) {
	max := big.NewInt(int64(len(friendCodeAlphabet)))
	buf := make([]byte, friendCodeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = friendCodeAlphabet[n.Int64()]
	}
	return string(buf), nil
}
