package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/emberchat/emberhub/internal/hub"
)

// friendAuthWindow is the accepted clock skew on signed requests.
const friendAuthWindow = 300 * time.Second

type ctxKey int

const ctxKeyUserID ctxKey = iota

// friendAuthMiddleware verifies the per-request signature: HMAC-SHA256 over
// user_id + timestamp with the shared secret, hex-encoded, compared in
// constant time. A missing secret disables the whole friend API.
func (s *Server) friendAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := s.cfg.FriendAPISecret
		if secret == "" {
			writeError(w, http.StatusServiceUnavailable, "friend API is not configured")
			return
		}

		userID := r.Header.Get("X-User-Id")
		timestamp := r.Header.Get("X-Timestamp")
		signature := r.Header.Get("X-Signature")
		if userID == "" || timestamp == "" || signature == "" {
			writeError(w, http.StatusUnauthorized, "missing authentication headers")
			return
		}

		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "malformed timestamp")
			return
		}
		skew := time.Now().Unix() - ts
		if skew < 0 {
			skew = -skew
		}
		if skew > int64(friendAuthWindow.Seconds()) {
			writeError(w, http.StatusUnauthorized, "timestamp out of range")
			return
		}

		provided, err := hex.DecodeString(signature)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "malformed signature")
			return
		}
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(userID + timestamp))
		if !hmac.Equal(provided, mac.Sum(nil)) {
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyUserID, userID)))
	})
}

func authedUserID(r *http.Request) string {
	userID, _ := r.Context().Value(ctxKeyUserID).(string)
	return userID
}

func (s *Server) handleFriendRequest(w http.ResponseWriter, r *http.Request) {
	fromUserID := authedUserID(r)
	var body struct {
		ToUserID    string `json:"to_user_id"`
		DisplayName string `json:"display_name"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.ToUserID == "" {
		writeError(w, http.StatusBadRequest, "to_user_id is required")
		return
	}
	if body.ToUserID == fromUserID {
		writeError(w, http.StatusBadRequest, "cannot send a friend request to yourself")
		return
	}

	mutual, alreadySent := s.hub.SendFriendRequest(fromUserID, body.ToUserID, body.DisplayName)
	writeJSON(w, http.StatusOK, map[string]bool{
		"ok":           true,
		"accepted":     !alreadySent,
		"mutual":       mutual,
		"already_sent": alreadySent,
	})
}

func (s *Server) handleFriendAccept(w http.ResponseWriter, r *http.Request) {
	toUserID := authedUserID(r)
	var body struct {
		FromUserID string `json:"from_user_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.hub.AcceptFriendRequest(body.FromUserID, toUserID); err != nil {
		writeError(w, http.StatusNotFound, "no such pending request")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleFriendDecline(w http.ResponseWriter, r *http.Request) {
	toUserID := authedUserID(r)
	var body struct {
		FromUserID string `json:"from_user_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.hub.DeclineFriendRequest(body.FromUserID, toUserID); err != nil {
		writeError(w, http.StatusNotFound, "no such pending request")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCreateFriendCode(w http.ResponseWriter, r *http.Request) {
	ownerUserID := authedUserID(r)
	code, err := s.hub.CreateFriendCode(ownerUserID)
	if err != nil {
		s.logger.Error().Err(err).Msg("Friend code generation failed")
		writeError(w, http.StatusInternalServerError, "code generation failure")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"code": code})
}

func (s *Server) handleRevokeFriendCode(w http.ResponseWriter, r *http.Request) {
	ownerUserID := authedUserID(r)
	if err := s.hub.RevokeFriendCode(ownerUserID); err != nil {
		writeError(w, http.StatusNotFound, "no active friend code")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRedeemFriendCode(w http.ResponseWriter, r *http.Request) {
	redeemerUserID := authedUserID(r)
	var body struct {
		Code        string `json:"code"`
		DisplayName string `json:"display_name"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	err := s.hub.RedeemFriendCode(body.Code, redeemerUserID, body.DisplayName)
	switch {
	case errors.Is(err, hub.ErrCodeNotFound):
		writeError(w, http.StatusNotFound, "unknown friend code")
	case errors.Is(err, hub.ErrCodeRevoked):
		writeError(w, http.StatusGone, "friend code has been revoked")
	case errors.Is(err, hub.ErrSelfRedeem):
		writeError(w, http.StatusBadRequest, "cannot redeem your own code")
	case err != nil:
		s.logger.Error().Err(err).Msg("Friend code redemption failed")
		writeError(w, http.StatusInternalServerError, "redemption failure")
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func (s *Server) handleRedemptionAccept(w http.ResponseWriter, r *http.Request) {
	ownerUserID := authedUserID(r)
	var body struct {
		RedeemerUserID string `json:"redeemer_user_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.hub.AcceptCodeRedemption(ownerUserID, body.RedeemerUserID); err != nil {
		writeError(w, http.StatusNotFound, "no such pending redemption")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRedemptionDecline(w http.ResponseWriter, r *http.Request) {
	ownerUserID := authedUserID(r)
	var body struct {
		RedeemerUserID string `json:"redeemer_user_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.hub.DeclineCodeRedemption(ownerUserID, body.RedeemerUserID); err != nil {
		writeError(w, http.StatusNotFound, "no such pending redemption")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
