package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/emberchat/emberhub/internal/hub"
	"github.com/emberchat/emberhub/internal/model"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return false
	}
	return true
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.tracker.Count(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sampler.Snapshot(s.tracker.Count()))
}

// --- Server hints ---

func (s *Server) handlePutHint(w http.ResponseWriter, r *http.Request) {
	signingPubkey := chi.URLParam(r, "signingPubkey")
	var body struct {
		EncryptedPayload string `json:"encrypted_payload"`
		Signature        string `json:"signature"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.EncryptedPayload == "" {
		writeError(w, http.StatusBadRequest, "encrypted_payload is required")
		return
	}
	if err := s.hub.PutHint(r.Context(), signingPubkey, body.EncryptedPayload, body.Signature); err != nil {
		s.logger.Error().Err(err).Str("signing_pubkey", signingPubkey).Msg("Hint upsert failed")
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGetHint(w http.ResponseWriter, r *http.Request) {
	signingPubkey := chi.URLParam(r, "signingPubkey")
	hint, err := s.hub.GetHint(r.Context(), signingPubkey)
	if err != nil {
		s.logger.Error().Err(err).Str("signing_pubkey", signingPubkey).Msg("Hint lookup failed")
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	if hint == nil {
		writeError(w, http.StatusNotFound, "no hint for this server")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"signing_pubkey":    hint.SigningPubkey,
		"encrypted_payload": hint.EncryptedPayload,
		"signature":         hint.Signature,
		"updated_at":        hint.UpdatedAt,
	})
}

// --- Invite tokens ---

func (s *Server) handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	signingPubkey := chi.URLParam(r, "signingPubkey")
	var body struct {
		Code             string `json:"code"`
		EncryptedPayload string `json:"encrypted_payload"`
		Signature        string `json:"signature"`
		MaxUses          int    `json:"max_uses"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.MaxUses < 0 {
		writeError(w, http.StatusBadRequest, "max_uses must be >= 0")
		return
	}
	token, err := s.hub.PutInvite(r.Context(), signingPubkey, body.Code, body.EncryptedPayload, body.Signature, body.MaxUses)
	if err != nil {
		if errors.Is(err, hub.ErrInviteCodeLength) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error().Err(err).Str("signing_pubkey", signingPubkey).Msg("Invite creation failed")
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (s *Server) handleGetInvite(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	token, err := s.hub.GetInvite(r.Context(), code)
	if err != nil {
		s.logger.Error().Err(err).Msg("Invite lookup failed")
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	if token == nil {
		writeError(w, http.StatusNotFound, "unknown invite code")
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (s *Server) handleRedeemInvite(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	token, err := s.hub.RedeemInvite(r.Context(), code)
	if err != nil {
		s.logger.Error().Err(err).Msg("Invite redemption failed")
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	if token == nil {
		writeError(w, http.StatusNotFound, "unknown, expired or exhausted invite code")
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (s *Server) handleRevokeInvite(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	ok, err := s.hub.RevokeInvite(r.Context(), code)
	if err != nil {
		s.logger.Error().Err(err).Msg("Invite revocation failed")
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown invite code")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- House events ---

func (s *Server) handleInsertEvent(w http.ResponseWriter, r *http.Request) {
	signingPubkey := chi.URLParam(r, "signingPubkey")
	var body struct {
		EventID          string `json:"event_id"`
		EventType        string `json:"event_type"`
		EncryptedPayload string `json:"encrypted_payload"`
		Signature        string `json:"signature"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.EventType == "" {
		writeError(w, http.StatusBadRequest, "event_type is required")
		return
	}
	event, err := s.hub.InsertEvent(r.Context(), model.HouseEvent{
		EventID:          body.EventID,
		SigningPubkey:    signingPubkey,
		EventType:        body.EventType,
		EncryptedPayload: body.EncryptedPayload,
		Signature:        body.Signature,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("signing_pubkey", signingPubkey).Msg("Event insert failed")
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	signingPubkey := chi.URLParam(r, "signingPubkey")
	since := r.URL.Query().Get("since")

	events, err := s.hub.GetEvents(r.Context(), signingPubkey, since)
	if err != nil {
		s.logger.Error().Err(err).Str("signing_pubkey", signingPubkey).Msg("Event replay failed")
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleAckEvent(w http.ResponseWriter, r *http.Request) {
	signingPubkey := chi.URLParam(r, "signingPubkey")
	var body struct {
		UserID      string `json:"user_id"`
		LastEventID string `json:"last_event_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.UserID == "" || body.LastEventID == "" {
		writeError(w, http.StatusBadRequest, "user_id and last_event_id are required")
		return
	}
	if err := s.hub.AckEvent(r.Context(), signingPubkey, body.UserID, body.LastEventID); err != nil {
		s.logger.Error().Err(err).Str("signing_pubkey", signingPubkey).Msg("Ack upsert failed")
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
