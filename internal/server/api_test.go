package server

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberchat/emberhub/internal/model"
)

func TestHealthzAndStatus(t *testing.T) {
	_, handler := newTestServer(t)

	w := doJSON(t, handler, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])

	w = doJSON(t, handler, http.MethodGet, "/api/status", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHintRoundTrip(t *testing.T) {
	_, handler := newTestServer(t)

	w := doJSON(t, handler, http.MethodGet, "/api/servers/sign-a/hint", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, handler, http.MethodPost, "/api/servers/sign-a/register",
		map[string]string{"encrypted_payload": "blob-1", "signature": "sig-1"}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, handler, http.MethodGet, "/api/servers/sign-a/hint", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var hint map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hint))
	assert.Equal(t, "sign-a", hint["signing_pubkey"])
	assert.Equal(t, "blob-1", hint["encrypted_payload"])
	assert.Equal(t, "sig-1", hint["signature"])

	// Missing payload is a validation error.
	w = doJSON(t, handler, http.MethodPost, "/api/servers/sign-a/register",
		map[string]string{"signature": "sig-2"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInviteLifecycleOverHTTP(t *testing.T) {
	_, handler := newTestServer(t)

	// Code length is enforced at the boundary.
	w := doJSON(t, handler, http.MethodPost, "/api/servers/sign-a/invites",
		map[string]any{"code": "short", "encrypted_payload": "blob", "max_uses": 1}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, handler, http.MethodPost, "/api/servers/sign-a/invites",
		map[string]any{"code": "join-the-house", "encrypted_payload": "blob", "signature": "sig", "max_uses": 2}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var token model.InviteToken
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &token))
	assert.Equal(t, "join-the-house", token.Code)
	assert.Equal(t, 2, token.RemainingUses)

	w = doJSON(t, handler, http.MethodGet, "/api/invites/join-the-house", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Two redemptions exhaust it, the third answers not found.
	for i := 0; i < 2; i++ {
		w = doJSON(t, handler, http.MethodPost, "/api/invites/join-the-house/redeem", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	w = doJSON(t, handler, http.MethodPost, "/api/invites/join-the-house/redeem", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, handler, http.MethodPost, "/api/invites/join-the-house/revoke", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, handler, http.MethodGet, "/api/invites/join-the-house", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Negative max_uses never reaches the hub.
	w = doJSON(t, handler, http.MethodPost, "/api/servers/sign-a/invites",
		map[string]any{"code": "another-house-code", "max_uses": -1}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEventInsertAndReplayOverHTTP(t *testing.T) {
	_, handler := newTestServer(t)

	// Explicit IDs keep the (timestamp, event_id) order deterministic when
	// both inserts land in the same millisecond.
	w := doJSON(t, handler, http.MethodPost, "/api/servers/sign-a/events",
		map[string]string{"event_id": "evt-a", "event_type": "message", "encrypted_payload": "blob-1"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var first model.HouseEvent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.Equal(t, "evt-a", first.EventID)
	assert.NotZero(t, first.Timestamp)

	w = doJSON(t, handler, http.MethodPost, "/api/servers/sign-a/events",
		map[string]string{"event_id": "evt-b", "event_type": "message", "encrypted_payload": "blob-2"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var second model.HouseEvent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))

	var replay struct {
		Events []model.HouseEvent `json:"events"`
	}
	w = doJSON(t, handler, http.MethodGet, "/api/servers/sign-a/events", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &replay))
	require.Len(t, replay.Events, 2)

	w = doJSON(t, handler, http.MethodGet, "/api/servers/sign-a/events?since="+first.EventID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &replay))
	require.Len(t, replay.Events, 1)
	assert.Equal(t, second.EventID, replay.Events[0].EventID)

	// Missing event_type is rejected.
	w = doJSON(t, handler, http.MethodPost, "/api/servers/sign-a/events",
		map[string]string{"encrypted_payload": "blob-3"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAckEventOverHTTP(t *testing.T) {
	_, handler := newTestServer(t)

	w := doJSON(t, handler, http.MethodPost, "/api/servers/sign-a/events",
		map[string]string{"event_type": "message"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var event model.HouseEvent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &event))

	w = doJSON(t, handler, http.MethodPost, "/api/servers/sign-a/ack",
		map[string]string{"user_id": "U1", "last_event_id": event.EventID}, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, handler, http.MethodPost, "/api/servers/sign-a/ack",
		map[string]string{"user_id": "U1"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	_, handler := newTestServer(t)

	w := doJSON(t, handler, http.MethodOptions, "/api/status", nil,
		map[string]string{"Origin": "https://app.example"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
