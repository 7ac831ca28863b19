package server

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFriendAuthAcceptsFreshSignature(t *testing.T) {
	_, handler := newTestServer(t)

	w := doJSON(t, handler, http.MethodPost, "/api/friends/codes", nil, signedHeaders("U1", time.Now()))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body["code"], 8)
}

func TestFriendAuthWindowBoundary(t *testing.T) {
	_, handler := newTestServer(t)

	// 300 seconds of skew is the last accepted instant; 301 is rejected.
	w := doJSON(t, handler, http.MethodPost, "/api/friends/codes", nil,
		signedHeaders("U1", time.Now().Add(-299*time.Second)))
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, handler, http.MethodPost, "/api/friends/codes", nil,
		signedHeaders("U1", time.Now().Add(-301*time.Second)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, handler, http.MethodPost, "/api/friends/codes", nil,
		signedHeaders("U1", time.Now().Add(301*time.Second)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestFriendAuthRejectsBadSignature(t *testing.T) {
	_, handler := newTestServer(t)

	headers := signedHeaders("U1", time.Now())
	headers["X-Signature"] = "deadbeef"
	w := doJSON(t, handler, http.MethodPost, "/api/friends/codes", nil, headers)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	headers = signedHeaders("U1", time.Now())
	headers["X-Signature"] = "not-hex!"
	w = doJSON(t, handler, http.MethodPost, "/api/friends/codes", nil, headers)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestFriendAuthRejectsTamperedUser(t *testing.T) {
	_, handler := newTestServer(t)

	headers := signedHeaders("U1", time.Now())
	headers["X-User-Id"] = "U2"
	w := doJSON(t, handler, http.MethodPost, "/api/friends/codes", nil, headers)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestFriendAuthMissingHeaders(t *testing.T) {
	_, handler := newTestServer(t)

	w := doJSON(t, handler, http.MethodPost, "/api/friends/codes", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestFriendAPIDisabledWithoutSecret(t *testing.T) {
	s, _ := newTestServer(t)
	s.cfg.FriendAPISecret = ""
	handler := s.routes()

	w := doJSON(t, handler, http.MethodPost, "/api/friends/codes", nil, signedHeaders("U1", time.Now()))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestFriendRequestFlowOverHTTP(t *testing.T) {
	_, handler := newTestServer(t)

	w := doJSON(t, handler, http.MethodPost, "/api/friends/requests",
		map[string]string{"to_user_id": "U2", "display_name": "Alice"},
		signedHeaders("U1", time.Now()))
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]bool
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body["accepted"])
	assert.False(t, body["mutual"])

	// Re-send reports already_sent without filing anything.
	w = doJSON(t, handler, http.MethodPost, "/api/friends/requests",
		map[string]string{"to_user_id": "U2", "display_name": "Alice"},
		signedHeaders("U1", time.Now()))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body["already_sent"])
	assert.False(t, body["accepted"])

	// Reverse send collapses to mutual.
	w = doJSON(t, handler, http.MethodPost, "/api/friends/requests",
		map[string]string{"to_user_id": "U1", "display_name": "Bob"},
		signedHeaders("U2", time.Now()))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body["accepted"])
	assert.True(t, body["mutual"])

	// Self request is a validation error.
	w = doJSON(t, handler, http.MethodPost, "/api/friends/requests",
		map[string]string{"to_user_id": "U1"},
		signedHeaders("U1", time.Now()))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFriendCodeRedemptionFlowOverHTTP(t *testing.T) {
	_, handler := newTestServer(t)

	w := doJSON(t, handler, http.MethodPost, "/api/friends/codes", nil, signedHeaders("owner", time.Now()))
	require.Equal(t, http.StatusOK, w.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	code := created["code"]

	// Self redeem.
	w = doJSON(t, handler, http.MethodPost, "/api/friends/codes/redeem",
		map[string]string{"code": code}, signedHeaders("owner", time.Now()))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unknown code.
	w = doJSON(t, handler, http.MethodPost, "/api/friends/codes/redeem",
		map[string]string{"code": "WRONG123"}, signedHeaders("peer", time.Now()))
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Successful redemption, then owner accepts.
	w = doJSON(t, handler, http.MethodPost, "/api/friends/codes/redeem",
		map[string]string{"code": code, "display_name": "Peer"}, signedHeaders("peer", time.Now()))
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, handler, http.MethodPost, "/api/friends/codes/redemptions/accept",
		map[string]string{"redeemer_user_id": "peer"}, signedHeaders("owner", time.Now()))
	assert.Equal(t, http.StatusOK, w.Code)

	// Revoke, then redeeming answers gone.
	w = doJSON(t, handler, http.MethodPost, "/api/friends/codes/revoke", nil, signedHeaders("owner", time.Now()))
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, handler, http.MethodPost, "/api/friends/codes/redeem",
		map[string]string{"code": code}, signedHeaders("other", time.Now()))
	assert.Equal(t, http.StatusGone, w.Code)
}
