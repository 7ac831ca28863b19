package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/emberchat/emberhub/internal/config"
	"github.com/emberchat/emberhub/internal/hub"
	"github.com/emberchat/emberhub/internal/monitoring"
)

const testSecret = "test-shared-secret"

func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	cfg := &config.Config{
		Addr:              ":0",
		MaxBodyBytes:      1 << 20,
		MessageRatePerSec: 50,
		MessageBurst:      200,
		CORSOrigins:       "*",
		FriendAPISecret:   testSecret,
		KVPresenceTTLSecs: 90,
		HTTPReadTimeout:   time.Second,
		HTTPWriteTimeout:  time.Second,
		HTTPIdleTimeout:   time.Second,
		ShutdownGrace:     time.Second,
		GCInterval:        time.Hour,
		LogLevel:          "error",
		LogFormat:         "json",
	}
	h := hub.New(hub.Options{Logger: zerolog.Nop()})
	s := New(cfg, zerolog.Nop(), h, monitoring.NewStatusSampler(zerolog.Nop()))
	return s, s.routes()
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	return w
}

func signedHeaders(userID string, at time.Time) map[string]string {
	timestamp := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(userID + timestamp))
	return map[string]string{
		"X-User-Id":   userID,
		"X-Timestamp": timestamp,
		"X-Signature": hex.EncodeToString(mac.Sum(nil)),
	}
}
