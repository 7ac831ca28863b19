package server

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientAddrExtraction(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{
			name:    "cloudflare header wins",
			headers: map[string]string{"CF-Connecting-IP": "198.51.100.7", "X-Forwarded-For": "203.0.113.1, 10.0.0.1"},
			want:    "198.51.100.7",
		},
		{
			name:    "first forwarded entry",
			headers: map[string]string{"X-Forwarded-For": " 203.0.113.1 , 10.0.0.1"},
			want:    "203.0.113.1",
		},
		{
			name: "no headers",
			want: "unknown",
		},
		{
			name:    "empty forwarded list",
			headers: map[string]string{"X-Forwarded-For": " , "},
			want:    "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientAddr(r))
		})
	}
}
