package api

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientKey(t *testing.T) {
	t.Run("Explicit header wins", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("X-RateLimit-Key", "tenant-7")
		r.Header.Set("Authorization", "Bearer secret")
		r.Header.Set("X-Forwarded-For", "10.0.0.1")

		assert.Equal(t, "xrl:tenant-7", ClientKey(r))
	})

	t.Run("Authorization header is hashed, never used raw", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("Authorization", "Bearer secret")

		sum := sha256.Sum256([]byte("Bearer secret"))
		key := ClientKey(r)
		assert.Equal(t, "auth:"+hex.EncodeToString(sum[:]), key)
		assert.NotContains(t, key, "secret")
	})

	t.Run("First forwarded hop is used", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

		assert.Equal(t, "ip:203.0.113.9", ClientKey(r))
	})

	t.Run("Peer address is the last resort", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = "192.0.2.4:51234"

		assert.Equal(t, "ip:192.0.2.4", ClientKey(r))
	})
}
