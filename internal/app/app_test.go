package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	return Config{
		Addr:             ":0",
		DBPath:           filepath.Join(t.TempDir(), "keyring.sqlite"),
		EncryptionSecret: "0123456789abcdef0123456789abcdef",
		SessionSecret:    "session-secret",
	}
}

func TestNewServerRequiresSecrets(t *testing.T) {
	cfg := testConfig(t)
	cfg.SessionSecret = ""
	_, _, err := NewServer(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err)

	cfg = testConfig(t)
	cfg.EncryptionSecret = "short"
	_, _, err = NewServer(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encryption_secret")
}

func TestNewServerServesHealthAndMetrics(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.ValkeyAddr = mr.Addr()

	server, closer, err := NewServer(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, closer.Close()) })

	rec := httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "keyring_activity_dispatched_total"))

	rec = httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/api-keys", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
