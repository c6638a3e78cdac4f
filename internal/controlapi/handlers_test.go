package controlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/openisr/nexus/internal/agent"
	"github.com/openisr/nexus/internal/config"
	"github.com/openisr/nexus/internal/device"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	registry := device.NewRegistry(0)
	backend := config.BackendConfig{Provider: "minio", Bucket: "nexus-test"}
	return NewHandler(registry, backend, testLogger(), nil, nil, nil, "", 240, 16)
}

func TestHandleHealthLiveVersion(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	for _, path := range []string{"/health", "/live", "/version"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}
}

func TestHandleReadyWithoutKeyManagerIsReady(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

// fakeKeyManager implements agent.KeyManager with a configurable
// HealthCheck result; every other method is unreachable in these tests
// (none configures a MetaCache, so no REGISTERed device wraps a key) so
// it only needs to exist to satisfy the interface.
type fakeKeyManager struct {
	healthErr error
}

func (f *fakeKeyManager) Provider() string { return "fake" }
func (f *fakeKeyManager) WrapKey(ctx context.Context, plaintext []byte) (*agent.KeyEnvelope, error) {
	return nil, nil
}
func (f *fakeKeyManager) UnwrapKey(ctx context.Context, envelope *agent.KeyEnvelope) ([]byte, error) {
	return nil, nil
}
func (f *fakeKeyManager) ActiveKeyVersion(ctx context.Context) (int, error) { return 1, nil }
func (f *fakeKeyManager) HealthCheck(ctx context.Context) error            { return f.healthErr }
func (f *fakeKeyManager) Close(ctx context.Context) error                  { return nil }

func TestHandleReadyReflectsKeyManagerHealth(t *testing.T) {
	registry := device.NewRegistry(0)
	backend := config.BackendConfig{Provider: "minio", Bucket: "nexus-test"}
	keys := &fakeKeyManager{healthErr: fmt.Errorf("kmip: unreachable")}
	h := NewHandler(registry, backend, testLogger(), nil, keys, nil, "", 240, 16)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	keys.healthErr = nil
	resp2, err := http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestRegisterRejectsUnsupportedCrypto(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	body, _ := json.Marshal(registerRequest{
		Ident:           "vol0",
		ChunkDevicePath: "/dev/loop0",
		Chunksize:       131072,
		Cachesize:       64 * 1024 * 1024,
		Chunks:          1024,
		Crypto:          "chacha20",
	})
	resp, err := http.Post(srv.URL+"/v1/devices", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnregisterUnknownIdentNotFound(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/devices/missing", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConfigThreadUnknownIdentNotFound(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/devices/missing/threads", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuthMiddlewareRejectsMissingSignature(t *testing.T) {
	registry := device.NewRegistry(0)
	backend := config.BackendConfig{Provider: "minio", Bucket: "nexus-test"}
	h := NewHandler(registry, backend, testLogger(), nil, nil, nil, "s3kr3t", 240, 16)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/devices", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
