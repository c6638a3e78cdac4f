package controlapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func signedRequest(t *testing.T, secret, method, path string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	date := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("X-Nexus-Date", date)
	req.Header.Set("X-Nexus-Signature", sign(secret, method, path, date, body))
	return req
}

func TestValidateSignatureAccepts(t *testing.T) {
	body := []byte(`{"ident":"vol0"}`)
	req := signedRequest(t, "s3kr3t", "POST", "/v1/devices", body)
	require.NoError(t, validateSignature(req, "s3kr3t"))
}

func TestValidateSignatureRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"ident":"vol0"}`)
	req := signedRequest(t, "s3kr3t", "POST", "/v1/devices", body)
	require.Error(t, validateSignature(req, "other"))
}

func TestValidateSignatureRejectsTamperedBody(t *testing.T) {
	req := signedRequest(t, "s3kr3t", "POST", "/v1/devices", []byte(`{"ident":"vol0"}`))
	req.Body = httptest.NewRequest("POST", "/v1/devices", bytes.NewReader([]byte(`{"ident":"vol1"}`))).Body
	require.Error(t, validateSignature(req, "s3kr3t"))
}

func TestValidateSignatureRejectsMissingHeaders(t *testing.T) {
	req := httptest.NewRequest("GET", "/v1/devices", nil)
	require.Error(t, validateSignature(req, "s3kr3t"))
}

func TestValidateSignatureRejectsStaleDate(t *testing.T) {
	body := []byte(`{}`)
	date := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)
	req := httptest.NewRequest("POST", "/v1/devices", bytes.NewReader(body))
	req.Header.Set("X-Nexus-Date", date)
	req.Header.Set("X-Nexus-Signature", sign("s3kr3t", "POST", "/v1/devices", date, body))
	require.Error(t, validateSignature(req, "s3kr3t"))
}

func TestValidateSignaturePreservesBodyForDownstreamReaders(t *testing.T) {
	body := []byte(`{"ident":"vol0"}`)
	req := signedRequest(t, "s3kr3t", "POST", "/v1/devices", body)
	require.NoError(t, validateSignature(req, "s3kr3t"))

	got := make([]byte, len(body))
	n, err := req.Body.Read(got)
	require.NoError(t, err)
	require.Equal(t, body, got[:n])
}
