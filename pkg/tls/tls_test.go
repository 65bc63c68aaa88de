package tls

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelfSignedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		CertFile:   filepath.Join(dir, "certs", "gateway.crt"),
		KeyFile:    filepath.Join(dir, "certs", "gateway.key"),
		SelfSigned: true,
		Hosts:      []string{"gateway.internal"},
	}

	generated, err := EnsureSelfSigned(cfg, "vidhook-test")
	require.NoError(t, err)
	assert.True(t, generated)

	generated, err = EnsureSelfSigned(cfg, "vidhook-test")
	require.NoError(t, err)
	assert.False(t, generated, "existing files are kept")

	info, err := os.Stat(cfg.KeyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	serverTLS, err := ServerConfig(cfg)
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	srv.TLS = serverTLS
	srv.StartTLS()
	defer srv.Close()

	hc, err := HTTPClient(Config{CAFile: cfg.CertFile}, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, hc)

	resp, err := hc.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ok", string(body))

	// the system pool does not know this certificate
	_, err = http.DefaultClient.Get(srv.URL)
	assert.Error(t, err)
}

func TestHTTPClientDefault(t *testing.T) {
	hc, err := HTTPClient(Config{}, 0)
	require.NoError(t, err)
	assert.Nil(t, hc)
}

func TestServerConfigErrors(t *testing.T) {
	_, err := ServerConfig(Config{CertFile: "/nonexistent.crt", KeyFile: "/nonexistent.key"})
	assert.Error(t, err)

	dir := t.TempDir()
	cfg := Config{CertFile: filepath.Join(dir, "a.crt"), KeyFile: filepath.Join(dir, "a.key")}
	require.NoError(t, GenerateSelfSigned(cfg.CertFile, cfg.KeyFile, "x"))

	cfg.RequireClientCert = true
	_, err = ServerConfig(cfg)
	assert.Error(t, err, "client auth without a CA")

	cfg.CAFile = cfg.CertFile
	tc, err := ServerConfig(cfg)
	require.NoError(t, err)
	assert.NotNil(t, tc.ClientCAs)

	_, err = ClientConfig(Config{CAFile: cfg.KeyFile})
	assert.Error(t, err, "a key is not a CA certificate")
}
