package tlsutil

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientConfig(t *testing.T) {
	cfg := ClientConfig("redis.internal")
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Equal(t, "redis.internal", cfg.ServerName)
	assert.False(t, cfg.InsecureSkipVerify)

	secure := make(map[uint16]bool)
	for _, cs := range tls.CipherSuites() {
		secure[cs.ID] = true
	}
	for _, cs := range cfg.CipherSuites {
		assert.True(t, secure[cs], "cipher suite %s is not in the secure set", tls.CipherSuiteName(cs))
	}
}

func TestHTTPClient_RejectsUntrustedCertificate(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := HTTPClient(5 * time.Second)
	assert.Equal(t, 5*time.Second, client.Timeout)

	_, err := client.Get(ts.URL)
	require.Error(t, err)
}
