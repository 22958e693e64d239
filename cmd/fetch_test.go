// File: cmd/fetch_test.go
package cmd

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fetchPassphrase = "fetch-test"

// startFetchServer generates credentials with the certs command into a temp
// directory and serves handler over mutual TLS with them.
func startFetchServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, string) {
	t.Helper()
	dir := t.TempDir()
	_, err := generateCerts(&certsOptions{
		outDir:     dir,
		hosts:      []string{"127.0.0.1", "localhost"},
		clientCN:   "fetch-test",
		passphrase: fetchPassphrase,
	})
	require.NoError(t, err)

	serverCert, err := tls.LoadX509KeyPair(filepath.Join(dir, "server.pem"), filepath.Join(dir, "server-key.pem"))
	require.NoError(t, err)
	caPEM, err := os.ReadFile(filepath.Join(dir, "ca.pem"))
	require.NoError(t, err)
	clientCAs := x509.NewCertPool()
	require.True(t, clientCAs.AppendCertsFromPEM(caPEM))

	srv := httptest.NewUnstartedServer(handler)
	srv.TLS = &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    clientCAs,
		MinVersion:   tls.VersionTLS12,
	}
	srv.Config.ErrorLog = log.New(io.Discard, "", 0)
	srv.StartTLS()
	t.Cleanup(srv.Close)
	return srv, dir
}

// writeFetchConfig points the client at the generated credentials.
func writeFetchConfig(t *testing.T, certDir string) string {
	t.Helper()
	content := fmt.Sprintf(`logger:
  level: error
client:
  certificate_path: %s
  trust_store_path: %s
  eviction_interval: 0s
`, filepath.Join(certDir, "client.p12"), filepath.Join(certDir, "ca.pem"))
	return writeConfig(t, isolateConfig(t), content)
}

func keepAliveHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, body)
	}
}

func TestFetchCmd_JSONReport(t *testing.T) {
	srv, certDir := startFetchServer(t, keepAliveHandler("hello over mtls"))
	cfgPath := writeFetchConfig(t, certDir)
	t.Setenv("MTLSPOOL_CLIENT_CERT_PASSPHRASE", fetchPassphrase)

	out, err := executeCommand(t, "--config", cfgPath, "fetch", srv.URL+"/ping",
		"-n", "4", "--concurrency", "2", "--json")
	require.NoError(t, err, out)

	var report fetchReport
	require.NoError(t, jsoniter.Unmarshal([]byte(out), &report), out)

	assert.Equal(t, srv.URL+"/ping", report.URL)
	assert.Equal(t, http.MethodGet, report.Method)
	assert.Equal(t, "default", report.Preset)
	assert.Equal(t, 4, report.Requests)
	assert.Zero(t, report.Failed)
	assert.False(t, report.Cancelled)
	require.Len(t, report.Results, 4)

	reused := 0
	for i, r := range report.Results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, http.StatusOK, r.StatusCode)
		assert.Equal(t, "hello over mtls", r.BodyPrefix)
		assert.Equal(t, len("hello over mtls"), r.BodyBytes)
		assert.NotEmpty(t, r.RequestID)
		if r.Reused {
			reused++
		}
	}
	// One connection per route under the default preset, so every request
	// after the first runs on the pooled connection.
	assert.Equal(t, 3, reused)
	assert.Equal(t, 1, report.Pool.Idle)
	assert.Zero(t, report.Pool.Leased)
}

func TestFetchCmd_TextReportWithHeaders(t *testing.T) {
	srv, certDir := startFetchServer(t, keepAliveHandler("ok"))
	cfgPath := writeFetchConfig(t, certDir)
	t.Setenv("MTLSPOOL_CLIENT_CERT_PASSPHRASE", fetchPassphrase)

	out, err := executeCommand(t, "--config", cfgPath, "fetch", srv.URL, "-i")
	require.NoError(t, err, out)

	assert.Contains(t, out, "#0 200 OK attempts=1 reused=false")
	assert.Contains(t, out, "Content-Type: text/plain")
	assert.Contains(t, out, "    ok")
	assert.Contains(t, out, "1 request(s), 0 failed")
}

func TestFetchCmd_PostsBodyFromFile(t *testing.T) {
	var gotBody, gotHeader string
	srv, certDir := startFetchServer(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotHeader = r.Header.Get("X-Trace")
		w.WriteHeader(http.StatusCreated)
	})
	cfgPath := writeFetchConfig(t, certDir)
	t.Setenv("MTLSPOOL_CLIENT_CERT_PASSPHRASE", fetchPassphrase)

	bodyFile := filepath.Join(t.TempDir(), "body.json")
	require.NoError(t, os.WriteFile(bodyFile, []byte(`{"id":7}`), 0o600))

	out, err := executeCommand(t, "--config", cfgPath, "fetch", srv.URL,
		"-X", "post", "-d", "@"+bodyFile, "-H", "X-Trace: abc")
	require.NoError(t, err, out)

	assert.Contains(t, out, "#0 201 Created")
	assert.Equal(t, `{"id":7}`, gotBody)
	assert.Equal(t, "abc", gotHeader)
}

func TestFetchCmd_UnreachableTarget(t *testing.T) {
	_, certDir := startFetchServer(t, keepAliveHandler("unused"))
	cfgPath := writeFetchConfig(t, certDir)
	t.Setenv("MTLSPOOL_CLIENT_CERT_PASSPHRASE", fetchPassphrase)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	out, err := executeCommand(t, "--config", cfgPath, "fetch", "https://"+addr+"/",
		"--max-retries", "0", "--connect-timeout-ms", "500")
	require.Error(t, err)
	assert.Equal(t, "1 of 1 requests failed", err.Error())
	assert.Contains(t, out, "#0 error (unreachable)")
}

func TestFetchCmd_InvalidArguments(t *testing.T) {
	isolateConfig(t)
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"non-positive requests", []string{"-n", "0"}, "--requests must be positive"},
		{"non-positive concurrency", []string{"--concurrency", "0"}, "--concurrency must be positive"},
		{"negative rate", []string{"--rate", "-1"}, "--rate can not be negative"},
		{"malformed header", []string{"-H", "no-colon"}, "invalid header"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"fetch", "https://127.0.0.1:1/"}, tt.args...)
			_, err := executeCommand(t, args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := executeCommand(t, "fetch", "https://bad%zz/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid target")
}

func TestParseHeaders(t *testing.T) {
	h, err := parseHeaders([]string{"Accept: application/json", "X-Multi: a", "X-Multi:b", "X-Empty:"})
	require.NoError(t, err)
	assert.Equal(t, "application/json", h.Get("Accept"))
	assert.Equal(t, []string{"a", "b"}, h.Values("X-Multi"))
	assert.Equal(t, []string{""}, h.Values("X-Empty"))

	_, err = parseHeaders([]string{": value"})
	assert.Error(t, err)
}

func TestReadBody(t *testing.T) {
	body, err := readBody("")
	require.NoError(t, err)
	assert.Nil(t, body)

	body, err = readBody("inline")
	require.NoError(t, err)
	assert.Equal(t, "inline", string(body))

	_, err = readBody("@" + filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "failed to read request body"))
}
