// File: cmd/certs_test.go
package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/mtlspool/internal/network"
)

func TestCertsCmd_GeneratesLoadableCredentials(t *testing.T) {
	isolateConfig(t)
	outDir := filepath.Join(t.TempDir(), "pki")

	out, err := executeCommand(t, "certs", "--out", outDir, "--passphrase", "s3cret", "--client-cn", "fetcher")
	require.NoError(t, err)

	for _, name := range []string{"ca.pem", "truststore.p12", "server.pem", "server-key.pem", "client.p12"} {
		path := filepath.Join(outDir, name)
		assert.FileExists(t, path)
		assert.Contains(t, out, path)
	}

	info, err := os.Stat(filepath.Join(outDir, "client.p12"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	identity, err := network.LoadIdentityFile(filepath.Join(outDir, "client.p12"), "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "fetcher", identity.Leaf().Subject.CommonName)

	anchors, err := network.LoadTrustAnchorsFile(filepath.Join(outDir, "truststore.p12"), "s3cret")
	require.NoError(t, err)
	assert.Equal(t, 1, anchors.Len())

	pemAnchors, err := network.LoadTrustAnchorsFile(filepath.Join(outDir, "ca.pem"), "")
	require.NoError(t, err)
	assert.True(t, pemAnchors.Certificates[0].Equal(anchors.Certificates[0]))
}

func TestCertsCmd_RequiresPassphrase(t *testing.T) {
	isolateConfig(t)
	t.Setenv("MTLSPOOL_CLIENT_CERT_PASSPHRASE", "")

	_, err := executeCommand(t, "certs", "--out", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "passphrase is required")
}
