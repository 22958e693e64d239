// File: cmd/certs.go
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/mtlspool/internal/observability"
	certs "github.com/xkilldash9x/mtlspool/internal/security"
)

type certsOptions struct {
	outDir     string
	hosts      []string
	clientCN   string
	passphrase string
}

// newCertsCmd generates a throwaway PKI for local mutual TLS testing: a CA,
// a server certificate and a PKCS#12 client identity.
func newCertsCmd() *cobra.Command {
	opts := &certsOptions{}

	certsCmd := &cobra.Command{
		Use:   "certs",
		Short: "Generate a local CA, a server certificate and a PKCS#12 client identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.passphrase == "" {
				opts.passphrase = os.Getenv("MTLSPOOL_CLIENT_CERT_PASSPHRASE")
			}
			if opts.passphrase == "" {
				return fmt.Errorf("a passphrase is required (--passphrase or MTLSPOOL_CLIENT_CERT_PASSPHRASE)")
			}
			files, err := generateCerts(opts)
			if err != nil {
				return err
			}
			for _, f := range files {
				fmt.Fprintln(cmd.OutOrStdout(), f)
			}
			return nil
		},
	}

	flags := certsCmd.Flags()
	flags.StringVarP(&opts.outDir, "out", "o", "certs", "output directory")
	flags.StringSliceVar(&opts.hosts, "hosts", []string{"localhost", "127.0.0.1"}, "server certificate DNS names and IPs")
	flags.StringVar(&opts.clientCN, "client-cn", "mtlspool-client", "client certificate common name")
	flags.StringVar(&opts.passphrase, "passphrase", "", "passphrase for the PKCS#12 files")
	return certsCmd
}

func generateCerts(opts *certsOptions) ([]string, error) {
	logger := observability.Component(nil, "certs")

	dir, err := homedir.Expand(opts.outDir)
	if err != nil {
		return nil, fmt.Errorf("failed to expand output directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	ca, err := certs.NewCA("mtlspool local CA")
	if err != nil {
		return nil, err
	}
	server, err := ca.IssueServer(opts.hosts...)
	if err != nil {
		return nil, fmt.Errorf("failed to issue server certificate: %w", err)
	}
	client, err := ca.IssueClient(opts.clientCN, certs.IssueOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to issue client certificate: %w", err)
	}

	serverKey, err := server.KeyPEM()
	if err != nil {
		return nil, fmt.Errorf("failed to encode server key: %w", err)
	}
	clientP12, err := client.PKCS12(ca, opts.passphrase)
	if err != nil {
		return nil, err
	}
	trustStore, err := ca.TrustStorePKCS12(opts.passphrase)
	if err != nil {
		return nil, err
	}

	outputs := []struct {
		name string
		data []byte
		mode os.FileMode
	}{
		{"ca.pem", ca.CertPEM(), 0o644},
		{"truststore.p12", trustStore, 0o644},
		{"server.pem", append(server.CertPEM(), ca.CertPEM()...), 0o644},
		{"server-key.pem", serverKey, 0o600},
		{"client.p12", clientP12, 0o600},
	}

	written := make([]string, 0, len(outputs))
	for _, o := range outputs {
		path := filepath.Join(dir, o.name)
		if err := os.WriteFile(path, o.data, o.mode); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", path, err)
		}
		written = append(written, path)
	}

	logger.Info("Generated mutual TLS test credentials",
		zap.String("dir", dir),
		zap.Strings("hosts", opts.hosts),
		zap.String("client_cn", opts.clientCN))
	return written, nil
}
