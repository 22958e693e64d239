// internal/network/identity.go
package network

import (
	"bytes"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/mitchellh/go-homedir"
	"software.sslmate.com/src/go-pkcs12"
)

// CredentialError reports a client identity or trust store that could not be
// loaded. It is never retryable.
type CredentialError struct {
	// Source names where the material came from (a file path or "bytes").
	Source string
	// Kind is "identity" or "trust store".
	Kind string
	Err  error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("failed to load %s from %s: %v", e.Kind, e.Source, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// Errors describing why a credential was rejected.
var (
	ErrIncorrectPassphrase = errors.New("incorrect passphrase")
	ErrNoPrivateKey        = errors.New("container holds no usable private key")
	ErrKeyMismatch         = errors.New("private key does not match the certificate")
	ErrNoCertificates      = errors.New("no certificates found")
)

const (
	kindIdentity   = "identity"
	kindTrustStore = "trust store"
	sourceBytes    = "bytes"
)

// ClientIdentity is a client certificate, its chain and the matching private
// key. The key is never exposed through formatting or serialization.
type ClientIdentity struct {
	cert  tls.Certificate
	leaf  *x509.Certificate
	chain []*x509.Certificate
}

// TLSCertificate returns the identity in the form crypto/tls consumes.
func (id *ClientIdentity) TLSCertificate() tls.Certificate { return id.cert }

// Leaf returns the end-entity certificate.
func (id *ClientIdentity) Leaf() *x509.Certificate { return id.leaf }

// Chain returns the intermediate certificates shipped with the leaf.
func (id *ClientIdentity) Chain() []*x509.Certificate { return id.chain }

// Subject returns the leaf subject, safe for logging.
func (id *ClientIdentity) Subject() string {
	if id == nil || id.leaf == nil {
		return ""
	}
	return id.leaf.Subject.String()
}

func (id *ClientIdentity) String() string {
	if id == nil {
		return "ClientIdentity(<none>)"
	}
	return fmt.Sprintf("ClientIdentity(subject=%q, key=[REDACTED])", id.Subject())
}

func (id *ClientIdentity) GoString() string { return id.String() }

// MarshalJSON always fails so that key material can not end up in logs or
// API responses by accident.
func (id *ClientIdentity) MarshalJSON() ([]byte, error) {
	return nil, errors.New("network: ClientIdentity is not serializable")
}

// TrustAnchors is a set of CA certificates used to verify servers. A nil
// *TrustAnchors selects the platform roots.
type TrustAnchors struct {
	Pool         *x509.CertPool
	Certificates []*x509.Certificate
}

// Len returns the number of anchors, zero for a nil set.
func (t *TrustAnchors) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Certificates)
}

// LoadIdentity decodes a PKCS#12 container holding a client certificate, its
// chain and private key. Empty data means no client identity and returns
// (nil, nil).
func LoadIdentity(data []byte, passphrase string) (*ClientIdentity, error) {
	return loadIdentity(sourceBytes, data, passphrase)
}

// LoadIdentityFile reads a PKCS#12 file and decodes it with LoadIdentity.
// An empty path returns (nil, nil). A leading "~" is expanded.
func LoadIdentityFile(path, passphrase string) (*ClientIdentity, error) {
	if path == "" {
		return nil, nil
	}
	data, err := readCredentialFile(path)
	if err != nil {
		return nil, &CredentialError{Source: path, Kind: kindIdentity, Err: err}
	}
	if len(data) == 0 {
		return nil, &CredentialError{Source: path, Kind: kindIdentity, Err: errors.New("file is empty")}
	}
	return loadIdentity(path, data, passphrase)
}

func loadIdentity(source string, data []byte, passphrase string) (*ClientIdentity, error) {
	if len(data) == 0 {
		return nil, nil
	}
	fail := func(err error) (*ClientIdentity, error) {
		return nil, &CredentialError{Source: source, Kind: kindIdentity, Err: err}
	}

	key, leaf, caCerts, err := pkcs12.DecodeChain(data, passphrase)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return fail(ErrIncorrectPassphrase)
		}
		return fail(fmt.Errorf("invalid PKCS#12 container: %w", err))
	}
	if leaf == nil {
		return fail(ErrNoCertificates)
	}
	signer, ok := key.(crypto.Signer)
	if !ok || signer == nil {
		return fail(ErrNoPrivateKey)
	}
	pub, ok := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(leaf.PublicKey) {
		return fail(ErrKeyMismatch)
	}

	raw := make([][]byte, 0, 1+len(caCerts))
	raw = append(raw, leaf.Raw)
	for _, c := range caCerts {
		raw = append(raw, c.Raw)
	}
	return &ClientIdentity{
		cert: tls.Certificate{
			Certificate: raw,
			PrivateKey:  key,
			Leaf:        leaf,
		},
		leaf:  leaf,
		chain: caCerts,
	}, nil
}

// LoadTrustAnchors decodes CA certificates from a PEM bundle, DER encoded
// certificates or a PKCS#12 trust store. Empty data returns (nil, nil), which
// selects the platform roots.
func LoadTrustAnchors(data []byte, passphrase string) (*TrustAnchors, error) {
	return loadTrustAnchors(sourceBytes, data, passphrase)
}

// LoadTrustAnchorsFile reads a trust store file and decodes it with
// LoadTrustAnchors. An empty path returns (nil, nil).
func LoadTrustAnchorsFile(path, passphrase string) (*TrustAnchors, error) {
	if path == "" {
		return nil, nil
	}
	data, err := readCredentialFile(path)
	if err != nil {
		return nil, &CredentialError{Source: path, Kind: kindTrustStore, Err: err}
	}
	if len(data) == 0 {
		return nil, &CredentialError{Source: path, Kind: kindTrustStore, Err: errors.New("file is empty")}
	}
	return loadTrustAnchors(path, data, passphrase)
}

func loadTrustAnchors(source string, data []byte, passphrase string) (*TrustAnchors, error) {
	if len(data) == 0 {
		return nil, nil
	}
	certs, err := decodeCertificates(data, passphrase)
	if err != nil {
		return nil, &CredentialError{Source: source, Kind: kindTrustStore, Err: err}
	}
	if len(certs) == 0 {
		return nil, &CredentialError{Source: source, Kind: kindTrustStore, Err: ErrNoCertificates}
	}

	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}
	return &TrustAnchors{Pool: pool, Certificates: certs}, nil
}

func decodeCertificates(data []byte, passphrase string) ([]*x509.Certificate, error) {
	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("-----BEGIN")) {
		return decodePEMCertificates(trimmed)
	}
	if certs, err := x509.ParseCertificates(data); err == nil {
		return certs, nil
	}
	certs, err := pkcs12.DecodeTrustStore(data, passphrase)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return nil, ErrIncorrectPassphrase
		}
		return nil, fmt.Errorf("not a PEM bundle, DER certificate or PKCS#12 trust store: %w", err)
	}
	return certs, nil
}

func decodePEMCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for block, rest := pem.Decode(data); block != nil; block, rest = pem.Decode(rest) {
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("corrupt certificate in PEM bundle: %w", err)
		}
		certs = append(certs, c)
	}
	return certs, nil
}

func readCredentialFile(path string) ([]byte, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand path: %w", err)
	}
	return os.ReadFile(expanded)
}
