package certs

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"

	"software.sslmate.com/src/go-pkcs12"
)

// CA holds the certificate, private key, and certificate pool for a
// locally generated Certificate Authority. It issues server and client
// certificates for mutual TLS.
type CA struct {
	Cert       *x509.Certificate
	PrivateKey *ecdsa.PrivateKey
	CertPool   *x509.CertPool
}

// Leaf is an issued certificate together with its key.
type Leaf struct {
	Cert       *x509.Certificate
	PrivateKey *ecdsa.PrivateKey
}

// IssueOptions tweaks an issued certificate. Zero values select defaults.
type IssueOptions struct {
	NotBefore   time.Time
	NotAfter    time.Time
	ExtKeyUsage []x509.ExtKeyUsage
}

// NewCA creates a self-signed P-256 Certificate Authority named name.
func NewCA(name string) (*CA, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA key: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: newSerial(),
		Subject: pkix.Name{
			CommonName:   name,
			Organization: []string{"mtlspool"},
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	// Self-signed: the template is its own parent.
	derBytes, err := x509.CreateCertificate(rand.Reader, template, template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, err
	}

	certPool := x509.NewCertPool()
	certPool.AddCert(cert)

	return &CA{Cert: cert, PrivateKey: privateKey, CertPool: certPool}, nil
}

// IssueServer issues a server certificate valid for hosts, which may be DNS
// names or IP literals.
func (ca *CA) IssueServer(hosts ...string) (*Leaf, error) {
	template := &x509.Certificate{
		Subject:     pkix.Name{CommonName: firstOr(hosts, "localhost")},
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		KeyUsage:    x509.KeyUsageDigitalSignature,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	return ca.issue(template, IssueOptions{})
}

// IssueClient issues a client authentication certificate for commonName.
func (ca *CA) IssueClient(commonName string, opts IssueOptions) (*Leaf, error) {
	template := &x509.Certificate{
		Subject:     pkix.Name{CommonName: commonName, Organization: []string{"mtlspool"}},
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		KeyUsage:    x509.KeyUsageDigitalSignature,
	}
	return ca.issue(template, opts)
}

func (ca *CA) issue(template *x509.Certificate, opts IssueOptions) (*Leaf, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	template.SerialNumber = newSerial()
	template.NotBefore = time.Now().Add(-time.Minute)
	template.NotAfter = time.Now().Add(90 * 24 * time.Hour)
	if !opts.NotBefore.IsZero() {
		template.NotBefore = opts.NotBefore
	}
	if !opts.NotAfter.IsZero() {
		template.NotAfter = opts.NotAfter
	}
	if opts.ExtKeyUsage != nil {
		template.ExtKeyUsage = opts.ExtKeyUsage
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, ca.Cert, &key.PublicKey, ca.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to issue certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, err
	}
	return &Leaf{Cert: cert, PrivateKey: key}, nil
}

// TLSCertificate returns the leaf with its issuing CA in crypto/tls form.
func (l *Leaf) TLSCertificate(ca *CA) tls.Certificate {
	chain := [][]byte{l.Cert.Raw}
	if ca != nil {
		chain = append(chain, ca.Cert.Raw)
	}
	return tls.Certificate{Certificate: chain, PrivateKey: l.PrivateKey, Leaf: l.Cert}
}

// PKCS12 encodes the leaf, its key and the CA certificate as a password
// protected PKCS#12 container.
func (l *Leaf) PKCS12(ca *CA, passphrase string) ([]byte, error) {
	var caCerts []*x509.Certificate
	if ca != nil {
		caCerts = []*x509.Certificate{ca.Cert}
	}
	return EncodeIdentity(l.PrivateKey, l.Cert, caCerts, passphrase)
}

// EncodeIdentity encodes a key, certificate and chain as PKCS#12.
func EncodeIdentity(key crypto.PrivateKey, cert *x509.Certificate, chain []*x509.Certificate, passphrase string) ([]byte, error) {
	pfx, err := pkcs12.Modern.Encode(key, cert, chain, passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to encode PKCS#12 identity: %w", err)
	}
	return pfx, nil
}

// TrustStorePKCS12 encodes the CA certificate as a PKCS#12 trust store.
func (ca *CA) TrustStorePKCS12(passphrase string) ([]byte, error) {
	pfx, err := pkcs12.Modern.EncodeTrustStore([]*x509.Certificate{ca.Cert}, passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to encode PKCS#12 trust store: %w", err)
	}
	return pfx, nil
}

// CertPEM returns the CA certificate PEM encoded.
func (ca *CA) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.Cert.Raw})
}

// KeyPEM returns the leaf private key as a PEM encoded PKCS#8 block.
func (l *Leaf) KeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(l.PrivateKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// CertPEM returns the leaf certificate PEM encoded.
func (l *Leaf) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: l.Cert.Raw})
}

func newSerial() *big.Int {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 120))
	if err != nil {
		return big.NewInt(time.Now().UnixNano())
	}
	return serial
}

func firstOr(values []string, fallback string) string {
	if len(values) > 0 {
		return values[0]
	}
	return fallback
}
