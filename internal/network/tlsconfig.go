// internal/network/tlsconfig.go
package network

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrUnsupportedTLSVersion is returned for protocol names that can not be pinned.
var ErrUnsupportedTLSVersion = errors.New("unsupported TLS protocol version")

// ParseTLSVersion maps a protocol name such as "TLSv1.2", "TLS1.3" or "1.2"
// to its crypto/tls constant. Versions below TLS 1.2 are rejected.
func ParseTLSVersion(name string) (uint16, error) {
	v := strings.ToLower(strings.TrimSpace(name))
	v = strings.TrimPrefix(v, "tls")
	v = strings.TrimPrefix(v, "v")
	v = strings.TrimPrefix(v, "_")
	switch v {
	case "1.2", "1_2", "12":
		return tls.VersionTLS12, nil
	case "1.3", "1_3", "13":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedTLSVersion, name)
}

// TLSFactory builds the client *tls.Config once and hands the same pointer
// to every caller. Concurrent first callers share a single build; a failed
// build is reported to all of them and nothing is cached.
type TLSFactory struct {
	group  singleflight.Group
	cached atomic.Pointer[tls.Config]
	builds atomic.Int64
	logger *zap.Logger

	// now is swapped in tests to exercise the validity window.
	now func() time.Time
}

// NewTLSFactory creates an empty factory.
func NewTLSFactory(logger *zap.Logger) *TLSFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TLSFactory{
		logger: logger.Named("tls_factory"),
		now:    time.Now,
	}
}

// GetOrBuild returns the cached configuration, building it from identity,
// anchors and protocolVersion on the first successful call. Arguments of
// later calls are ignored once a configuration is cached.
func (f *TLSFactory) GetOrBuild(identity *ClientIdentity, anchors *TrustAnchors, protocolVersion string) (*tls.Config, error) {
	if cfg := f.cached.Load(); cfg != nil {
		return cfg, nil
	}

	v, err, _ := f.group.Do("tls", func() (interface{}, error) {
		// A build may have completed between the fast path and here.
		if cfg := f.cached.Load(); cfg != nil {
			return cfg, nil
		}
		f.builds.Add(1)
		cfg, err := f.build(identity, anchors, protocolVersion)
		if err != nil {
			return nil, err
		}
		f.cached.Store(cfg)
		f.logger.Info("TLS configuration built",
			zap.String("client_subject", identity.Subject()),
			zap.Int("trust_anchors", anchors.Len()),
			zap.String("protocol", tls.VersionName(cfg.MinVersion)))
		return cfg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Config), nil
}

// Builds reports how many times a configuration build ran.
func (f *TLSFactory) Builds() int64 { return f.builds.Load() }

// Cached returns the built configuration or nil.
func (f *TLSFactory) Cached() *tls.Config { return f.cached.Load() }

func (f *TLSFactory) build(identity *ClientIdentity, anchors *TrustAnchors, protocolVersion string) (*tls.Config, error) {
	version, err := ParseTLSVersion(protocolVersion)
	if err != nil {
		return nil, err
	}

	cfg := NewSecureTLSConfig()
	cfg.MinVersion = version
	cfg.MaxVersion = version
	// Only HTTP/1.1 is spoken on pooled connections.
	cfg.NextProtos = []string{"http/1.1"}

	if identity != nil {
		if err := validateIdentity(identity, f.now()); err != nil {
			return nil, &CredentialError{Source: "identity", Kind: kindIdentity, Err: err}
		}
		cfg.Certificates = []tls.Certificate{identity.TLSCertificate()}
	}
	if anchors != nil {
		cfg.RootCAs = anchors.Pool
	}
	return cfg, nil
}

// NewSecureTLSConfig returns the baseline client configuration: TLS 1.2+,
// modern curves, forward secret TLS 1.2 suites and session resumption.
func NewSecureTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		},
		ClientSessionCache: tls.NewLRUClientSessionCache(512),
	}
}

func validateIdentity(id *ClientIdentity, now time.Time) error {
	leaf := id.Leaf()
	if leaf == nil {
		return ErrNoCertificates
	}
	if now.Before(leaf.NotBefore) {
		return fmt.Errorf("client certificate %q is not valid before %s", leaf.Subject, leaf.NotBefore.Format(time.RFC3339))
	}
	if now.After(leaf.NotAfter) {
		return fmt.Errorf("client certificate %q expired at %s", leaf.Subject, leaf.NotAfter.Format(time.RFC3339))
	}
	if len(leaf.ExtKeyUsage) == 0 {
		return nil
	}
	for _, u := range leaf.ExtKeyUsage {
		if u == x509.ExtKeyUsageClientAuth || u == x509.ExtKeyUsageAny {
			return nil
		}
	}
	return fmt.Errorf("client certificate %q is not valid for client authentication", leaf.Subject)
}
