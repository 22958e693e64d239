package mtlshttp

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/xkilldash9x/mtlspool/internal/config"
	"github.com/xkilldash9x/mtlspool/internal/network"
)

// ClientConfig configures a Client. Credentials are given either as decoded
// handles, as raw bytes or as file paths, in that order of precedence.
type ClientConfig struct {
	Identity           *network.ClientIdentity
	IdentityPKCS12     []byte
	IdentityPath       string
	IdentityPassphrase string

	TrustAnchors         *network.TrustAnchors
	TrustStoreData       []byte
	TrustStorePath       string
	TrustStorePassphrase string

	// TLSProtocolVersion pins both the minimum and maximum TLS version.
	TLSProtocolVersion string

	Pool PoolConfig

	// AcquireTimeout bounds the wait for a pool slot; zero waits on ctx only.
	AcquireTimeout time.Duration
	// ConnectTimeout bounds TCP connect plus TLS handshake.
	ConnectTimeout time.Duration
	// ReadTimeout bounds writing the request and reading the whole response.
	ReadTimeout time.Duration

	Retry     RetryPolicy
	KeepAlive KeepAliveStrategy
	Reuse     ReuseStrategy

	// DefaultHeaders are added to requests that do not set them.
	DefaultHeaders http.Header
	// MaxResponseBody caps buffered response bodies; zero means unlimited.
	MaxResponseBody int64

	// Clock drives pool lifetimes and retry backoff. Nil means the wall clock.
	Clock clock.Clock
	// Dial replaces the TLS dialer, mainly for tests.
	Dial    DialFunc
	Metrics *Metrics
}

// NewDefaultClientConfig returns the settings of the default preset.
func NewDefaultClientConfig() ClientConfig {
	return ClientConfig{
		TLSProtocolVersion: "TLSv1.2",
		Pool:               NewDefaultPoolConfig(),
		AcquireTimeout:     2 * time.Second,
		ConnectTimeout:     10 * time.Second,
		ReadTimeout:        4 * time.Second,
		Retry:              NewDefaultRetryPolicy(),
		DefaultHeaders:     make(http.Header),
	}
}

// FromSettings converts the loaded application settings into a ClientConfig.
func FromSettings(s config.ClientConfig) ClientConfig {
	cfg := NewDefaultClientConfig()
	cfg.IdentityPath = s.CertificatePath
	cfg.IdentityPassphrase = s.CertificatePassphrase
	cfg.TrustStorePath = s.TrustStorePath
	cfg.TrustStorePassphrase = s.TrustStorePassphrase
	if s.TLSProtocolVersion != "" {
		cfg.TLSProtocolVersion = s.TLSProtocolVersion
	}
	cfg.Pool = PoolConfig{
		MaxTotalConnections:    s.MaxTotalConnections,
		MaxConnectionsPerRoute: s.MaxConnectionsPerRoute,
		IdleValidationInterval: s.IdleValidationInterval,
		MaxConnectionTTL:       s.MaxConnectionTTL,
		DefaultKeepAlive:       s.DefaultKeepAlive,
		EvictionInterval:       s.EvictionInterval,
	}
	cfg.AcquireTimeout = s.PoolAcquireTimeout
	cfg.ConnectTimeout = s.ConnectTimeout
	cfg.ReadTimeout = s.ReadTimeout
	cfg.Retry.MaxRetries = s.MaxRetries
	cfg.Retry.RetryReadTimeouts = s.RetryReadTimeouts
	for k, v := range s.DefaultHeaders {
		if v != "" {
			cfg.DefaultHeaders.Set(k, v)
		}
	}
	return cfg
}

// Validate checks the settings that are not covered by PoolConfig.Validate.
func (c *ClientConfig) Validate() error {
	if err := c.Pool.Validate(); err != nil {
		return err
	}
	if c.AcquireTimeout < 0 || c.ConnectTimeout < 0 || c.ReadTimeout < 0 {
		return errors.New("timeouts can not be negative")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("MaxRetries can not be negative, got %d", c.Retry.MaxRetries)
	}
	if c.MaxResponseBody < 0 {
		return errors.New("MaxResponseBody can not be negative")
	}
	if _, err := network.ParseTLSVersion(c.TLSProtocolVersion); err != nil {
		return err
	}
	return nil
}
