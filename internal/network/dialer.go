// internal/network/dialer.go
package network

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// Dialer defaults.
const (
	DefaultDialTimeout         = 10 * time.Second
	DefaultKeepAliveInterval   = 30 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
)

// DialerConfig holds configuration for the low-level dialer.
type DialerConfig struct {
	// Timeout bounds the TCP dial and, when ctx has no deadline, the TLS
	// handshake. Zero leaves the TCP dial to ctx alone.
	Timeout   time.Duration
	KeepAlive time.Duration
	TLSConfig *tls.Config
	// NoDelay controls TCP_NODELAY.
	NoDelay bool
	// Resolver allows specifying custom DNS resolution logic.
	Resolver *net.Resolver
}

// Clone returns a deep copy of the DialerConfig.
func (c *DialerConfig) Clone() *DialerConfig {
	if c == nil {
		return NewDialerConfig()
	}
	clone := *c
	if c.TLSConfig != nil {
		clone.TLSConfig = c.TLSConfig.Clone()
	}
	return &clone
}

// NewDialerConfig creates a default configuration with the secure TLS baseline.
func NewDialerConfig() *DialerConfig {
	return &DialerConfig{
		Timeout:   DefaultDialTimeout,
		KeepAlive: DefaultKeepAliveInterval,
		TLSConfig: NewSecureTLSConfig(),
		NoDelay:   true,
		Resolver:  net.DefaultResolver,
	}
}

// DialTCPContext establishes a raw TCP connection.
func DialTCPContext(ctx context.Context, network, address string, config *DialerConfig) (net.Conn, error) {
	if config == nil {
		config = NewDialerConfig()
	}
	dialer := &net.Dialer{
		Timeout:   config.Timeout,
		KeepAlive: config.KeepAlive,
		// Happy Eyeballs (RFC 8305) fallback between IPv6 and IPv4.
		FallbackDelay: 300 * time.Millisecond,
		Resolver:      config.Resolver,
	}

	rawConn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("tcp dial failed: %w", err)
	}

	if tcpConn, ok := rawConn.(*net.TCPConn); ok {
		if err := configureTCP(tcpConn, config); err != nil {
			_ = tcpConn.Close()
			return nil, err
		}
	}
	return rawConn, nil
}

// DialContext connects to address and, when config carries a TLS
// configuration, completes the TLS handshake before returning.
func DialContext(ctx context.Context, network, address string, config *DialerConfig) (net.Conn, error) {
	if config == nil {
		config = NewDialerConfig()
	}

	conn, err := DialTCPContext(ctx, network, address, config)
	if err != nil {
		return nil, err
	}
	if config.TLSConfig == nil {
		return conn, nil
	}
	tlsConn, err := wrapTLS(ctx, conn, address, config)
	if err != nil {
		return nil, err
	}
	return tlsConn, nil
}

// configureTCP applies TCP specific settings.
func configureTCP(conn *net.TCPConn, config *DialerConfig) error {
	// Keep-alive is best effort; not every platform supports it.
	_ = conn.SetKeepAlive(true)
	if config.KeepAlive > 0 {
		_ = conn.SetKeepAlivePeriod(config.KeepAlive)
	}
	if err := conn.SetNoDelay(config.NoDelay); err != nil {
		return fmt.Errorf("failed to set TCP NoDelay: %w", err)
	}
	return nil
}

// wrapTLS performs the client handshake over conn. It closes conn on failure.
func wrapTLS(ctx context.Context, conn net.Conn, address string, config *DialerConfig) (*tls.Conn, error) {
	// Clone so ServerName does not leak back into the shared config.
	tlsConfig := config.TLSConfig.Clone()

	if tlsConfig.ServerName == "" {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			host = address
		}
		if len(host) > 1 && host[0] == '[' && host[len(host)-1] == ']' {
			host = host[1 : len(host)-1]
		}
		// crypto/tls omits SNI for IP literals but still verifies IP SANs.
		tlsConfig.ServerName = host
	}

	tlsConn := tls.Client(conn, tlsConfig)

	// A ctx deadline governs the whole connect; the handshake timeout only
	// applies when the caller set none.
	handshakeCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		handshakeTimeout := config.Timeout
		if handshakeTimeout <= 0 {
			handshakeTimeout = DefaultTLSHandshakeTimeout
		}
		var cancel context.CancelFunc
		handshakeCtx, cancel = context.WithTimeout(ctx, handshakeTimeout)
		defer cancel()
	}

	if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tls handshake failed: %w", err)
	}
	return tlsConn, nil
}
