package mtlshttp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/http/httpguts"

	"github.com/xkilldash9x/mtlspool/internal/network"
	"github.com/xkilldash9x/mtlspool/internal/observability"
)

// Request is one logical request. Zero timeouts fall back to the client's.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte

	AcquireTimeout time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// NewRequest parses rawURL and builds a Request.
func NewRequest(method, rawURL string, body []byte) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method: strings.ToUpper(method),
		URL:    u,
		Header: make(http.Header),
		Body:   body,
	}, nil
}

// Timings breaks down where the time of an Execute call went. Acquire,
// Connect and Exchange describe the final attempt.
type Timings struct {
	Acquire  time.Duration `json:"acquire"`
	Connect  time.Duration `json:"connect"`
	Exchange time.Duration `json:"exchange"`
	Total    time.Duration `json:"total"`
}

// Response is a fully read response together with the pool's view of it.
type Response struct {
	StatusCode int         `json:"status_code"`
	Status     string      `json:"status"`
	Proto      string      `json:"proto"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"-"`

	Route     Route     `json:"route"`
	RequestID string    `json:"request_id"`
	ConnID    uint64    `json:"conn_id"`
	Attempts  int       `json:"attempts"`
	Reused    bool      `json:"reused"`
	Timings   Timings   `json:"timings"`
	Pool      PoolStats `json:"pool"`
}

// timeouts are the effective limits of one Execute call.
type timeouts struct {
	acquire time.Duration
	connect time.Duration
	read    time.Duration
}

// Client sends HTTP/1.1 requests over pooled mutual TLS connections. It is
// safe for concurrent use.
type Client struct {
	cfg       ClientConfig
	logger    *zap.Logger
	clock     clock.Clock
	tls       *network.TLSFactory
	tlsConfig *tls.Config
	pool      *Pool
	parser    *network.HTTPParser
	keepAlive KeepAliveStrategy
	reuse     ReuseStrategy
	metrics   *Metrics
}

// NewClient loads the credentials, builds the TLS configuration and creates
// the pool. Credential and configuration errors are returned here and never
// from Execute.
func NewClient(cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	logger = observability.Component(logger, "mtlshttp")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client configuration: %w", err)
	}

	identity, err := loadClientIdentity(cfg)
	if err != nil {
		return nil, err
	}
	anchors, err := loadClientTrustAnchors(cfg)
	if err != nil {
		return nil, err
	}

	factory := network.NewTLSFactory(logger)
	tlsConfig, err := factory.GetOrBuild(identity, anchors, cfg.TLSProtocolVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to build TLS configuration: %w", err)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	keepAlive := cfg.KeepAlive
	if keepAlive == nil {
		keepAlive = DefaultKeepAlive{Default: cfg.Pool.DefaultKeepAlive}
	}
	reuse := cfg.Reuse
	if reuse == nil {
		reuse = DefaultReuse{}
	}

	dial := cfg.Dial
	if dial == nil {
		dialCfg := network.NewDialerConfig()
		dialCfg.TLSConfig = tlsConfig
		// Pool.connect bounds each dial with the effective connect timeout.
		dialCfg.Timeout = 0
		dial = func(ctx context.Context, route Route) (net.Conn, error) {
			return network.DialContext(ctx, "tcp", route.Address(), dialCfg)
		}
	}

	pool, err := NewPool(cfg.Pool, dial, logger, WithClock(clk), WithMetrics(cfg.Metrics))
	if err != nil {
		return nil, err
	}

	parser := network.NewHTTPParser(logger)
	parser.MaxBodySize = cfg.MaxResponseBody

	logger.Info("Client initialized",
		zap.String("client_subject", identity.Subject()),
		zap.Int("trust_anchors", anchors.Len()),
		zap.String("tls_version", cfg.TLSProtocolVersion),
		zap.Int("max_total_connections", cfg.Pool.MaxTotalConnections),
		zap.Int("max_connections_per_route", cfg.Pool.MaxConnectionsPerRoute))

	return &Client{
		cfg:       cfg,
		logger:    logger,
		clock:     clk,
		tls:       factory,
		tlsConfig: tlsConfig,
		pool:      pool,
		parser:    parser,
		keepAlive: keepAlive,
		reuse:     reuse,
		metrics:   cfg.Metrics,
	}, nil
}

func loadClientIdentity(cfg ClientConfig) (*network.ClientIdentity, error) {
	switch {
	case cfg.Identity != nil:
		return cfg.Identity, nil
	case len(cfg.IdentityPKCS12) > 0:
		return network.LoadIdentity(cfg.IdentityPKCS12, cfg.IdentityPassphrase)
	default:
		return network.LoadIdentityFile(cfg.IdentityPath, cfg.IdentityPassphrase)
	}
}

func loadClientTrustAnchors(cfg ClientConfig) (*network.TrustAnchors, error) {
	switch {
	case cfg.TrustAnchors != nil:
		return cfg.TrustAnchors, nil
	case len(cfg.TrustStoreData) > 0:
		return network.LoadTrustAnchors(cfg.TrustStoreData, cfg.TrustStorePassphrase)
	default:
		return network.LoadTrustAnchorsFile(cfg.TrustStorePath, cfg.TrustStorePassphrase)
	}
}

// TLSConfig returns the shared TLS configuration used for every handshake.
func (c *Client) TLSConfig() *tls.Config { return c.tlsConfig }

// Stats returns the pool occupancy.
func (c *Client) Stats() PoolStats { return c.pool.Stats() }

// RouteStats returns the occupancy of one route.
func (c *Client) RouteStats(route Route) PoolStats { return c.pool.RouteStats(route) }

// Close shuts the pool down. Requests in flight finish but their connections
// are closed on release.
func (c *Client) Close() error {
	return c.pool.Close()
}

// Get issues a GET request for rawURL.
func (c *Client) Get(ctx context.Context, rawURL string) (*Response, error) {
	req, err := NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &ClientError{Kind: KindInvalid, Err: err}
	}
	return c.Execute(ctx, req)
}

// Post issues a POST request with body.
func (c *Client) Post(ctx context.Context, rawURL, contentType string, body []byte) (*Response, error) {
	req, err := NewRequest(http.MethodPost, rawURL, body)
	if err != nil {
		return nil, &ClientError{Kind: KindInvalid, Err: err}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.Execute(ctx, req)
}

// Do adapts Execute to net/http types. The returned body is already fully
// buffered.
func (c *Client) Do(ctx context.Context, r *http.Request) (*http.Response, error) {
	if r == nil {
		return nil, &ClientError{Kind: KindInvalid, Err: errors.New("request is nil")}
	}
	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			return nil, &ClientError{Kind: KindInvalid, Err: fmt.Errorf("failed to read request body: %w", err)}
		}
	}
	resp, err := c.Execute(ctx, &Request{
		Method: r.Method,
		URL:    r.URL,
		Header: r.Header.Clone(),
		Body:   body,
	})
	if err != nil {
		return nil, err
	}

	major, minor, ok := http.ParseHTTPVersion(resp.Proto)
	if !ok {
		major, minor = 1, 1
	}
	return &http.Response{
		Status:        resp.Status,
		StatusCode:    resp.StatusCode,
		Proto:         resp.Proto,
		ProtoMajor:    major,
		ProtoMinor:    minor,
		Header:        resp.Header,
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
		Request:       r,
	}, nil
}

// Execute sends req, retrying failures the retry policy allows. Every error
// is a *ClientError.
func (c *Client) Execute(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	requestID := uuid.NewString()

	if req == nil {
		return nil, c.fail(&ClientError{Kind: KindInvalid, Err: errors.New("request is nil")})
	}
	route, err := RouteFromURL(req.URL)
	if err != nil {
		return nil, c.fail(&ClientError{Kind: KindInvalid, Err: err})
	}
	httpReq, err := c.buildHTTPRequest(ctx, req)
	if err != nil {
		return nil, c.fail(&ClientError{Kind: KindInvalid, Route: route, Err: err})
	}
	wire, err := network.SerializeRequest(httpReq)
	if err != nil {
		return nil, c.fail(&ClientError{Kind: KindInvalid, Route: route, Err: err})
	}

	limits := c.timeoutsFor(req)
	idempotent := IsIdempotent(httpReq.Method)
	closeRequested := httpguts.HeaderValuesContainsToken(httpReq.Header.Values("Connection"), "close")
	logger := c.logger.With(
		zap.String("request_id", requestID),
		zap.String("method", httpReq.Method),
		zap.Stringer("route", route))

	for attempt := 1; ; attempt++ {
		resp, kind, err := c.attempt(ctx, route, httpReq, wire, limits, closeRequested)
		if err == nil {
			resp.RequestID = requestID
			resp.Attempts = attempt
			resp.Timings.Total = time.Since(start)
			c.metrics.recordRequest("success")
			logger.Debug("Request completed",
				zap.Int("status", resp.StatusCode),
				zap.Int("attempts", attempt),
				zap.Bool("reused", resp.Reused),
				zap.Uint64("conn_id", resp.ConnID),
				zap.Duration("total", resp.Timings.Total))
			return resp, nil
		}

		if ctx.Err() != nil || !c.cfg.Retry.Retryable(kind, idempotent) {
			return nil, c.fail(&ClientError{Kind: classify(err), Route: route, Err: err})
		}
		if !c.cfg.Retry.ShouldRetry(attempt, kind, idempotent) {
			logger.Warn("Retries exhausted", zap.Int("attempts", attempt), zap.Error(err))
			return nil, c.fail(&ClientError{
				Kind:  classify(err),
				Route: route,
				Err:   &RetryExhaustedError{Attempts: attempt, Last: err},
			})
		}

		c.metrics.recordRetry(kind)
		logger.Warn("Retrying request",
			zap.Int("attempt", attempt),
			zap.Stringer("failure", kind),
			zap.Error(err))
		if err := c.backoff(ctx); err != nil {
			return nil, c.fail(&ClientError{Kind: KindCanceled, Route: route, Err: err})
		}
	}
}

// attempt runs one acquire, exchange and release cycle. The returned
// FailureKind is meaningful only when err is non-nil.
func (c *Client) attempt(ctx context.Context, route Route, req *http.Request, wire []byte, limits timeouts, closeRequested bool) (*Response, FailureKind, error) {
	acquireStart := time.Now()
	conn, err := c.pool.Acquire(ctx, route, limits.acquire, limits.connect)
	acquired := time.Since(acquireStart)
	if err != nil {
		var ce *ConnectError
		if errors.As(err, &ce) {
			return nil, FailureConnect, err
		}
		return nil, FailureOther, err
	}

	reused := conn.Reused()
	exchangeStart := time.Now()
	parsed, err := conn.exchange(ctx, req, wire, limits.read, c.parser)
	exchanged := time.Since(exchangeStart)
	if err != nil {
		c.pool.Release(conn, 0, false)
		kind := FailureOther
		var xe *exchangeError
		if errors.As(err, &xe) {
			kind = xe.kind
			err = xe.err
		}
		if kind == FailureReadTimeout {
			err = &ReadTimeoutError{Route: route, Limit: limits.read, Err: err}
		}
		return nil, kind, err
	}

	keepAlive := c.keepAlive.KeepAliveDuration(parsed.Response)
	reusable := parsed.Delimited && !closeRequested && c.reuse.Reusable(parsed.Response)
	c.pool.Release(conn, keepAlive, reusable)

	resp := &Response{
		StatusCode: parsed.StatusCode,
		Status:     parsed.Status,
		Proto:      parsed.Proto,
		Header:     parsed.Header,
		Body:       parsed.Body,
		Route:      route,
		ConnID:     conn.ID(),
		Reused:     reused,
		Timings: Timings{
			Acquire:  acquired,
			Exchange: exchanged,
		},
		Pool: c.pool.Stats(),
	}
	if !reused {
		resp.Timings.Connect = conn.ConnectTime()
	}
	return resp, 0, nil
}

func (c *Client) buildHTTPRequest(ctx context.Context, req *Request) (*http.Request, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	for k, vs := range c.cfg.DefaultHeaders {
		if httpReq.Header.Get(k) == "" {
			httpReq.Header[k] = append([]string(nil), vs...)
		}
	}
	if httpReq.Header.Get("Accept-Encoding") == "" {
		httpReq.Header.Set("Accept-Encoding", network.DefaultAcceptEncoding)
	}
	return httpReq, nil
}

func (c *Client) timeoutsFor(req *Request) timeouts {
	t := timeouts{
		acquire: c.cfg.AcquireTimeout,
		connect: c.cfg.ConnectTimeout,
		read:    c.cfg.ReadTimeout,
	}
	if req.AcquireTimeout > 0 {
		t.acquire = req.AcquireTimeout
	}
	if req.ConnectTimeout > 0 {
		t.connect = req.ConnectTimeout
	}
	if req.ReadTimeout > 0 {
		t.read = req.ReadTimeout
	}
	return t
}

func (c *Client) backoff(ctx context.Context) error {
	if c.cfg.Retry.Backoff <= 0 {
		return nil
	}
	select {
	case <-c.clock.After(c.cfg.Retry.Backoff):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) fail(err *ClientError) *ClientError {
	c.metrics.recordRequest(err.Kind.String())
	return err
}

// classify maps an attempt failure to the kind reported to callers.
func classify(err error) ErrorKind {
	var (
		pte *PoolTimeoutError
		ce  *ConnectError
		rte *ReadTimeoutError
	)
	switch {
	case errors.As(err, &pte):
		return KindPoolExhausted
	case errors.As(err, &ce):
		return KindUnreachable
	case errors.As(err, &rte):
		return KindTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindTransport
	}
}
