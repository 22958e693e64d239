// File: cmd/fetch.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/mtlspool/internal/config"
	"github.com/xkilldash9x/mtlspool/internal/network/mtlshttp"
	"github.com/xkilldash9x/mtlspool/internal/observability"
)

const bodyPrefixLen = 256

type fetchOptions struct {
	requests         int
	concurrency      int
	rps              float64
	method           string
	data             string
	headers          []string
	include          bool
	jsonOutput       bool
	metricsAddr      string
	maxRetries       int
	acquireTimeoutMs int
	connectTimeoutMs int
	readTimeoutMs    int
}

// fetchResult is the outcome of one request as printed by fetch.
type fetchResult struct {
	Index      int              `json:"index"`
	StatusCode int              `json:"status_code,omitempty"`
	Status     string           `json:"status,omitempty"`
	RequestID  string           `json:"request_id,omitempty"`
	Attempts   int              `json:"attempts,omitempty"`
	Reused     bool             `json:"reused"`
	Timings    mtlshttp.Timings `json:"timings"`
	Header     http.Header      `json:"header,omitempty"`
	BodyBytes  int              `json:"body_bytes"`
	BodyPrefix string           `json:"body_prefix,omitempty"`
	Error      string           `json:"error,omitempty"`
	ErrorKind  string           `json:"error_kind,omitempty"`
}

type fetchReport struct {
	URL       string             `json:"url"`
	Method    string             `json:"method"`
	Preset    string             `json:"preset"`
	Requests  int                `json:"requests"`
	Failed    int                `json:"failed"`
	Duration  time.Duration      `json:"duration"`
	Results   []fetchResult      `json:"results"`
	Pool      mtlshttp.PoolStats `json:"pool"`
	Cancelled bool               `json:"cancelled,omitempty"`
}

func newFetchCmd() *cobra.Command {
	opts := &fetchOptions{}

	fetchCmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Send one or more requests to an https URL through the connection pool",
		Long: `Sends requests to the target over pooled mutual TLS connections and prints
status, headers, a body prefix and the pool occupancy. With --requests and
--concurrency the same URL is requested repeatedly to exercise connection reuse
and pool contention.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("max-retries") {
				cfg.SetClientMaxRetries(opts.maxRetries)
			}
			if cmd.Flags().Changed("read-timeout-ms") {
				cfg.SetClientReadTimeout(time.Duration(opts.readTimeoutMs) * time.Millisecond)
			}
			return runFetch(cmd.Context(), cmd.OutOrStdout(), cfg, args[0], opts)
		},
	}

	flags := fetchCmd.Flags()
	flags.IntVarP(&opts.requests, "requests", "n", 1, "number of requests to send")
	flags.IntVar(&opts.concurrency, "concurrency", 1, "maximum requests in flight")
	flags.Float64Var(&opts.rps, "rate", 0, "maximum requests per second (0 means unlimited)")
	flags.StringVarP(&opts.method, "method", "X", http.MethodGet, "HTTP method")
	flags.StringVarP(&opts.data, "data", "d", "", "request body, or @file to read it from a file")
	flags.StringArrayVarP(&opts.headers, "header", "H", nil, `request header as "Name: value" (repeatable)`)
	flags.BoolVarP(&opts.include, "include", "i", false, "print response headers")
	flags.BoolVar(&opts.jsonOutput, "json", false, "print a JSON report")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address while running")
	flags.IntVar(&opts.maxRetries, "max-retries", 0, "override client.max_retries")
	flags.IntVar(&opts.acquireTimeoutMs, "acquire-timeout-ms", 0, "per request pool acquire timeout in milliseconds")
	flags.IntVar(&opts.connectTimeoutMs, "connect-timeout-ms", 0, "per request connect timeout in milliseconds")
	flags.IntVar(&opts.readTimeoutMs, "read-timeout-ms", 0, "override client.read_timeout in milliseconds")
	return fetchCmd
}

func runFetch(ctx context.Context, out io.Writer, cfg config.Interface, target string, opts *fetchOptions) error {
	logger := observability.Component(nil, "fetch")

	if opts.requests <= 0 {
		return fmt.Errorf("--requests must be positive, got %d", opts.requests)
	}
	if opts.concurrency <= 0 {
		return fmt.Errorf("--concurrency must be positive, got %d", opts.concurrency)
	}
	if opts.rps < 0 {
		return fmt.Errorf("--rate can not be negative")
	}
	header, err := parseHeaders(opts.headers)
	if err != nil {
		return err
	}
	body, err := readBody(opts.data)
	if err != nil {
		return err
	}

	template, err := mtlshttp.NewRequest(opts.method, target, body)
	if err != nil {
		return fmt.Errorf("invalid target: %w", err)
	}
	template.Header = header
	template.AcquireTimeout = time.Duration(opts.acquireTimeoutMs) * time.Millisecond
	template.ConnectTimeout = time.Duration(opts.connectTimeoutMs) * time.Millisecond

	clientCfg := mtlshttp.FromSettings(cfg.Client())
	stopMetrics, err := setupMetrics(ctx, cfg.Metrics(), opts.metricsAddr, &clientCfg, logger)
	if err != nil {
		return err
	}
	defer stopMetrics()

	client, err := mtlshttp.NewClient(clientCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Close()

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.rps), 1)
	}

	start := time.Now()
	results := make([]fetchResult, opts.requests)
	var g errgroup.Group
	g.SetLimit(opts.concurrency)

	dispatched := 0
	for i := 0; i < opts.requests; i++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		req := *template
		req.Header = template.Header.Clone()

		dispatched++
		g.Go(func() error {
			results[i] = executeOne(ctx, client, &req, i)
			return nil
		})
	}
	_ = g.Wait()

	report := fetchReport{
		URL:       target,
		Method:    strings.ToUpper(opts.method),
		Preset:    cfg.Client().Preset,
		Requests:  dispatched,
		Duration:  time.Since(start),
		Results:   results[:dispatched],
		Pool:      client.Stats(),
		Cancelled: dispatched < opts.requests,
	}
	for _, r := range report.Results {
		if r.Error != "" {
			report.Failed++
		}
	}

	if opts.jsonOutput {
		enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
	} else {
		printReport(out, report, opts.include)
	}

	logger.Info("Fetch finished",
		zap.Int("requests", report.Requests),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.Duration))

	if report.Cancelled {
		return ctx.Err()
	}
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d requests failed", report.Failed, report.Requests)
	}
	return nil
}

func executeOne(ctx context.Context, client *mtlshttp.Client, req *mtlshttp.Request, index int) fetchResult {
	result := fetchResult{Index: index}
	resp, err := client.Execute(ctx, req)
	if err != nil {
		result.Error = err.Error()
		var ce *mtlshttp.ClientError
		if errors.As(err, &ce) {
			result.ErrorKind = ce.Kind.String()
		}
		return result
	}

	result.StatusCode = resp.StatusCode
	result.Status = resp.Status
	result.RequestID = resp.RequestID
	result.Attempts = resp.Attempts
	result.Reused = resp.Reused
	result.Timings = resp.Timings
	result.Header = resp.Header
	result.BodyBytes = len(resp.Body)
	prefix := resp.Body
	if len(prefix) > bodyPrefixLen {
		prefix = prefix[:bodyPrefixLen]
	}
	result.BodyPrefix = string(prefix)
	return result
}

func printReport(out io.Writer, report fetchReport, include bool) {
	for _, r := range report.Results {
		if r.Error != "" {
			fmt.Fprintf(out, "#%d error (%s): %s\n", r.Index, r.ErrorKind, r.Error)
			continue
		}
		fmt.Fprintf(out, "#%d %s attempts=%d reused=%t acquire=%s connect=%s exchange=%s total=%s\n",
			r.Index, r.Status, r.Attempts, r.Reused,
			r.Timings.Acquire, r.Timings.Connect, r.Timings.Exchange, r.Timings.Total)
		if include {
			for name, values := range r.Header {
				for _, v := range values {
					fmt.Fprintf(out, "    %s: %s\n", name, v)
				}
			}
		}
		if r.BodyPrefix != "" {
			fmt.Fprintf(out, "    %s\n", strings.ReplaceAll(r.BodyPrefix, "\n", "\n    "))
		}
	}
	fmt.Fprintf(out, "pool: leased=%d idle=%d pending=%d routes=%d (max %d total, %d per route)\n",
		report.Pool.Leased, report.Pool.Idle, report.Pool.Pending, report.Pool.Routes,
		report.Pool.MaxTotal, report.Pool.MaxPerRoute)
	fmt.Fprintf(out, "%d request(s), %d failed, %s\n", report.Requests, report.Failed, report.Duration.Round(time.Millisecond))
}

// parseHeaders turns "Name: value" flags into a header map.
func parseHeaders(raw []string) (http.Header, error) {
	header := make(http.Header)
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q, expected \"Name: value\"", h)
		}
		header.Add(name, strings.TrimSpace(value))
	}
	return header, nil
}

func readBody(data string) ([]byte, error) {
	if path, ok := strings.CutPrefix(data, "@"); ok {
		body, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		return body, nil
	}
	if data == "" {
		return nil, nil
	}
	return []byte(data), nil
}

// setupMetrics attaches collectors to clientCfg when metrics are enabled and
// serves them on addr. The returned function stops the server.
func setupMetrics(ctx context.Context, mc config.MetricsConfig, addr string, clientCfg *mtlshttp.ClientConfig, logger *zap.Logger) (func(), error) {
	if addr == "" && !mc.Enabled {
		return func() {}, nil
	}
	if addr == "" {
		addr = mc.Address
	}
	namespace := mc.Namespace
	if namespace == "" {
		namespace = "mtlspool"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	clientCfg.Metrics = mtlshttp.NewMetrics(namespace, reg)
	if addr == "" {
		return func() {}, nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for metrics on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("Serving metrics", zap.String("address", ln.Addr().String()))

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}, nil
}
