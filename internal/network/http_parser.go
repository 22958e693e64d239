// internal/network/http_parser.go
package network

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// HTTPParser reads HTTP/1.1 responses off a persistent connection.
type HTTPParser struct {
	logger *zap.Logger
	// MaxBodySize caps the body read into memory; zero means unlimited.
	MaxBodySize int64
}

// NewHTTPParser creates a new HTTPParser instance.
func NewHTTPParser(logger *zap.Logger) *HTTPParser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPParser{
		logger: logger.Named("http_parser"),
	}
}

// ParsedResponse is a response whose body has been fully consumed from the wire.
type ParsedResponse struct {
	*http.Response
	// Body holds the decoded payload.
	Body []byte
	// Delimited is false when the body ended with the connection, so the
	// connection can not carry another exchange.
	Delimited bool
}

// ErrBodyTooLarge is returned when a body exceeds MaxBodySize.
var ErrBodyTooLarge = errors.New("response body exceeds configured limit")

// ErrNoResponse is returned when the connection ended before a complete
// status line and header block arrived.
var ErrNoResponse = errors.New("connection closed before response")

// ReadResponse parses one response to req from br and reads its body to the
// end so the reader is positioned at the next response. Content codings are
// removed; a body that fails to decode is returned as received.
func (p *HTTPParser) ReadResponse(br *bufio.Reader, req *http.Request) (*ParsedResponse, error) {
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		// net/http reports a stream that ends inside the header as ErrUnexpectedEOF.
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %w", ErrNoResponse, err)
		}
		return nil, err
	}

	// A body with neither Content-Length nor chunked framing runs until EOF.
	delimited := !resp.Close && (resp.ContentLength >= 0 || isChunked(resp) || !bodyAllowed(resp, req))

	var raw []byte
	if resp.Body != nil {
		var reader io.Reader = resp.Body
		if p.MaxBodySize > 0 {
			reader = io.LimitReader(resp.Body, p.MaxBodySize+1)
		}
		raw, err = io.ReadAll(reader)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to consume response body: %w", err)
		}
		if p.MaxBodySize > 0 && int64(len(raw)) > p.MaxBodySize {
			return nil, ErrBodyTooLarge
		}
	}

	body := raw
	if encodings := resp.Header.Values("Content-Encoding"); len(encodings) > 0 && len(raw) > 0 {
		decoded, err := DecodeContentLimit(raw, encodings, p.MaxBodySize)
		if err != nil {
			p.logger.Warn("Failed to decode response body. Body remains encoded.",
				zap.Strings("content_encoding", encodings),
				zap.Error(err))
		} else {
			body = decoded
			StripContentEncoding(resp, len(decoded))
		}
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	return &ParsedResponse{Response: resp, Body: body, Delimited: delimited}, nil
}

func isChunked(resp *http.Response) bool {
	for _, te := range resp.TransferEncoding {
		if te == "chunked" {
			return true
		}
	}
	return false
}

// bodyAllowed reports whether the response can carry a body at all.
func bodyAllowed(resp *http.Response, req *http.Request) bool {
	if req != nil && req.Method == http.MethodHead {
		return false
	}
	switch {
	case resp.StatusCode >= 100 && resp.StatusCode < 200:
		return false
	case resp.StatusCode == http.StatusNoContent, resp.StatusCode == http.StatusNotModified:
		return false
	}
	return true
}

// SerializeRequest renders req as HTTP/1.1 wire bytes. A Connection header
// of keep-alive is added unless the request already carries one.
func SerializeRequest(req *http.Request) ([]byte, error) {
	if req == nil {
		return nil, fmt.Errorf("request is nil")
	}
	if req.URL == nil {
		return nil, fmt.Errorf("request URL is nil")
	}

	reqClone := req.Clone(req.Context())
	if reqClone.Host == "" {
		reqClone.Host = reqClone.URL.Host
	}

	if reqClone.Body != nil && reqClone.Body != http.NoBody {
		if reqClone.GetBody != nil {
			var err error
			reqClone.Body, err = reqClone.GetBody()
			if err != nil {
				return nil, fmt.Errorf("failed to get request body: %w", err)
			}
		}
		bodyBytes, err := io.ReadAll(reqClone.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		reqClone.Body.Close()
		reqClone.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		reqClone.ContentLength = int64(len(bodyBytes))
	}

	if reqClone.Header.Get("Connection") == "" {
		reqClone.Header.Set("Connection", "keep-alive")
	}

	var buf bytes.Buffer
	if err := reqClone.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize request: %w", err)
	}
	return buf.Bytes(), nil
}
