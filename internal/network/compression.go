// internal/network/compression.go
package network

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

// DefaultAcceptEncoding advertises the content codings DecodeContent understands.
const DefaultAcceptEncoding = "br, gzip, deflate"

// ErrDecodedTooLarge is returned when a decoded body grows past the limit
// given to DecodeContentLimit.
var ErrDecodedTooLarge = errors.New("decoded body exceeds configured limit")

// decoder removes one content coding from src.
type decoder func(src []byte, limit int64) ([]byte, error)

var decoders = map[string]decoder{
	"gzip":    decodeGzip,
	"x-gzip":  decodeGzip,
	"deflate": decodeDeflate,
	"br":      decodeBrotli,
}

var (
	gzipReaders   sync.Pool // *gzip.Reader
	brotliReaders = sync.Pool{New: func() any { return brotli.NewReader(nil) }}
)

// DecodeContent removes the content codings of a fully read body. encodings
// are the Content-Encoding header values in the order the codings were
// applied; they are undone last to first.
func DecodeContent(raw []byte, encodings []string) ([]byte, error) {
	return DecodeContentLimit(raw, encodings, 0)
}

// DecodeContentLimit is DecodeContent with a cap on the size of every
// decoded layer. A limit of zero disables the cap.
func DecodeContentLimit(raw []byte, encodings []string, limit int64) ([]byte, error) {
	layers := contentCodings(encodings)
	body := raw
	for i := len(layers) - 1; i >= 0; i-- {
		if len(body) == 0 {
			break
		}
		coding := layers[i]
		if coding == "identity" {
			continue
		}
		decode, ok := decoders[coding]
		if !ok {
			return nil, fmt.Errorf("unsupported Content-Encoding layer: %s", coding)
		}
		out, err := decode(body, limit)
		if err != nil {
			return nil, err
		}
		body = out
	}
	return body, nil
}

// contentCodings flattens header values like ["br", "gzip, deflate"] into
// lower-cased tokens, dropping empty elements.
func contentCodings(values []string) []string {
	var codings []string
	for _, v := range values {
		for _, token := range strings.Split(v, ",") {
			if token = strings.ToLower(strings.TrimSpace(token)); token != "" {
				codings = append(codings, token)
			}
		}
	}
	return codings
}

// StripContentEncoding updates headers after the body has been decoded.
func StripContentEncoding(resp *http.Response, decodedLen int) {
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = int64(decodedLen)
	resp.Uncompressed = true
}

func decodeGzip(src []byte, limit int64) ([]byte, error) {
	zr, _ := gzipReaders.Get().(*gzip.Reader)
	var err error
	if zr == nil {
		zr, err = gzip.NewReader(bytes.NewReader(src))
	} else {
		err = zr.Reset(bytes.NewReader(src))
	}
	if err != nil {
		return nil, fmt.Errorf("gzip initialization error: %w", err)
	}
	defer gzipReaders.Put(zr)

	out, err := readLimited(zr, limit)
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return out, nil
}

// decodeDeflate accepts zlib wrapped deflate (RFC 1950) and falls back to
// raw deflate (RFC 1951), which some servers send instead.
func decodeDeflate(src []byte, limit int64) ([]byte, error) {
	if zr, err := zlib.NewReader(bytes.NewReader(src)); err == nil {
		defer zr.Close()
		out, err := readLimited(zr, limit)
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		return out, nil
	}

	fr := flate.NewReader(bytes.NewReader(src))
	defer fr.Close()
	out, err := readLimited(fr, limit)
	if err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	return out, nil
}

func decodeBrotli(src []byte, limit int64) ([]byte, error) {
	br := brotliReaders.Get().(*brotli.Reader)
	if err := br.Reset(bytes.NewReader(src)); err != nil {
		return nil, fmt.Errorf("brotli initialization error: %w", err)
	}
	defer brotliReaders.Put(br)

	out, err := readLimited(br, limit)
	if err != nil {
		return nil, fmt.Errorf("brotli: %w", err)
	}
	return out, nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > limit {
		return nil, ErrDecodedTooLarge
	}
	return out, nil
}
