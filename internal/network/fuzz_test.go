package network

import (
	"bufio"
	"bytes"
	"net/http"
	"strings"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"go.uber.org/zap"
)

func FuzzReadResponse(f *testing.F) {
	f.Add("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")
	f.Add("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabc\r\n0\r\n\r\n")
	f.Add("HTTP/1.1 200 OK\r\nContent-Encoding: gzip\r\nContent-Length: 2\r\n\r\nxx")
	f.Fuzz(func(t *testing.T, response string) {
		parser := NewHTTPParser(zap.NewNop())
		parser.MaxBodySize = 1 << 20
		req, _ := http.NewRequest(http.MethodGet, "https://example.com/", nil)

		resp, err := parser.ReadResponse(bufio.NewReader(strings.NewReader(response)), req)
		if err != nil {
			return
		}
		if resp.Body == nil && resp.Response.Body == nil {
			t.Fatal("parsed response without any body reader")
		}
	})
}

func FuzzLoadTrustAnchors(f *testing.F) {
	f.Add([]byte("-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n"))
	f.Add([]byte{0x30, 0x82, 0x01, 0x00})
	f.Fuzz(func(t *testing.T, data []byte) {
		consumer := fuzz.NewConsumer(data)
		blob, err := consumer.GetBytes()
		if err != nil {
			return
		}
		passphrase, err := consumer.GetString()
		if err != nil {
			passphrase = ""
		}

		anchors, err := LoadTrustAnchors(blob, passphrase)
		if err == nil && len(blob) > 0 && anchors.Len() == 0 {
			t.Fatal("successful load must yield at least one anchor")
		}
		_, _ = LoadIdentity(blob, passphrase)
	})
}

func FuzzDecodeContent(f *testing.F) {
	f.Add([]byte("hello"), "gzip")
	f.Add([]byte{0x78, 0x9c, 0x01, 0x00}, "deflate")
	f.Add([]byte("x"), "br, gzip")
	f.Fuzz(func(t *testing.T, raw []byte, encoding string) {
		decoded, err := DecodeContent(raw, []string{encoding})
		if err == nil && strings.TrimSpace(encoding) == "identity" && !bytes.Equal(decoded, raw) {
			t.Fatal("identity coding must not change the body")
		}
	})
}
