package mtlshttp

import (
	"net/http"

	"golang.org/x/net/http/httpguts"
)

// ReuseStrategy decides whether a connection may serve another request.
type ReuseStrategy interface {
	Reusable(resp *http.Response) bool
}

// ReuseFunc adapts a function to ReuseStrategy.
type ReuseFunc func(resp *http.Response) bool

func (f ReuseFunc) Reusable(resp *http.Response) bool { return f(resp) }

// DefaultReuse keeps a connection only when the server explicitly answered
// with a Connection keep-alive token.
type DefaultReuse struct{}

func (DefaultReuse) Reusable(resp *http.Response) bool {
	if resp == nil {
		return false
	}
	return httpguts.HeaderValuesContainsToken(resp.Header.Values("Connection"), "keep-alive")
}
