package mtlshttp

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Route identifies a pool partition. Connections never cross routes.
type Route struct {
	Scheme string
	Host   string
	Port   int
}

// RouteFromURL derives the route of an absolute https URL, defaulting the
// port to 443.
func RouteFromURL(u *url.URL) (Route, error) {
	if u == nil {
		return Route{}, fmt.Errorf("url is nil")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "https" {
		return Route{}, fmt.Errorf("unsupported scheme %q: only https is supported", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return Route{}, fmt.Errorf("url %q has no host", u.Redacted())
	}

	port := 443
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return Route{}, fmt.Errorf("invalid port %q", p)
		}
		port = n
	}
	return Route{Scheme: scheme, Host: strings.ToLower(host), Port: port}, nil
}

// Address returns host:port suitable for dialing.
func (r Route) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

func (r Route) String() string {
	return r.Scheme + "://" + r.Address()
}
