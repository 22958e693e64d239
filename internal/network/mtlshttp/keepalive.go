package mtlshttp

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// KeepAliveStrategy decides how long a connection may stay idle after a response.
// Zero means the connection must not be kept.
type KeepAliveStrategy interface {
	KeepAliveDuration(resp *http.Response) time.Duration
}

// KeepAliveFunc adapts a function to KeepAliveStrategy.
type KeepAliveFunc func(resp *http.Response) time.Duration

func (f KeepAliveFunc) KeepAliveDuration(resp *http.Response) time.Duration { return f(resp) }

// DefaultKeepAlive honours a Keep-Alive timeout parameter, then falls back to
// Default when the first Connection value is keep-alive, and to zero otherwise.
type DefaultKeepAlive struct {
	Default time.Duration
}

func (s DefaultKeepAlive) KeepAliveDuration(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	if d, ok := keepAliveTimeout(resp.Header.Values("Keep-Alive")); ok {
		return d
	}
	if conn := resp.Header.Values("Connection"); len(conn) > 0 {
		first := strings.TrimSpace(strings.SplitN(conn[0], ",", 2)[0])
		if strings.EqualFold(first, "keep-alive") {
			return s.Default
		}
	}
	return 0
}

// keepAliveTimeout scans Keep-Alive header elements such as
// "timeout=5, max=100" for a usable timeout in seconds.
func keepAliveTimeout(values []string) (time.Duration, bool) {
	for _, v := range values {
		for _, elem := range strings.Split(v, ",") {
			name, value, found := strings.Cut(strings.TrimSpace(elem), "=")
			if !found || !strings.EqualFold(strings.TrimSpace(name), "timeout") {
				continue
			}
			secs, err := strconv.ParseInt(strings.Trim(strings.TrimSpace(value), `"`), 10, 64)
			if err != nil || secs < 0 {
				continue
			}
			return time.Duration(secs) * 1000 * time.Millisecond, true
		}
	}
	return 0, false
}
