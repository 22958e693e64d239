package mtlshttp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/xkilldash9x/mtlspool/internal/network"
)

type connState int

const (
	stateIdle connState = iota
	stateLeased
	stateRetiring
)

func (s connState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateLeased:
		return "leased"
	default:
		return "retiring"
	}
}

// probeWindow is how long the liveness probe waits for the peer.
const probeWindow = time.Millisecond

// PooledConn is a TLS connection owned by a Pool. All fields except conn and
// br are guarded by the pool mutex.
type PooledConn struct {
	id    uint64
	route Route
	conn  net.Conn
	br    *bufio.Reader

	createdAt   time.Time
	lastUsedAt  time.Time
	expiresAt   time.Time
	connectTime time.Duration
	state       connState
	reused      bool
}

func newPooledConn(id uint64, route Route, conn net.Conn, now time.Time, connectTime time.Duration) *PooledConn {
	return &PooledConn{
		id:          id,
		route:       route,
		conn:        conn,
		br:          bufio.NewReader(conn),
		createdAt:   now,
		lastUsedAt:  now,
		connectTime: connectTime,
		state:       stateLeased,
	}
}

// ID is unique within the pool that created the connection.
func (c *PooledConn) ID() uint64 { return c.id }

// Route returns the route the connection belongs to.
func (c *PooledConn) Route() Route { return c.route }

// Reused reports whether the current lease came from the idle list.
func (c *PooledConn) Reused() bool { return c.reused }

// ConnectTime is the TCP and TLS establishment time of the connection.
func (c *PooledConn) ConnectTime() time.Duration { return c.connectTime }

// alive probes an idle connection: a read that times out means the peer is
// quiet and the connection usable. EOF, errors or unsolicited bytes mean it
// must be discarded.
func (c *PooledConn) alive() bool {
	if c.br.Buffered() > 0 {
		return false
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(probeWindow)); err != nil {
		return false
	}
	_, err := c.br.Peek(1)
	if resetErr := c.conn.SetReadDeadline(time.Time{}); resetErr != nil {
		return false
	}
	if err == nil {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (c *PooledConn) close() error {
	return c.conn.Close()
}

// exchangeError carries the failure kind of a failed exchange.
type exchangeError struct {
	kind FailureKind
	err  error
}

func (e *exchangeError) Error() string { return e.err.Error() }
func (e *exchangeError) Unwrap() error { return e.err }

// exchange writes one serialized request and reads its response under
// readTimeout. Cancelling ctx interrupts blocked I/O.
func (c *PooledConn) exchange(ctx context.Context, req *http.Request, wire []byte, readTimeout time.Duration, parser *network.HTTPParser) (*network.ParsedResponse, error) {
	var deadline time.Time
	if readTimeout > 0 {
		deadline = time.Now().Add(readTimeout)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, &exchangeError{kind: FailureNotSent, err: fmt.Errorf("failed to set deadline: %w", err)}
	}

	stop := context.AfterFunc(ctx, func() {
		// A deadline in the past unblocks any pending Read or Write.
		_ = c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	n, err := c.conn.Write(wire)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &exchangeError{kind: FailureOther, err: ctxErr}
		}
		kind := FailureSent
		if n == 0 {
			kind = FailureNotSent
		}
		return nil, &exchangeError{kind: kind, err: fmt.Errorf("failed to write request: %w", err)}
	}

	parsed, err := parser.ReadResponse(c.br, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &exchangeError{kind: FailureOther, err: ctxErr}
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &exchangeError{kind: FailureReadTimeout, err: err}
		}
		if errors.Is(err, network.ErrBodyTooLarge) {
			return nil, &exchangeError{kind: FailureOther, err: err}
		}
		return nil, &exchangeError{kind: FailureSent, err: err}
	}

	// If ctx fired after the response was read the deadline is poisoned and
	// the connection can not be reused.
	if !stop() || c.conn.SetDeadline(time.Time{}) != nil {
		parsed.Delimited = false
	}
	return parsed, nil
}
