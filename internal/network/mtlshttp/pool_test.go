package mtlshttp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

// -- Test Setup and Helpers --

// fakeDialer hands out in-memory connections and tracks how many are open.
type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	open    int
	maxOpen int
	peers   []net.Conn
	err     error
}

func (d *fakeDialer) dial(_ context.Context, _ Route) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	client, server := net.Pipe()
	d.peers = append(d.peers, server)
	d.open++
	if d.open > d.maxOpen {
		d.maxOpen = d.open
	}
	return &trackedConn{Conn: client, onClose: d.closed}, nil
}

func (d *fakeDialer) closed() {
	d.mu.Lock()
	d.open--
	d.mu.Unlock()
}

func (d *fakeDialer) counts() (dials, open, maxOpen int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials, d.open, d.maxOpen
}

// peer returns the server side of the i-th dialed connection.
func (d *fakeDialer) peer(i int) net.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peers[i]
}

func (d *fakeDialer) closePeers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.peers {
		p.Close()
	}
}

type trackedConn struct {
	net.Conn
	once    sync.Once
	onClose func()
}

func (c *trackedConn) Close() error {
	c.once.Do(c.onClose)
	return c.Conn.Close()
}

func testRoute(host string) Route {
	return Route{Scheme: "https", Host: host, Port: 443}
}

func testPoolConfig(total, perRoute int) PoolConfig {
	return PoolConfig{
		MaxTotalConnections:    total,
		MaxConnectionsPerRoute: perRoute,
		MaxConnectionTTL:       time.Minute,
		DefaultKeepAlive:       10 * time.Second,
	}
}

func newTestPool(t *testing.T, cfg PoolConfig, d *fakeDialer, opts ...PoolOption) *Pool {
	t.Helper()
	p, err := NewPool(cfg, d.dial, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		p.Close()
		d.closePeers()
	})
	return p
}

// -- Test Cases: Configuration --

func TestPoolConfig_Validate(t *testing.T) {
	assert.NoError(t, NewDefaultPoolConfig().Validate())

	cfg := NewDefaultPoolConfig()
	cfg.MaxTotalConnections = 0
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultPoolConfig()
	cfg.MaxConnectionsPerRoute = -1
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultPoolConfig()
	cfg.MaxConnectionTTL = -time.Second
	assert.Error(t, cfg.Validate())

	_, err := NewPool(NewDefaultPoolConfig(), nil, nil)
	assert.Error(t, err, "dial function is required")
}

// -- Test Cases: Acquire and Release --

func TestPool_ReusesReleasedConnection(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, testPoolConfig(2, 1), d)
	route := testRoute("a.example")

	c1, err := p.Acquire(context.Background(), route, time.Second, time.Second)
	require.NoError(t, err)
	assert.False(t, c1.Reused())
	assert.Equal(t, route, c1.Route())

	p.Release(c1, 10*time.Second, true)
	assert.Equal(t, PoolStats{Idle: 1, Routes: 1, MaxTotal: 2, MaxPerRoute: 1}, p.Stats())

	c2, err := p.Acquire(context.Background(), route, time.Second, time.Second)
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.True(t, c2.Reused())

	dials, _, _ := d.counts()
	assert.Equal(t, 1, dials)
}

func TestPool_NonReusableConnectionIsNeverReacquired(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, testPoolConfig(2, 1), d)
	route := testRoute("a.example")

	c1, err := p.Acquire(context.Background(), route, time.Second, time.Second)
	require.NoError(t, err)
	p.Release(c1, 10*time.Second, false)

	assert.Equal(t, 0, p.Stats().Idle)
	_, open, _ := d.counts()
	assert.Equal(t, 0, open, "non reusable connection must be closed")

	c2, err := p.Acquire(context.Background(), route, time.Second, time.Second)
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
	assert.NotEqual(t, c1.ID(), c2.ID())

	dials, _, _ := d.counts()
	assert.Equal(t, 2, dials)
}

func TestPool_ZeroKeepAliveRetires(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, testPoolConfig(2, 1), d)

	c, err := p.Acquire(context.Background(), testRoute("a.example"), time.Second, time.Second)
	require.NoError(t, err)
	p.Release(c, 0, true)

	stats := p.Stats()
	assert.Zero(t, stats.Idle)
	assert.Zero(t, stats.Leased)
	_, open, _ := d.counts()
	assert.Zero(t, open)
}

func TestPool_ReleaseTwiceIsNoop(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, testPoolConfig(2, 2), d)

	c, err := p.Acquire(context.Background(), testRoute("a.example"), time.Second, time.Second)
	require.NoError(t, err)
	p.Release(c, time.Minute, true)
	p.Release(c, time.Minute, true)
	p.Release(nil, time.Minute, true)

	assert.Equal(t, 1, p.Stats().Idle)
	assert.Equal(t, 0, p.Stats().Leased)
}

func TestPool_WaiterReceivesReleasedConnection(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, testPoolConfig(1, 1), d)
	route := testRoute("a.example")

	c1, err := p.Acquire(context.Background(), route, time.Second, time.Second)
	require.NoError(t, err)

	got := make(chan *PooledConn, 1)
	go func() {
		c, err := p.Acquire(context.Background(), route, 5*time.Second, time.Second)
		if err != nil {
			got <- nil
			return
		}
		got <- c
	}()

	require.Eventually(t, func() bool { return p.Stats().Leased == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	p.Release(c1, time.Minute, true)

	select {
	case c := <-got:
		require.NotNil(t, c)
		assert.Equal(t, c1.ID(), c.ID())
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

// -- Test Cases: Capacity --

func TestPool_AcquireTimeoutIsNotReportedEarly(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, testPoolConfig(1, 1), d)
	route := testRoute("a.example")

	_, err := p.Acquire(context.Background(), route, time.Second, time.Second)
	require.NoError(t, err)

	const timeout = 100 * time.Millisecond
	start := time.Now()
	_, err = p.Acquire(context.Background(), route, timeout, time.Second)
	elapsed := time.Since(start)

	var pte *PoolTimeoutError
	require.ErrorAs(t, err, &pte)
	assert.Equal(t, route, pte.Route)
	assert.Equal(t, timeout, pte.Timeout)
	assert.Equal(t, 1, pte.Stats.Leased)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.True(t, IsPoolExhausted(err))

	dials, _, _ := d.counts()
	assert.Equal(t, 1, dials, "must not dial beyond the caps")
}

func TestPool_PerRouteCapBlocksWhileGlobalCapHasRoom(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, testPoolConfig(4, 1), d)

	_, err := p.Acquire(context.Background(), testRoute("a.example"), time.Second, time.Second)
	require.NoError(t, err)

	_, err = p.Acquire(context.Background(), testRoute("a.example"), 30*time.Millisecond, time.Second)
	assert.True(t, IsPoolExhausted(err))

	// Another route still has room.
	_, err = p.Acquire(context.Background(), testRoute("b.example"), 30*time.Millisecond, time.Second)
	assert.NoError(t, err)
}

func TestPool_GlobalCapEvictsIdleConnectionOfAnotherRoute(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, testPoolConfig(1, 1), d)

	ca, err := p.Acquire(context.Background(), testRoute("a.example"), time.Second, time.Second)
	require.NoError(t, err)
	p.Release(ca, time.Minute, true)

	cb, err := p.Acquire(context.Background(), testRoute("b.example"), 50*time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Equal(t, testRoute("b.example"), cb.Route())

	assert.Equal(t, PoolStats{Leased: 1, Routes: 1, MaxTotal: 1, MaxPerRoute: 1}, p.Stats())
	assert.Zero(t, p.RouteStats(testRoute("a.example")).Idle)

	dials, open, _ := d.counts()
	assert.Equal(t, 2, dials)
	assert.Equal(t, 1, open)
}

func TestPool_RouteStats(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, testPoolConfig(4, 2), d)
	a, b := testRoute("a.example"), testRoute("b.example")

	a1, err := p.Acquire(context.Background(), a, time.Second, time.Second)
	require.NoError(t, err)
	a2, err := p.Acquire(context.Background(), a, time.Second, time.Second)
	require.NoError(t, err)
	_, err = p.Acquire(context.Background(), b, time.Second, time.Second)
	require.NoError(t, err)
	p.Release(a2, time.Minute, true)

	assert.Equal(t, PoolStats{Leased: 1, Idle: 1, Routes: 1, MaxTotal: 4, MaxPerRoute: 2}, p.RouteStats(a))
	assert.Equal(t, PoolStats{Leased: 1, Routes: 1, MaxTotal: 4, MaxPerRoute: 2}, p.RouteStats(b))
	assert.Equal(t, PoolStats{MaxTotal: 4, MaxPerRoute: 2}, p.RouteStats(testRoute("c.example")))
	assert.Equal(t, PoolStats{Leased: 2, Idle: 1, Routes: 2, MaxTotal: 4, MaxPerRoute: 2}, p.Stats())

	p.Release(a1, 0, false)
	assert.Equal(t, PoolStats{Idle: 1, Routes: 1, MaxTotal: 4, MaxPerRoute: 2}, p.RouteStats(a))
}

func TestPool_GlobalCapWithoutIdleTimesOut(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, testPoolConfig(1, 1), d)

	_, err := p.Acquire(context.Background(), testRoute("a.example"), time.Second, time.Second)
	require.NoError(t, err)

	_, err = p.Acquire(context.Background(), testRoute("b.example"), 30*time.Millisecond, time.Second)
	assert.True(t, IsPoolExhausted(err))
}

func TestPool_CapsHoldUnderConcurrentLoad(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	const (
		maxTotal    = 4
		maxPerRoute = 2
		workers     = 40
	)
	d := &fakeDialer{}
	p, err := NewPool(testPoolConfig(maxTotal, maxPerRoute), d.dial, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer d.closePeers()
	defer p.Close()

	routes := []Route{testRoute("a.example"), testRoute("b.example"), testRoute("c.example")}

	var (
		mu        sync.Mutex
		inUse     = make(map[*PooledConn]bool)
		perRoute  = make(map[Route]int)
		maxSeen   = make(map[Route]int)
		violation atomic.Bool
	)

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < workers; i++ {
		route := routes[i%len(routes)]
		reusable := i%3 != 0
		g.Go(func() error {
			c, err := p.Acquire(ctx, route, 5*time.Second, time.Second)
			if err != nil {
				return err
			}

			mu.Lock()
			if inUse[c] {
				violation.Store(true)
			}
			inUse[c] = true
			perRoute[route]++
			if perRoute[route] > maxSeen[route] {
				maxSeen[route] = perRoute[route]
			}
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			inUse[c] = false
			perRoute[route]--
			mu.Unlock()

			p.Release(c, time.Minute, reusable)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.False(t, violation.Load(), "a connection was leased twice")
	for route, n := range maxSeen {
		assert.LessOrEqual(t, n, maxPerRoute, "route %s exceeded its cap", route)
	}
	_, _, maxOpen := d.counts()
	assert.LessOrEqual(t, maxOpen, maxTotal)

	stats := p.Stats()
	assert.Zero(t, stats.Leased)
	assert.Zero(t, stats.Pending)
	assert.LessOrEqual(t, stats.Idle, maxTotal)
}

// -- Test Cases: Cancellation and Failures --

func TestPool_AcquireHonorsContextCancellation(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, testPoolConfig(1, 1), d)
	route := testRoute("a.example")

	_, err := p.Acquire(context.Background(), route, 0, time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, err = p.Acquire(ctx, route, 0, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, p.Stats().Pending)
}

func TestPool_DialFailureReleasesReservation(t *testing.T) {
	d := &fakeDialer{err: errors.New("connection refused")}
	p := newTestPool(t, testPoolConfig(1, 1), d)
	route := testRoute("a.example")

	_, err := p.Acquire(context.Background(), route, time.Second, time.Second)
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, route, ce.Route)
	assert.True(t, IsUnreachable(err))
	assert.Equal(t, PoolStats{MaxTotal: 1, MaxPerRoute: 1}, p.Stats())

	// The slot is free again.
	d.mu.Lock()
	d.err = nil
	d.mu.Unlock()
	_, err = p.Acquire(context.Background(), route, 50*time.Millisecond, time.Second)
	assert.NoError(t, err)
}

func TestPool_Close(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d := &fakeDialer{}
	cfg := testPoolConfig(2, 2)
	cfg.EvictionInterval = time.Second
	p, err := NewPool(cfg, d.dial, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer d.closePeers()

	route := testRoute("a.example")
	idle, err := p.Acquire(context.Background(), route, time.Second, time.Second)
	require.NoError(t, err)
	leased, err := p.Acquire(context.Background(), route, time.Second, time.Second)
	require.NoError(t, err)
	p.Release(idle, time.Minute, true)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close(), "Close must be idempotent")

	_, open, _ := d.counts()
	assert.Equal(t, 1, open, "idle connection is closed, leased one survives")

	_, err = p.Acquire(context.Background(), route, time.Second, time.Second)
	assert.ErrorIs(t, err, ErrPoolClosed)

	p.Release(leased, time.Minute, true)
	_, open, _ = d.counts()
	assert.Zero(t, open)
	assert.Equal(t, PoolStats{MaxTotal: 2, MaxPerRoute: 2}, p.Stats())
}

// -- Test Cases: Lifetimes --

func TestPool_TTLBoundsIdleLifetime(t *testing.T) {
	mock := clock.NewMock()
	d := &fakeDialer{}
	cfg := testPoolConfig(2, 1)
	cfg.MaxConnectionTTL = 10 * time.Second
	p := newTestPool(t, cfg, d, WithClock(mock))
	route := testRoute("a.example")

	c, err := p.Acquire(context.Background(), route, 0, time.Second)
	require.NoError(t, err)
	// Keep-alive is longer than the TTL, so the TTL wins.
	p.Release(c, 30*time.Second, true)

	mock.Add(9 * time.Second)
	assert.Zero(t, p.EvictExpired())
	assert.Equal(t, 1, p.Stats().Idle)

	mock.Add(2 * time.Second)
	assert.Equal(t, 1, p.EvictExpired())
	assert.Equal(t, PoolStats{MaxTotal: 2, MaxPerRoute: 1}, p.Stats())
	_, open, _ := d.counts()
	assert.Zero(t, open)
}

func TestPool_KeepAliveBoundsIdleLifetime(t *testing.T) {
	mock := clock.NewMock()
	d := &fakeDialer{}
	p := newTestPool(t, testPoolConfig(2, 1), d, WithClock(mock))
	route := testRoute("a.example")

	c1, err := p.Acquire(context.Background(), route, 0, time.Second)
	require.NoError(t, err)
	p.Release(c1, 5*time.Second, true)

	mock.Add(6 * time.Second)

	// The expired connection is swept on access and a fresh one dialed.
	c2, err := p.Acquire(context.Background(), route, 0, time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, c1.ID(), c2.ID())
	assert.False(t, c2.Reused())
}

func TestPool_ReleaseAfterTTLRetires(t *testing.T) {
	mock := clock.NewMock()
	d := &fakeDialer{}
	cfg := testPoolConfig(2, 1)
	cfg.MaxConnectionTTL = 10 * time.Second
	p := newTestPool(t, cfg, d, WithClock(mock))

	c, err := p.Acquire(context.Background(), testRoute("a.example"), 0, time.Second)
	require.NoError(t, err)
	mock.Add(11 * time.Second)
	p.Release(c, time.Minute, true)

	assert.Zero(t, p.Stats().Idle)
}

func TestPool_EvictorSweepsInBackground(t *testing.T) {
	mock := clock.NewMock()
	d := &fakeDialer{}
	cfg := testPoolConfig(2, 1)
	cfg.MaxConnectionTTL = 3 * time.Second
	cfg.EvictionInterval = time.Second
	p := newTestPool(t, cfg, d, WithClock(mock))

	c, err := p.Acquire(context.Background(), testRoute("a.example"), 0, time.Second)
	require.NoError(t, err)
	p.Release(c, time.Minute, true)
	require.Equal(t, 1, p.Stats().Idle)

	assert.Eventually(t, func() bool {
		mock.Add(time.Second)
		return p.Stats().Idle == 0
	}, 2*time.Second, 5*time.Millisecond)
}

// -- Test Cases: Liveness Validation --

func TestPool_ProbeRetiresConnectionClosedByServer(t *testing.T) {
	mock := clock.NewMock()
	d := &fakeDialer{}
	cfg := testPoolConfig(2, 1)
	cfg.MaxConnectionTTL = 0
	cfg.IdleValidationInterval = time.Second
	reg := prometheus.NewRegistry()
	metrics := NewMetrics("probe_test", reg)
	p := newTestPool(t, cfg, d, WithClock(mock), WithMetrics(metrics))
	route := testRoute("a.example")

	c1, err := p.Acquire(context.Background(), route, 0, time.Second)
	require.NoError(t, err)
	p.Release(c1, time.Minute, true)

	require.NoError(t, d.peer(0).Close())
	mock.Add(2 * time.Second)

	c2, err := p.Acquire(context.Background(), route, 0, time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, c1.ID(), c2.ID())

	dials, _, _ := d.counts()
	assert.Equal(t, 2, dials)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ConnectionsClosed.WithLabelValues("stale")))
}

func TestPool_ProbeKeepsQuietConnection(t *testing.T) {
	mock := clock.NewMock()
	d := &fakeDialer{}
	cfg := testPoolConfig(2, 1)
	cfg.MaxConnectionTTL = 0
	cfg.IdleValidationInterval = time.Second
	p := newTestPool(t, cfg, d, WithClock(mock))
	route := testRoute("a.example")

	c1, err := p.Acquire(context.Background(), route, 0, time.Second)
	require.NoError(t, err)
	p.Release(c1, time.Minute, true)
	mock.Add(2 * time.Second)

	c2, err := p.Acquire(context.Background(), route, 0, time.Second)
	require.NoError(t, err)
	assert.Equal(t, c1.ID(), c2.ID())
}

// -- Test Cases: Metrics --

func TestPool_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics("pool_test", reg)
	d := &fakeDialer{}
	p := newTestPool(t, testPoolConfig(2, 2), d, WithMetrics(metrics))
	route := testRoute("a.example")

	c1, err := p.Acquire(context.Background(), route, time.Second, time.Second)
	require.NoError(t, err)
	c2, err := p.Acquire(context.Background(), route, time.Second, time.Second)
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.ConnectionsOpened))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.ConnectionsLeased))

	p.Release(c1, time.Minute, true)
	p.Release(c2, time.Minute, false)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ConnectionsIdle))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.ConnectionsLeased))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ConnectionsClosed.WithLabelValues("not_reusable")))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.AcquireWait))
}

func ExamplePool_Stats() {
	d := &fakeDialer{}
	p, _ := NewPool(testPoolConfig(8, 1), d.dial, nil)
	defer p.Close()

	c, _ := p.Acquire(context.Background(), testRoute("a.example"), time.Second, time.Second)
	p.Release(c, time.Minute, true)
	fmt.Printf("%+v\n", p.Stats())
	// Output: {Leased:0 Idle:1 Pending:0 Routes:1 MaxTotal:8 MaxPerRoute:1}
}
