package mtlshttp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// PoolConfig bounds the pool and the lifetime of its connections.
type PoolConfig struct {
	MaxTotalConnections    int
	MaxConnectionsPerRoute int
	// IdleValidationInterval is the idle time after which a connection is
	// probed before being handed out. Zero disables probing.
	IdleValidationInterval time.Duration
	// MaxConnectionTTL caps a connection's total lifetime. Zero means no cap.
	MaxConnectionTTL time.Duration
	// DefaultKeepAlive is used by DefaultKeepAlive when the server sends no timeout.
	DefaultKeepAlive time.Duration
	// EvictionInterval is the period of the background sweeper. Zero disables it.
	EvictionInterval time.Duration
}

// NewDefaultPoolConfig returns 8 connections in total, one per route and a
// ten second keep-alive, lifetime and validation interval.
func NewDefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxTotalConnections:    8,
		MaxConnectionsPerRoute: 1,
		IdleValidationInterval: 10 * time.Second,
		MaxConnectionTTL:       10 * time.Second,
		DefaultKeepAlive:       10 * time.Second,
		EvictionInterval:       5 * time.Second,
	}
}

// Validate checks the pool bounds.
func (c PoolConfig) Validate() error {
	if c.MaxTotalConnections <= 0 {
		return fmt.Errorf("MaxTotalConnections must be positive, got %d", c.MaxTotalConnections)
	}
	if c.MaxConnectionsPerRoute <= 0 {
		return fmt.Errorf("MaxConnectionsPerRoute must be positive, got %d", c.MaxConnectionsPerRoute)
	}
	if c.IdleValidationInterval < 0 || c.MaxConnectionTTL < 0 || c.DefaultKeepAlive < 0 || c.EvictionInterval < 0 {
		return errors.New("pool durations can not be negative")
	}
	return nil
}

// DialFunc establishes a connection for route within ctx, which carries the
// connect timeout.
type DialFunc func(ctx context.Context, route Route) (net.Conn, error)

// PoolStats is a point in time snapshot of pool occupancy.
type PoolStats struct {
	Leased      int `json:"leased"`
	Idle        int `json:"idle"`
	Pending     int `json:"pending"`
	Routes      int `json:"routes"`
	MaxTotal    int `json:"max_total"`
	MaxPerRoute int `json:"max_per_route"`
}

// routePool tracks the connections of one route. idle is ordered from least
// to most recently used.
type routePool struct {
	idle    []*PooledConn
	leased  int
	pending int
}

func (rp *routePool) count() int { return len(rp.idle) + rp.leased + rp.pending }

// Pool is a bounded, per-route pool of TLS connections. A single mutex
// guards every occupancy transition; waiters are woken by closing changed.
type Pool struct {
	cfg     PoolConfig
	dial    DialFunc
	clock   clock.Clock
	logger  *zap.Logger
	metrics *Metrics

	mu      sync.Mutex
	routes  map[Route]*routePool
	total   int
	leased  int
	idle    int
	pending int
	nextID  uint64
	closed  bool
	changed chan struct{}

	closeChan chan struct{}
	evictorWG sync.WaitGroup
}

// PoolOption customizes a Pool.
type PoolOption func(*Pool)

// WithClock sets the time source used for lifetimes and acquire timeouts.
func WithClock(c clock.Clock) PoolOption {
	return func(p *Pool) { p.clock = c }
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *Metrics) PoolOption {
	return func(p *Pool) { p.metrics = m }
}

// NewPool creates a pool that dials with dial and starts the background evictor.
func NewPool(cfg PoolConfig, dial DialFunc, logger *zap.Logger, opts ...PoolOption) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool configuration: %w", err)
	}
	if dial == nil {
		return nil, errors.New("dial function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		cfg:       cfg,
		dial:      dial,
		clock:     clock.New(),
		logger:    logger.Named("pool"),
		routes:    make(map[Route]*routePool),
		changed:   make(chan struct{}),
		closeChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	if cfg.EvictionInterval > 0 {
		p.evictorWG.Add(1)
		go p.connectionEvictor()
	}
	return p, nil
}

// Acquire leases a connection for route. It reuses the most recently used
// idle connection, dials a new one within the caps, or waits until a slot
// frees, acquireTimeout elapses or ctx is done. acquireTimeout <= 0 waits
// for ctx only.
func (p *Pool) Acquire(ctx context.Context, route Route, acquireTimeout, connectTimeout time.Duration) (*PooledConn, error) {
	start := p.clock.Now()
	var timeout <-chan time.Time
	if acquireTimeout > 0 {
		timer := p.clock.Timer(acquireTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		now := p.clock.Now()
		rp := p.routeLocked(route)
		retired := p.sweepLocked(rp, now)

		// Reuse the most recently used idle connection.
		if n := len(rp.idle); n > 0 {
			c := rp.idle[n-1]
			rp.idle[n-1] = nil
			rp.idle = rp.idle[:n-1]
			p.idle--
			rp.leased++
			p.leased++
			c.state = stateLeased
			c.reused = true
			probe := p.cfg.IdleValidationInterval > 0 && now.Sub(c.lastUsedAt) > p.cfg.IdleValidationInterval
			p.notifyLocked()
			p.mu.Unlock()
			p.closeAll(retired, "expired")

			if probe && !c.alive() {
				p.logger.Debug("Idle connection failed liveness probe", zap.Stringer("route", route), zap.Uint64("conn_id", c.id))
				p.retire(c, "stale")
				continue
			}
			p.metrics.observeAcquire(p.clock.Since(start).Seconds())
			return c, nil
		}

		// Dial when both caps allow it, making room in another route's idle
		// list if only the global cap is in the way.
		canDial := rp.count() < p.cfg.MaxConnectionsPerRoute && p.total < p.cfg.MaxTotalConnections
		if !canDial && rp.count() < p.cfg.MaxConnectionsPerRoute {
			if victim := p.evictLRULocked(route); victim != nil {
				retired = append(retired, victim)
				canDial = true
			}
		}
		if canDial {
			rp.pending++
			p.pending++
			p.total++
			p.nextID++
			id := p.nextID
			p.notifyLocked()
			p.mu.Unlock()
			p.closeAll(retired, "evicted")

			c, err := p.connect(ctx, route, id, connectTimeout)
			if err != nil {
				return nil, err
			}
			p.metrics.observeAcquire(p.clock.Since(start).Seconds())
			return c, nil
		}

		wait := p.changed
		p.mu.Unlock()
		p.closeAll(retired, "expired")

		select {
		case <-wait:
		case <-timeout:
			stats := p.Stats()
			p.logger.Debug("Timed out waiting for a connection", zap.Stringer("route", route), zap.Duration("timeout", acquireTimeout))
			return nil, &PoolTimeoutError{Route: route, Timeout: acquireTimeout, Stats: stats}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// connect dials into a reserved slot and converts the reservation into a lease.
func (p *Pool) connect(ctx context.Context, route Route, id uint64, connectTimeout time.Duration) (*PooledConn, error) {
	dialCtx := ctx
	if connectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}

	dialStart := time.Now()
	netConn, err := p.dial(dialCtx, route)
	connectTime := time.Since(dialStart)

	p.mu.Lock()
	rp := p.routeLocked(route)
	rp.pending--
	p.pending--
	if err != nil {
		p.total--
		p.notifyLocked()
		p.mu.Unlock()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		p.logger.Debug("Failed to establish connection", zap.Stringer("route", route), zap.Error(err))
		return nil, &ConnectError{Route: route, Err: err}
	}
	if p.closed {
		p.total--
		p.notifyLocked()
		p.mu.Unlock()
		_ = netConn.Close()
		return nil, ErrPoolClosed
	}
	c := newPooledConn(id, route, netConn, p.clock.Now(), connectTime)
	rp.leased++
	p.leased++
	p.notifyLocked()
	p.mu.Unlock()

	p.metrics.connectionOpened()
	p.logger.Debug("Connection established",
		zap.Stringer("route", route),
		zap.Uint64("conn_id", id),
		zap.Duration("connect_time", connectTime))
	return c, nil
}

// Release returns a leased connection. A connection that is not reusable or
// has no keep-alive is closed; otherwise it becomes idle until the earlier of
// now+keepAlive and its TTL. Releasing a connection that is not leased is a no-op.
func (p *Pool) Release(c *PooledConn, keepAlive time.Duration, reusable bool) {
	if c == nil {
		return
	}
	p.mu.Lock()
	if c.state != stateLeased {
		p.mu.Unlock()
		return
	}
	rp := p.routeLocked(c.route)
	rp.leased--
	p.leased--

	now := p.clock.Now()
	c.lastUsedAt = now

	reason := ""
	expiry := now.Add(keepAlive)
	if p.cfg.MaxConnectionTTL > 0 {
		if ttl := c.createdAt.Add(p.cfg.MaxConnectionTTL); ttl.Before(expiry) {
			expiry = ttl
		}
	}
	switch {
	case p.closed:
		reason = "pool_closed"
	case !reusable:
		reason = "not_reusable"
	case keepAlive <= 0:
		reason = "no_keep_alive"
	case !expiry.After(now):
		reason = "expired"
	}

	if reason != "" {
		c.state = stateRetiring
		p.total--
		p.notifyLocked()
		p.mu.Unlock()
		p.closeConn(c, reason)
		return
	}

	c.state = stateIdle
	c.expiresAt = expiry
	rp.idle = append(rp.idle, c)
	p.idle++
	p.notifyLocked()
	p.mu.Unlock()
}

// retire closes a leased connection and frees its slot.
func (p *Pool) retire(c *PooledConn, reason string) {
	p.mu.Lock()
	if c.state != stateLeased {
		p.mu.Unlock()
		return
	}
	rp := p.routeLocked(c.route)
	rp.leased--
	p.leased--
	p.total--
	c.state = stateRetiring
	p.notifyLocked()
	p.mu.Unlock()
	p.closeConn(c, reason)
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

// RouteStats returns the occupancy of a single route.
func (p *Pool) RouteStats(route Route) PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := PoolStats{MaxTotal: p.cfg.MaxTotalConnections, MaxPerRoute: p.cfg.MaxConnectionsPerRoute}
	if rp, ok := p.routes[route]; ok {
		s.Leased, s.Idle, s.Pending = rp.leased, len(rp.idle), rp.pending
		if rp.count() > 0 {
			s.Routes = 1
		}
	}
	return s
}

// Close stops the evictor and closes idle connections. Leased connections are
// closed when released. Close is idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var toClose []*PooledConn
	for _, rp := range p.routes {
		for _, c := range rp.idle {
			c.state = stateRetiring
			toClose = append(toClose, c)
		}
		p.idle -= len(rp.idle)
		p.total -= len(rp.idle)
		rp.idle = nil
	}
	p.notifyLocked()
	p.mu.Unlock()

	close(p.closeChan)
	p.evictorWG.Wait()

	p.closeAll(toClose, "pool_closed")
	return nil
}

// connectionEvictor runs in the background and periodically retires expired
// idle connections.
func (p *Pool) connectionEvictor() {
	defer p.evictorWG.Done()

	ticker := p.clock.Ticker(p.cfg.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.closeChan:
			return
		case <-ticker.C:
			p.EvictExpired()
		}
	}
}

// EvictExpired retires idle connections whose keep-alive or TTL has passed
// and returns how many were closed.
func (p *Pool) EvictExpired() int {
	p.mu.Lock()
	now := p.clock.Now()
	var toClose []*PooledConn
	for route, rp := range p.routes {
		toClose = append(toClose, p.sweepLocked(rp, now)...)
		if rp.count() == 0 {
			delete(p.routes, route)
		}
	}
	p.mu.Unlock()

	if len(toClose) > 0 {
		p.logger.Debug("Evicting expired idle connections", zap.Int("count", len(toClose)))
		p.closeAll(toClose, "expired")
	}
	return len(toClose)
}

func (p *Pool) routeLocked(route Route) *routePool {
	rp, ok := p.routes[route]
	if !ok {
		rp = &routePool{}
		p.routes[route] = rp
	}
	return rp
}

// sweepLocked removes expired idle connections of rp. The caller closes
// the returned connections after unlocking.
func (p *Pool) sweepLocked(rp *routePool, now time.Time) []*PooledConn {
	var expired []*PooledConn
	kept := rp.idle[:0]
	for _, c := range rp.idle {
		if now.Before(c.expiresAt) {
			kept = append(kept, c)
			continue
		}
		c.state = stateRetiring
		expired = append(expired, c)
	}
	for i := len(kept); i < len(rp.idle); i++ {
		rp.idle[i] = nil
	}
	rp.idle = kept
	if n := len(expired); n > 0 {
		p.idle -= n
		p.total -= n
		p.notifyLocked()
	}
	return expired
}

// evictLRULocked removes the least recently used idle connection of a route
// other than route.
func (p *Pool) evictLRULocked(route Route) *PooledConn {
	var victimRoute *routePool
	var victim *PooledConn
	for r, rp := range p.routes {
		if r == route || len(rp.idle) == 0 {
			continue
		}
		if c := rp.idle[0]; victim == nil || c.lastUsedAt.Before(victim.lastUsedAt) {
			victim, victimRoute = c, rp
		}
	}
	if victim == nil {
		return nil
	}
	victimRoute.idle[0] = nil
	victimRoute.idle = victimRoute.idle[1:]
	victim.state = stateRetiring
	p.idle--
	p.total--
	return victim
}

func (p *Pool) statsLocked() PoolStats {
	s := PoolStats{
		Leased:      p.leased,
		Idle:        p.idle,
		Pending:     p.pending,
		MaxTotal:    p.cfg.MaxTotalConnections,
		MaxPerRoute: p.cfg.MaxConnectionsPerRoute,
	}
	for _, rp := range p.routes {
		if rp.count() > 0 {
			s.Routes++
		}
	}
	return s
}

// notifyLocked wakes every waiter and publishes occupancy.
func (p *Pool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
	p.metrics.setOccupancy(p.statsLocked())
}

func (p *Pool) closeAll(conns []*PooledConn, reason string) {
	for _, c := range conns {
		p.closeConn(c, reason)
	}
}

func (p *Pool) closeConn(c *PooledConn, reason string) {
	if err := c.close(); err != nil && !errors.Is(err, net.ErrClosed) {
		p.logger.Debug("Error closing connection", zap.Uint64("conn_id", c.id), zap.Error(err))
	}
	p.metrics.connectionClosed(reason)
}
