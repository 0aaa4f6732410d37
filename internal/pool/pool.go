// Package pool manages the fixed set of PostgreSQL connections behind the
// shim. Slots move through a small lock-free state machine; the atomic state
// word is the only lock, so acquisition stays cheap on the host's hot path.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jabrown93/plex-postgresql-sub002/internal/config"
	"github.com/jabrown93/plex-postgresql-sub002/internal/metrics"
	"github.com/jabrown93/plex-postgresql-sub002/internal/pgclient"
	"github.com/jabrown93/plex-postgresql-sub002/pkg/logger"
)

// Slot states. Transitions only happen through CompareAndSwap, so every state
// change has exactly one winner.
const (
	stateFree int32 = iota
	stateReserved
	stateInUse
)

var (
	// ErrExhausted means every slot is taken; callers fall back to the real
	// engine rather than block the host.
	ErrExhausted = errors.New("connection pool exhausted")
	// ErrClosed means the pool has shut down.
	ErrClosed = errors.New("connection pool closed")
)

// healthCheckIdle is how long a connection may sit unused before the next
// acquisition pings it first.
const healthCheckIdle = 30 * time.Second

type slot struct {
	state      atomic.Int32
	owner      atomic.Uint64 // current lease token, 0 when free
	lastOwner  atomic.Uint64 // affinity hint for re-acquisition
	acquiredAt atomic.Int64  // unix nanos of the current lease
	lastUsed   atomic.Int64  // unix nanos of the last release
	generation atomic.Uint64 // bumped on every client replacement

	// client is only replaced by whoever holds the slot in RESERVED or
	// IN_USE; the atomic pointer lets Stats read it from outside.
	client atomic.Pointer[pgclient.Client]
	index  int
}

// Pool is the fixed-size connection pool.
type Pool struct {
	cfg   *config.Config
	slots []*slot
	dial  func(ctx context.Context) (*pgclient.Client, error)
	reset func(ctx context.Context, c *pgclient.Client) error
	alive func(c *pgclient.Client) bool

	tokens atomic.Uint64
	closed atomic.Bool

	stopReaper chan struct{}
	wg         *sync.WaitGroup

	acquires      atomic.Uint64
	exhaustions   atomic.Uint64
	reconnects    atomic.Uint64
	staleReclaims atomic.Uint64
}

// New builds the pool. Connections are dialed lazily on first acquisition of
// each slot.
func New(cfg *config.Config) *Pool {
	size := cfg.Shim.PoolSize
	if size <= 0 {
		size = 20
	}
	p := &Pool{
		cfg:        cfg,
		slots:      make([]*slot, size),
		stopReaper: make(chan struct{}),
		wg:         &sync.WaitGroup{},
	}
	p.dial = func(ctx context.Context) (*pgclient.Client, error) {
		return pgclient.Connect(ctx, &cfg.Postgres, cfg.Cache.PreparedCapacity)
	}
	p.reset = func(ctx context.Context, c *pgclient.Client) error {
		return c.ResetSession(ctx)
	}
	p.alive = func(c *pgclient.Client) bool {
		return !c.IsClosed()
	}
	for i := range p.slots {
		p.slots[i] = &slot{index: i}
	}
	p.startBackground()
	return p
}

// startBackground launches the reaper and, when configured, the keepalive
// pinger. Each goroutine holds the WaitGroup it was started under so a
// post-fork re-arm never waits on the parent's goroutines.
func (p *Pool) startBackground() {
	p.wg.Add(1)
	go p.reaperLoop(p.wg)
	if p.cfg.Shim.KeepaliveInterval.Duration > 0 {
		p.wg.Add(1)
		go p.keepaliveLoop(p.wg, p.cfg.Shim.KeepaliveInterval.Duration)
	}
}

// NextToken issues a lease token for a new host connection.
func (p *Pool) NextToken() uint64 {
	return p.tokens.Add(1)
}

// Lease is one acquired slot. Exactly one of Release or ReleaseAfterError
// must be called when the caller is done.
type Lease struct {
	Client *pgclient.Client

	p     *Pool
	s     *slot
	token uint64
}

// Generation identifies the client instance behind this lease; result-cache
// entries keyed on it die with the connection.
func (l *Lease) Generation() uint64 { return l.s.generation.Load() }

// SlotIndex reports which slot backs the lease, for diagnostics.
func (l *Lease) SlotIndex() int { return l.s.index }

// Acquire finds a connection for token. The last slot this token used is
// preferred so a host connection keeps hitting its own prepared statements.
func (p *Pool) Acquire(ctx context.Context, token uint64) (*Lease, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}

	// Affinity pass, then warm free slots, then empty ones. A warm slot
	// belonging to another token still beats dialing a fresh connection.
	var reserved *slot
	for _, s := range p.slots {
		if s.lastOwner.Load() == token && s.state.CompareAndSwap(stateFree, stateReserved) {
			reserved = s
			break
		}
	}
	if reserved == nil {
		for _, s := range p.slots {
			if s.client.Load() != nil && s.state.CompareAndSwap(stateFree, stateReserved) {
				reserved = s
				break
			}
		}
	}
	if reserved == nil {
		for _, s := range p.slots {
			if s.state.CompareAndSwap(stateFree, stateReserved) {
				reserved = s
				break
			}
		}
	}
	if reserved == nil {
		p.exhaustions.Add(1)
		metrics.PoolAcquireFailuresTotal.WithLabelValues("exhausted").Inc()
		return nil, ErrExhausted
	}

	newOwner := reserved.lastOwner.Load() != token
	if err := p.ensureClient(ctx, reserved, newOwner); err != nil {
		reserved.state.Store(stateFree)
		metrics.PoolAcquireFailuresTotal.WithLabelValues("connect").Inc()
		return nil, err
	}

	now := time.Now().UnixNano()
	reserved.owner.Store(token)
	reserved.acquiredAt.Store(now)
	reserved.state.Store(stateInUse)

	p.acquires.Add(1)
	metrics.PoolAcquiresTotal.Inc()
	metrics.PoolSlotsInUse.Inc()
	return &Lease{Client: reserved.client.Load(), p: p, s: reserved, token: token}, nil
}

// ensureClient makes the reserved slot hold a live connection, dialing or
// replacing as needed. The caller owns the slot. newOwner marks a warm
// connection changing hands; the inherited session may hold an open
// transaction or altered settings, so it is reset before handover.
func (p *Pool) ensureClient(ctx context.Context, s *slot, newOwner bool) error {
	c := s.client.Load()
	if c != nil && !p.alive(c) {
		p.dropClient(s, false)
		c = nil
	}
	if c == nil {
		return p.dialInto(ctx, s)
	}

	if newOwner {
		rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := p.reset(rctx, c)
		cancel()
		if err == nil {
			s.lastUsed.Store(time.Now().UnixNano())
			return nil
		}
		logger.Warn("pool slot %d failed session reset, reconnecting: %v", s.index, err)
		p.dropClient(s, false)
		p.reconnects.Add(1)
		metrics.PoolReconnectsTotal.Inc()
		return p.dialInto(ctx, s)
	}

	idle := time.Duration(time.Now().UnixNano() - s.lastUsed.Load())
	if idle < healthCheckIdle {
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	err := c.Ping(pctx)
	cancel()
	if err == nil {
		return nil
	}
	logger.Warn("pool slot %d failed health check, reconnecting: %v", s.index, err)
	p.dropClient(s, false)
	p.reconnects.Add(1)
	metrics.PoolReconnectsTotal.Inc()
	return p.dialInto(ctx, s)
}

// dialInto connects a fresh client into the reserved slot.
func (p *Pool) dialInto(ctx context.Context, s *slot) error {
	cctx, cancel := context.WithTimeout(ctx, p.connectTimeout())
	defer cancel()
	c, err := p.dial(cctx)
	if err != nil {
		return err
	}
	s.client.Store(c)
	s.generation.Add(1)
	s.lastUsed.Store(time.Now().UnixNano())
	return nil
}

func (p *Pool) connectTimeout() time.Duration {
	if d := p.cfg.Postgres.ConnectTimeout.Duration; d > 0 {
		return d
	}
	return 30 * time.Second
}

// dropClient disposes the slot's client. polite sends Terminate; otherwise
// the socket is just closed.
func (p *Pool) dropClient(s *slot, polite bool) {
	c := s.client.Load()
	if c == nil {
		return
	}
	if polite {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		c.Close(ctx)
		cancel()
	} else {
		c.Abandon()
	}
	s.client.Store(nil)
	s.generation.Add(1)
}

// Release returns the lease's slot to the free set.
func (l *Lease) Release() {
	l.release(false)
}

// ReleaseAfterError returns the slot, dropping the connection first when err
// says the session is unusable.
func (l *Lease) ReleaseAfterError(err error) {
	fatal := pgclient.IsFatal(err)
	if fatal {
		logger.Warn("pool slot %d dropped after fatal error: %v", l.s.index, err)
	}
	l.release(fatal)
}

// release moves the slot back to FREE. The IN_USE to RESERVED swap decides
// who owns the slot when a release races the reaper's stale reclaim; the
// loser walks away.
func (l *Lease) release(dropConn bool) {
	s := l.s
	if !s.state.CompareAndSwap(stateInUse, stateReserved) {
		// The reaper already reclaimed this lease as stale.
		return
	}
	if s.owner.Load() != l.token {
		// Reclaimed and re-leased between our load and the swap; hand the
		// slot back to its new owner untouched.
		s.state.Store(stateInUse)
		return
	}
	if dropConn {
		l.p.dropClient(s, false)
		l.p.reconnects.Add(1)
		metrics.PoolReconnectsTotal.Inc()
	}
	s.owner.Store(0)
	s.lastOwner.Store(l.token)
	s.lastUsed.Store(time.Now().UnixNano())
	s.state.Store(stateFree)
	metrics.PoolSlotsInUse.Dec()
}

// reaperLoop periodically reclaims stale owners and closes idle connections.
func (p *Pool) reaperLoop(wg *sync.WaitGroup) {
	defer wg.Done()
	interval := p.cfg.Shim.ReaperInterval.Duration
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopReaper:
			return
		case <-ticker.C:
			p.reapOnce(time.Now())
		}
	}
}

// reapOnce runs one reaper sweep. Stale IN_USE slots are force-released;
// FREE slots idle past the threshold lose their connection.
func (p *Pool) reapOnce(now time.Time) {
	staleAfter := p.cfg.Shim.StaleOwnerTimeout.Duration
	if staleAfter <= 0 {
		staleAfter = 30 * time.Second
	}
	idleAfter := p.cfg.Shim.ReaperIdleTimeout.Duration
	if idleAfter <= 0 {
		idleAfter = 5 * time.Minute
	}

	for _, s := range p.slots {
		switch s.state.Load() {
		case stateInUse:
			age := now.UnixNano() - s.acquiredAt.Load()
			if time.Duration(age) < staleAfter {
				continue
			}
			owner := s.owner.Load()
			// The owner never released; take the slot back. The connection
			// may carry half-done work, so it is dropped, not reused.
			if !s.state.CompareAndSwap(stateInUse, stateReserved) {
				continue
			}
			logger.Warn("pool slot %d reclaimed from stale owner %d", s.index, owner)
			p.dropClient(s, false)
			s.owner.Store(0)
			s.state.Store(stateFree)
			p.staleReclaims.Add(1)
			metrics.PoolStaleReclaimsTotal.Inc()
			metrics.PoolSlotsInUse.Dec()
		case stateFree:
			if s.client.Load() == nil {
				continue
			}
			idle := now.UnixNano() - s.lastUsed.Load()
			if time.Duration(idle) < idleAfter {
				continue
			}
			if !s.state.CompareAndSwap(stateFree, stateReserved) {
				continue
			}
			// Recheck under reservation; an acquire may have just finished.
			if s.client.Load() != nil && time.Duration(now.UnixNano()-s.lastUsed.Load()) >= idleAfter {
				logger.Debug("pool slot %d idle for %s, closing", s.index, time.Duration(idle))
				p.dropClient(s, true)
			}
			s.state.Store(stateFree)
		}
	}
}

// keepaliveLoop pings free connections so idle sessions survive NAT and
// firewall timeouts between library scans.
func (p *Pool) keepaliveLoop(wg *sync.WaitGroup, interval time.Duration) {
	defer wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopReaper:
			return
		case <-ticker.C:
			for _, s := range p.slots {
				if !s.state.CompareAndSwap(stateFree, stateReserved) {
					continue
				}
				if c := s.client.Load(); c != nil {
					ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					err := c.Ping(ctx)
					cancel()
					if err != nil {
						logger.Warn("pool slot %d keepalive failed: %v", s.index, err)
						p.dropClient(s, false)
					}
				}
				s.state.Store(stateFree)
			}
		}
	}
}

// AfterFork abandons every connection without touching the wire protocol and
// resets slot bookkeeping. Only the forked child calls this, before it starts
// any goroutines, so the unconditional state stores cannot race anything.
func (p *Pool) AfterFork() {
	for _, s := range p.slots {
		s.state.Store(stateReserved)
		if c := s.client.Load(); c != nil {
			c.Abandon()
			s.client.Store(nil)
		}
		s.generation.Add(1)
		s.owner.Store(0)
		s.lastOwner.Store(0)
		s.state.Store(stateFree)
	}

	// The parent's background goroutines did not survive the fork, but the
	// WaitGroup counter did. Start fresh loops under a fresh group.
	p.wg = &sync.WaitGroup{}
	p.startBackground()

	// Leases held at fork time are gone with the parent's threads.
	metrics.PoolSlotsInUse.Set(0)
	metrics.ForkResetsTotal.Inc()
	logger.Info("pool reset after fork: %d slots abandoned", len(p.slots))
}

// Close shuts the pool down, politely closing every connection.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.stopReaper)
	p.wg.Wait()
	for _, s := range p.slots {
		s.state.Store(stateReserved)
		p.dropClient(s, true)
		s.owner.Store(0)
		s.state.Store(stateFree)
	}
}

// Stats is a point-in-time snapshot for the diagnostics endpoints.
type Stats struct {
	Size          int    `json:"size"`
	Free          int    `json:"free"`
	InUse         int    `json:"in_use"`
	Connected     int    `json:"connected"`
	Acquires      uint64 `json:"acquires"`
	Exhaustions   uint64 `json:"exhaustions"`
	Reconnects    uint64 `json:"reconnects"`
	StaleReclaims uint64 `json:"stale_reclaims"`
}

// Stats counts slot states. Connected counts slots holding a live client,
// which is precise only for slots not mid-transition.
func (p *Pool) Stats() Stats {
	st := Stats{
		Size:          len(p.slots),
		Acquires:      p.acquires.Load(),
		Exhaustions:   p.exhaustions.Load(),
		Reconnects:    p.reconnects.Load(),
		StaleReclaims: p.staleReclaims.Load(),
	}
	for _, s := range p.slots {
		switch s.state.Load() {
		case stateFree:
			st.Free++
		case stateInUse:
			st.InUse++
		}
		if s.client.Load() != nil {
			st.Connected++
		}
	}
	return st
}
