package core

import (
	"sync"
	"time"

	"flowproxy/logger"
)

// PoolOptions bounds the idle connection pool.
type PoolOptions struct {
	MaxIdle     int           // idle connections kept per key
	IdleTimeout time.Duration // evict after this long unused
	MaxLifetime time.Duration // evict after this long since dial
}

func (o PoolOptions) withDefaults() PoolOptions {
	if o.MaxIdle <= 0 {
		o.MaxIdle = 1
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 90 * time.Second
	}
	if o.MaxLifetime <= 0 {
		o.MaxLifetime = 10 * time.Minute
	}
	return o
}

// poolKey scopes idle connections to the client connection that opened them.
type poolKey struct {
	owner string
	dest  Destination
}

// PoolStats counts pool traffic.
type PoolStats struct {
	Hits      int64
	Misses    int64
	Released  int64
	Discarded int64
	Idle      int
}

// Pool holds idle upstream connections. Entries are keyed by owning client
// connection and destination, so a connection is only ever reused for
// requests arriving on the client connection that opened it.
type Pool struct {
	mu    sync.Mutex
	idle  map[poolKey][]*Conn
	opts  PoolOptions
	stats PoolStats
	stop  chan struct{}
	once  sync.Once
}

func NewPool(opts PoolOptions) *Pool {
	p := &Pool{
		idle: make(map[poolKey][]*Conn),
		opts: opts.withDefaults(),
		stop: make(chan struct{}),
	}
	go p.periodicCleanup()
	return p
}

func (p *Pool) expired(c *Conn, now time.Time) bool {
	return c.Closed() || now.Sub(c.LastUsed()) > p.opts.IdleTimeout || now.Sub(c.Created) > p.opts.MaxLifetime
}

// Acquire pops the most recently released live connection for owner and
// dest, or returns nil.
func (p *Pool) Acquire(owner string, dest Destination) *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := poolKey{owner, dest}
	conns := p.idle[key]
	now := time.Now()
	for i := len(conns) - 1; i >= 0; i-- {
		c := conns[i]
		conns = conns[:i]
		if p.expired(c, now) {
			c.Close()
			p.stats.Discarded++
			continue
		}
		p.setLocked(key, conns)
		p.stats.Hits++
		return c
	}
	p.setLocked(key, conns)
	p.stats.Misses++
	return nil
}

// Release returns c to the pool. A full slot closes c instead.
func (p *Pool) Release(owner string, c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c.Closed() {
		return
	}
	key := poolKey{owner, c.Dest}
	conns := p.idle[key]
	if len(conns) >= p.opts.MaxIdle {
		c.Close()
		p.stats.Discarded++
		return
	}
	p.idle[key] = append(conns, c)
	p.stats.Released++
}

// Discard closes c without pooling it.
func (p *Pool) Discard(c *Conn) {
	if c == nil {
		return
	}
	c.Close()
	p.mu.Lock()
	p.stats.Discarded++
	p.mu.Unlock()
}

// DiscardOwner closes every idle connection opened for owner. Called when the
// client connection goes away.
func (p *Pool) DiscardOwner(owner string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, conns := range p.idle {
		if key.owner != owner {
			continue
		}
		for _, c := range conns {
			c.Close()
			p.stats.Discarded++
		}
		delete(p.idle, key)
	}
}

func (p *Pool) setLocked(key poolKey, conns []*Conn) {
	if len(conns) == 0 {
		delete(p.idle, key)
		return
	}
	p.idle[key] = conns
}

func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	for _, conns := range p.idle {
		s.Idle += len(conns)
	}
	return s
}

// Close stops the cleanup loop and closes all idle connections.
func (p *Pool) Close() {
	p.once.Do(func() { close(p.stop) })
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, conns := range p.idle {
		for _, c := range conns {
			c.Close()
		}
	}
	p.idle = make(map[poolKey][]*Conn)
}

func (p *Pool) periodicCleanup() {
	ticker := time.NewTicker(p.opts.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.cleanup()
		}
	}
}

func (p *Pool) cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	evicted := 0
	for key, conns := range p.idle {
		var active []*Conn
		for _, c := range conns {
			if p.expired(c, now) {
				c.Close()
				evicted++
				continue
			}
			active = append(active, c)
		}
		p.setLocked(key, active)
	}
	if evicted > 0 {
		p.stats.Discarded += int64(evicted)
		logger.ProxyDebug("Pool cleanup evicted %d idle connections", evicted)
	}
}
