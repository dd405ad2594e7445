package core

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeConn(t *testing.T, dest Destination) *Conn {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	c := newConn(a)
	c.Dest = dest
	return c
}

func TestPoolAcquireRelease(t *testing.T) {
	p := NewPool(PoolOptions{MaxIdle: 2})
	defer p.Close()
	dest := Destination{Scheme: "http", Host: "example.com", Port: 80}

	assert.Nil(t, p.Acquire("client-1", dest))

	c1 := pipeConn(t, dest)
	c2 := pipeConn(t, dest)
	p.Release("client-1", c1)
	p.Release("client-1", c2)

	assert.Same(t, c2, p.Acquire("client-1", dest), "most recently released first")
	assert.Same(t, c1, p.Acquire("client-1", dest))
	assert.Nil(t, p.Acquire("client-1", dest))

	s := p.Stats()
	assert.Equal(t, int64(2), s.Hits)
	assert.Equal(t, int64(2), s.Misses)
	assert.Equal(t, 0, s.Idle)
}

func TestPoolKeysByOwnerAndDestination(t *testing.T) {
	p := NewPool(PoolOptions{})
	defer p.Close()
	a := Destination{Scheme: "http", Host: "a", Port: 80}
	b := Destination{Scheme: "https", Host: "a", Port: 80}

	c := pipeConn(t, a)
	p.Release("owner", c)
	assert.Nil(t, p.Acquire("other", a))
	assert.Nil(t, p.Acquire("owner", b))
	assert.Same(t, c, p.Acquire("owner", a))
}

func TestPoolMaxIdle(t *testing.T) {
	p := NewPool(PoolOptions{MaxIdle: 1})
	defer p.Close()
	dest := Destination{Scheme: "http", Host: "a", Port: 80}

	c1 := pipeConn(t, dest)
	c2 := pipeConn(t, dest)
	p.Release("o", c1)
	p.Release("o", c2)
	assert.True(t, c2.Closed())
	assert.Equal(t, 1, p.Stats().Idle)
}

func TestPoolSkipsExpiredAndClosed(t *testing.T) {
	p := NewPool(PoolOptions{IdleTimeout: 50 * time.Millisecond})
	defer p.Close()
	dest := Destination{Scheme: "http", Host: "a", Port: 80}

	stale := pipeConn(t, dest)
	p.Release("o", stale)
	time.Sleep(80 * time.Millisecond)
	assert.Nil(t, p.Acquire("o", dest))
	assert.True(t, stale.Closed())

	closed := pipeConn(t, dest)
	p.Release("o", closed)
	closed.Close()
	assert.Nil(t, p.Acquire("o", dest))
}

func TestPoolDiscardOwner(t *testing.T) {
	p := NewPool(PoolOptions{})
	defer p.Close()
	dest := Destination{Scheme: "http", Host: "a", Port: 80}

	mine := pipeConn(t, dest)
	theirs := pipeConn(t, dest)
	p.Release("mine", mine)
	p.Release("theirs", theirs)

	p.DiscardOwner("mine")
	assert.True(t, mine.Closed())
	assert.False(t, theirs.Closed())
	assert.Equal(t, 1, p.Stats().Idle)
}

func TestPoolCleanup(t *testing.T) {
	p := NewPool(PoolOptions{IdleTimeout: 40 * time.Millisecond})
	defer p.Close()
	dest := Destination{Scheme: "http", Host: "a", Port: 80}

	c := pipeConn(t, dest)
	p.Release("o", c)
	require.Eventually(t, c.Closed, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, p.Stats().Idle)
}
