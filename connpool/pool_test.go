package connpool

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haxii/fastduplex/http"
	"github.com/haxii/fastduplex/transport"
)

type holdServer struct {
	ln    net.Listener
	conns chan net.Conn
}

func newHoldServer(t *testing.T) *holdServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &holdServer{ln: ln, conns: make(chan net.Conn, 16)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			s.conns <- c
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *holdServer) dial(t *testing.T) (*transport.Conn, net.Conn) {
	c, err := transport.Dial(context.Background(), s.ln.Addr().String(), nil)
	require.NoError(t, err)
	select {
	case srv := <-s.conns:
		t.Cleanup(func() { srv.Close() })
		return c, srv
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout!")
	}
	return nil, nil
}

func waitClosed(t *testing.T, c *transport.Conn) {
	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("connection %d not closed", c.ID())
	}
}

func TestPoolReuseLIFO(t *testing.T) {
	s := newHoldServer(t)
	p := &Pool{}
	defer p.Close()
	addr := s.ln.Addr().String()

	_, err := p.Acquire(addr)
	require.ErrorIs(t, err, ErrNotReusable)

	c1, _ := s.dial(t)
	c2, _ := s.dial(t)
	require.True(t, p.Release(c1))
	require.True(t, p.Release(c2))
	require.Equal(t, 2, p.Len(addr))

	got, err := p.Acquire(addr)
	require.NoError(t, err)
	require.Same(t, c2, got)
	require.True(t, got.Claimed())
	got, err = p.Acquire(addr)
	require.NoError(t, err)
	require.Same(t, c1, got)
	_, err = p.Acquire(addr)
	require.ErrorIs(t, err, ErrNotReusable)
}

func TestPoolSkipsDeadConns(t *testing.T) {
	s := newHoldServer(t)
	p := &Pool{}
	defer p.Close()
	addr := s.ln.Addr().String()

	alive, _ := s.dial(t)
	dead, deadSrv := s.dial(t)
	require.True(t, p.Release(alive))
	require.True(t, p.Release(dead))
	deadSrv.Close()
	waitClosed(t, dead)

	got, err := p.Acquire(addr)
	require.NoError(t, err)
	require.Same(t, alive, got)
}

func TestPoolReuseAttemptsBound(t *testing.T) {
	s := newHoldServer(t)
	addr := s.ln.Addr().String()

	var dead []*transport.Conn
	for i := 0; i < 3; i++ {
		c, _ := s.dial(t)
		c.Close()
		waitClosed(t, c)
		dead = append(dead, c)
	}
	// placed directly so no cleaner sweeps them first
	idleSet := func() map[string]*hostConns {
		return map[string]*hostConns{addr: {conns: append([]*transport.Conn(nil), dead...)}}
	}

	p := &Pool{MaxReuseAttempts: 2}
	p.hosts = idleSet()
	_, err := p.Acquire(addr)
	require.ErrorIs(t, err, ErrNotReusable)
	require.Equal(t, 1, p.Len(addr))

	p = &Pool{}
	p.hosts = idleSet()
	_, err = p.Acquire(addr)
	require.ErrorIs(t, err, ErrNotReusable)
	require.Equal(t, 0, p.Len(addr))
}

type nopHandler struct{}

func (nopHandler) OnMessage(obj http.Object) { obj.Release() }
func (nopHandler) OnReadComplete()           {}
func (nopHandler) OnWritabilityChanged(bool) {}
func (nopHandler) OnInactive(error)          {}

func TestPoolRejects(t *testing.T) {
	s := newHoldServer(t)
	p := &Pool{}
	defer p.Close()
	addr := s.ln.Addr().String()

	busy, _ := s.dial(t)
	busy.SetHandler(nopHandler{})
	require.False(t, p.Release(busy))
	waitClosed(t, busy)

	closed, _ := s.dial(t)
	closed.Close()
	require.False(t, p.Release(closed))

	twice, _ := s.dial(t)
	require.True(t, p.Release(twice))
	require.False(t, p.Release(twice))
	require.Equal(t, 1, p.Len(addr))
	require.True(t, twice.IsActive())
}

func TestPoolMaxIdlePerHost(t *testing.T) {
	s := newHoldServer(t)
	p := &Pool{MaxIdleConnsPerHost: 1}
	defer p.Close()
	c1, _ := s.dial(t)
	c2, _ := s.dial(t)
	require.True(t, p.Release(c1))
	require.False(t, p.Release(c2))
	waitClosed(t, c2)
}

func TestPoolIdleCleaner(t *testing.T) {
	s := newHoldServer(t)
	p := &Pool{MaxIdleConnDuration: 100 * time.Millisecond}
	defer p.Close()
	c, _ := s.dial(t)
	require.True(t, p.Release(c))
	waitClosed(t, c)
	require.Eventually(t, func() bool { return p.Len(s.ln.Addr().String()) == 0 },
		3*time.Second, 10*time.Millisecond)
}

func TestPoolClose(t *testing.T) {
	s := newHoldServer(t)
	p := &Pool{}
	c1, _ := s.dial(t)
	require.True(t, p.Release(c1))
	p.Close()
	waitClosed(t, c1)
	c2, _ := s.dial(t)
	require.False(t, p.Release(c2))
	waitClosed(t, c2)
}

func TestPoolReleaseRacesCleaner(t *testing.T) {
	s := newHoldServer(t)
	p := &Pool{MaxIdleConnDuration: time.Millisecond}

	var conns []*transport.Conn
	for i := 0; i < 12; i++ {
		c, _ := s.dial(t)
		conns = append(conns, c)
	}
	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *transport.Conn) {
			defer wg.Done()
			time.Sleep(time.Duration(c.ID()%4) * time.Millisecond)
			p.Release(c)
		}(c)
	}
	wg.Wait()
	p.Close()
	// every release ends up evicted, closed with the pool or rejected
	for _, c := range conns {
		waitClosed(t, c)
	}
}
