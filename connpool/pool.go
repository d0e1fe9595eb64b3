package connpool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/haxii/log/v2"
	"github.com/pkg/errors"

	"github.com/haxii/fastduplex/metrics"
	"github.com/haxii/fastduplex/servertime"
	"github.com/haxii/fastduplex/transport"
)

// DefaultMaxIdleConnDuration is the default duration before idle keep-alive
// connection is closed.
const DefaultMaxIdleConnDuration = 10 * time.Second

// DefaultMaxIdleConnsPerHost is the maximum number of idle connections
// kept per address by default
const DefaultMaxIdleConnsPerHost = 512

// DefaultMaxReuseAttempts bounds how many dead candidates one Acquire
// may skip before giving up
const DefaultMaxReuseAttempts = 16

// ErrNotReusable is returned when no idle connection to the address can
// be reused, the caller should dial a new one
var ErrNotReusable = errors.New("no reusable connection")

// Pool keeps idle keep-alive connections per address, most recently
// released first. It never dials and never blocks on I/O.
type Pool struct {
	// Idle keep-alive connections are closed after this duration.
	//
	// By default idle connections are closed
	// after DefaultMaxIdleConnDuration.
	MaxIdleConnDuration time.Duration

	// Releases beyond this many idle connections per address close the
	// connection instead.
	//
	// DefaultMaxIdleConnsPerHost is used if not set.
	MaxIdleConnsPerHost int

	// DefaultMaxReuseAttempts is used if not set.
	MaxReuseAttempts int

	// guards the map only, idle conns are guarded per address
	hostsLock sync.Mutex
	hosts     map[string]*hostConns
	closed    bool

	connsCleanerRun atomic.Bool
}

type hostConns struct {
	connsLock sync.Mutex
	conns     []*transport.Conn
	// removed from the pool, releases must look the address up again
	dropped bool
}

func (p *Pool) host(addr string) *hostConns {
	p.hostsLock.Lock()
	defer p.hostsLock.Unlock()
	return p.hosts[addr]
}

// hostForRelease the idle set of addr, created if missing, nil once the
// pool is closed
func (p *Pool) hostForRelease(addr string) *hostConns {
	p.hostsLock.Lock()
	defer p.hostsLock.Unlock()
	if p.closed {
		return nil
	}
	if p.hosts == nil {
		p.hosts = make(map[string]*hostConns)
	}
	hc := p.hosts[addr]
	if hc == nil {
		hc = &hostConns{}
		p.hosts[addr] = hc
	}
	return hc
}

// Acquire returns an idle connection to addr, claimed for the caller.
// Dead candidates are closed and skipped.
func (p *Pool) Acquire(addr string) (*transport.Conn, error) {
	hc := p.host(addr)
	if hc == nil {
		return nil, ErrNotReusable
	}
	maxAttempts := p.MaxReuseAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxReuseAttempts
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		hc.connsLock.Lock()
		n := len(hc.conns)
		if n == 0 {
			hc.connsLock.Unlock()
			return nil, ErrNotReusable
		}
		n--
		cc := hc.conns[n]
		hc.conns[n] = nil
		hc.conns = hc.conns[:n]
		hc.connsLock.Unlock()
		metrics.AddPoolIdle(-1)

		if !cc.IsActive() || !cc.IsReady() || !cc.Claim() {
			p.discard(cc, "inactive")
			continue
		}
		if !cc.IsActive() {
			// died while being claimed
			p.discard(cc, "closed while claimed")
			continue
		}
		metrics.RecordPoolEvent(metrics.PoolReused)
		return cc, nil
	}
	return nil, ErrNotReusable
}

func (p *Pool) discard(cc *transport.Conn, reason string) {
	log.Debugf("pool discards connection %d to %s: %s", cc.ID(), cc.Addr(), reason)
	cc.Close()
	metrics.RecordPoolEvent(metrics.PoolDiscard)
}

// Release offers cc back to the pool. An alive and ready connection with
// no handler attached becomes idle and true is returned, any other is
// closed.
func (p *Pool) Release(cc *transport.Conn) bool {
	if !cc.IsActive() || !cc.IsReady() || cc.Handler() != nil {
		cc.Close()
		metrics.RecordPoolEvent(metrics.PoolRejected)
		return false
	}
	if !cc.Unclaim() {
		// already idle, a second release is a caller bug
		log.Errorf(errors.New("connection released twice"), "pool ignores release of connection %d to %s",
			cc.ID(), cc.Addr())
		return false
	}
	maxIdle := p.MaxIdleConnsPerHost
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdleConnsPerHost
	}
	cc.Touch()

	for {
		hc := p.hostForRelease(cc.Addr())
		if hc == nil {
			cc.Close()
			metrics.RecordPoolEvent(metrics.PoolRejected)
			return false
		}
		hc.connsLock.Lock()
		if hc.dropped {
			// the cleaner or Close removed it meanwhile
			hc.connsLock.Unlock()
			continue
		}
		full := len(hc.conns) >= maxIdle
		if !full {
			hc.conns = append(hc.conns, cc)
		}
		hc.connsLock.Unlock()

		if full {
			cc.Close()
			metrics.RecordPoolEvent(metrics.PoolRejected)
			return false
		}
		metrics.AddPoolIdle(1)
		metrics.RecordPoolEvent(metrics.PoolReleased)
		if p.connsCleanerRun.CompareAndSwap(false, true) {
			go p.connsCleaner()
		}
		return true
	}
}

// Len number of idle connections to addr
func (p *Pool) Len(addr string) int {
	hc := p.host(addr)
	if hc == nil {
		return 0
	}
	hc.connsLock.Lock()
	defer hc.connsLock.Unlock()
	return len(hc.conns)
}

// Close closes every idle connection, later releases close theirs
func (p *Pool) Close() {
	p.hostsLock.Lock()
	p.closed = true
	hosts := p.hosts
	p.hosts = nil
	p.hostsLock.Unlock()
	for _, hc := range hosts {
		hc.connsLock.Lock()
		conns := hc.conns
		hc.conns = nil
		hc.dropped = true
		hc.connsLock.Unlock()
		for _, cc := range conns {
			cc.Close()
		}
		metrics.AddPoolIdle(-len(conns))
	}
}

func (p *Pool) connsCleaner() {
	var (
		scratch             []*transport.Conn
		maxIdleConnDuration = p.MaxIdleConnDuration
	)
	if maxIdleConnDuration <= 0 {
		maxIdleConnDuration = DefaultMaxIdleConnDuration
	}
	for {
		currentTime := servertime.CoarseTimeNow()

		p.hostsLock.Lock()
		hosts := make(map[string]*hostConns, len(p.hosts))
		for addr, hc := range p.hosts {
			hosts[addr] = hc
		}
		p.hostsLock.Unlock()

		// Determine idle connections to be closed, oldest first.
		idle := 0
		for addr, hc := range hosts {
			hc.connsLock.Lock()
			conns := hc.conns
			n := len(conns)
			kept := conns[:0]
			for _, cc := range conns {
				if !cc.IsActive() || currentTime.Sub(cc.LastUseTime()) > maxIdleConnDuration {
					scratch = append(scratch, cc)
				} else {
					kept = append(kept, cc)
				}
			}
			for i := len(kept); i < n; i++ {
				conns[i] = nil
			}
			hc.conns = kept
			idle += len(kept)
			empty := len(kept) == 0
			hc.connsLock.Unlock()
			if empty {
				p.dropHost(addr, hc)
			}
		}

		// Close idle connections.
		for i, cc := range scratch {
			log.Debugf("pool evicts idle connection %d to %s", cc.ID(), cc.Addr())
			cc.Close()
			metrics.RecordPoolEvent(metrics.PoolEvicted)
			scratch[i] = nil
		}
		metrics.AddPoolIdle(-len(scratch))
		scratch = scratch[:0]

		// Determine whether to stop the connsCleaner. A release racing
		// with the stop either sees the flag cleared and starts a new
		// cleaner, or is seen by the second look at the hosts.
		if idle == 0 && p.hostCount() == 0 {
			p.connsCleanerRun.Store(false)
			if p.hostCount() == 0 || !p.connsCleanerRun.CompareAndSwap(false, true) {
				break
			}
		}

		time.Sleep(maxIdleConnDuration)
	}
}

func (p *Pool) dropHost(addr string, hc *hostConns) {
	p.hostsLock.Lock()
	defer p.hostsLock.Unlock()
	if p.hosts[addr] != hc {
		return
	}
	hc.connsLock.Lock()
	empty := len(hc.conns) == 0
	if empty {
		hc.dropped = true
	}
	hc.connsLock.Unlock()
	if empty {
		delete(p.hosts, addr)
	}
}

func (p *Pool) hostCount() int {
	p.hostsLock.Lock()
	defer p.hostsLock.Unlock()
	return len(p.hosts)
}
