package transport

import (
	"bufio"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haxii/log/v2"

	"github.com/haxii/fastduplex/bufiopool"
	"github.com/haxii/fastduplex/bytebufferpool"
	"github.com/haxii/fastduplex/http"
	"github.com/haxii/fastduplex/servertime"
	"github.com/haxii/fastduplex/terminate"
	"github.com/haxii/fastduplex/usage"
	"github.com/haxii/fastduplex/util"
)

// Role which side of the http exchange a connection plays
type Role int

const (
	// RoleClient sends requests and reads responses
	RoleClient Role = iota
	// RoleServer reads requests and sends responses
	RoleServer
)

const (
	// DefaultWriteBufferLowWaterMark unflushed bytes under which a
	// connection becomes writable again
	DefaultWriteBufferLowWaterMark = 32 * 1024
	// DefaultWriteBufferHighWaterMark unflushed bytes over which a
	// connection turns unwritable
	DefaultWriteBufferHighWaterMark = 64 * 1024
)

// Options connection settings, the zero value is usable
type Options struct {
	// Loop the connection runs on, a private loop is started if nil
	Loop *Loop
	// Allocator backing inbound body buffers
	Allocator *bytebufferpool.Allocator
	// BufioPool for the connection reader and writer
	BufioPool *bufiopool.Pool

	// ReadTimeout bounds every requested read until the message is complete
	ReadTimeout time.Duration
	// WriteTimeout bounds every socket write
	WriteTimeout time.Duration
	// IdleTimeout replaces ReadTimeout on a server connection waiting
	// for the head of its next request
	IdleTimeout time.Duration

	WriteBufferLowWaterMark  int
	WriteBufferHighWaterMark int
}

// Handler receives the events of a connection on its loop.
// At most one handler is attached at a time.
type Handler interface {
	// OnMessage delivers a decoded object, the handler owns its reference
	OnMessage(obj http.Object)
	// OnReadComplete the bytes read so far are all delivered
	OnReadComplete()
	// OnWritabilityChanged the unflushed bytes crossed a water mark
	OnWritabilityChanged(writable bool)
	// OnInactive the connection closed, err tells why
	OnInactive(err error)
}

type handlerRef struct{ h Handler }

// Conn an http/1 transport connection bound to one loop
type Conn struct {
	c    net.Conn
	id   uint64
	addr string
	role Role
	opts Options
	loop *Loop

	ownLoop bool
	alloc   *bytebufferpool.Allocator
	bufPool *bufiopool.Pool

	br  *bufio.Reader
	bw  *bufio.Writer
	dec *http.Decoder
	enc *http.Encoder

	traffic usage.Traffic

	active    atomic.Bool
	ready     atomic.Bool
	claimed   atomic.Bool
	headResp  atomic.Bool
	inMessage atomic.Bool
	handler   atomic.Pointer[handlerRef]

	startOnce sync.Once
	readReq   chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
	errMu     sync.Mutex
	err       error
	hooks     terminate.Registry

	createdTime time.Time
	lastUseTime atomic.Int64

	// loop only
	unflushed int
	writable  bool

	// last write deadline time, refreshed by the 25% rule
	lastWriteDeadlineTime time.Time
}

// NewConn wraps an established connection. Reading starts with MarkReady.
func NewConn(c net.Conn, addr string, role Role, opts *Options) *Conn {
	cc := &Conn{
		c:           c,
		id:          rand.Uint64(),
		addr:        addr,
		role:        role,
		readReq:     make(chan struct{}, 1),
		closed:      make(chan struct{}),
		createdTime: servertime.CoarseTimeNow(),
		writable:    true,
	}
	if opts != nil {
		cc.opts = *opts
	}
	if cc.opts.WriteBufferLowWaterMark <= 0 {
		cc.opts.WriteBufferLowWaterMark = DefaultWriteBufferLowWaterMark
	}
	if cc.opts.WriteBufferHighWaterMark <= cc.opts.WriteBufferLowWaterMark {
		cc.opts.WriteBufferHighWaterMark = cc.opts.WriteBufferLowWaterMark * 2
	}
	cc.loop = cc.opts.Loop
	if cc.loop == nil {
		cc.loop = NewLoop()
		cc.ownLoop = true
	}
	cc.alloc = cc.opts.Allocator
	if cc.alloc == nil {
		cc.alloc = bytebufferpool.DefaultAllocator
	}
	cc.bufPool = cc.opts.BufioPool
	if cc.bufPool == nil {
		cc.bufPool = bufiopool.Default
	}
	cc.br = cc.bufPool.AcquireReader(cc.traffic.Reader(c))
	cc.bw = cc.bufPool.AcquireWriter(cc.traffic.Writer(c))
	if role == RoleClient {
		cc.dec = http.NewResponseDecoder(cc.br, cc.alloc)
	} else {
		cc.dec = http.NewRequestDecoder(cc.br, cc.alloc)
	}
	cc.enc = http.NewEncoder(cc.bw)
	cc.active.Store(true)
	// a new connection is in use by its creator
	cc.claimed.Store(true)
	cc.lastUseTime.Store(cc.createdTime.UnixNano())
	return cc
}

// ID returns the id for this connection
func (c *Conn) ID() uint64 { return c.id }

// Addr the address the connection was dialed to or accepted from
func (c *Conn) Addr() string { return c.addr }

// Role of the connection
func (c *Conn) Role() Role { return c.role }

// Loop the connection is bound to
func (c *Conn) Loop() *Loop { return c.loop }

// NetConn the wrapped connection
func (c *Conn) NetConn() net.Conn { return c.c }

// Allocator backing inbound buffers
func (c *Conn) Allocator() *bytebufferpool.Allocator { return c.alloc }

// Traffic bytes read and written so far
func (c *Conn) Traffic() *usage.Traffic { return &c.traffic }

// CreatedTime get the net conn created time
func (c *Conn) CreatedTime() time.Time { return c.createdTime }

// LastUseTime when the connection was last released to a pool
func (c *Conn) LastUseTime() time.Time {
	return time.Unix(0, c.lastUseTime.Load())
}

// Touch stamps the last use time
func (c *Conn) Touch() {
	c.lastUseTime.Store(servertime.CoarseTimeNow().UnixNano())
}

// IsActive the connection is open
func (c *Conn) IsActive() bool { return c.active.Load() }

// IsReady the connection finished its handshake and can carry traffic
func (c *Conn) IsReady() bool { return c.ready.Load() }

// Claim marks the connection taken out of an idle set, only one caller wins
func (c *Conn) Claim() bool { return c.claimed.CompareAndSwap(false, true) }

// Unclaim marks the connection idle again, only one caller wins
func (c *Conn) Unclaim() bool { return c.claimed.CompareAndSwap(true, false) }

// Claimed whether the connection is in use
func (c *Conn) Claimed() bool { return c.claimed.Load() }

// Err why the connection closed, nil while active
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Done closed once the connection is closed
func (c *Conn) Done() <-chan struct{} { return c.closed }

// OnTerminate runs fn on the loop after the connection closed and the
// handler got OnInactive
func (c *Conn) OnTerminate(fn func()) (remove func()) {
	return c.hooks.OnTerminate(fn)
}

// MarkReady flags the connection ready and starts reading
func (c *Conn) MarkReady() {
	c.startOnce.Do(func() {
		c.ready.Store(true)
		go c.readLoop()
	})
}

// Handler the attached handler, nil if none
func (c *Conn) Handler() Handler {
	if ref := c.handler.Load(); ref != nil {
		return ref.h
	}
	return nil
}

// SetHandler attaches h, it fails when another handler is attached
func (c *Conn) SetHandler(h Handler) bool {
	return c.handler.CompareAndSwap(nil, &handlerRef{h: h})
}

// RemoveHandler detaches h if it is the attached one
func (c *Conn) RemoveHandler(h Handler) bool {
	ref := c.handler.Load()
	if ref == nil || ref.h != h {
		return false
	}
	return c.handler.CompareAndSwap(ref, nil)
}

// Exec runs fn on the connection loop. Tasks arriving once the loop has
// exited still run one at a time, on the goroutine that submits them.
func (c *Conn) Exec(fn func()) {
	c.loop.Run(fn)
}

// RequestRead lets the read pump deliver the next batch of objects and
// arms the read deadline. Extra requests before the batch is read are merged.
func (c *Conn) RequestRead() {
	timeout := c.opts.ReadTimeout
	if c.role == RoleServer && !c.inMessage.Load() && c.opts.IdleTimeout > 0 {
		timeout = c.opts.IdleTimeout
	}
	if timeout > 0 {
		c.c.SetReadDeadline(time.Now().Add(timeout))
	}
	select {
	case c.readReq <- struct{}{}:
	default:
	}
}

// ExpectHeadResponse the response being waited for answers a HEAD request
func (c *Conn) ExpectHeadResponse() {
	c.headResp.Store(true)
}

// ExpectHeadRequest the response about to be written answers a HEAD
// request, loop only
func (c *Conn) ExpectHeadRequest() {
	c.enc.ExpectHeadRequest()
}

// Writable whether unflushed bytes are under the high water mark, loop only
func (c *Conn) Writable() bool {
	return c.writable
}

// SetWriteBufferWaterMark changes the water marks, loop only
func (c *Conn) SetWriteBufferWaterMark(low, high int) {
	if low > 0 {
		c.opts.WriteBufferLowWaterMark = low
	}
	if high > c.opts.WriteBufferLowWaterMark {
		c.opts.WriteBufferHighWaterMark = high
	}
	c.checkWritability()
}

// Write encodes obj into the write buffer and releases it, loop only.
// A failed write closes the connection.
func (c *Conn) Write(obj http.Object) error {
	defer obj.Release()
	if !c.IsActive() {
		return ErrInactive
	}
	c.refreshWriteDeadline()
	before := c.traffic.Outbound() + uint64(c.bw.Buffered())
	_, err := c.enc.Encode(obj)
	if err != nil {
		c.closeWith(err)
		return err
	}
	c.unflushed += int(c.traffic.Outbound() + uint64(c.bw.Buffered()) - before)
	c.checkWritability()
	return nil
}

// Flush pushes the write buffer to the socket, loop only
func (c *Conn) Flush() error {
	if !c.IsActive() {
		return ErrInactive
	}
	if c.bw.Buffered() > 0 {
		c.refreshWriteDeadline()
		if err := c.bw.Flush(); err != nil {
			c.closeWith(err)
			return err
		}
	}
	c.unflushed = 0
	c.checkWritability()
	return nil
}

// WriteAndFlush Write then Flush, loop only
func (c *Conn) WriteAndFlush(obj http.Object) error {
	if err := c.Write(obj); err != nil {
		return err
	}
	return c.Flush()
}

func (c *Conn) checkWritability() {
	switch {
	case c.writable && c.unflushed > c.opts.WriteBufferHighWaterMark:
		c.writable = false
	case !c.writable && c.unflushed <= c.opts.WriteBufferLowWaterMark:
		c.writable = true
	default:
		return
	}
	if h := c.Handler(); h != nil {
		h.OnWritabilityChanged(c.writable)
	}
}

// Close closes the connection, safe to call from any goroutine and more than once
func (c *Conn) Close() error {
	c.closeWith(ErrClosed)
	return nil
}

func (c *Conn) closeWith(err error) {
	c.closeOnce.Do(func() {
		c.active.Store(false)
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.closed)
		if e := c.c.Close(); e != nil && !util.IsConnClosedErr(e) {
			log.Errorf(e, "fail to close connection %d to %s", c.id, c.addr)
		}
		c.Exec(c.onClosed)
	})
}

func (c *Conn) onClosed() {
	err := c.Err()
	if h := c.Handler(); h != nil {
		h.OnInactive(err)
	}
	c.hooks.Fire()
	c.bufPool.ReleaseWriter(c.bw)
	c.bw = nil
	started := true
	c.startOnce.Do(func() { started = false })
	if !started {
		// the read pump never ran, the reader is ours to release
		c.bufPool.ReleaseReader(c.br)
	}
	if c.ownLoop {
		c.loop.Stop()
	}
}

func (c *Conn) readLoop() {
	defer c.bufPool.ReleaseReader(c.br)
	for {
		// blocks while idle, so a peer close is seen even without a reader.
		// Inside a message the decoder reports the error itself.
		if !c.dec.Pending() {
			if _, err := c.br.Peek(1); err != nil && !c.dec.InMessage() {
				c.closeWith(err)
				return
			}
		}
		select {
		case <-c.readReq:
		case <-c.closed:
			return
		}
		if !c.dec.InMessage() && c.headResp.Swap(false) {
			c.dec.ExpectHeadResponse()
		}
		for {
			obj, err := c.dec.Decode()
			if err != nil {
				c.closeWith(err)
				return
			}
			c.inMessage.Store(c.dec.InMessage())
			last := http.IsLast(obj)
			if last {
				// reset before dispatch, the next read request may re-arm them
				c.c.SetReadDeadline(time.Time{})
				select {
				case <-c.readReq:
				default:
				}
			}
			c.Exec(func() { c.dispatch(obj) })
			if last || (c.dec.Buffered() == 0 && !c.dec.Pending()) {
				break
			}
		}
		c.Exec(c.dispatchReadComplete)
	}
}

func (c *Conn) dispatch(obj http.Object) {
	h := c.Handler()
	if h == nil {
		log.Debugf("connection %d to %s: dropping %T read without handler", c.id, c.addr, obj)
		obj.Release()
		return
	}
	h.OnMessage(obj)
}

func (c *Conn) dispatchReadComplete() {
	if h := c.Handler(); h != nil {
		h.OnReadComplete()
	}
}

// refreshWriteDeadline the deadline is moved only when more than 25% of
// the timeout has elapsed since it was last set
func (c *Conn) refreshWriteDeadline() {
	timeout := c.opts.WriteTimeout
	if timeout <= 0 {
		return
	}
	currentTime := servertime.CoarseTimeNow()
	if currentTime.Sub(c.lastWriteDeadlineTime) > (timeout >> 2) {
		if err := c.c.SetWriteDeadline(currentTime.Add(timeout)); err == nil {
			c.lastWriteDeadlineTime = currentTime
		}
	}
}
