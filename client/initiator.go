package client

import (
	"sync/atomic"
	"time"

	"github.com/haxii/log/v2"

	"github.com/haxii/fastduplex/http"
	"github.com/haxii/fastduplex/metrics"
	"github.com/haxii/fastduplex/terminate"
	"github.com/haxii/fastduplex/transport"
	"github.com/haxii/fastduplex/util"
)

// State of an initiator
type State int32

const (
	// StateIdle no interaction in flight
	StateIdle State = iota
	// StateSending the request is being written
	StateSending
	// StateReceiving the request is written, the response is being read
	StateReceiving
	// StateClosed the initiator is terminated
	StateClosed
)

var stateNames = [...]string{"IDLE", "SENDING", "RECEIVING", "CLOSED"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// DefaultReadAhead objects queued on a response under which the next
// read is requested without waiting for the consumer
const DefaultReadAhead = 4

// Intraffic read activity of the current or last interaction
type Intraffic struct {
	// DurationFromRead since the last object was read, zero before any
	DurationFromRead time.Duration
	// DurationFromBegin since the interaction started
	DurationFromBegin time.Duration
	// InboundBytes body bytes read so far
	InboundBytes int64
}

// Initiator drives request/response interactions over one client
// connection, one at a time. It attaches itself as the connection
// handler until it terminates.
type Initiator struct {
	conn        *transport.Conn
	features    []Feature
	readAhead   int
	createdTime time.Time

	state         atomic.Int32
	holding       atomic.Bool
	flushPerWrite atomic.Bool

	beginTime    atomic.Int64
	lastReadTime atomic.Int64
	inboundBytes atomic.Int64

	hooks       terminate.Registry
	done        chan struct{}
	sent        observers[http.Object]
	writability observers[bool]

	// loop only
	resp           *Response
	lastResp       *Response
	cancelOutbound func()
	reqKeepAlive   bool
	respKeepAlive  bool
	reqCompleted   bool
	endedIdle      bool
	closeErr       error
}

func newInitiator(conn *transport.Conn, features []Feature, readAhead int) (*Initiator, error) {
	if readAhead <= 0 {
		readAhead = DefaultReadAhead
	}
	i := &Initiator{
		conn:          conn,
		features:      features,
		readAhead:     readAhead,
		createdTime:   time.Now(),
		done:          make(chan struct{}),
		reqKeepAlive:  true,
		respKeepAlive: true,
		reqCompleted:  true,
	}
	if !conn.SetHandler(i) {
		return nil, transport.ErrConcurrentUse
	}
	if !conn.IsActive() {
		// closed before the handler was attached, nobody else will notice
		conn.RemoveHandler(i)
		return nil, transport.ErrInactive
	}
	return i, nil
}

// NewInitiator attaches an initiator to conn, which must be a ready
// client connection without a handler
func NewInitiator(conn *transport.Conn) (*Initiator, error) {
	return newInitiator(conn, nil, 0)
}

// Conn the connection the initiator runs on
func (i *Initiator) Conn() *transport.Conn { return i.conn }

// State the current state
func (i *Initiator) State() State { return State(i.state.Load()) }

// CreatedTime when the initiator was made
func (i *Initiator) CreatedTime() time.Time { return i.createdTime }

// Done closed once the initiator terminated and its hooks ran
func (i *Initiator) Done() <-chan struct{} { return i.done }

// Err why the initiator terminated, valid after Done
func (i *Initiator) Err() error {
	select {
	case <-i.done:
		return i.closeErr
	default:
		return nil
	}
}

// OnTerminate implements terminate.Terminable
func (i *Initiator) OnTerminate(fn func()) (remove func()) {
	return i.hooks.OnTerminate(fn)
}

// SetFlushPerWrite flushes every outbound object on its own instead of
// batching them until the request completes
func (i *Initiator) SetFlushPerWrite(on bool) {
	i.flushPerWrite.Store(on)
}

// SetWriteBufferWaterMark changes the writability thresholds
func (i *Initiator) SetWriteBufferWaterMark(low, high int) {
	i.conn.Exec(func() { i.conn.SetWriteBufferWaterMark(low, high) })
}

// Writability delivers the current writability to fn, then every change
// until cancel is called or the initiator terminates
func (i *Initiator) Writability(fn func(writable bool)) (cancel func()) {
	id, cancel := i.writability.add(fn)
	i.conn.Exec(func() {
		if i.writability.has(id) && i.State() != StateClosed {
			fn(i.conn.Writable())
		}
	})
	return cancel
}

// Sent calls fn after each outbound object is written. fn must not keep
// the object.
func (i *Initiator) Sent(fn func(obj http.Object)) (cancel func()) {
	_, cancel = i.sent.add(fn)
	return cancel
}

// Intraffic read activity of the current or last interaction
func (i *Initiator) Intraffic() Intraffic {
	now := time.Now().UnixNano()
	in := Intraffic{InboundBytes: i.inboundBytes.Load()}
	if begin := i.beginTime.Load(); begin > 0 {
		in.DurationFromBegin = time.Duration(now - begin)
	}
	if last := i.lastReadTime.Load(); last > 0 {
		in.DurationFromRead = time.Duration(now - last)
	}
	return in
}

// IsEndedWithKeepAlive whether the connection may carry another
// interaction: nothing in flight when the initiator ended, both sides
// agreed on keep-alive and the connection is still open.
// Call it on the loop or after Done.
func (i *Initiator) IsEndedWithKeepAlive() bool {
	return i.endedIdle && i.reqCompleted && i.reqKeepAlive && i.respKeepAlive &&
		i.conn.IsActive()
}

// DefineInteraction sends outbound as the request and returns the
// response stream. A call while another interaction is in flight fails
// with transport.ErrConcurrentUse and writes nothing.
func (i *Initiator) DefineInteraction(outbound http.Outbound) (*Response, error) {
	if i.State() == StateClosed || !i.conn.IsActive() {
		return nil, transport.ErrInactive
	}
	if !i.holding.CompareAndSwap(false, true) {
		log.Errorf(transport.ErrConcurrentUse, "initiator on %s rejects an interaction", i.conn.Addr())
		return nil, transport.ErrConcurrentUse
	}
	resp := newResponse(i)
	i.conn.Exec(func() { i.start(resp, outbound) })
	return resp, nil
}

// Close terminates the initiator. An interaction still in flight fails
// with transport.ErrUserCancellation.
func (i *Initiator) Close() {
	i.conn.Exec(func() { i.fireClosed(transport.ErrUserCancellation) })
}

func (i *Initiator) inTransacting() bool {
	s := i.State()
	return s == StateSending || s == StateReceiving || (s == StateIdle && i.resp != nil)
}

func (i *Initiator) start(resp *Response, outbound http.Outbound) {
	if i.State() == StateClosed {
		i.holding.Store(false)
		resp.finish(transport.ErrInactive)
		return
	}
	i.resp = resp
	i.lastResp = resp
	i.reqCompleted = false
	i.reqKeepAlive, i.respKeepAlive = true, true
	i.beginTime.Store(time.Now().UnixNano())
	i.lastReadTime.Store(0)
	i.inboundBytes.Store(0)

	cancel := outbound.Subscribe(
		func(obj http.Object) {
			i.conn.Exec(func() { i.outboundOnNext(resp, obj) })
		},
		func(err error) {
			i.conn.Exec(func() { i.outboundOnDone(resp, err) })
		})
	if i.resp == resp {
		i.cancelOutbound = cancel
	} else if cancel != nil {
		cancel()
	}
}

func (i *Initiator) outboundOnNext(resp *Response, obj http.Object) {
	if i.resp != resp || i.reqCompleted {
		obj.Release()
		return
	}
	if i.state.CompareAndSwap(int32(StateIdle), int32(StateSending)) {
		log.Debugf("initiator on %s: sending", i.conn.Addr())
	}
	if head, ok := obj.(*http.RequestHead); ok {
		for _, f := range i.features {
			if f.BeforeWrite != nil {
				f.BeforeWrite(head)
			}
		}
		i.reqKeepAlive = head.KeepAlive()
		if http.IsMethodHead(head.Method) {
			i.conn.ExpectHeadResponse()
		}
	}

	obj.Retain()
	var err error
	if i.flushPerWrite.Load() {
		err = i.conn.WriteAndFlush(obj)
	} else {
		err = i.conn.Write(obj)
	}
	if err != nil {
		obj.Release()
		i.fireClosed(transport.NewTransportError("sending request", err))
		return
	}
	i.sent.notify(obj)
	obj.Release()
}

func (i *Initiator) outboundOnDone(resp *Response, err error) {
	if i.resp != resp || i.reqCompleted {
		return
	}
	i.cancelOutbound = nil
	if err != nil {
		i.fireClosed(err)
		return
	}
	if err := i.conn.Flush(); err != nil {
		i.fireClosed(transport.NewTransportError("flushing request", err))
		return
	}
	i.reqCompleted = true
	if !i.state.CompareAndSwap(int32(StateSending), int32(StateReceiving)) {
		// an outbound without objects, nothing was sent but a response is awaited
		i.state.CompareAndSwap(int32(StateIdle), int32(StateReceiving))
	}
	i.conn.RequestRead()
}

// OnMessage implements transport.Handler
func (i *Initiator) OnMessage(obj http.Object) {
	resp := i.resp
	if resp == nil || i.State() != StateReceiving {
		log.Debugf("initiator on %s: dropping unexpected %T", i.conn.Addr(), obj)
		obj.Release()
		return
	}
	i.lastReadTime.Store(time.Now().UnixNano())
	i.inboundBytes.Add(int64(http.Size(obj)))
	if head, ok := obj.(*http.ResponseHead); ok {
		i.respKeepAlive = head.KeepAlive()
	}
	last := http.IsLast(obj)
	resp.push(obj)
	if last {
		i.endInteraction(resp)
	}
}

func (i *Initiator) endInteraction(resp *Response) {
	i.resp = nil
	i.state.CompareAndSwap(int32(StateReceiving), int32(StateIdle))
	metrics.RecordTransaction("client", "ok", time.Duration(time.Now().UnixNano()-i.beginTime.Load()))
	i.holding.Store(false)
	resp.finish(nil)
}

// OnReadComplete implements transport.Handler
func (i *Initiator) OnReadComplete() {
	if resp := i.resp; resp != nil && i.State() == StateReceiving &&
		resp.queued() < i.readAhead {
		i.conn.RequestRead()
	}
}

func (i *Initiator) onDrained(resp *Response) {
	if i.resp == resp && i.State() == StateReceiving {
		i.conn.RequestRead()
	}
}

// OnWritabilityChanged implements transport.Handler
func (i *Initiator) OnWritabilityChanged(writable bool) {
	i.writability.notify(writable)
}

// OnInactive implements transport.Handler
func (i *Initiator) OnInactive(err error) {
	if i.inTransacting() {
		op := "receiving response"
		if util.IsTimeoutErr(err) {
			op = "waiting for response"
		}
		i.fireClosed(transport.NewTransportError(op, err))
		return
	}
	log.Debugf("connection %d to %s closed while idle: %v", i.conn.ID(), i.conn.Addr(), err)
	i.fireClosed(transport.ErrInactive)
}

// afterSettled runs fn once the last response holds no buffer any more,
// right away if there is none. Call it on the loop or after Done.
func (i *Initiator) afterSettled(fn func()) {
	if i.lastResp == nil {
		fn()
		return
	}
	i.lastResp.onSettled(fn)
}

func (i *Initiator) cancelResponse(resp *Response) {
	if i.resp != resp {
		// already complete
		resp.discard()
		return
	}
	i.fireClosed(transport.ErrUserCancellation)
}

// fireClosed terminates the initiator once, on the loop
func (i *Initiator) fireClosed(err error) {
	prev := State(i.state.Swap(int32(StateClosed)))
	if prev == StateClosed {
		return
	}
	i.endedIdle = prev == StateIdle && i.resp == nil
	i.closeErr = err
	i.conn.RemoveHandler(i)

	if resp := i.resp; resp != nil {
		i.resp = nil
		outcome := "error"
		if err == transport.ErrUserCancellation {
			outcome = "cancelled"
		}
		metrics.RecordTransaction("client", outcome, time.Duration(time.Now().UnixNano()-i.beginTime.Load()))
		if resp.finish(err) {
			log.Debugf("initiator on %s ended while %s: %v", i.conn.Addr(), prev, err)
		}
	}
	if i.cancelOutbound != nil {
		i.cancelOutbound()
		i.cancelOutbound = nil
	}
	i.sent.clear()
	i.writability.clear()
	i.hooks.Fire()
	close(i.done)
}
