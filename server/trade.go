package server

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/haxii/log/v2"
	"github.com/pkg/errors"

	"github.com/haxii/fastduplex/bytebufferpool"
	"github.com/haxii/fastduplex/http"
	"github.com/haxii/fastduplex/metrics"
	"github.com/haxii/fastduplex/servertime"
	"github.com/haxii/fastduplex/terminate"
	"github.com/haxii/fastduplex/transport"
	"github.com/haxii/fastduplex/usage"
	"github.com/haxii/fastduplex/userdata"
	"github.com/haxii/fastduplex/util"
)

var (
	// ErrTradeAborted the trade was aborted before it completed
	ErrTradeAborted = errors.New("trade aborted")

	errResponseAlreadySet = errors.New("response already set")
	errEmptyResponse      = errors.New("response completed without a head")
)

var valuesPool userdata.Pool

type inboundSub struct {
	next     func(*http.Disposable)
	done     func(error)
	finished bool
}

// Trade one request/response exchange on a server connection. The trade
// is the connection handler from its creation until it ends; a trade
// ending with keep-alive hands the connection to a fresh trade.
type Trade struct {
	conn        *transport.Conn
	onRequest   func(*Trade)
	createdTime time.Time
	hooks       terminate.Registry
	done        chan struct{}

	requestReceived   atomic.Bool
	requestCompleted  atomic.Bool
	responseSet       atomic.Bool
	responseSent      atomic.Bool
	responseCompleted atomic.Bool
	terminated        atomic.Bool
	retained          atomic.Int64
	values            atomic.Pointer[userdata.Values]

	// loop only
	head           *http.RequestHead
	reqKeepAlive   bool
	respKeepAlive  bool
	cached         []http.Object
	subs           []*inboundSub
	cancelOutbound func()
	err            error
}

// newTrade attaches a trade awaiting a request to conn, onRequest runs
// on the loop once the request head arrived
func newTrade(conn *transport.Conn, onRequest func(*Trade)) (*Trade, error) {
	t := &Trade{
		conn:        conn,
		onRequest:   onRequest,
		createdTime: time.Now(),
		done:        make(chan struct{}),
	}
	if !conn.SetHandler(t) {
		return nil, transport.ErrConcurrentUse
	}
	if !conn.IsActive() {
		conn.RemoveHandler(t)
		return nil, transport.ErrInactive
	}
	conn.RequestRead()
	return t, nil
}

// Conn the connection of the trade
func (t *Trade) Conn() *transport.Conn { return t.conn }

// Request the request head, nil before it is received
func (t *Trade) Request() *http.RequestHead {
	if !t.requestReceived.Load() {
		return nil
	}
	return t.head
}

// Traffic bytes moved by the connection of the trade so far
func (t *Trade) Traffic() *usage.Traffic { return t.conn.Traffic() }

// RetainedBytes request body bytes held by the replay cache
func (t *Trade) RetainedBytes() int64 { return t.retained.Load() }

// RequestCompleted whether the whole request has been received
func (t *Trade) RequestCompleted() bool { return t.requestCompleted.Load() }

// ResponseCompleted whether the whole response has been written
func (t *Trade) ResponseCompleted() bool { return t.responseCompleted.Load() }

// ReadyForOutbound whether a response may still be set
func (t *Trade) ReadyForOutbound() bool {
	return !t.terminated.Load() && !t.responseSet.Load()
}

// IsEndedWithKeepAlive whether the exchange finished and both sides
// asked to keep the connection. Call it on the loop or after Done.
func (t *Trade) IsEndedWithKeepAlive() bool {
	return t.requestCompleted.Load() && t.responseCompleted.Load() &&
		t.reqKeepAlive && t.respKeepAlive
}

// SetUserValue attaches value to the trade, io.Closer values are
// closed when the trade ends
func (t *Trade) SetUserValue(key string, value interface{}) {
	v := t.values.Load()
	if v == nil {
		nv := valuesPool.Acquire()
		if t.values.CompareAndSwap(nil, nv) {
			v = nv
		} else {
			valuesPool.Release(nv)
			if v = t.values.Load(); v == nil {
				// ended meanwhile
				v = valuesPool.Acquire()
				v.Set(key, value)
				valuesPool.Release(v)
				return
			}
		}
	}
	v.Set(key, value)
	if t.terminated.Load() {
		if v := t.values.Swap(nil); v != nil {
			valuesPool.Release(v)
		}
	}
}

// UserValue value attached by SetUserValue, nil once the trade ended
func (t *Trade) UserValue(key string) interface{} {
	if v := t.values.Load(); v != nil {
		return v.Get(key)
	}
	return nil
}

// OnTerminate implements terminate.Terminable
func (t *Trade) OnTerminate(fn func()) (remove func()) {
	return t.hooks.OnTerminate(fn)
}

// Done closed once the trade ended and its hooks ran
func (t *Trade) Done() <-chan struct{} { return t.done }

// Err why the trade ended, nil when it completed; valid after Done
func (t *Trade) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Abort closes the connection and ends the trade
func (t *Trade) Abort() {
	t.conn.Exec(func() {
		t.terminate(ErrTradeAborted)
		t.conn.Close()
	})
}

// Inbound the replayable request stream of the trade
func (t *Trade) Inbound() *Inbound {
	return &Inbound{t: t}
}

// Inbound replays the request of a trade to any number of subscribers
type Inbound struct {
	t *Trade
}

// Subscribe delivers every request object received so far, then the
// following ones, then done. Each object is a retained duplicate that
// next must dispose; undisposed ones are disposed when the trade ends.
// Callbacks run on the connection loop and must not block.
func (in *Inbound) Subscribe(next func(*http.Disposable), done func(error)) (cancel func()) {
	t := in.t
	sub := &inboundSub{next: next, done: done}
	t.conn.Exec(func() {
		if t.terminated.Load() && !t.requestCompleted.Load() {
			sub.finished = true
			done(t.inboundErr())
			return
		}
		for _, obj := range t.cached {
			t.deliver(sub, obj)
		}
		if t.requestCompleted.Load() {
			sub.finished = true
			done(nil)
			return
		}
		t.subs = append(t.subs, sub)
	})
	return func() {
		t.conn.Exec(func() {
			sub.finished = true
			t.removeSub(sub)
		})
	}
}

// ReadAll waits for the whole request and returns its head and body
func (in *Inbound) ReadAll(ctx context.Context) (*http.RequestHead, []byte, error) {
	var head *http.RequestHead
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	result := make(chan error, 1)
	cancel := in.Subscribe(func(d *http.Disposable) {
		switch obj := d.Object().(type) {
		case *http.RequestHead:
			head = obj
		case *http.LastContent:
			bb.Write(obj.Bytes())
		case *http.Content:
			bb.Write(obj.Bytes())
		}
		d.Dispose()
	}, func(err error) {
		result <- err
	})
	select {
	case err := <-result:
		if err != nil {
			return head, nil, err
		}
		return head, append([]byte(nil), bb.Bytes()...), nil
	case <-ctx.Done():
		cancel()
		// wait for the loop to stop delivering into bb
		wait := make(chan struct{})
		in.t.conn.Exec(func() { close(wait) })
		<-wait
		return nil, nil, ctx.Err()
	}
}

func (t *Trade) deliver(sub *inboundSub, obj http.Object) {
	if sub.finished {
		return
	}
	sub.next(http.NewDisposable(obj.Retain()).DisposeOn(t))
}

func (t *Trade) removeSub(sub *inboundSub) {
	for i, s := range t.subs {
		if s == sub {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			return
		}
	}
}

func (t *Trade) inboundErr() error {
	if t.err == nil || t.err == ErrTradeAborted {
		return ErrTradeAborted
	}
	return transport.NewTransportError("receiving request", t.err)
}

// OnMessage implements transport.Handler
func (t *Trade) OnMessage(obj http.Object) {
	if t.terminated.Load() || t.requestCompleted.Load() {
		obj.Release()
		return
	}
	if head, ok := obj.(*http.RequestHead); ok {
		t.head = head
		t.reqKeepAlive = head.KeepAlive()
		if http.IsMethodHead(head.Method) {
			t.conn.ExpectHeadRequest()
		}
		t.requestReceived.Store(true)
	}
	if size := int64(http.Size(obj)); size > 0 {
		t.retained.Add(size)
		metrics.RetainedInbound.Add(size)
	}
	t.cached = append(t.cached, obj)
	last := http.IsLast(obj)
	if last {
		t.requestCompleted.Store(true)
	}
	for _, sub := range t.subs {
		t.deliver(sub, obj)
		if last && !sub.finished {
			sub.finished = true
			sub.done(nil)
		}
	}
	if last {
		t.subs = nil
	}
	if _, ok := obj.(*http.RequestHead); ok && t.onRequest != nil {
		t.onRequest(t)
	}
	if last && t.responseCompleted.Load() {
		// answered before the request ended
		t.complete()
	}
}

// OnReadComplete implements transport.Handler. Request bodies are read
// eagerly, retained bytes are only measured.
func (t *Trade) OnReadComplete() {
	if !t.terminated.Load() && !t.requestCompleted.Load() {
		t.conn.RequestRead()
	}
}

// OnWritabilityChanged implements transport.Handler
func (t *Trade) OnWritabilityChanged(writable bool) {
	if !writable {
		if err := t.conn.Flush(); err != nil {
			t.terminate(transport.NewTransportError("sending response", err))
		}
	}
}

// OnInactive implements transport.Handler
func (t *Trade) OnInactive(err error) {
	if !t.requestReceived.Load() {
		if util.IsTimeoutErr(err) {
			log.Debugf("connection %d from %s idle for too long", t.conn.ID(), t.conn.Addr())
		} else {
			log.Debugf("connection %d from %s closed while awaiting a request: %v",
				t.conn.ID(), t.conn.Addr(), err)
		}
	}
	t.terminate(err)
}

// Outbound sets the response stream. Only the first call counts, a
// second one is logged and returns nil. cancel aborts a response not
// completed yet.
func (t *Trade) Outbound(response http.Outbound) (cancel func()) {
	if !t.responseSet.CompareAndSwap(false, true) {
		log.Errorf(errResponseAlreadySet, "trade on connection %d from %s ignores a second response",
			t.conn.ID(), t.conn.Addr())
		return nil
	}
	t.conn.Exec(func() { t.startOutbound(response) })
	return func() {
		t.conn.Exec(func() {
			if t.terminated.Load() || t.responseCompleted.Load() {
				return
			}
			t.terminate(ErrTradeAborted)
			t.conn.Close()
		})
	}
}

func (t *Trade) startOutbound(response http.Outbound) {
	if t.terminated.Load() {
		return
	}
	cancel := response.Subscribe(
		func(obj http.Object) {
			t.conn.Exec(func() { t.outboundOnNext(obj) })
		},
		func(err error) {
			t.conn.Exec(func() { t.outboundOnDone(err) })
		})
	if t.terminated.Load() {
		cancel()
		return
	}
	t.cancelOutbound = cancel
}

func (t *Trade) outboundOnNext(obj http.Object) {
	if t.terminated.Load() || t.responseCompleted.Load() {
		obj.Release()
		return
	}
	if head, ok := obj.(*http.ResponseHead); ok {
		if !head.Header.Has("Date") {
			head.Header.Set("Date", string(servertime.ServerDate()))
		}
		if !t.reqKeepAlive || !t.requestReceived.Load() {
			head.SetKeepAlive(false)
		}
		t.respKeepAlive = head.KeepAlive()
		t.responseSent.Store(true)
	}
	if err := t.conn.Write(obj); err != nil {
		t.terminate(transport.NewTransportError("sending response", err))
	}
}

func (t *Trade) outboundOnDone(err error) {
	if t.terminated.Load() || t.responseCompleted.Load() {
		return
	}
	t.cancelOutbound = nil
	if err == nil && !t.responseSent.Load() {
		err = errEmptyResponse
	}
	if err != nil {
		log.Errorf(err, "response to %s failed, aborting the trade", t.conn.Addr())
		t.terminate(ErrTradeAborted)
		t.conn.Close()
		return
	}
	if err := t.conn.Flush(); err != nil {
		t.terminate(transport.NewTransportError("sending response", err))
		return
	}
	t.responseCompleted.Store(true)
	if t.requestCompleted.Load() || !t.respKeepAlive {
		t.complete()
	}
}

// complete ends a trade whose response is written, the connection
// carries on with a fresh trade or gets closed
func (t *Trade) complete() {
	keepAlive := t.IsEndedWithKeepAlive()
	t.terminate(nil)
	if !keepAlive {
		t.conn.Close()
		return
	}
	if _, err := newTrade(t.conn, t.onRequest); err != nil {
		log.Errorf(err, "fail to recycle connection %d from %s", t.conn.ID(), t.conn.Addr())
		t.conn.Close()
	}
}

// terminate ends the trade once, on the loop
func (t *Trade) terminate(err error) {
	if !t.terminated.CompareAndSwap(false, true) {
		return
	}
	t.err = err
	t.conn.RemoveHandler(t)
	if t.cancelOutbound != nil {
		t.cancelOutbound()
		t.cancelOutbound = nil
	}
	if !t.requestCompleted.Load() {
		for _, sub := range t.subs {
			if !sub.finished {
				sub.finished = true
				sub.done(t.inboundErr())
			}
		}
	}
	t.subs = nil
	for _, obj := range t.cached {
		obj.Release()
	}
	t.cached = nil
	if retained := t.retained.Swap(0); retained > 0 {
		metrics.RetainedInbound.Add(-retained)
	}
	if t.requestReceived.Load() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.RecordTransaction("server", outcome, time.Since(t.createdTime))
	}
	t.hooks.Fire()
	if v := t.values.Swap(nil); v != nil {
		valuesPool.Release(v)
	}
	close(t.done)
}
