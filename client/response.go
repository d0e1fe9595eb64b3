package client

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/haxii/fastduplex/bytebufferpool"
	"github.com/haxii/fastduplex/http"
	"github.com/haxii/fastduplex/terminate"
)

// Response the inbound side of one interaction. Objects are pulled with
// Next in wire order and each one must be disposed by the caller.
//
// A response owns the objects it received until they are disposed: a
// complete response stays readable after its initiator and connection
// are gone. Objects are disposed on the caller's behalf only when the
// response fails or is cancelled.
type Response struct {
	init *Initiator

	mu        sync.Mutex
	queue     []*http.Disposable
	completed bool
	err       error
	signal    chan struct{}

	cancelled atomic.Bool
	// objects pushed and not disposed yet
	outstanding atomic.Int64
	// fired when the response is failed, cancelled or discarded
	abandoned terminate.Registry
	// fired once complete with every object disposed
	settled terminate.Registry
}

func newResponse(init *Initiator) *Response {
	return &Response{init: init, signal: make(chan struct{}, 1)}
}

func (r *Response) wake() {
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// push queues obj, taking over its reference
func (r *Response) push(obj http.Object) {
	r.outstanding.Add(1)
	d := http.NewDisposable(obj).AfterDispose(r.disposed).DisposeOn(&r.abandoned)
	r.mu.Lock()
	if r.completed {
		r.mu.Unlock()
		d.Dispose()
		return
	}
	r.queue = append(r.queue, d)
	r.mu.Unlock()
	r.wake()
}

func (r *Response) disposed() {
	if r.outstanding.Add(-1) == 0 {
		r.checkSettled()
	}
}

func (r *Response) checkSettled() {
	r.mu.Lock()
	completed := r.completed
	r.mu.Unlock()
	if completed && r.outstanding.Load() == 0 {
		r.settled.Fire()
	}
}

// onSettled runs fn once the response is complete and holds no buffer
func (r *Response) onSettled(fn func()) {
	r.settled.OnTerminate(fn)
}

// finish delivers the terminal event, only the first call counts.
// On error every object of the response is disposed, read or not.
func (r *Response) finish(err error) bool {
	r.mu.Lock()
	if r.completed {
		r.mu.Unlock()
		return false
	}
	r.completed = true
	r.err = err
	if err != nil {
		r.queue = nil
	}
	r.mu.Unlock()
	if err != nil {
		r.abandoned.Fire()
	}
	r.checkSettled()
	r.wake()
	return true
}

// discard disposes every object of a complete response
func (r *Response) discard() {
	r.mu.Lock()
	r.queue = nil
	r.mu.Unlock()
	r.abandoned.Fire()
	r.checkSettled()
}

// queued number of objects waiting for Next
func (r *Response) queued() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Next returns the next object of the response, io.EOF after the last
// one. A done ctx cancels the response.
func (r *Response) Next(ctx context.Context) (*http.Disposable, error) {
	for {
		r.mu.Lock()
		if len(r.queue) > 0 {
			d := r.queue[0]
			r.queue[0] = nil
			r.queue = r.queue[1:]
			drained := len(r.queue) == 0 && !r.completed
			r.mu.Unlock()
			if drained {
				r.init.conn.Exec(func() { r.init.onDrained(r) })
			}
			return d, nil
		}
		if r.completed {
			err := r.err
			r.mu.Unlock()
			if err == nil {
				return nil, io.EOF
			}
			return nil, err
		}
		r.mu.Unlock()

		select {
		case <-r.signal:
		case <-ctx.Done():
			r.Cancel()
			return nil, ctx.Err()
		}
	}
}

// Cancel gives up on the response. A response not complete yet closes
// its initiator and the connection with transport.ErrUserCancellation,
// the objects of a complete one are disposed.
// Calling it again does nothing more.
func (r *Response) Cancel() {
	if !r.cancelled.CompareAndSwap(false, true) {
		return
	}
	r.init.conn.Exec(func() { r.init.cancelResponse(r) })
}

// ReadAll pulls the whole response, returning its head and body.
// Every object is disposed before returning.
func (r *Response) ReadAll(ctx context.Context) (*http.ResponseHead, []byte, error) {
	var head *http.ResponseHead
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	for {
		d, err := r.Next(ctx)
		if err == io.EOF {
			return head, append([]byte(nil), bb.Bytes()...), nil
		}
		if err != nil {
			return head, nil, err
		}
		switch obj := d.Object().(type) {
		case *http.ResponseHead:
			head = obj
		case *http.LastContent:
			bb.Write(obj.Bytes())
		case *http.Content:
			bb.Write(obj.Bytes())
		}
		d.Dispose()
	}
}
