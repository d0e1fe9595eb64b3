package http

import (
	"sync"

	"github.com/pkg/errors"
)

// Outbound a push stream of http objects. Subscribe starts emission;
// emit is called once per object in order, then done exactly once.
// cancel stops emission, objects not emitted yet are released.
type Outbound interface {
	Subscribe(emit func(Object), done func(error)) (cancel func())
}

// OutboundFunc adapts a function to Outbound
type OutboundFunc func(emit func(Object), done func(error)) (cancel func())

// Subscribe implements Outbound
func (f OutboundFunc) Subscribe(emit func(Object), done func(error)) func() {
	return f(emit, done)
}

// Just an outbound emitting objs synchronously then completing
func Just(objs ...Object) Outbound {
	return OutboundFunc(func(emit func(Object), done func(error)) func() {
		for _, o := range objs {
			emit(o)
		}
		done(nil)
		return func() {}
	})
}

// Fail an outbound failing immediately with err
func Fail(err error) Outbound {
	return OutboundFunc(func(_ func(Object), done func(error)) func() {
		done(err)
		return func() {}
	})
}

// ErrPipeClosed returned by Send once the pipe is finished or cancelled
var ErrPipeClosed = errors.New("outbound pipe closed")

// Pipe an outbound fed by the caller, for bodies produced over time.
// Objects sent before subscription are queued. Only one subscriber is
// allowed.
type Pipe struct {
	mu        sync.Mutex
	queue     []Object
	emit      func(Object)
	done      func(error)
	finished  bool
	finishErr error
	cancelled bool
}

// NewPipe makes an empty pipe
func NewPipe() *Pipe {
	return &Pipe{}
}

// Send pushes obj, the pipe takes over its reference
func (p *Pipe) Send(obj Object) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished || p.cancelled {
		obj.Release()
		return ErrPipeClosed
	}
	if p.emit == nil {
		p.queue = append(p.queue, obj)
		return nil
	}
	p.emit(obj)
	return nil
}

// Close completes the stream, a non-nil err fails it
func (p *Pipe) Close(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished || p.cancelled {
		return
	}
	p.finished = true
	p.finishErr = err
	if p.done != nil {
		p.done(err)
	}
}

// Cancelled whether the subscriber went away
func (p *Pipe) Cancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

// Subscribe implements Outbound
func (p *Pipe) Subscribe(emit func(Object), done func(error)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.emit != nil || p.cancelled {
		done(errors.New("outbound pipe already subscribed"))
		return func() {}
	}
	p.emit, p.done = emit, done
	for i, o := range p.queue {
		emit(o)
		p.queue[i] = nil
	}
	p.queue = nil
	if p.finished {
		done(p.finishErr)
	}
	return p.cancel
}

func (p *Pipe) cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelled {
		return
	}
	p.cancelled = true
	for _, o := range p.queue {
		o.Release()
	}
	p.queue = nil
}
