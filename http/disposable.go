package http

import (
	"sync"
	"sync/atomic"

	"github.com/haxii/fastduplex/terminate"
)

// Disposable an object handed to a consumer which must call Dispose
// exactly once, extra calls are ignored
type Disposable struct {
	obj      Object
	disposed atomic.Bool

	mu     sync.Mutex
	remove func()
	after  func()
}

// NewDisposable takes over one reference of obj
func NewDisposable(obj Object) *Disposable {
	return &Disposable{obj: obj}
}

// Object the wrapped object, valid until disposed
func (d *Disposable) Object() Object {
	return d.obj
}

// Disposed whether Dispose has been called
func (d *Disposable) Disposed() bool {
	return d.disposed.Load()
}

// Dispose releases the wrapped reference
func (d *Disposable) Dispose() {
	if !d.disposed.CompareAndSwap(false, true) {
		return
	}
	d.obj.Release()
	d.mu.Lock()
	remove, after := d.remove, d.after
	d.remove, d.after = nil, nil
	d.mu.Unlock()
	if remove != nil {
		remove()
	}
	if after != nil {
		after()
	}
}

// AfterDispose runs fn once the wrapped reference is released, right
// away if it already is
func (d *Disposable) AfterDispose(fn func()) *Disposable {
	d.mu.Lock()
	if d.disposed.Load() {
		d.mu.Unlock()
		fn()
		return d
	}
	d.after = fn
	d.mu.Unlock()
	return d
}

// DisposeOn disposes d when t terminates, if the consumer has not already
func (d *Disposable) DisposeOn(t terminate.Terminable) *Disposable {
	remove := t.OnTerminate(d.Dispose)
	d.mu.Lock()
	if d.disposed.Load() {
		d.mu.Unlock()
		remove()
		return d
	}
	d.remove = remove
	d.mu.Unlock()
	return d
}
