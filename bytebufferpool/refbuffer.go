package bytebufferpool

import (
	"sync/atomic"
)

// Allocator hands out reference counted buffers backed by a Pool and
// keeps track of how many of them are still referenced.
//
// Active is the observable used to detect leaks: once every buffer
// produced for a finished exchange has been released it returns to the
// value it had before the exchange started.
type Allocator struct {
	pool   Pool
	active int64
	total  uint64
}

// DefaultAllocator is used by connections that are not given one.
var DefaultAllocator = &Allocator{}

// Allocate returns a buffer holding a copy of p with a reference count of one.
func (a *Allocator) Allocate(p []byte) *RefBuffer {
	bb := a.pool.Get()
	bb.Set(p)
	return a.wrap(bb)
}

// AllocateFrom returns an empty buffer with a reference count of one,
// the caller fills it through Buffer.
func (a *Allocator) AllocateFrom(bb *ByteBuffer) *RefBuffer {
	if bb == nil {
		bb = a.pool.Get()
	}
	return a.wrap(bb)
}

func (a *Allocator) wrap(bb *ByteBuffer) *RefBuffer {
	atomic.AddInt64(&a.active, 1)
	atomic.AddUint64(&a.total, 1)
	return &RefBuffer{buf: bb, refs: 1, alloc: a}
}

// Active returns the number of buffers not yet fully released.
func (a *Allocator) Active() int64 {
	return atomic.LoadInt64(&a.active)
}

// Total returns the number of buffers ever allocated.
func (a *Allocator) Total() uint64 {
	return atomic.LoadUint64(&a.total)
}

// RefBuffer is a pooled byte buffer shared by several holders.
// The underlying ByteBuffer goes back to the pool when the last
// reference is released.
type RefBuffer struct {
	buf   *ByteBuffer
	refs  int32
	alloc *Allocator
}

// Bytes returns the buffer content, valid until the last Release.
func (r *RefBuffer) Bytes() []byte {
	if r.buf == nil {
		return nil
	}
	return r.buf.B
}

// Buffer returns the underlying ByteBuffer for filling.
func (r *RefBuffer) Buffer() *ByteBuffer {
	return r.buf
}

// Len returns the content length.
func (r *RefBuffer) Len() int {
	return len(r.Bytes())
}

// RefCnt returns the current reference count.
func (r *RefBuffer) RefCnt() int32 {
	return atomic.LoadInt32(&r.refs)
}

// Retain adds one reference and returns r.
func (r *RefBuffer) Retain() *RefBuffer {
	for {
		n := atomic.LoadInt32(&r.refs)
		if n <= 0 {
			panic("bytebufferpool: retain of a released RefBuffer")
		}
		if atomic.CompareAndSwapInt32(&r.refs, n, n+1) {
			return r
		}
	}
}

// Release drops one reference, it reports whether the buffer has been
// given back to the pool.
func (r *RefBuffer) Release() bool {
	n := atomic.AddInt32(&r.refs, -1)
	if n > 0 {
		return false
	}
	if n < 0 {
		panic("bytebufferpool: RefBuffer released too many times")
	}
	bb := r.buf
	r.buf = nil
	r.alloc.pool.Put(bb)
	atomic.AddInt64(&r.alloc.active, -1)
	return true
}
