package bytebufferpool

import "sync"

// MaxPooledSize buffers grown beyond this capacity are dropped instead
// of being put back, so one huge body does not pin memory forever.
const MaxPooledSize = 1 << 20

// Pool represents byte buffer pool.
//
// Distinct pools may be used for distinct types of byte buffers.
type Pool struct {
	pool sync.Pool
}

var defaultPool Pool

// Get returns an empty byte buffer from the pool.
//
// Got byte buffer may be returned to the pool via Put call.
// This reduces the number of memory allocations required for byte buffer
// management.
func Get() *ByteBuffer { return defaultPool.Get() }

// Get returns new byte buffer with zero length.
func (p *Pool) Get() *ByteBuffer {
	v := p.pool.Get()
	if v != nil {
		return v.(*ByteBuffer)
	}
	return &ByteBuffer{}
}

// Put returns byte buffer to the pool.
//
// ByteBuffer.B mustn't be touched after returning it to the pool.
func Put(b *ByteBuffer) { defaultPool.Put(b) }

// Put releases byte buffer obtained via Get to the pool.
func (p *Pool) Put(b *ByteBuffer) {
	if cap(b.B) > MaxPooledSize {
		return
	}
	b.Reset()
	p.pool.Put(b)
}
