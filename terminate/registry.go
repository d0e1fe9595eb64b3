// Package terminate provides fire-once termination hooks shared by
// connections and the transactions running on them.
package terminate

import (
	"fmt"
	"sync"

	"github.com/haxii/log/v2"
)

// Terminable is anything that can run hooks when it ends.
type Terminable interface {
	// OnTerminate registers fn, it returns a func removing fn again.
	// fn runs immediately when already terminated.
	OnTerminate(fn func()) (remove func())
}

type hook struct {
	id uint64
	fn func()
}

// Registry an append-only set of hooks, fired exactly once.
//
// The zero value is ready to use.
type Registry struct {
	mu     sync.Mutex
	fired  bool
	nextID uint64
	hooks  []hook
}

// OnTerminate implements Terminable
func (r *Registry) OnTerminate(fn func()) (remove func()) {
	if fn == nil {
		return func() {}
	}
	r.mu.Lock()
	if r.fired {
		r.mu.Unlock()
		run(fn)
		return func() {}
	}
	r.nextID++
	id := r.nextID
	r.hooks = append(r.hooks, hook{id: id, fn: fn})
	r.mu.Unlock()
	return func() { r.remove(id) }
}

func (r *Registry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, h := range r.hooks {
		if h.id == id {
			copy(r.hooks[i:], r.hooks[i+1:])
			r.hooks[len(r.hooks)-1] = hook{}
			r.hooks = r.hooks[:len(r.hooks)-1]
			return
		}
	}
}

// Fire runs every registered hook in registration order.
// Only the first call does anything, it reports whether this call fired.
func (r *Registry) Fire() bool {
	r.mu.Lock()
	if r.fired {
		r.mu.Unlock()
		return false
	}
	r.fired = true
	hooks := r.hooks
	r.hooks = nil
	r.mu.Unlock()

	for _, h := range hooks {
		run(h.fn)
	}
	return true
}

// Terminated reports whether Fire has been called.
func (r *Registry) Terminated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fired
}

// Len number of hooks still waiting.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hooks)
}

// a panicking hook must not keep the others from running
func run(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			log.Errorf(fmt.Errorf("%v", p), "termination hook panicked")
		}
	}()
	fn()
}
