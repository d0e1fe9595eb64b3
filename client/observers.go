package client

import "sync"

type observer[T any] struct {
	id uint64
	fn func(T)
}

// observers a list of callbacks safe to change from any goroutine
type observers[T any] struct {
	mu     sync.Mutex
	nextID uint64
	list   []observer[T]
}

func (o *observers[T]) add(fn func(T)) (id uint64, cancel func()) {
	o.mu.Lock()
	o.nextID++
	id = o.nextID
	o.list = append(o.list, observer[T]{id: id, fn: fn})
	o.mu.Unlock()
	return id, func() { o.remove(id) }
}

func (o *observers[T]) remove(id uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, ob := range o.list {
		if ob.id == id {
			o.list = append(o.list[:i], o.list[i+1:]...)
			return
		}
	}
}

func (o *observers[T]) has(id uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ob := range o.list {
		if ob.id == id {
			return true
		}
	}
	return false
}

// notify calls every observer outside the lock
func (o *observers[T]) notify(v T) {
	o.mu.Lock()
	if len(o.list) == 0 {
		o.mu.Unlock()
		return
	}
	list := make([]observer[T], len(o.list))
	copy(list, o.list)
	o.mu.Unlock()
	for _, ob := range list {
		ob.fn(v)
	}
}

func (o *observers[T]) clear() {
	o.mu.Lock()
	o.list = nil
	o.mu.Unlock()
}
