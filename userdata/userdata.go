package userdata

import (
	"io"
	"sync"

	"github.com/haxii/log/v2"
)

type entry struct {
	key   []byte
	value interface{}
}

// Values key/value pairs a handler attaches to a transaction,
// closers among them are closed once the transaction ends
type Values struct {
	mu      sync.Mutex
	entries []entry
}

// Set sets value of key, a nil value removes the key
func (v *Values) Set(key string, value interface{}) {
	if value == nil {
		v.Delete(key)
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.entries {
		if string(v.entries[i].key) == key {
			v.entries[i].value = value
			return
		}
	}
	n := len(v.entries)
	if cap(v.entries) > n {
		v.entries = v.entries[:n+1]
		e := &v.entries[n]
		e.key = append(e.key[:0], key...)
		e.value = value
		return
	}
	v.entries = append(v.entries, entry{key: []byte(key), value: value})
}

// Get value of key, nil if absent
func (v *Values) Get(key string) interface{} {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.entries {
		if string(v.entries[i].key) == key {
			return v.entries[i].value
		}
	}
	return nil
}

// Delete removes key without closing its value
func (v *Values) Delete(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.entries {
		if string(v.entries[i].key) == key {
			last := len(v.entries) - 1
			v.entries[i], v.entries[last] = v.entries[last], v.entries[i]
			v.entries[last].value = nil
			v.entries = v.entries[:last]
			return
		}
	}
}

// Len number of keys
func (v *Values) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.entries)
}

// Reset closes every io.Closer value then drops all keys
func (v *Values) Reset() {
	var closers []io.Closer
	v.mu.Lock()
	for i := range v.entries {
		if c, ok := v.entries[i].value.(io.Closer); ok {
			closers = append(closers, c)
		}
		v.entries[i].value = nil
	}
	v.entries = v.entries[:0]
	v.mu.Unlock()
	for _, c := range closers {
		if err := c.Close(); err != nil {
			log.Errorf(err, "fail to close user value")
		}
	}
}

// Pool pooling values
type Pool struct{ pool sync.Pool }

// Acquire get values from pool
func (p *Pool) Acquire() *Values {
	v := p.pool.Get()
	if v == nil {
		return &Values{}
	}
	return v.(*Values)
}

// Release resets values and puts them back into pool
func (p *Pool) Release(v *Values) {
	v.Reset()
	p.pool.Put(v)
}
