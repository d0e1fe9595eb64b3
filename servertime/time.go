package servertime

import (
	"sync/atomic"
	"time"
)

var (
	serverDate atomic.Pointer[[]byte]
	coarseTime atomic.Pointer[time.Time]
)

func init() {
	refresh()
	go func() {
		for {
			time.Sleep(time.Second)
			refresh()
		}
	}()
}

func refresh() {
	now := time.Now()
	t := now.Truncate(time.Second)
	coarseTime.Store(&t)

	dst := now.In(time.UTC).AppendFormat(nil, time.RFC1123)
	copy(dst[len(dst)-3:], []byte("GMT"))
	serverDate.Store(&dst)
}

// CoarseTimeNow returns the current time truncated to the nearest second.
//
// This is a faster alternative to time.Now().
func CoarseTimeNow() time.Time {
	return *coarseTime.Load()
}

// ServerDate returns the value for the http Date header, callers must not modify it
func ServerDate() []byte {
	return *serverDate.Load()
}

// Since coarse grained time.Since
func Since(t time.Time) time.Duration {
	return CoarseTimeNow().Sub(t)
}
