package transport

import (
	"fmt"
	"sync"

	"github.com/haxii/log/v2"
)

// Loop a single goroutine executing submitted tasks one at a time in
// submission order. Every state change of a connection and of the
// transaction running on it happens on the connection's loop.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool
	exited  bool
	wake    chan struct{}
	done    chan struct{}

	// a caller is running the tasks of an exited loop
	draining bool
}

// NewLoop starts a loop
func NewLoop() *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// Submit queues fn, it never blocks. It returns false when the loop is
// stopped and fn will never run.
func (l *Loop) Submit(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Run queues fn like Submit, also after Stop while queued tasks remain.
// Once the loop has exited fn runs on the calling goroutine instead,
// still one task at a time in submission order. A task running Run
// returns before the new task starts.
func (l *Loop) Run(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	if !l.exited {
		l.mu.Unlock()
		select {
		case l.wake <- struct{}{}:
		default:
		}
		return
	}
	if l.draining {
		l.mu.Unlock()
		return
	}
	l.draining = true
	for len(l.queue) > 0 {
		next := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()
		runTask(next)
		l.mu.Lock()
	}
	l.draining = false
	l.mu.Unlock()
}

// Stop lets the loop run what is already queued, then exit
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.stopped {
		l.stopped = true
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
	l.mu.Unlock()
}

// Done closed once the loop has exited
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) run() {
	defer close(l.done)
	var batch []func()
	for {
		l.mu.Lock()
		batch, l.queue = l.queue, batch[:0]
		if len(batch) == 0 && l.stopped {
			l.exited = true
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()

		if len(batch) == 0 {
			<-l.wake
			continue
		}
		for i, fn := range batch {
			runTask(fn)
			batch[i] = nil
		}
	}
}

func runTask(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			log.Errorf(fmt.Errorf("%v", p), "task panicked on connection loop")
		}
	}()
	fn()
}

// LoopGroup hands out a fixed set of loops round robin, so many
// connections share few goroutines
type LoopGroup struct {
	loops []*Loop
	next  uint64
	mu    sync.Mutex
}

// NewLoopGroup starts n loops, n <= 0 starts one
func NewLoopGroup(n int) *LoopGroup {
	if n <= 0 {
		n = 1
	}
	g := &LoopGroup{loops: make([]*Loop, n)}
	for i := range g.loops {
		g.loops[i] = NewLoop()
	}
	return g
}

// Next the loop for the next connection
func (g *LoopGroup) Next() *Loop {
	g.mu.Lock()
	l := g.loops[g.next%uint64(len(g.loops))]
	g.next++
	g.mu.Unlock()
	return l
}

// Stop stops every loop
func (g *LoopGroup) Stop() {
	for _, l := range g.loops {
		l.Stop()
	}
}
