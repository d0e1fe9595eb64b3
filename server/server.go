// Package server accepts http/1 connections and runs a Trade for every
// request they carry.
package server

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/haxii/log/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/haxii/fastduplex/servertime"
	"github.com/haxii/fastduplex/transport"
)

// Handler is called for every trade once its request head arrived. It
// runs on the connection worker, the next request of the connection is
// not read before the trade completes.
type Handler func(t *Trade)

// Server a simple connection server
type Server struct {
	// Concurrency server concurrency
	Concurrency int
	// OnConcurrencyLimitExceeded called when the concurrency
	// limit exceeds, before the conn is force closed
	OnConcurrencyLimitExceeded func(net.Conn)

	// Listener server's listener
	Listener net.Listener
	// Handler of trades
	Handler Handler

	// Options for accepted connections
	Options transport.Options
	// Loops the connections run on, each connection starts its own
	// loop if nil
	Loops *transport.LoopGroup

	// ServiceName, server's service name, used for logging
	ServiceName string

	// active connections
	activeConn map[net.Conn]struct{}
	mu         sync.Mutex
}

// DefaultConcurrency is the maximum number of concurrent connections
const DefaultConcurrency = 256 * 1024

// ListenAndServe serves incoming connections from the given listener.
//
// Serve blocks until the given listener returns permanent error.
func (s *Server) ListenAndServe() error {
	if s.Listener == nil {
		return errors.New("No net.listener provided")
	}
	if s.Handler == nil {
		return errors.New("No trade handler provided")
	}

	if s.Concurrency <= 0 {
		s.Concurrency = DefaultConcurrency
	}
	if len(s.ServiceName) == 0 {
		s.ServiceName = "fastduplex.server"
	}

	var lastOverflowErrorTime time.Time
	var c net.Conn
	var err error

	wp := &WorkerPool{
		WorkerFunc:      s.serveConn,
		Tracker:         s.trackConn,
		MaxWorkersCount: s.Concurrency,
	}
	wp.Start()

	for {
		if c, err = s.acceptConn(s.Listener); err != nil {
			wp.Stop()
			if err == io.EOF {
				return nil
			}
			return err
		}
		if !wp.Serve(c) {
			if s.OnConcurrencyLimitExceeded != nil {
				s.OnConcurrencyLimitExceeded(c)
			}
			c.Close()
			if time.Since(lastOverflowErrorTime) > time.Minute {
				log.Errorf(errors.New("concurrency exceeded"), "%s: the incoming connection cannot be served, "+
					"because %d concurrent connections are served. Try increasing server's concurrency",
					s.ServiceName, s.Concurrency)
				lastOverflowErrorTime = servertime.CoarseTimeNow()
			}
			time.Sleep(100 * time.Millisecond)
		}
		c = nil
	}
}

// Serve runs ListenAndServe until ctx is done, then closes the server
func (s *Server) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	stopped := make(chan struct{})
	g.Go(func() error {
		defer close(stopped)
		return s.ListenAndServe()
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			s.Close()
		case <-stopped:
		}
		return nil
	})
	return g.Wait()
}

func (s *Server) acceptConn(ln net.Listener) (net.Conn, error) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if c != nil {
				panic("BUG: net.Listener returned non-nil conn and non-nil error")
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				log.Errorf(netErr, "temporary error when accepting new connections")
				time.Sleep(time.Second)
				continue
			}
			if err != io.EOF && !strings.Contains(err.Error(), "use of closed network connection") {
				log.Errorf(err, "permanent error when accepting new connections")
				return nil, err
			}
			return nil, io.EOF
		}
		if c == nil {
			panic("BUG: net.Listener returned (nil, nil)")
		}
		return c, nil
	}
}

// serveConn runs the trades of one connection until it closes
func (s *Server) serveConn(c net.Conn) error {
	opts := s.Options
	if s.Loops != nil {
		opts.Loop = s.Loops.Next()
	}
	conn := transport.Accept(c, &opts)
	// a trade is only created after the previous one completed, so at
	// most one waits here while the handler of the previous one runs
	trades := make(chan *Trade, 1)
	if _, err := newTrade(conn, func(t *Trade) { trades <- t }); err != nil {
		conn.Close()
		return err
	}
	for {
		select {
		case t := <-trades:
			s.handle(t)
		case <-conn.Done():
			return nil
		}
	}
}

func (s *Server) handle(t *Trade) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf(errors.Errorf("%v", r), "%s: handler panicked serving %s", s.ServiceName, t.Conn().Addr())
			t.Abort()
		}
	}()
	s.Handler(t)
}

// Close close the server and close all the active connections
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Listener.Close()
	for c := range s.activeConn {
		c.Close()
		delete(s.activeConn, c)
	}
}

func (s *Server) trackConn(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeConn == nil {
		s.activeConn = make(map[net.Conn]struct{})
	}
	if add {
		s.activeConn[c] = struct{}{}
	} else {
		delete(s.activeConn, c)
	}
}
