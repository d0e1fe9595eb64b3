// Package client runs http/1 requests over pooled connections.
package client

import (
	"context"
	"crypto/tls"
	"strconv"
	"sync"
	"time"

	"github.com/haxii/log/v2"
	"github.com/pkg/errors"

	"github.com/haxii/fastduplex/bufiopool"
	"github.com/haxii/fastduplex/bytebufferpool"
	"github.com/haxii/fastduplex/connpool"
	"github.com/haxii/fastduplex/http"
	"github.com/haxii/fastduplex/metrics"
	"github.com/haxii/fastduplex/transport"
	"github.com/haxii/fastduplex/uri"
)

var errNoHost = errors.New("request url has no host")

// Client hands out initiators on pooled connections, dialing when the
// pool has none for the address.
//
// Copying Client by value is prohibited. Create new instance instead.
type Client struct {
	// Pool of idle connections, a private pool is used if nil
	Pool *connpool.Pool
	// Loops the connections run on, each connection starts its own
	// loop if nil
	Loops *transport.LoopGroup

	// Allocator backing response bodies
	Allocator *bytebufferpool.Allocator
	// BufioPool for connection readers and writers
	BufioPool *bufiopool.Pool
	// TLSConfig turns on TLS for every dialed connection
	TLSConfig *tls.Config

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// ReadAhead see DefaultReadAhead
	ReadAhead int
	// FlushPerWrite flushes every request object on its own
	FlushPerWrite bool
	// Features applied to every initiator in order
	Features []Feature

	poolOnce sync.Once
	pool     *connpool.Pool
}

func (c *Client) connPool() *connpool.Pool {
	c.poolOnce.Do(func() {
		c.pool = c.Pool
		if c.pool == nil {
			c.pool = &connpool.Pool{}
		}
	})
	return c.pool
}

func (c *Client) dialOptions() *transport.DialOptions {
	opts := &transport.DialOptions{
		Options: transport.Options{
			Allocator:    c.Allocator,
			BufioPool:    c.BufioPool,
			ReadTimeout:  c.ReadTimeout,
			WriteTimeout: c.WriteTimeout,
		},
		Timeout:   c.DialTimeout,
		TLSConfig: c.TLSConfig,
	}
	if c.Loops != nil {
		opts.Loop = c.Loops.Next()
	}
	return opts
}

// Initiator returns an initiator on a pooled connection to addr or on a
// newly dialed one. Dial failures are *transport.ConnectionError.
// The connection goes back to the pool when the initiator ends with
// keep-alive, otherwise it is closed.
func (c *Client) Initiator(ctx context.Context, addr string) (*Initiator, error) {
	pool := c.connPool()
	for {
		conn, err := pool.Acquire(addr)
		if err != nil {
			break
		}
		init, err := newInitiator(conn, c.Features, c.ReadAhead)
		if err != nil {
			// lost to a close racing with the acquire
			conn.Close()
			continue
		}
		return c.setup(init), nil
	}

	conn, err := transport.Dial(ctx, addr, c.dialOptions())
	if err != nil {
		log.Errorf(err, "fail to dial %s", addr)
		return nil, err
	}
	metrics.RecordPoolEvent(metrics.PoolDialed)
	for _, f := range c.Features {
		if f.AfterConnect != nil {
			f.AfterConnect(conn)
		}
	}
	init, err := newInitiator(conn, c.Features, c.ReadAhead)
	if err != nil {
		conn.Close()
		return nil, &transport.ConnectionError{Addr: addr, Err: err}
	}
	return c.setup(init), nil
}

func (c *Client) setup(init *Initiator) *Initiator {
	init.SetFlushPerWrite(c.FlushPerWrite)
	conn := init.Conn()
	init.OnTerminate(func() {
		for _, f := range c.Features {
			if f.OnTerminate != nil {
				f.OnTerminate(init)
			}
		}
		if !init.IsEndedWithKeepAlive() {
			conn.Close()
			return
		}
		// pooled only once the transaction holds no buffer
		init.afterSettled(func() { c.connPool().Release(conn) })
	})
	return init
}

// Do runs one interaction with addr: outbound is sent as the request and
// fn consumes the response. When fn returns the initiator is closed and
// objects fn left undisposed are disposed, a response not received to
// the end closes the connection.
func (c *Client) Do(ctx context.Context, addr string, outbound http.Outbound,
	fn func(resp *Response) error) error {
	init, err := c.Initiator(ctx, addr)
	if err != nil {
		return err
	}
	defer func() {
		init.Close()
		<-init.Done()
	}()
	resp, err := init.DefineInteraction(outbound)
	if err != nil {
		return err
	}
	err = fn(resp)
	resp.Cancel()
	return err
}

// Fetch sends a request with an optional body to rawURL and reads the
// whole response
func (c *Client) Fetch(ctx context.Context, method, rawURL string, body []byte) (
	head *http.ResponseHead, respBody []byte, err error) {
	var u uri.URI
	u.Parse([]byte(rawURL))
	if len(u.Host()) == 0 {
		return nil, nil, errors.Wrapf(errNoHost, "fetch %q", rawURL)
	}
	req := http.NewRequestHead(method, string(u.RequestTarget()), string(u.Host()))
	if len(body) > 0 {
		req.Header.Set("Content-Length", strconv.Itoa(len(body)))
	}
	outbound := http.Just(req, http.NewLastContent(c.Allocator, body))
	err = c.Do(ctx, u.HostWithPort(), outbound, func(resp *Response) error {
		var e error
		head, respBody, e = resp.ReadAll(ctx)
		return e
	})
	return head, respBody, err
}

// Close closes the idle connections of the client pool
func (c *Client) Close() {
	c.connPool().Close()
}
