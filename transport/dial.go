package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

// DefaultDialTimeout used when DialOptions.Timeout is not set
const DefaultDialTimeout = 3 * time.Second

// DialOptions settings for dialing client connections
type DialOptions struct {
	Options
	// Timeout for connecting and the TLS handshake
	Timeout time.Duration
	// TLSConfig turns on TLS, ServerName defaults to the dialed host
	TLSConfig *tls.Config
}

// Dial connects to addr. A plaintext connection is ready immediately,
// a TLS one once the handshake succeeds. Failures are *ConnectionError.
func Dial(ctx context.Context, addr string, opts *DialOptions) (*Conn, error) {
	if opts == nil {
		opts = &DialOptions{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := net.Dialer{}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Err: err}
	}
	if opts.TLSConfig == nil {
		c := NewConn(nc, addr, RoleClient, &opts.Options)
		c.MarkReady()
		return c, nil
	}

	cfg := opts.TLSConfig.Clone()
	if cfg.ServerName == "" {
		host, _, e := net.SplitHostPort(addr)
		if e != nil {
			host = addr
		}
		cfg.ServerName = host
	}
	tc := tls.Client(nc, cfg)
	c := NewConn(tc, addr, RoleClient, &opts.Options)
	if err := tc.HandshakeContext(ctx); err != nil {
		c.closeWith(err)
		return nil, &ConnectionError{Addr: addr, Err: err}
	}
	c.MarkReady()
	return c, nil
}

// Accept wraps a server side connection, it is ready right away
func Accept(nc net.Conn, opts *Options) *Conn {
	c := NewConn(nc, nc.RemoteAddr().String(), RoleServer, opts)
	c.MarkReady()
	return c
}
