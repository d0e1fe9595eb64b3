package client

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/haxii/fastduplex/bytebufferpool"
	"github.com/haxii/fastduplex/http"
	"github.com/haxii/fastduplex/transport"
)

const helloResponse = "HTTP/1.1 200 OK\r\nContent-Length: 11\r\n\r\nHello World"

type rawServer struct {
	ln       net.Listener
	accepted atomic.Int32
}

func newRawServer(t *testing.T, handle func(c net.Conn, br *bufio.Reader)) *rawServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &rawServer{ln: ln}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			s.accepted.Add(1)
			go func() {
				defer c.Close()
				handle(c, bufio.NewReader(c))
			}()
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *rawServer) addr() string { return s.ln.Addr().String() }

func (s *rawServer) url(path string) string { return "http://" + s.addr() + path }

// readRequest reads a request head without body
func readRequest(br *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(line)
		if line == "\r\n" {
			return sb.String(), nil
		}
	}
}

// serveKeepAlive answers every request on a connection with resp
func serveKeepAlive(resp string) func(net.Conn, *bufio.Reader) {
	return func(c net.Conn, br *bufio.Reader) {
		for {
			if _, err := readRequest(br); err != nil {
				return
			}
			if _, err := c.Write([]byte(resp)); err != nil {
				return
			}
		}
	}
}

func newTestClient(t *testing.T) *Client {
	c := &Client{Allocator: &bytebufferpool.Allocator{}}
	t.Cleanup(c.Close)
	return c
}

func getRequest(s *rawServer, path string) http.Outbound {
	return http.Just(http.NewRequestHead("GET", path, s.addr()), http.NewLastContent(nil, nil))
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout!")
	}
}

func TestKeepAliveReuse(t *testing.T) {
	s := newRawServer(t, serveKeepAlive(helloResponse))
	c := newTestClient(t)
	ctx := context.Background()

	var conns []*transport.Conn
	for i := 0; i < 2; i++ {
		init, err := c.Initiator(ctx, s.addr())
		require.NoError(t, err)
		conns = append(conns, init.Conn())
		resp, err := init.DefineInteraction(getRequest(s, "/"))
		require.NoError(t, err)
		head, body, err := resp.ReadAll(ctx)
		require.NoError(t, err)
		require.Equal(t, 200, head.StatusCode)
		require.Equal(t, "Hello World", string(body))
		init.Close()
		waitDone(t, init.Done())
		require.True(t, init.IsEndedWithKeepAlive())
		require.Equal(t, 1, c.connPool().Len(s.addr()))
	}
	require.Same(t, conns[0], conns[1])
	require.EqualValues(t, 1, s.accepted.Load())
	require.Zero(t, c.Allocator.Active())
}

func TestSequentialInteractionsOnOneInitiator(t *testing.T) {
	s := newRawServer(t, serveKeepAlive(helloResponse))
	c := newTestClient(t)
	ctx := context.Background()

	init, err := c.Initiator(ctx, s.addr())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		resp, err := init.DefineInteraction(getRequest(s, "/"))
		require.NoError(t, err)
		_, body, err := resp.ReadAll(ctx)
		require.NoError(t, err)
		require.Equal(t, "Hello World", string(body))
	}
	require.Equal(t, StateIdle, init.State())
	require.EqualValues(t, 11, init.Intraffic().InboundBytes)
	init.Close()
	waitDone(t, init.Done())
	require.EqualValues(t, 1, s.accepted.Load())
}

func TestConcurrentInteractionRejected(t *testing.T) {
	received := make(chan struct{})
	respond := make(chan struct{})
	s := newRawServer(t, func(c net.Conn, br *bufio.Reader) {
		if _, err := readRequest(br); err != nil {
			return
		}
		close(received)
		<-respond
		c.Write([]byte(helloResponse))
		io.Copy(io.Discard, br)
	})
	c := newTestClient(t)
	ctx := context.Background()

	init, err := c.Initiator(ctx, s.addr())
	require.NoError(t, err)
	resp, err := init.DefineInteraction(getRequest(s, "/first"))
	require.NoError(t, err)
	waitDone(t, received)

	before := init.Conn().Traffic().Outbound()
	_, err = init.DefineInteraction(getRequest(s, "/second"))
	require.ErrorIs(t, err, transport.ErrConcurrentUse)
	loopBarrier(t, init.Conn())
	require.Equal(t, before, init.Conn().Traffic().Outbound())

	close(respond)
	_, body, err := resp.ReadAll(ctx)
	require.NoError(t, err)
	require.Equal(t, "Hello World", string(body))
	init.Close()
	waitDone(t, init.Done())
}

// loopBarrier waits until the tasks queued on the connection loop ran
func loopBarrier(t *testing.T, conn *transport.Conn) {
	done := make(chan struct{})
	conn.Exec(func() { close(done) })
	waitDone(t, done)
}

func TestCancelClosesConnection(t *testing.T) {
	s := newRawServer(t, func(c net.Conn, br *bufio.Reader) {
		if _, err := readRequest(br); err != nil {
			return
		}
		c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\nHello"))
		io.Copy(io.Discard, br)
	})
	c := newTestClient(t)
	ctx := context.Background()

	init, err := c.Initiator(ctx, s.addr())
	require.NoError(t, err)
	conn := init.Conn()
	resp, err := init.DefineInteraction(getRequest(s, "/"))
	require.NoError(t, err)
	d, err := resp.Next(ctx)
	require.NoError(t, err)
	require.IsType(t, &http.ResponseHead{}, d.Object())
	d.Dispose()

	resp.Cancel()
	resp.Cancel()
	waitDone(t, init.Done())
	waitDone(t, conn.Done())
	require.ErrorIs(t, init.Err(), transport.ErrUserCancellation)
	require.False(t, init.IsEndedWithKeepAlive())
	_, err = resp.Next(ctx)
	require.ErrorIs(t, err, transport.ErrUserCancellation)
	require.Zero(t, c.connPool().Len(s.addr()))
	require.Eventually(t, func() bool { return c.Allocator.Active() == 0 },
		3*time.Second, 10*time.Millisecond)
}

func TestContextCancelsResponse(t *testing.T) {
	s := newRawServer(t, func(c net.Conn, br *bufio.Reader) {
		readRequest(br)
		io.Copy(io.Discard, br)
	})
	c := newTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Do(ctx, s.addr(), getRequest(s, "/"), func(resp *Response) error {
		_, _, err := resp.ReadAll(ctx)
		return err
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Zero(t, c.connPool().Len(s.addr()))
}

func TestHTTP10ResponseClosesConnection(t *testing.T) {
	peerClosed := make(chan struct{})
	s := newRawServer(t, func(c net.Conn, br *bufio.Reader) {
		if _, err := readRequest(br); err != nil {
			return
		}
		c.Write([]byte("HTTP/1.0 200 OK\r\nContent-Length: 11\r\n\r\nHello World"))
		// the client has to close it
		io.Copy(io.Discard, br)
		close(peerClosed)
	})
	c := newTestClient(t)

	head, body, err := c.Fetch(context.Background(), "GET", s.url("/"), nil)
	require.NoError(t, err)
	require.Equal(t, http.ProtoHTTP10, head.Proto)
	require.False(t, head.KeepAlive())
	require.Equal(t, "Hello World", string(body))
	waitDone(t, peerClosed)
	require.Zero(t, c.connPool().Len(s.addr()))
}

func TestCloseDelimitedBody(t *testing.T) {
	s := newRawServer(t, func(c net.Conn, br *bufio.Reader) {
		if _, err := readRequest(br); err != nil {
			return
		}
		c.Write([]byte("HTTP/1.1 200 OK\r\n\r\nHello"))
		c.Write([]byte(" World"))
	})
	c := newTestClient(t)

	_, body, err := c.Fetch(context.Background(), "GET", s.url("/"), nil)
	require.NoError(t, err)
	require.Equal(t, "Hello World", string(body))
	require.Zero(t, c.connPool().Len(s.addr()))
	require.Zero(t, c.Allocator.Active())
}

func TestChunkedReassembly(t *testing.T) {
	for _, parts := range []int{1, 2, 5} {
		chunks := splitN("Hello World", parts)
		s := newRawServer(t, func(c net.Conn, br *bufio.Reader) {
			for {
				if _, err := readRequest(br); err != nil {
					return
				}
				c.Write([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"))
				for _, chunk := range chunks {
					c.Write([]byte(strconv.FormatInt(int64(len(chunk)), 16) + "\r\n" + chunk + "\r\n"))
					time.Sleep(time.Millisecond)
				}
				c.Write([]byte("0\r\n\r\n"))
			}
		})
		c := newTestClient(t)

		_, body, err := c.Fetch(context.Background(), "GET", s.url("/"), nil)
		require.NoError(t, err)
		require.Equal(t, "Hello World", string(body), "%d parts", parts)
		require.Equal(t, 1, c.connPool().Len(s.addr()))
		require.Zero(t, c.Allocator.Active())
	}
}

func splitN(s string, n int) []string {
	var parts []string
	size := (len(s) + n - 1) / n
	for len(s) > 0 {
		if size > len(s) {
			size = len(s)
		}
		parts = append(parts, s[:size])
		s = s[size:]
	}
	return parts
}

func TestShortBodyIsOneTransportError(t *testing.T) {
	s := newRawServer(t, func(c net.Conn, br *bufio.Reader) {
		if _, err := readRequest(br); err != nil {
			return
		}
		c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\n0123456789"))
	})
	c := newTestClient(t)
	ctx := context.Background()

	init, err := c.Initiator(ctx, s.addr())
	require.NoError(t, err)
	conn := init.Conn()
	resp, err := init.DefineInteraction(getRequest(s, "/"))
	require.NoError(t, err)

	var errs []error
	for {
		d, err := resp.Next(ctx)
		if err != nil {
			errs = append(errs, err)
			break
		}
		d.Dispose()
	}
	require.Len(t, errs, 1)
	require.True(t, transport.IsTransportError(errs[0]), "got %v", errs[0])
	require.ErrorIs(t, errs[0], io.ErrUnexpectedEOF)

	waitDone(t, init.Done())
	require.Same(t, errs[0], init.Err())
	waitDone(t, conn.Done())
	require.Zero(t, c.connPool().Len(s.addr()))
	require.Zero(t, c.Allocator.Active())

	// the next request dials again
	_, _, err = c.Fetch(ctx, "GET", s.url("/"), nil)
	require.Error(t, err)
	require.EqualValues(t, 2, s.accepted.Load())
}

func TestAllocatorBaseline(t *testing.T) {
	s := newRawServer(t, serveKeepAlive(
		"HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nHello\r\n6\r\n World\r\n0\r\n\r\n"))
	c := newTestClient(t)
	ctx := context.Background()
	base := c.Allocator.Active()

	// success with the consumer disposing everything
	_, _, err := c.Fetch(ctx, "GET", s.url("/"), nil)
	require.NoError(t, err)
	require.Equal(t, base, c.Allocator.Active())

	// objects the consumer never disposed are released when Do returns
	err = c.Do(ctx, s.addr(), getRequest(s, "/"), func(resp *Response) error {
		for {
			if _, err := resp.Next(ctx); err != nil {
				return nil
			}
		}
	})
	require.NoError(t, err)
	require.Equal(t, base, c.Allocator.Active())

	// outbound failure
	boom := errors.New("boom")
	err = c.Do(ctx, s.addr(), http.Fail(boom), func(resp *Response) error {
		_, err := resp.Next(ctx)
		return err
	})
	require.ErrorIs(t, err, boom)
	require.Eventually(t, func() bool { return c.Allocator.Active() == base },
		3*time.Second, 10*time.Millisecond)
}

func TestOutboundErrorClosesConnection(t *testing.T) {
	s := newRawServer(t, serveKeepAlive(helloResponse))
	c := newTestClient(t)
	ctx := context.Background()

	init, err := c.Initiator(ctx, s.addr())
	require.NoError(t, err)
	pipe := http.NewPipe()
	resp, err := init.DefineInteraction(pipe)
	require.NoError(t, err)
	require.NoError(t, pipe.Send(http.NewRequestHead("POST", "/", s.addr())))
	boom := errors.New("body source failed")
	pipe.Close(boom)

	_, err = resp.Next(ctx)
	require.ErrorIs(t, err, boom)
	waitDone(t, init.Done())
	waitDone(t, init.Conn().Done())
	require.Zero(t, c.connPool().Len(s.addr()))
}

func TestDefineInteractionOnClosedInitiator(t *testing.T) {
	s := newRawServer(t, serveKeepAlive(helloResponse))
	c := newTestClient(t)

	init, err := c.Initiator(context.Background(), s.addr())
	require.NoError(t, err)
	init.Close()
	waitDone(t, init.Done())
	_, err = init.DefineInteraction(getRequest(s, "/"))
	require.ErrorIs(t, err, transport.ErrInactive)
	// closed while idle, the connection is reusable
	require.Equal(t, 1, c.connPool().Len(s.addr()))
}

func TestDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c := newTestClient(t)
	_, err = c.Initiator(context.Background(), addr)
	require.True(t, transport.IsConnectionError(err), "got %v", err)
}

func TestHeadResponseHasNoBody(t *testing.T) {
	s := newRawServer(t, serveKeepAlive("HTTP/1.1 200 OK\r\nContent-Length: 11\r\n\r\n"))
	c := newTestClient(t)

	head, body, err := c.Fetch(context.Background(), "HEAD", s.url("/"), nil)
	require.NoError(t, err)
	require.Equal(t, "11", head.Header.Get("Content-Length"))
	require.Empty(t, body)
	require.Equal(t, 1, c.connPool().Len(s.addr()))
}

func TestNoContentResponse(t *testing.T) {
	s := newRawServer(t, serveKeepAlive("HTTP/1.1 204 No Content\r\n\r\n"))
	c := newTestClient(t)

	for i := 0; i < 2; i++ {
		head, body, err := c.Fetch(context.Background(), "GET", s.url("/"), nil)
		require.NoError(t, err)
		require.Equal(t, 204, head.StatusCode)
		require.Empty(t, body)
	}
	require.EqualValues(t, 1, s.accepted.Load())
}

func TestFeatures(t *testing.T) {
	requests := make(chan string, 1)
	s := newRawServer(t, func(c net.Conn, br *bufio.Reader) {
		req, err := readRequest(br)
		if err != nil {
			return
		}
		requests <- req
		c.Write([]byte(helloResponse))
		io.Copy(io.Discard, br)
	})
	var connected, recorded atomic.Int32
	var record TrafficRecord
	c := newTestClient(t)
	c.Features = []Feature{
		AcceptEncoding(),
		{Name: "connect", AfterConnect: func(*transport.Conn) { connected.Add(1) }},
		TrafficRecorder(func(r TrafficRecord) {
			record = r
			recorded.Add(1)
		}),
	}

	_, _, err := c.Fetch(context.Background(), "GET", s.url("/index?x=1#frag"), nil)
	require.NoError(t, err)
	req := <-requests
	require.True(t, strings.HasPrefix(req, "GET /index?x=1 HTTP/1.1\r\n"), req)
	require.Contains(t, req, "Accept-Encoding: gzip, deflate\r\n")
	require.EqualValues(t, 1, connected.Load())
	require.EqualValues(t, 1, recorded.Load())
	require.Equal(t, s.addr(), record.Addr)
	require.EqualValues(t, 11, record.Intraffic.InboundBytes)
	require.EqualValues(t, len(helloResponse), record.Inbound)
	require.EqualValues(t, len(req), record.Outbound)
}

func TestSentAndWritability(t *testing.T) {
	s := newRawServer(t, serveKeepAlive(helloResponse))
	c := newTestClient(t)
	ctx := context.Background()

	init, err := c.Initiator(ctx, s.addr())
	require.NoError(t, err)
	writable := make(chan bool, 1)
	cancelWritability := init.Writability(func(w bool) { writable <- w })
	defer cancelWritability()
	require.True(t, <-writable)

	var sent []string
	init.Sent(func(obj http.Object) { sent = append(sent, typeName(obj)) })
	init.SetFlushPerWrite(true)
	resp, err := init.DefineInteraction(getRequest(s, "/"))
	require.NoError(t, err)
	_, _, err = resp.ReadAll(ctx)
	require.NoError(t, err)
	loopBarrier(t, init.Conn())
	require.Equal(t, []string{"head", "last"}, sent)
	init.Close()
	waitDone(t, init.Done())
}

func typeName(obj http.Object) string {
	switch obj.(type) {
	case *http.RequestHead:
		return "head"
	case *http.LastContent:
		return "last"
	}
	return "content"
}

func TestStateString(t *testing.T) {
	require.Equal(t, "RECEIVING", StateReceiving.String())
	require.Equal(t, "UNKNOWN", State(9).String())
}

func TestResponseOutlivesPeerClose(t *testing.T) {
	s := newRawServer(t, func(c net.Conn, br *bufio.Reader) {
		if _, err := readRequest(br); err != nil {
			return
		}
		c.Write([]byte("HTTP/1.1 200 OK\r\nConnection: close\r\nContent-Length: 11\r\n\r\nHello World"))
	})
	c := newTestClient(t)
	ctx := context.Background()

	init, err := c.Initiator(ctx, s.addr())
	require.NoError(t, err)
	resp, err := init.DefineInteraction(getRequest(s, "/"))
	require.NoError(t, err)
	// the peer hangs up after the response, ending the initiator
	waitDone(t, init.Done())
	require.ErrorIs(t, init.Err(), transport.ErrInactive)
	require.NotZero(t, c.Allocator.Active())

	head, body, err := resp.ReadAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 200, head.StatusCode)
	require.Equal(t, "Hello World", string(body))
	require.Zero(t, c.Allocator.Active())
	require.Zero(t, c.connPool().Len(s.addr()))
}

func TestConnectionPooledAfterBuffersReleased(t *testing.T) {
	s := newRawServer(t, serveKeepAlive(helloResponse))
	c := newTestClient(t)
	ctx := context.Background()

	init, err := c.Initiator(ctx, s.addr())
	require.NoError(t, err)
	resp, err := init.DefineInteraction(getRequest(s, "/"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		resp.mu.Lock()
		defer resp.mu.Unlock()
		return resp.completed
	}, 3*time.Second, 10*time.Millisecond)

	init.Close()
	waitDone(t, init.Done())
	require.True(t, init.IsEndedWithKeepAlive())
	// the body is still queued, the connection waits for it
	require.NotZero(t, c.Allocator.Active())
	require.Zero(t, c.connPool().Len(s.addr()))

	_, body, err := resp.ReadAll(ctx)
	require.NoError(t, err)
	require.Equal(t, "Hello World", string(body))
	require.Equal(t, 1, c.connPool().Len(s.addr()))
	require.Zero(t, c.Allocator.Active())
}

func TestCancelDisposesCompleteResponse(t *testing.T) {
	s := newRawServer(t, serveKeepAlive(helloResponse))
	c := newTestClient(t)
	ctx := context.Background()

	init, err := c.Initiator(ctx, s.addr())
	require.NoError(t, err)
	resp, err := init.DefineInteraction(getRequest(s, "/"))
	require.NoError(t, err)
	d, err := resp.Next(ctx)
	require.NoError(t, err)
	require.IsType(t, &http.ResponseHead{}, d.Object())
	require.Eventually(t, func() bool {
		resp.mu.Lock()
		defer resp.mu.Unlock()
		return resp.completed
	}, 3*time.Second, 10*time.Millisecond)

	resp.Cancel()
	init.Close()
	waitDone(t, init.Done())
	require.Zero(t, c.Allocator.Active())
	require.Equal(t, 1, c.connPool().Len(s.addr()))
	_, err = resp.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestReadTimeoutIsTransportError(t *testing.T) {
	s := newRawServer(t, func(c net.Conn, br *bufio.Reader) {
		readRequest(br)
		io.Copy(io.Discard, br)
	})
	c := newTestClient(t)
	c.ReadTimeout = 50 * time.Millisecond

	_, _, err := c.Fetch(context.Background(), "GET", s.url("/"), nil)
	var te *transport.TransportError
	require.True(t, errors.As(err, &te), "got %v", err)
	require.True(t, te.Timeout())
	require.Zero(t, c.connPool().Len(s.addr()))
}
