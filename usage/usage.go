package usage

import (
	"io"
	"sync/atomic"
)

// Traffic counts the bytes read from and written to a connection
type Traffic struct {
	inbound  uint64
	outbound uint64
}

//AddInbound adds read size
func (u *Traffic) AddInbound(n uint64) {
	atomic.AddUint64(&u.inbound, n)
}

//AddOutbound adds written size
func (u *Traffic) AddOutbound(n uint64) {
	atomic.AddUint64(&u.outbound, n)
}

//Inbound returns read size
func (u *Traffic) Inbound() uint64 {
	return atomic.LoadUint64(&u.inbound)
}

//Outbound returns written size
func (u *Traffic) Outbound() uint64 {
	return atomic.LoadUint64(&u.outbound)
}

// Snapshot returns both counters
func (u *Traffic) Snapshot() (in, out uint64) {
	return u.Inbound(), u.Outbound()
}

// Reader wraps r so every read is counted as inbound
func (u *Traffic) Reader(r io.Reader) io.Reader {
	return &countingReader{r: r, u: u}
}

// Writer wraps w so every write is counted as outbound
func (u *Traffic) Writer(w io.Writer) io.Writer {
	return &countingWriter{w: w, u: u}
}

type countingReader struct {
	r io.Reader
	u *Traffic
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.u.AddInbound(uint64(n))
	}
	return n, err
}

type countingWriter struct {
	w io.Writer
	u *Traffic
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.u.AddOutbound(uint64(n))
	}
	return n, err
}
