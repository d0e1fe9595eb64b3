package bufiopool

import (
	"bufio"
	"io"
	"sync"
)

// Pool buffered reader and writer pool shared by transport connections
type Pool struct {
	readBufferSize  int
	writeBufferSize int

	readerPool sync.Pool
	writerPool sync.Pool
}

const (
	// MinReadBufferSize default read size for buffer io
	MinReadBufferSize = 4096
	// MinWriteBufferSize default write size for buffer io
	MinWriteBufferSize = 4096
)

// Default pool used by connections created without explicit buffer sizes
var Default = New(0, 0)

// New make a new buff io pool
// min read / write buffer size is set if they are
// smaller than MinReadBufferSize / MinWriteBufferSize
func New(readBufferSize, writeBufferSize int) *Pool {
	if readBufferSize < MinReadBufferSize {
		readBufferSize = MinReadBufferSize
	}
	if writeBufferSize < MinWriteBufferSize {
		writeBufferSize = MinWriteBufferSize
	}
	return &Pool{
		readBufferSize:  readBufferSize,
		writeBufferSize: writeBufferSize,
	}
}

// WriteBufferSize size of every writer handed out by the pool
func (p *Pool) WriteBufferSize() int {
	return p.writeBufferSize
}

// AcquireReader acquire a buffered reader based on net connection
func (p *Pool) AcquireReader(c io.Reader) *bufio.Reader {
	v := p.readerPool.Get()
	if v == nil {
		return bufio.NewReaderSize(c, p.readBufferSize)
	}
	r := v.(*bufio.Reader)
	r.Reset(c)
	return r
}

// ReleaseReader release a buffered reader, it must not be used afterwards
func (p *Pool) ReleaseReader(r *bufio.Reader) {
	r.Reset(nil)
	p.readerPool.Put(r)
}

// AcquireWriter acquire a buffered writer based on net connection
func (p *Pool) AcquireWriter(c io.Writer) *bufio.Writer {
	v := p.writerPool.Get()
	if v == nil {
		return bufio.NewWriterSize(c, p.writeBufferSize)
	}
	bw := v.(*bufio.Writer)
	bw.Reset(c)
	return bw
}

// ReleaseWriter release a buffered writer, pending bytes are discarded
func (p *Pool) ReleaseWriter(bw *bufio.Writer) {
	bw.Reset(nil)
	p.writerPool.Put(bw)
}

// AcquireReadWriter acquire both sides for a duplex connection
func (p *Pool) AcquireReadWriter(c io.ReadWriter) (*bufio.Reader, *bufio.Writer) {
	return p.AcquireReader(c), p.AcquireWriter(c)
}

// ReleaseReadWriter release both sides acquired by AcquireReadWriter
func (p *Pool) ReleaseReadWriter(r *bufio.Reader, w *bufio.Writer) {
	if r != nil {
		p.ReleaseReader(r)
	}
	if w != nil {
		p.ReleaseWriter(w)
	}
}
