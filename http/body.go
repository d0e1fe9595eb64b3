package http

import (
	"bufio"
	"bytes"

	"github.com/pkg/errors"

	"github.com/haxii/fastduplex/bytebufferpool"
	"github.com/haxii/fastduplex/util"
)

//BodyType how http body is formed
type BodyType int

const (
	//BodyTypeNone the message has no body
	BodyTypeNone BodyType = iota
	//BodyTypeFixedSize body size is specified in `content-length` header
	BodyTypeFixedSize
	//BodyTypeChunked body is chunked with `Transfer-Encoding: chunked` in header
	BodyTypeChunked
	//BodyTypeIdentity body lasts until the connection is closed
	BodyTypeIdentity
)

func (t BodyType) String() string {
	switch t {
	case BodyTypeFixedSize:
		return "fixed"
	case BodyTypeChunked:
		return "chunked"
	case BodyTypeIdentity:
		return "identity"
	}
	return "none"
}

func parseChunkSize(r *bufio.Reader) (int, error) {
	n, err := util.ReadHexInt(r)
	if err != nil {
		return -1, err
	}
	line, err := r.ReadSlice('\n')
	if err != nil {
		return -1, util.ErrWrapper(err, "cannot read the end of chunk size")
	}
	// chunk extensions are ignored
	line = bytes.TrimLeft(trimCRLF(line), " \t")
	if len(line) > 0 && line[0] != ';' {
		return -1, errors.Errorf("unexpected char %q at the end of chunk size. Expected %q", line[0], '\r')
	}
	return n, nil
}

func readCRLF(r *bufio.Reader) error {
	c, err := r.ReadByte()
	if err != nil {
		return err
	}
	if c == '\r' {
		if c, err = r.ReadByte(); err != nil {
			return err
		}
	}
	if c != '\n' {
		return errors.Errorf("unexpected char %q at the end of chunk data. Expected %q", c, '\n')
	}
	return nil
}

// readBuffered copies up to max bytes currently available from r into a
// new pooled buffer, blocking only when nothing is buffered yet
func readBuffered(r *bufio.Reader, alloc *bytebufferpool.Allocator, max int64) (*bytebufferpool.RefBuffer, error) {
	if r.Buffered() == 0 {
		if _, err := r.Peek(1); err != nil {
			return nil, err
		}
	}
	b := util.PeekBuffered(r)
	if int64(len(b)) > max {
		b = b[:max]
	}
	buf := alloc.Allocate(b)
	if _, err := r.Discard(len(b)); err != nil {
		buf.Release()
		return nil, err
	}
	return buf, nil
}
