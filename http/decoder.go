package http

import (
	"bufio"
	"io"
	"math"

	"github.com/pkg/errors"

	"github.com/haxii/fastduplex/bytebufferpool"
)

// DefaultMaxHeaderFields upper bound of header fields or trailers per message
const DefaultMaxHeaderFields = 128

type decodeState int

const (
	stateHead decodeState = iota
	stateEmptyLast
	stateFixed
	stateChunkSize
	stateChunkData
	stateIdentity
	stateBroken
)

// Decoder reads http objects one at a time from a buffered reader,
// body pieces are copied into buffers from the allocator.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	MaxHeaderFields int

	r        *bufio.Reader
	alloc    *bytebufferpool.Allocator
	response bool

	state     decodeState
	remaining int64
	headResp  bool
	err       error
}

// NewRequestDecoder decoder for the server side of a connection
func NewRequestDecoder(r *bufio.Reader, alloc *bytebufferpool.Allocator) *Decoder {
	return newDecoder(r, alloc, false)
}

// NewResponseDecoder decoder for the client side of a connection
func NewResponseDecoder(r *bufio.Reader, alloc *bytebufferpool.Allocator) *Decoder {
	return newDecoder(r, alloc, true)
}

func newDecoder(r *bufio.Reader, alloc *bytebufferpool.Allocator, response bool) *Decoder {
	if alloc == nil {
		alloc = bytebufferpool.DefaultAllocator
	}
	return &Decoder{MaxHeaderFields: DefaultMaxHeaderFields, r: r, alloc: alloc, response: response}
}

// InMessage whether a message has started and its last content is not decoded yet
func (d *Decoder) InMessage() bool {
	return d.state != stateHead
}

// Pending whether the next object can be decoded without reading
func (d *Decoder) Pending() bool {
	return d.state == stateEmptyLast
}

// Buffered bytes already read from the connection but not decoded
func (d *Decoder) Buffered() int {
	return d.r.Buffered()
}

// ExpectHeadResponse the next response answers a HEAD request and has no body
func (d *Decoder) ExpectHeadResponse() {
	d.headResp = true
}

// Decode returns the next object. io.EOF means the peer closed between
// messages, a close inside a message yields io.ErrUnexpectedEOF. Any
// error is sticky.
func (d *Decoder) Decode() (Object, error) {
	if d.err != nil {
		return nil, d.err
	}
	obj, err := d.decode()
	if err != nil {
		d.state = stateBroken
		d.err = err
	}
	return obj, err
}

func (d *Decoder) decode() (Object, error) {
	switch d.state {
	case stateHead:
		if d.response {
			return d.decodeResponseHead()
		}
		return d.decodeRequestHead()

	case stateEmptyLast:
		d.state = stateHead
		return &LastContent{}, nil

	case stateFixed:
		buf, err := readBuffered(d.r, d.alloc, d.remaining)
		if err != nil {
			return nil, unexpected(err)
		}
		d.remaining -= int64(buf.Len())
		if d.remaining == 0 {
			d.state = stateHead
			return &LastContent{Content: Content{buf: buf}}, nil
		}
		return &Content{buf: buf}, nil

	case stateChunkSize:
		n, err := parseChunkSize(d.r)
		if err != nil {
			return nil, unexpected(err)
		}
		if n == 0 {
			last := &LastContent{}
			if err := last.Trailer.ParseHeaderFields(d.r, d.MaxHeaderFields); err != nil {
				return nil, unexpected(err)
			}
			d.state = stateHead
			return last, nil
		}
		d.remaining = int64(n)
		d.state = stateChunkData
		return d.decode()

	case stateChunkData:
		buf, err := readBuffered(d.r, d.alloc, d.remaining)
		if err != nil {
			return nil, unexpected(err)
		}
		d.remaining -= int64(buf.Len())
		if d.remaining == 0 {
			if err := readCRLF(d.r); err != nil {
				buf.Release()
				return nil, unexpected(err)
			}
			d.state = stateChunkSize
		}
		return &Content{buf: buf}, nil

	case stateIdentity:
		buf, err := readBuffered(d.r, d.alloc, math.MaxInt64)
		if err == io.EOF {
			// the close delimits the body
			d.state = stateHead
			return &LastContent{}, nil
		}
		if err != nil {
			return nil, err
		}
		return &Content{buf: buf}, nil
	}
	return nil, errors.New("decoder is broken by a previous error")
}

func (d *Decoder) decodeRequestHead() (Object, error) {
	head := &RequestHead{}
	if err := parseRequestLine(d.r, head); err != nil {
		return nil, err
	}
	if err := head.Header.ParseHeaderFields(d.r, d.MaxHeaderFields); err != nil {
		return nil, unexpected(err)
	}
	bt, n, err := head.BodyType()
	if err != nil {
		return nil, err
	}
	d.enterBody(bt, n)
	return head, nil
}

func (d *Decoder) decodeResponseHead() (Object, error) {
	for {
		head := &ResponseHead{}
		if err := parseResponseLine(d.r, head); err != nil {
			return nil, err
		}
		if err := head.Header.ParseHeaderFields(d.r, d.MaxHeaderFields); err != nil {
			return nil, unexpected(err)
		}
		// interim responses are consumed here, 101 ends the http conversation
		if head.StatusCode >= 100 && head.StatusCode < 200 && head.StatusCode != 101 {
			continue
		}
		bt, n, err := head.BodyType(d.headResp)
		d.headResp = false
		if err != nil {
			return nil, err
		}
		d.enterBody(bt, n)
		return head, nil
	}
}

func (d *Decoder) enterBody(bt BodyType, n int64) {
	switch bt {
	case BodyTypeFixedSize:
		d.state, d.remaining = stateFixed, n
	case BodyTypeChunked:
		d.state = stateChunkSize
	case BodyTypeIdentity:
		d.state = stateIdentity
	default:
		d.state = stateEmptyLast
	}
}

func unexpected(err error) error {
	if errors.Cause(err) == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
