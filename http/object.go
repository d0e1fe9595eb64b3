package http

import (
	"github.com/haxii/fastduplex/bytebufferpool"
)

// http versions
const (
	ProtoHTTP10 = "HTTP/1.0"
	ProtoHTTP11 = "HTTP/1.1"
)

// Object one framing unit of an http message: a *RequestHead or
// *ResponseHead, zero or more *Content, then exactly one *LastContent.
type Object interface {
	// Retain adds a holder of the object's buffer and returns the object.
	Retain() Object
	// Release drops one holder, it reports whether the buffer was freed.
	Release() bool
}

// RequestHead start line and header fields of a request
type RequestHead struct {
	Method string
	URI    string
	Proto  string
	Header Header
}

// NewRequestHead http/1.1 request head with Host set
func NewRequestHead(method, uri, host string) *RequestHead {
	h := &RequestHead{Method: method, URI: uri, Proto: ProtoHTTP11}
	if host != "" {
		h.Header.Set("Host", host)
	}
	return h
}

// Retain heads own no buffer
func (h *RequestHead) Retain() Object { return h }

// Release heads own no buffer
func (h *RequestHead) Release() bool { return false }

// KeepAlive whether the sender wants the connection kept open
func (h *RequestHead) KeepAlive() bool {
	return keepAlive(h.Proto, &h.Header)
}

// SetKeepAlive rewrites the Connection header to the given intent
func (h *RequestHead) SetKeepAlive(on bool) {
	setKeepAlive(h.Proto, &h.Header, on)
}

// BodyType how the request body is delimited, requests are never
// delimited by connection close
func (h *RequestHead) BodyType() (BodyType, int64, error) {
	if h.Header.IsChunked() {
		return BodyTypeChunked, -1, nil
	}
	n, ok, err := h.Header.ContentLength()
	if err != nil {
		return BodyTypeNone, 0, err
	}
	if !ok || n == 0 {
		return BodyTypeNone, 0, nil
	}
	return BodyTypeFixedSize, n, nil
}

// ResponseHead status line and header fields of a response
type ResponseHead struct {
	Proto      string
	StatusCode int
	Reason     string
	Header     Header
}

// NewResponseHead http/1.1 response head
func NewResponseHead(statusCode int, reason string) *ResponseHead {
	return &ResponseHead{Proto: ProtoHTTP11, StatusCode: statusCode, Reason: reason}
}

// Retain heads own no buffer
func (h *ResponseHead) Retain() Object { return h }

// Release heads own no buffer
func (h *ResponseHead) Release() bool { return false }

// KeepAlive whether the sender wants the connection kept open,
// a body delimited by close never allows reuse
func (h *ResponseHead) KeepAlive() bool {
	if !keepAlive(h.Proto, &h.Header) {
		return false
	}
	bt, _, err := h.BodyType(false)
	return err == nil && bt != BodyTypeIdentity
}

// SetKeepAlive rewrites the Connection header to the given intent
func (h *ResponseHead) SetKeepAlive(on bool) {
	setKeepAlive(h.Proto, &h.Header, on)
}

// BodyType how the response body is delimited, forHead is set when
// answering a HEAD request
func (h *ResponseHead) BodyType(forHead bool) (BodyType, int64, error) {
	if forHead || !statusAllowsBody(h.StatusCode) {
		return BodyTypeNone, 0, nil
	}
	if h.Header.IsChunked() {
		return BodyTypeChunked, -1, nil
	}
	n, ok, err := h.Header.ContentLength()
	if err != nil {
		return BodyTypeNone, 0, err
	}
	if !ok {
		return BodyTypeIdentity, -2, nil
	}
	if n == 0 {
		return BodyTypeNone, 0, nil
	}
	return BodyTypeFixedSize, n, nil
}

func statusAllowsBody(code int) bool {
	switch {
	case code >= 100 && code < 200:
		return false
	case code == 204, code == 304:
		return false
	}
	return true
}

// Content a piece of message body
type Content struct {
	buf *bytebufferpool.RefBuffer
}

// NewContent body piece holding a copy of p
func NewContent(alloc *bytebufferpool.Allocator, p []byte) *Content {
	return &Content{buf: allocate(alloc, p)}
}

func allocate(alloc *bytebufferpool.Allocator, p []byte) *bytebufferpool.RefBuffer {
	if alloc == nil {
		alloc = bytebufferpool.DefaultAllocator
	}
	return alloc.Allocate(p)
}

// Bytes body bytes, valid until the last Release
func (c *Content) Bytes() []byte {
	if c.buf == nil {
		return nil
	}
	return c.buf.Bytes()
}

// Len body length of the piece
func (c *Content) Len() int {
	return len(c.Bytes())
}

// Retain implements Object
func (c *Content) Retain() Object {
	if c.buf != nil {
		c.buf.Retain()
	}
	return c
}

// Release implements Object
func (c *Content) Release() bool {
	if c.buf == nil {
		return false
	}
	return c.buf.Release()
}

// LastContent the final piece of a message, possibly empty, with trailers
type LastContent struct {
	Content
	Trailer Header
}

// NewLastContent final piece holding a copy of p, nil p makes an empty one
func NewLastContent(alloc *bytebufferpool.Allocator, p []byte) *LastContent {
	if len(p) == 0 {
		return &LastContent{}
	}
	return &LastContent{Content: Content{buf: allocate(alloc, p)}}
}

// Retain implements Object
func (c *LastContent) Retain() Object {
	c.Content.Retain()
	return c
}

// IsLast whether obj terminates a message
func IsLast(obj Object) bool {
	_, ok := obj.(*LastContent)
	return ok
}

// Size body bytes carried by obj, zero for heads
func Size(obj Object) int {
	switch o := obj.(type) {
	case *Content:
		return o.Len()
	case *LastContent:
		return o.Len()
	}
	return 0
}
