package http

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/net/http/httpguts"

	"github.com/haxii/fastduplex/util"
)

// Field a single header field, name keeps the case it was received or set with
type Field struct {
	Name  string
	Value string
}

//Header ordered header fields of http request & response
type Header struct {
	fields []Field
}

//Reset reset header into empty
func (h *Header) Reset() {
	h.fields = h.fields[:0]
}

// Len number of fields
func (h *Header) Len() int {
	return len(h.fields)
}

// Fields all fields in order, callers must not modify the result
func (h *Header) Fields() []Field {
	return h.fields
}

// Add appends a field
func (h *Header) Add(name, value string) {
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// Set replaces all the fields named name by a single one
func (h *Header) Set(name, value string) {
	h.Del(name)
	h.Add(name, value)
}

// Get first value of name, case-insensitive
func (h *Header) Get(name string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Has whether name is present
func (h *Header) Has(name string) bool {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Values all values of name
func (h *Header) Values(name string) []string {
	var vals []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			vals = append(vals, f.Value)
		}
	}
	return vals
}

// Del removes all the fields named name
func (h *Header) Del(name string) {
	kept := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.Name, name) {
			kept = append(kept, f)
		}
	}
	for i := len(kept); i < len(h.fields); i++ {
		h.fields[i] = Field{}
	}
	h.fields = kept
}

// Clone deep copy of h
func (h *Header) Clone() Header {
	return Header{fields: append([]Field(nil), h.fields...)}
}

// ContainsToken reports whether the comma separated values of name
// contain token, case-insensitive
func (h *Header) ContainsToken(name, token string) bool {
	return httpguts.HeaderValuesContainsToken(h.Values(name), token)
}

// ContentLength parsed Content-Length, ok is false when absent
func (h *Header) ContentLength() (n int64, ok bool, err error) {
	vals := h.Values("Content-Length")
	if len(vals) == 0 {
		return 0, false, nil
	}
	first := strings.TrimSpace(vals[0])
	for _, v := range vals[1:] {
		if strings.TrimSpace(v) != first {
			return 0, false, errors.Errorf("conflicting content length %q and %q", first, v)
		}
	}
	n, err = strconv.ParseInt(first, 10, 64)
	if err != nil || n < 0 {
		return 0, false, errors.Errorf("bad content length %q", first)
	}
	return n, true, nil
}

// IsChunked whether chunked is the final transfer coding
func (h *Header) IsChunked() bool {
	return h.ContainsToken("Transfer-Encoding", "chunked")
}

// Validate checks every field name and value against RFC 7230
func (h *Header) Validate() error {
	for _, f := range h.fields {
		if !httpguts.ValidHeaderFieldName(f.Name) {
			return errors.Errorf("invalid header field name %q", f.Name)
		}
		if !httpguts.ValidHeaderFieldValue(f.Value) {
			return errors.Errorf("invalid header field value for %q", f.Name)
		}
	}
	return nil
}

func (h *Header) writeTo(w *bufio.Writer) error {
	for _, f := range h.fields {
		w.WriteString(f.Name)
		w.WriteString(": ")
		w.WriteString(f.Value)
		if _, err := w.WriteString("\r\n"); err != nil {
			return err
		}
	}
	return nil
}

// ParseHeaderFields parse http header fields up to and including the
// empty line ending them.
//
// Each header field consists of a case-insensitive field name followed
// by a colon (":"), optional leading whitespace, the field value, and
// optional trailing whitespace.
func (h *Header) ParseHeaderFields(reader *bufio.Reader, maxFields int) error {
	for {
		line, err := reader.ReadSlice('\n')
		if err != nil {
			if err == bufio.ErrBufferFull {
				return errHeaderTooLarge
			}
			return util.ErrWrapper(err, "fail to read header fields")
		}
		line = trimCRLF(line)
		if len(line) == 0 {
			return nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			return errObsoleteLineFolding
		}
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return errors.Errorf("malformed header line %q", line)
		}
		name := string(line[:colon])
		value := strings.TrimSpace(string(line[colon+1:]))
		if !httpguts.ValidHeaderFieldName(name) {
			return errors.Errorf("invalid header field name %q", name)
		}
		if !httpguts.ValidHeaderFieldValue(value) {
			return errors.Errorf("invalid header field value for %q", name)
		}
		if maxFields > 0 && len(h.fields) >= maxFields {
			return errHeaderTooLarge
		}
		h.Add(name, value)
	}
}

var (
	errHeaderTooLarge      = errors.New("header too large")
	errObsoleteLineFolding = errors.New("obsolete header line folding")
)

func trimCRLF(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line
}

// keepAlive http/1.1 keeps the connection unless told `close`,
// http/1.0 closes it unless told `keep-alive`
func keepAlive(proto string, h *Header) bool {
	if h.ContainsToken("Connection", "close") {
		return false
	}
	if proto == ProtoHTTP10 {
		return h.ContainsToken("Connection", "keep-alive")
	}
	return true
}

func setKeepAlive(proto string, h *Header, on bool) {
	tokens := h.Values("Connection")
	h.Del("Connection")
	for _, v := range tokens {
		for _, t := range strings.Split(v, ",") {
			t = strings.TrimSpace(t)
			if t == "" || strings.EqualFold(t, "close") || strings.EqualFold(t, "keep-alive") {
				continue
			}
			h.Add("Connection", t)
		}
	}
	switch {
	case on && proto == ProtoHTTP10:
		h.Add("Connection", "keep-alive")
	case !on:
		h.Add("Connection", "close")
	}
}
