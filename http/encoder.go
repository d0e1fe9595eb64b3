package http

import (
	"bufio"
	"strconv"

	"github.com/pkg/errors"
)

var errContentWithoutHead = errors.New("content written before message head")

// Encoder writes http objects to a buffered writer, nothing is flushed.
//
// An Encoder is not safe for concurrent use.
type Encoder struct {
	w         *bufio.Writer
	inMessage bool
	chunked   bool
	noBody    bool
	headReq   bool
}

// NewEncoder encoder writing into w
func NewEncoder(w *bufio.Writer) *Encoder {
	return &Encoder{w: w}
}

// InMessage whether a head has been written without its last content
func (e *Encoder) InMessage() bool {
	return e.inMessage
}

// ExpectHeadRequest the next response answers a HEAD request, body
// pieces written for it are dropped
func (e *Encoder) ExpectHeadRequest() {
	e.headReq = true
}

// Encode writes obj, it reports the number of body bytes written
func (e *Encoder) Encode(obj Object) (int, error) {
	switch o := obj.(type) {
	case *RequestHead:
		if err := o.Header.Validate(); err != nil {
			return 0, err
		}
		if err := writeRequestLine(e.w, o); err != nil {
			return 0, err
		}
		bt, _, err := o.BodyType()
		if err != nil {
			return 0, err
		}
		e.startMessage(bt)
		return 0, e.writeHeader(&o.Header)

	case *ResponseHead:
		if err := o.Header.Validate(); err != nil {
			return 0, err
		}
		if err := writeResponseLine(e.w, o); err != nil {
			return 0, err
		}
		bt, _, err := o.BodyType(e.headReq)
		e.headReq = false
		if err != nil {
			return 0, err
		}
		e.startMessage(bt)
		return 0, e.writeHeader(&o.Header)

	case *Content:
		if !e.inMessage {
			return 0, errContentWithoutHead
		}
		return e.writeBody(o.Bytes())

	case *LastContent:
		if !e.inMessage {
			return 0, errContentWithoutHead
		}
		n, err := e.writeBody(o.Bytes())
		if err != nil {
			return n, err
		}
		e.inMessage = false
		if e.chunked {
			e.w.WriteString("0\r\n")
			if err := o.Trailer.Validate(); err != nil {
				return n, err
			}
			if err := o.Trailer.writeTo(e.w); err != nil {
				return n, err
			}
			_, err = e.w.WriteString("\r\n")
		}
		return n, err
	}
	return 0, errors.Errorf("unknown http object %T", obj)
}

func (e *Encoder) startMessage(bt BodyType) {
	e.inMessage = true
	e.chunked = bt == BodyTypeChunked
	e.noBody = bt == BodyTypeNone
}

func (e *Encoder) writeHeader(h *Header) error {
	if err := h.writeTo(e.w); err != nil {
		return err
	}
	_, err := e.w.WriteString("\r\n")
	return err
}

func (e *Encoder) writeBody(p []byte) (int, error) {
	if len(p) == 0 || e.noBody {
		return 0, nil
	}
	if e.chunked {
		e.w.WriteString(strconv.FormatInt(int64(len(p)), 16))
		e.w.WriteString("\r\n")
		e.w.Write(p)
		_, err := e.w.WriteString("\r\n")
		return len(p), err
	}
	return e.w.Write(p)
}
