package util

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/pkg/errors"
)

//ErrWrapper wrap the error message except io.EOF
func ErrWrapper(err error, msg string, args ...interface{}) error {
	//do not wrap io.EOF
	if err == io.EOF {
		return err
	}
	if err == nil {
		return errors.Errorf(msg, args...)
	}
	return errors.Wrapf(err, msg, args...)
}

//PeekBuffered peek buffered bytes for buffer reader
func PeekBuffered(r *bufio.Reader) []byte {
	if r.Buffered() == 0 {
		return nil
	}
	buf, err := r.Peek(r.Buffered())
	if len(buf) == 0 || err != nil {
		panic(fmt.Sprintf("bufio.Reader.Peek() returned unexpected data (%q, %v)", buf, err))
	}
	return buf
}

//IsConnClosedErr reports errors caused by the peer or by a local close
//rather than by a protocol problem
func IsConnClosedErr(err error) bool {
	if err == nil {
		return false
	}
	err = errors.Cause(err)
	if err == io.EOF || err == io.ErrUnexpectedEOF || errors.Is(err, net.ErrClosed) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "reset by peer") ||
		strings.Contains(errStr, "use of closed network connection")
}

//IsTimeoutErr reports net timeouts
func IsTimeoutErr(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
