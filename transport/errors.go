package transport

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/haxii/fastduplex/util"
)

var (
	// ErrConcurrentUse a transaction is asked to start an exchange while
	// one is still in flight
	ErrConcurrentUse = errors.New("transaction in progress")

	// ErrUserCancellation the consumer gave up on the response
	ErrUserCancellation = errors.New("cancelled by user")

	// ErrInactive the connection is closed
	ErrInactive = errors.New("connection inactive")

	// ErrClosed the connection was closed on this side
	ErrClosed = errors.New("connection closed locally")
)

// ConnectionError failure to establish a connection, dial or handshake
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Addr, e.Err)
}

// Unwrap supports errors.Is and errors.As
func (e *ConnectionError) Unwrap() error { return e.Err }

// Cause supports errors.Cause
func (e *ConnectionError) Cause() error { return e.Err }

// TransportError failure of an established connection in the middle of
// an exchange: socket error, peer close or a framing violation
type TransportError struct {
	Op  string
	Err error
}

// NewTransportError wraps err unless it already is a *TransportError
func NewTransportError(op string, err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error while %s: %v", e.Op, e.Err)
}

// Unwrap supports errors.Is and errors.As
func (e *TransportError) Unwrap() error { return e.Err }

// Cause supports errors.Cause
func (e *TransportError) Cause() error { return e.Err }

// Timeout whether a read or write deadline expired
func (e *TransportError) Timeout() bool { return util.IsTimeoutErr(e.Err) }

// IsConnectionError whether err is or wraps a *ConnectionError
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsTransportError whether err is or wraps a *TransportError
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
