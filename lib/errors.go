package lib

import (
	"errors"
	"fmt"
)

var (
	ErrAddrInUse         = errors.New("port already bound")
	ErrConnectionAborted = errors.New("stream was terminated unexpectedly")
	ErrShutdown          = errors.New("interface is shutting down")
	ErrListenerClosed    = errors.New("listener is closed")
	ErrWouldBlock        error = &WouldBlockError{msg: "operation would block"}
)

// WouldBlockError is returned by non-blocking stream operations that cannot
// make progress. It is always temporary.
type WouldBlockError struct {
	msg string
}

func (e *WouldBlockError) Error() string {
	return e.msg
}

func (e *WouldBlockError) Timeout() bool {
	return false
}

func (e *WouldBlockError) Temporary() bool {
	return true
}

// ParseError describes a frame that could not be decoded into an IPv4/TCP
// segment. Such frames are dropped by the ingestion loop.
type ParseError struct {
	Layer string // "ipv4" or "tcp"
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed %s header: %v", e.Layer, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
