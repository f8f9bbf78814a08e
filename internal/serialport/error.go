package serialport

import (
	"errors"
	"syscall"
)

// Error wraps a low-level syscall/ioctl failure with the operation that
// triggered it, the way callers up the stack expect: unwrap to get at
// the underlying errno.
type Error struct {
	msg string
	err error
}

func (e Error) Error() string {
	if e.msg != "" {
		msg := e.msg
		if e.err != nil {
			msg += ": " + e.err.Error()
		}
		return msg
	}
	if e.err != nil {
		return e.err.Error()
	}
	return ""
}

func (e Error) Unwrap() error {
	return e.err
}

func wrapErr(msg string, e error) error {
	if e == nil {
		return nil
	}
	return Error{msg: msg, err: e}
}

// Sentinel errors a caller can match with errors.Is. These correspond
// to the transport-level entries of the error taxonomy; frame-level
// ones (malformed frame, BCC mismatch) live in package bcc.
var (
	ErrClosed  = Error{"port already closed", syscall.EBADF}
	ErrTimeout = errors.New("serialport: timeout waiting for input")
	ErrHangup  = errors.New("serialport: peer hung up (POLLHUP)")
)
