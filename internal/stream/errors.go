package stream

import (
	"fmt"

	"github.com/pkg/errors"
)

// Session-level kinds end the session; frame-level kinds skip one frame.
var (
	ErrConnectionOpen  = errors.New("connection open failed")
	ErrTransportClosed = errors.New("transport closed")
	ErrStalled         = errors.New("no reply within timeout")
	ErrLoopAborted     = errors.New("frame loop aborted")

	ErrEncode       = errors.New("frame encode failed")
	ErrSend         = errors.New("frame send failed")
	ErrReplyParse   = errors.New("reply parse failed")
	ErrServiceReply = errors.New("service rejected frame")

	ErrSessionClosed    = errors.New("session closed")
	ErrAlreadyConnected = errors.New("session already connected")
)

// Error ties a failure to its kind and, for per-frame failures, to the
// sequence number of the frame.
type Error struct {
	Kind error
	Seq  uint64
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Seq > 0 {
		msg = fmt.Sprintf("frame %d: %s", e.Seq, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Fatal reports whether the error ends the session.
func (e *Error) Fatal() bool {
	switch e.Kind {
	case ErrConnectionOpen, ErrTransportClosed, ErrStalled, ErrLoopAborted:
		return true
	}
	return false
}
