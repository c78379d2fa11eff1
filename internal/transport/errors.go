package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport is matched by every TransportError and DialError.
	ErrTransport = errors.New("transport")

	ErrClosed           = errors.New("transport closed")
	ErrFrameTooLarge    = errors.New("frame too large")
	ErrProtocolMismatch = errors.New("protocol mismatch")
)

// TransportError reports a publish, send or receive failure. Callers log it and
// may retry by re-invoking the higher-level action.
type TransportError struct {
	Op    string // "publish", "write", "read", "subscribe"
	Topic string // empty on point-to-point streams
	Err   error
}

func (e *TransportError) Error() string {
	if e.Topic != "" {
		return fmt.Sprintf("transport %s %s: %v", e.Op, e.Topic, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// DialError reports a failure to open a stream to a peer.
type DialError struct {
	Peer     string
	Protocol string
	Err      error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial %s (%s): %v", e.Peer, e.Protocol, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

func (e *DialError) Is(target error) bool { return target == ErrTransport }
