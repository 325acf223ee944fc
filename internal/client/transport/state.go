package transport

import (
	"fmt"
)

// State is the negotiation state of one session.
type State int

const (
	Unattempted State = iota
	ConnectingSocket
	SocketConnected
	ConnectingStream
	StreamConnected
	Polling
	Failed
)

func (s State) String() string {
	switch s {
	case Unattempted:
		return "unattempted"
	case ConnectingSocket:
		return "connecting_socket"
	case SocketConnected:
		return "socket_connected"
	case ConnectingStream:
		return "connecting_stream"
	case StreamConnected:
		return "stream_connected"
	case Polling:
		return "polling"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Live reports whether events can currently reach the session.
func (s State) Live() bool {
	return s == SocketConnected || s == StreamConnected || s == Polling
}

// ConnectionError is a transport failure of one tier. The negotiator recovers
// from it by falling back or reconnecting.
type ConnectionError struct {
	Tier string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s transport: %v", e.Tier, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
