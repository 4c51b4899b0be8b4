package client

import "errors"

// ConnectionState is the lifecycle state of a SessionConnection.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

var (
	// ErrNotConnected is returned by Send when the connection is not open.
	// Nothing is sent and nothing is queued.
	ErrNotConnected = errors.New("not connected")

	// ErrReplyInFlight is returned by Send while a reply is still expected.
	ErrReplyInFlight = errors.New("a reply is already in progress")

	// ErrRateLimited is returned by Send when the outbound rate limit is exceeded.
	ErrRateLimited = errors.New("sending too fast")

	// ErrEmptyMessage is returned by Send for blank input.
	ErrEmptyMessage = errors.New("empty message")

	// ErrClosed is returned when the connection has been shut down.
	ErrClosed = errors.New("session connection closed")

	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("session connection already running")
)

// Status is a point-in-time view of a SessionConnection.
type Status struct {
	State        ConnectionState
	SessionID    string
	ConnectionID string
	Attempt      int
	InputEnabled bool
	ReplyID      string // in-flight reply, empty when none
	Terminal     bool   // reconnect attempts exhausted
}
