package session

import "errors"

var (
	ErrShortPayload    = errors.New("session: payload stream ended before declared length")
	ErrTransportClosed = errors.New("session: transport closed by peer")
	ErrNotConnected    = errors.New("session: not connected")
)

// State is the connection state held by the sender and the receiver.
type State int

const (
	StateDisconnected State = iota
	StateConnected
)

func (s State) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

// DisconnectedEvent is delivered at most once per connection loss. Err is
// nil for explicit disconnects.
type DisconnectedEvent struct {
	Reason string
	Err    error
}

// EmptyDisconnect is used when a disconnect carries no reason.
var EmptyDisconnect = DisconnectedEvent{}

func (e DisconnectedEvent) String() string {
	if e.Reason == "" {
		return "unspecified"
	}
	return e.Reason
}

type DisconnectedHandler func(DisconnectedEvent)

func disconnectFromError(err error) DisconnectedEvent {
	return DisconnectedEvent{Reason: err.Error(), Err: err}
}
