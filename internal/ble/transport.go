package ble

import "context"

// Transport is the radio-level link to a single peer. The Bridge is the only
// caller and never calls it from more than one goroutine at a time.
type Transport interface {
	// Connect establishes the link to address. It should give up when ctx is done.
	Connect(ctx context.Context, address string) error
	// Subscribe enables notifications on readChar. onNotify may be called from
	// any goroutine and must not retain buf.
	Subscribe(readChar string, onNotify func(buf []byte)) error
	// Write sends data on writeChar, waiting for the peer's ack when withResponse is set.
	Write(writeChar string, data []byte, withResponse bool) error
	// Disconnect tears the link down. Safe to call when not connected.
	Disconnect() error
	// IsConnected reports link liveness.
	IsConnected() bool
}

// State is the connection state of a Bridge.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}
