package transport

import "sync/atomic"

// ConnState represents the current state of a manager connection.
type ConnState int32

// Connection states for the connection lifecycle.
const (
	// StateDisconnected indicates there is no socket.
	StateDisconnected ConnState = iota
	// StateConnecting indicates a dial or greeting is in progress.
	StateConnecting
	// StateConnected indicates the socket is open and the greeting was sent.
	StateConnected
)

// String returns the string representation of the connection state.
func (s ConnState) String() string {
	return [...]string{
		"disconnected",
		"connecting",
		"connected",
	}[s]
}

// State provides thread-safe atomic access to a ConnState value.
type State struct {
	state atomic.Int32
}

// Load returns the current connection state.
func (s *State) Load() ConnState {
	return ConnState(s.state.Load())
}

// Store sets the connection state to the given value.
func (s *State) Store(state ConnState) {
	s.state.Store(int32(state))
}

// CompareAndSwap atomically compares the current state with old and swaps to new if equal.
// It returns true if the swap was performed.
func (s *State) CompareAndSwap(old, new ConnState) bool {
	return s.state.CompareAndSwap(int32(old), int32(new))
}
