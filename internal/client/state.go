// Package client is the relay's client core: a reconnecting connection
// manager and a single-loop session that merges live traffic with history.
package client

import "errors"

var ErrNotConnected = errors.New("not connected")

type ConnState int

const (
	StateConnecting ConnState = iota
	StateOpen
	StateReconnecting
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
