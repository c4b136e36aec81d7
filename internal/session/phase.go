package session

import (
	"fmt"
)

// Phase is the named state of a session
type Phase int

const (
	Idle Phase = iota
	LinkConnecting
	DiscoveringServices
	EnablingSensor
	ReadingSensor
	SubscribingSensor
	AllEnabled
	Disconnected
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "Idle"
	case LinkConnecting:
		return "LinkConnecting"
	case DiscoveringServices:
		return "DiscoveringServices"
	case EnablingSensor:
		return "EnablingSensor"
	case ReadingSensor:
		return "ReadingSensor"
	case SubscribingSensor:
		return "SubscribingSensor"
	case AllEnabled:
		return "AllEnabled"
	case Disconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Terminal reports whether no transition can leave p.
func (p Phase) Terminal() bool {
	return p == Disconnected
}

// awaiting reports whether p waits on a link completion.
func (p Phase) awaiting() bool {
	switch p {
	case LinkConnecting, DiscoveringServices, EnablingSensor, ReadingSensor, SubscribingSensor:
		return true
	default:
		return false
	}
}

func (p Phase) indexed() bool {
	return p == EnablingSensor || p == ReadingSensor || p == SubscribingSensor
}

// Status is a snapshot of a session: its phase and the current sensor index.
// Index is N (the table size) once AllEnabled.
type Status struct {
	Phase Phase
	Index int
}

func (s Status) String() string {
	if s.Phase.indexed() {
		return fmt.Sprintf("%s(%d)", s.Phase, s.Index)
	}
	return s.Phase.String()
}

// LinkFailure is the error that ends a session: a non-success link status,
// an unexpected disconnect, or a completion that never arrived.
type LinkFailure struct {
	Status Status
	Op     string
	Err    error
}

func (e *LinkFailure) Error() string {
	return fmt.Sprintf("link failure in %s during %s: %v", e.Status, e.Op, e.Err)
}

func (e *LinkFailure) Unwrap() error {
	return e.Err
}
