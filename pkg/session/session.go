// Package session tracks the live TCP sockets backing each multiplexed
// tunnel session, keyed by the wire-level frame.SessionID.
package session

import (
	"net"
	"sync/atomic"

	"github.com/KnownRock/tcp-uart-bridge/pkg/frame"
)

// State is a session's lifecycle state (spec.md §3).
type State int32

const (
	StateOpen State = iota
	StateHalfClosed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfClosed:
		return "half-closed"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// Session is one end-to-end TCP pairing carried by the tunnel.
type Session struct {
	ID   frame.SessionID
	Conn net.Conn

	// LocalPort is the ingress listen port the session arrived on. Zero on
	// the egress side.
	LocalPort uint16

	TargetIP   frame.TargetIPv4
	TargetPort uint16

	state State32

	// seq is a send-side byte sequence counter, used only by tests to
	// assert ordering; it is never transmitted (spec.md §3).
	seq atomic.Uint64

	// disconnectSent latches to ensure at most one Disconnect is emitted
	// for this session, even if both a local close and a peer Disconnect
	// race (spec.md §4.5 step 4, §4.6 step 5).
	disconnectSent atomic.Bool
}

// State32 is an atomic box around State.
type State32 struct {
	v atomic.Int32
}

func (s *State32) Load() State      { return State(s.v.Load()) }
func (s *State32) Store(v State)    { s.v.Store(int32(v)) }
func (s *State32) CAS(old, new State) bool {
	return s.v.CompareAndSwap(int32(old), int32(new))
}

// New creates a Session in the Open state.
func New(id frame.SessionID, conn net.Conn, localPort uint16, targetIP frame.TargetIPv4, targetPort uint16) *Session {
	s := &Session{
		ID:         id,
		Conn:       conn,
		LocalPort:  localPort,
		TargetIP:   targetIP,
		TargetPort: targetPort,
	}
	s.state.Store(StateOpen)
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	return s.state.Load()
}

// SetState updates the session's lifecycle state.
func (s *Session) SetState(v State) {
	s.state.Store(v)
}

// AddSeq advances the test-only send sequence counter by n and returns the
// new total.
func (s *Session) AddSeq(n int) uint64 {
	return s.seq.Add(uint64(n))
}

// Seq returns the test-only send sequence counter.
func (s *Session) Seq() uint64 {
	return s.seq.Load()
}

// MarkDisconnectSent reports whether this call is the first to mark a
// Disconnect as emitted for this session; callers use this to enforce
// disconnect-uniqueness (spec.md §8 property 4).
func (s *Session) MarkDisconnectSent() (first bool) {
	return s.disconnectSent.CompareAndSwap(false, true)
}
