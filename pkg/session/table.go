package session

import (
	"errors"
	"sync"

	"github.com/KnownRock/tcp-uart-bridge/pkg/frame"
)

// ErrExists is returned by Insert when the SessionID is already present.
var ErrExists = errors.New("session: id already present")

// Table is an associative container keyed by frame.SessionID (spec.md §4.4).
// On the ingress side, a secondary index groups sessions by LocalPort; it is
// advisory only (used for logging and scoped teardown). Insert and Remove
// update it under the same lock as the primary map, so it never lags behind
// it. Keeping several maps behind one sync.RWMutex mirrors the shape of the
// teacher's ServerList (maps by game addr, by id, by auth addr).
type Table struct {
	mu     sync.RWMutex
	byID   map[frame.SessionID]*Session
	byPort map[uint16]map[frame.SessionID]struct{}
}

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{
		byID:   make(map[frame.SessionID]*Session),
		byPort: make(map[uint16]map[frame.SessionID]struct{}),
	}
}

// Insert adds s to the table, failing if its ID is already present.
func (t *Table) Insert(s *Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[s.ID]; ok {
		return ErrExists
	}
	t.byID[s.ID] = s
	if s.LocalPort != 0 {
		m := t.byPort[s.LocalPort]
		if m == nil {
			m = make(map[frame.SessionID]struct{})
			t.byPort[s.LocalPort] = m
		}
		m[s.ID] = struct{}{}
	}
	return nil
}

// Get returns the session for id, if any.
func (t *Table) Get(id frame.SessionID) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byID[id]
	return s, ok
}

// Remove deletes id from the table, returning the removed session if it was
// present. It is idempotent: removing an absent id is a no-op that reports
// false (spec.md §8 property 6).
func (t *Table) Remove(id frame.SessionID) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	delete(t.byID, id)
	if s.LocalPort != 0 {
		if m, ok := t.byPort[s.LocalPort]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(t.byPort, s.LocalPort)
			}
		}
	}
	return s, true
}

// Len reports the number of sessions currently in the table.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// Iter returns a point-in-time snapshot of every session in the table,
// safe to range over while the table continues to be mutated concurrently
// (spec.md §4.4).
func (t *Table) Iter() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Session, 0, len(t.byID))
	for _, s := range t.byID {
		out = append(out, s)
	}
	return out
}

// ByPort returns a snapshot of the sessions currently indexed under port.
// The result is advisory: it may include sessions removed moments ago, or
// omit ones inserted moments ago.
func (t *Table) ByPort(port uint16) []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := t.byPort[port]
	out := make([]*Session, 0, len(ids))
	for id := range ids {
		if s, ok := t.byID[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Clear empties the table and returns every session that was present, for
// use by the shutdown coordinator.
func (t *Table) Clear() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Session, 0, len(t.byID))
	for _, s := range t.byID {
		out = append(out, s)
	}
	t.byID = make(map[frame.SessionID]*Session)
	t.byPort = make(map[uint16]map[frame.SessionID]struct{})
	return out
}
