package session

import (
	"sync"
	"testing"

	"github.com/KnownRock/tcp-uart-bridge/pkg/frame"
)

func newTestSession(t *testing.T, localPort uint16) *Session {
	t.Helper()
	id, err := frame.NewSessionID()
	if err != nil {
		t.Fatalf("NewSessionID: %v", err)
	}
	return New(id, nil, localPort, frame.TargetIPv4{127, 0, 0, 1}, 9000)
}

func TestInsertDuplicateFails(t *testing.T) {
	tbl := NewTable()
	s := newTestSession(t, 8080)
	if err := tbl.Insert(s); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tbl.Insert(s); err != ErrExists {
		t.Fatalf("second Insert err = %v, want ErrExists", err)
	}
}

func TestGetRemove(t *testing.T) {
	tbl := NewTable()
	s := newTestSession(t, 8080)
	if err := tbl.Insert(s); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if got, ok := tbl.Get(s.ID); !ok || got != s {
		t.Fatalf("Get = %v, %v; want %v, true", got, ok, s)
	}
	if removed, ok := tbl.Remove(s.ID); !ok || removed != s {
		t.Fatalf("Remove = %v, %v; want %v, true", removed, ok, s)
	}
	if _, ok := tbl.Get(s.ID); ok {
		t.Fatalf("Get after Remove: still present")
	}
}

func TestRemoveIdempotent(t *testing.T) {
	tbl := NewTable()
	s := newTestSession(t, 8080)
	tbl.Insert(s)
	tbl.Remove(s.ID)
	if _, ok := tbl.Remove(s.ID); ok {
		t.Fatalf("second Remove reported a removal")
	}
}

func TestByPortIndex(t *testing.T) {
	tbl := NewTable()
	a := newTestSession(t, 8080)
	b := newTestSession(t, 8080)
	c := newTestSession(t, 9090)
	tbl.Insert(a)
	tbl.Insert(b)
	tbl.Insert(c)

	got := tbl.ByPort(8080)
	if len(got) != 2 {
		t.Fatalf("ByPort(8080) = %d sessions, want 2", len(got))
	}
	tbl.Remove(a.ID)
	got = tbl.ByPort(8080)
	if len(got) != 1 || got[0] != b {
		t.Fatalf("ByPort(8080) after remove = %v, want [%v]", got, b)
	}
}

func TestClearReturnsAllAndEmpties(t *testing.T) {
	tbl := NewTable()
	for i := 0; i < 5; i++ {
		tbl.Insert(newTestSession(t, uint16(8000+i)))
	}
	got := tbl.Clear()
	if len(got) != 5 {
		t.Fatalf("Clear returned %d sessions, want 5", len(got))
	}
	if tbl.Len() != 0 {
		t.Fatalf("table not empty after Clear: %d", tbl.Len())
	}
}

func TestConcurrentInsertRemoveGet(t *testing.T) {
	tbl := NewTable()
	const n = 200
	sessions := make([]*Session, n)
	for i := range sessions {
		sessions[i] = newTestSession(t, uint16(8000+i%4))
	}

	var wg sync.WaitGroup
	for _, s := range sessions {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			tbl.Insert(s)
		}()
	}
	wg.Wait()

	for _, s := range sessions {
		s := s
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, ok := tbl.Get(s.ID); !ok {
				t.Errorf("Get(%v) missing after concurrent insert", s.ID)
			}
		}()
		go func() {
			defer wg.Done()
			tbl.Remove(s.ID)
		}()
	}
	wg.Wait()

	if tbl.Len() != 0 {
		t.Fatalf("table not drained: %d remaining", tbl.Len())
	}
}
