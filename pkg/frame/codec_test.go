package frame

import (
	"bytes"
	"testing"
)

func TestSessionIDUnique(t *testing.T) {
	seen := map[SessionID]bool{}
	for i := 0; i < 1000; i++ {
		id, err := NewSessionID()
		if err != nil {
			t.Fatalf("NewSessionID: %v", err)
		}
		if id.IsZero() {
			t.Fatalf("NewSessionID returned zero value")
		}
		if seen[id] {
			t.Fatalf("NewSessionID produced a duplicate")
		}
		seen[id] = true
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	id, _ := NewSessionID()
	f := Frame{
		Cmd:        CmdData,
		SessionID:  id,
		TargetIP:   TargetIPv4{127, 0, 0, 1},
		TargetPort: 9000,
		Payload:    []byte("hello"),
	}
	buf := f.Encode(nil)
	if len(buf) != HeaderSize+len(f.Payload) {
		t.Fatalf("encoded length = %d, want %d", len(buf), HeaderSize+len(f.Payload))
	}

	fr := New(0)
	got, err := fr.Feed(buf)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d frames, want 1", len(got))
	}
	if got[0].Cmd != f.Cmd || got[0].SessionID != f.SessionID || got[0].TargetPort != f.TargetPort {
		t.Fatalf("decoded frame mismatch: %+v", got[0])
	}
	if !bytes.Equal(got[0].Payload, f.Payload) {
		t.Fatalf("decoded payload = %q, want %q", got[0].Payload, f.Payload)
	}
}

func TestZeroLengthDataFrame(t *testing.T) {
	id, _ := NewSessionID()
	f := Frame{Cmd: CmdData, SessionID: id}
	buf := f.Encode(nil)
	if len(buf) != HeaderSize {
		t.Fatalf("encoded length = %d, want %d", len(buf), HeaderSize)
	}

	fr := New(0)
	got, err := fr.Feed(buf)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(got) != 1 || len(got[0].Payload) != 0 {
		t.Fatalf("got %+v, want single zero-length payload frame", got)
	}
}

func TestOversizeFrameIsFatal(t *testing.T) {
	fr := New(16)
	id, _ := NewSessionID()
	f := Frame{Cmd: CmdData, SessionID: id, Payload: make([]byte, 17)}
	buf := f.Encode(nil)
	if _, err := fr.Feed(buf); err == nil {
		t.Fatalf("Feed: expected oversize error, got nil")
	}
}

func TestUnknownCmdIsDecodedNotRejected(t *testing.T) {
	// The codec still decodes and consumes frames with unrecognised cmd
	// values; it is the consumer's job to log and drop them (spec.md §4.1).
	id, _ := NewSessionID()
	f := Frame{Cmd: Cmd(0x7f), SessionID: id, Payload: []byte("x")}
	buf := f.Encode(nil)

	fr := New(0)
	got, err := fr.Feed(buf)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(got) != 1 || got[0].Cmd != Cmd(0x7f) {
		t.Fatalf("got %+v, want one frame with unknown cmd preserved", got)
	}
}
