package frame

import (
	"bytes"
	"math/rand"
	"testing"
)

func buildFrames(t *testing.T, n int) ([]Frame, []byte) {
	t.Helper()
	var frames []Frame
	var wire []byte
	cmds := []Cmd{CmdData, CmdDisconnect, CmdProgramClose}
	for i := 0; i < n; i++ {
		id, err := NewSessionID()
		if err != nil {
			t.Fatalf("NewSessionID: %v", err)
		}
		var payload []byte
		if cmds[i%len(cmds)] == CmdData {
			payload = bytes.Repeat([]byte{byte(i)}, i%37)
		}
		f := Frame{
			Cmd:        cmds[i%len(cmds)],
			SessionID:  id,
			TargetIP:   TargetIPv4{10, 0, 0, byte(i)},
			TargetPort: uint16(1000 + i),
			Payload:    payload,
		}
		frames = append(frames, f)
		wire = f.Encode(wire)
	}
	return frames, wire
}

func assertFramesEqual(t *testing.T, got, want []Frame) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Cmd != want[i].Cmd ||
			got[i].SessionID != want[i].SessionID ||
			got[i].TargetIP != want[i].TargetIP ||
			got[i].TargetPort != want[i].TargetPort ||
			!bytes.Equal(got[i].Payload, want[i].Payload) {
			t.Fatalf("frame %d mismatch:\n got  %+v\n want %+v", i, got[i], want[i])
		}
	}
}

// TestFramingRoundTripAnyChunking is spec.md §8 property 1: feeding the same
// wire bytes to the framer in any chunking yields the same frames in order.
func TestFramingRoundTripAnyChunking(t *testing.T) {
	frames, wire := buildFrames(t, 50)

	t.Run("one giant chunk", func(t *testing.T) {
		fr := New(0)
		got, err := fr.Feed(wire)
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		assertFramesEqual(t, got, frames)
	})

	t.Run("one byte at a time", func(t *testing.T) {
		fr := New(0)
		var got []Frame
		for i := range wire {
			out, err := fr.Feed(wire[i : i+1])
			if err != nil {
				t.Fatalf("Feed: %v", err)
			}
			got = append(got, out...)
		}
		assertFramesEqual(t, got, frames)
	})

	t.Run("random chunk sizes", func(t *testing.T) {
		rng := rand.New(rand.NewSource(1))
		fr := New(0)
		var got []Frame
		for pos := 0; pos < len(wire); {
			n := 1 + rng.Intn(37)
			if pos+n > len(wire) {
				n = len(wire) - pos
			}
			out, err := fr.Feed(wire[pos : pos+n])
			if err != nil {
				t.Fatalf("Feed: %v", err)
			}
			got = append(got, out...)
			pos += n
		}
		assertFramesEqual(t, got, frames)
	})
}

func TestFramerRetainsOnlyTrailingPartialFrame(t *testing.T) {
	_, wire := buildFrames(t, 3)
	fr := New(0)

	// feed everything but the last byte: exactly one partial frame should
	// be retained internally, bounded by header+data_len of that frame.
	if _, err := fr.Feed(wire[:len(wire)-1]); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(fr.buf) == 0 {
		t.Fatalf("expected a retained partial frame in the buffer")
	}
	if len(fr.buf) >= len(wire) {
		t.Fatalf("framer retained more than the trailing partial frame: %d bytes", len(fr.buf))
	}
}
