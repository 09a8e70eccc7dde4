// Package tunnel implements the multiplexing tunnel logic shared by the
// ingress and egress sides: session bookkeeping, the socket/link pumps, and
// the shutdown coordinator (spec.md §4.5-§4.7).
package tunnel

import (
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// zerologWriterLevel wraps an io.Writer (typically an *os.File) with a
// minimum level and lets the writer be swapped out underneath a live
// zerolog.Logger, so a SIGHUP-triggered log reopen doesn't require
// reconstructing every logger in the process (adapted from the teacher's
// pkg/atlas/util.go, which uses the same wrapper for its stdout/file
// sinks).
type zerologWriterLevel struct {
	w io.Writer // or zerolog.LevelWriter
	l zerolog.Level
	m sync.Mutex
}

var _ zerolog.LevelWriter = (*zerologWriterLevel)(nil)

func newZerologWriterLevel(w io.Writer, l zerolog.Level) *zerologWriterLevel {
	return &zerologWriterLevel{w: w, l: l}
}

func (wl *zerologWriterLevel) Write(p []byte) (n int, err error) {
	wl.m.Lock()
	defer wl.m.Unlock()
	if wl.w != nil {
		return wl.w.Write(p)
	}
	return len(p), nil
}

func (wl *zerologWriterLevel) WriteLevel(l zerolog.Level, p []byte) (n int, err error) {
	if l >= wl.l {
		wl.m.Lock()
		defer wl.m.Unlock()
		if wl.w != nil {
			if lw, ok := wl.w.(zerolog.LevelWriter); ok {
				return lw.WriteLevel(l, p)
			}
			return wl.w.Write(p)
		}
	}
	return len(p), nil
}

// SwapWriter atomically replaces the underlying writer, calling fn with the
// previous one so the caller can close it after the swap.
func (wl *zerologWriterLevel) SwapWriter(fn func(io.Writer) io.Writer) {
	wl.m.Lock()
	defer wl.m.Unlock()
	wl.w = fn(wl.w)
}
