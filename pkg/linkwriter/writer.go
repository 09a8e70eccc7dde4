// Package linkwriter serialises concurrent frame writes onto a single UART
// so that frames from different tunnel sessions never interleave mid-frame
// (spec.md §4.3). The shape — a priority-gated request channel feeding a
// single owning goroutine — is adapted from the teacher pack's smux session
// shaper/sender loop (control frames jump the data queue the same way
// smux's CLSCTRL class is drained ahead of CLSDATA).
package linkwriter

import (
	"errors"
	"io"
	"sync"
)

// Class prioritises a submitted frame. Control frames (Disconnect,
// ProgramClose) are drained ahead of any queued Data frame, but never ahead
// of a Data frame already in flight for the same or another session — by
// the time a Close is requested, any already-submitted Data is already
// either on the wire or next in line.
type Class int

const (
	ClassData Class = iota
	ClassControl
)

// ErrClosed is returned by Write once the Writer has been closed.
var ErrClosed = errors.New("linkwriter: closed")

type request struct {
	b      []byte
	result chan error
}

// Writer is the single serialisation point for all writes to the UART.
type Writer struct {
	conn io.Writer

	ctrl chan request
	data chan request

	die     chan struct{}
	dieOnce sync.Once

	mu     sync.Mutex
	closed bool
	err    error
}

// New creates a Writer that serialises writes onto conn.
func New(conn io.Writer) *Writer {
	w := &Writer{
		conn: conn,
		ctrl: make(chan request),
		data: make(chan request),
		die:  make(chan struct{}),
	}
	go w.run()
	return w
}

// Write submits a whole, already-encoded frame for atomic emission and
// blocks until it has been written (or the Writer has failed/closed). A
// submitter that cannot tolerate suspension is a bug (spec.md §4.3): Write
// intentionally has no non-blocking variant.
func (w *Writer) Write(class Class, b []byte) error {
	req := request{b: b, result: make(chan error, 1)}

	ch := w.data
	if class == ClassControl {
		ch = w.ctrl
	}

	select {
	case ch <- req:
	case <-w.die:
		return w.closeErr()
	}

	select {
	case err := <-req.result:
		return err
	case <-w.die:
		return w.closeErr()
	}
}

// run is the sole owner of conn. Control requests are always serviced ahead
// of data requests that are simultaneously ready, but neither starves the
// other: a request, once accepted into either channel, is serviced before
// any later request of the same class.
func (w *Writer) run() {
	for {
		// Prefer control frames without blocking if one is already
		// waiting, so a Disconnect/ProgramClose doesn't queue behind a
		// burst of Data submissions.
		select {
		case req := <-w.ctrl:
			w.send(req)
			continue
		default:
		}

		select {
		case req := <-w.ctrl:
			w.send(req)
		case req := <-w.data:
			w.send(req)
		case <-w.die:
			return
		}
	}
}

func (w *Writer) send(req request) {
	_, err := w.conn.Write(req.b)
	req.result <- err
	if err != nil {
		w.fail(err)
	}
}

func (w *Writer) fail(err error) {
	w.mu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.mu.Unlock()
	w.dieOnce.Do(func() { close(w.die) })
}

func (w *Writer) closeErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	return ErrClosed
}

// Close stops the Writer, causing any further or in-flight Write calls to
// return ErrClosed (or the write error that caused failure, if any). It
// does not close conn.
func (w *Writer) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.dieOnce.Do(func() { close(w.die) })
	return nil
}

// Closed reports whether the Writer has stopped, either via Close or
// because a write to the UART failed.
func (w *Writer) Closed() bool {
	select {
	case <-w.die:
		return true
	default:
		return false
	}
}
