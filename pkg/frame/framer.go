package frame

import (
	"fmt"
	"io"
)

// Framer consumes arbitrary byte chunks from a UART-like stream and emits
// whole frames in order. It is single-reader: nothing about it is safe for
// concurrent use, by design (spec.md §4.2) — the caller owns serialising
// reads.
type Framer struct {
	buf        []byte
	maxDataLen uint32
}

// New creates a Framer with the given hard ceiling on data_len. A zero
// maxDataLen uses DefaultMaxDataLen.
func New(maxDataLen uint32) *Framer {
	if maxDataLen == 0 {
		maxDataLen = DefaultMaxDataLen
	}
	return &Framer{maxDataLen: maxDataLen}
}

// Feed appends chunk to the internal buffer and returns every complete frame
// the buffer now contains, in order, retaining any trailing partial frame.
// The peak size of the retained buffer is bounded by HeaderSize plus the
// largest data_len seen so far in an in-progress frame — Feed never holds
// more than one in-progress frame's worth of bytes once completed frames are
// drained.
//
// A non-nil error means the link is corrupt (an oversized data_len) and the
// Framer must not be fed further: the caller should begin shutdown.
func (fr *Framer) Feed(chunk []byte) ([]Frame, error) {
	if len(chunk) > 0 {
		fr.buf = append(fr.buf, chunk...)
	}

	var frames []Frame
	for {
		if len(fr.buf) < HeaderSize {
			break
		}
		cmd, id, ip, port, dataLen := decodeHeader(fr.buf)
		if dataLen > fr.maxDataLen {
			return frames, fmt.Errorf("%w: data_len=%d ceiling=%d", ErrOversizeFrame, dataLen, fr.maxDataLen)
		}
		total := HeaderSize + int(dataLen)
		if len(fr.buf) < total {
			break
		}

		var payload []byte
		if dataLen > 0 {
			payload = make([]byte, dataLen)
			copy(payload, fr.buf[HeaderSize:total])
		}

		frames = append(frames, Frame{
			Cmd:        cmd,
			SessionID:  id,
			TargetIP:   ip,
			TargetPort: port,
			Payload:    payload,
		})

		// drop the consumed prefix; re-slicing would retain the backing
		// array for the lifetime of the connection, so copy down instead.
		remaining := len(fr.buf) - total
		copy(fr.buf, fr.buf[total:])
		fr.buf = fr.buf[:remaining]
	}
	return frames, nil
}

// ReadLoop reads from r in chunkSize increments until r returns an error
// (including io.EOF), calling emit for every frame decoded along the way. It
// is the glue a real UART reader uses around Feed; tests exercise Feed
// directly with arbitrary, adversarial chunking.
func (fr *Framer) ReadLoop(r io.Reader, chunkSize int, emit func(Frame) error) error {
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			frames, ferr := fr.Feed(buf[:n])
			for _, f := range frames {
				if eerr := emit(f); eerr != nil {
					return eerr
				}
			}
			if ferr != nil {
				return ferr
			}
		}
		if err != nil {
			return err
		}
	}
}
