// Package frame implements the wire framing used to multiplex TCP sessions
// over a single serial link: a fixed 27-byte header followed by a variable
// length payload.
package frame

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// Cmd identifies the kind of a frame.
type Cmd byte

const (
	CmdData         Cmd = 0x01
	CmdDisconnect   Cmd = 0x03
	CmdProgramClose Cmd = 0x05
)

func (c Cmd) String() string {
	switch c {
	case CmdData:
		return "data"
	case CmdDisconnect:
		return "disconnect"
	case CmdProgramClose:
		return "programclose"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(c))
	}
}

// HeaderSize is the fixed size, in bytes, of every frame header.
const HeaderSize = 1 + 16 + 4 + 2 + 4

// DefaultMaxDataLen is the recommended hard ceiling on data_len. A data_len
// exceeding this is a framing error (spec.md §4.1).
const DefaultMaxDataLen = 16 << 20 // 16 MiB

// ErrOversizeFrame is returned when a header advertises a data_len exceeding
// the configured ceiling. It is fatal: the link is declared corrupt.
var ErrOversizeFrame = errors.New("frame: data_len exceeds ceiling")

// SessionID is the 128-bit opaque session identifier carried in every frame.
type SessionID [16]byte

// NewSessionID draws a fresh SessionID from a cryptographically strong
// source, per spec.md §3 invariant 1. rs/xid is intentionally not used here:
// it is time+machine+counter based, not cryptographically random.
func NewSessionID() (SessionID, error) {
	var id SessionID
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("generate session id: %w", err)
	}
	return id, nil
}

func (id SessionID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero value.
func (id SessionID) IsZero() bool {
	return id == SessionID{}
}

// TargetIPv4 is the routing-information IPv4 address carried in Data frames.
type TargetIPv4 [4]byte

func (ip TargetIPv4) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", ip[0], ip[1], ip[2], ip[3])
}

// Frame is a single decoded unit transferred over the UART.
type Frame struct {
	Cmd        Cmd
	SessionID  SessionID
	TargetIP   TargetIPv4
	TargetPort uint16
	Payload    []byte
}

// Encode appends the wire representation of f to dst and returns the
// extended slice, avoiding an extra allocation when the caller passes a
// buffer with enough capacity (the Side's emit helpers size theirs for the
// whole frame).
func (f Frame) Encode(dst []byte) []byte {
	var hdr [HeaderSize]byte
	hdr[0] = byte(f.Cmd)
	copy(hdr[1:17], f.SessionID[:])
	copy(hdr[17:21], f.TargetIP[:])
	binary.BigEndian.PutUint16(hdr[21:23], f.TargetPort)
	binary.BigEndian.PutUint32(hdr[23:27], uint32(len(f.Payload)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, f.Payload...)
	return dst
}

// rawHeader is a view over exactly HeaderSize bytes of a decode buffer,
// following the accessor-over-raw-bytes style used for wire structures
// throughout the pack (e.g. the teacher's r2cb packet wrapper).
type rawHeader []byte

func (h rawHeader) cmd() Cmd {
	return Cmd(h[0])
}

func (h rawHeader) sessionID() SessionID {
	var id SessionID
	copy(id[:], h[1:17])
	return id
}

func (h rawHeader) targetIP() TargetIPv4 {
	var ip TargetIPv4
	copy(ip[:], h[17:21])
	return ip
}

func (h rawHeader) targetPort() uint16 {
	return binary.BigEndian.Uint16(h[21:23])
}

func (h rawHeader) dataLen() uint32 {
	return binary.BigEndian.Uint32(h[23:27])
}

// decodeHeader parses the fixed header portion of buf, which must be at
// least HeaderSize bytes.
func decodeHeader(buf []byte) (cmd Cmd, id SessionID, ip TargetIPv4, port uint16, dataLen uint32) {
	h := rawHeader(buf[:HeaderSize])
	return h.cmd(), h.sessionID(), h.targetIP(), h.targetPort(), h.dataLen()
}
