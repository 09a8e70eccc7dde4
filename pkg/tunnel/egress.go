package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KnownRock/tcp-uart-bridge/pkg/frame"
	"github.com/KnownRock/tcp-uart-bridge/pkg/session"
)

// dialTimeout bounds how long an egress dial for a first-seen session may
// take before it is treated as a dial failure.
const dialTimeout = 10 * time.Second

// pendingDial tracks an in-flight dial and any Data payloads that arrived
// for its session before the dial resolved (spec.md §4.6 step 1: "The
// implementation MUST queue pending payloads for an in-flight dial and
// flush them on success, or drop them and emit Disconnect on failure").
type pendingDial struct {
	mu           sync.Mutex
	queue        [][]byte
	disconnected bool

	// ready is set once the dial has succeeded, the queue has been
	// flushed to the target socket, and the session is reachable via
	// Table — all under mu, so a concurrent handleData call blocked on
	// mu either queues into this pendingDial or sees ready and
	// re-dispatches through Table, never both.
	ready bool
}

// Egress is the session manager for the side that reacts to frames by
// dialing TCP connections on demand (spec.md §4.6).
type Egress struct {
	*Side

	mu      sync.Mutex
	dialing map[frame.SessionID]*pendingDial
}

// NewEgress creates an Egress session manager.
func NewEgress(side *Side) *Egress {
	return &Egress{
		Side:    side,
		dialing: make(map[frame.SessionID]*pendingDial),
	}
}

// Run starts the UART read loop and blocks until ctx is canceled (a locally
// initiated shutdown) or a ProgramClose frame arrives (a remotely initiated
// one), running the shutdown sequence either way. It returns the process
// exit code.
func (eg *Egress) Run(ctx context.Context) int {
	remoteClose := make(chan struct{})
	var remoteCloseOnce sync.Once

	go eg.runUARTReadLoop(func(f frame.Frame) {
		eg.handleFrame(f, &remoteCloseOnce, remoteClose)
	})
	eg.sdnotify("READY=1")
	eg.Logger.Info().Msg("egress ready")

	select {
	case <-ctx.Done():
		return eg.Shutdown(true, eg.stopAccepting)
	case <-remoteClose:
		return eg.Shutdown(false, eg.stopAccepting)
	case <-eg.FatalCh():
		// The UART read loop hit an unrecoverable error; this side
		// noticed first, so it drives shutdown and emits ProgramClose
		// (spec.md §7).
		return eg.Shutdown(true, eg.stopAccepting)
	}
}

// stopAccepting has nothing to close: egress has no listeners. Dialling for
// further unknown ids is refused by handleData, which checks Stopping()
// (set by Shutdown before it calls this; spec.md §4.7 step 1). In-flight
// dials and already-open sessions are unaffected; they are torn down by the
// rest of the shutdown sequence.
func (eg *Egress) stopAccepting() {}

func (eg *Egress) handleFrame(f frame.Frame, remoteCloseOnce *sync.Once, remoteClose chan struct{}) {
	eg.Metrics.IncFrame(f.Cmd, frame.HeaderSize+len(f.Payload), true)

	switch f.Cmd {
	case frame.CmdData:
		eg.handleData(f)

	case frame.CmdDisconnect:
		if s, ok := eg.Table.Remove(f.SessionID); ok {
			s.MarkDisconnectSent()
			s.Conn.Close()
			eg.Metrics.IncSessionClosed(true)
			return
		}
		eg.mu.Lock()
		pd, ok := eg.dialing[f.SessionID]
		eg.mu.Unlock()
		// pd.mu is taken after releasing eg.mu (never nested the other
		// way around) to match dial()'s lock order and avoid a
		// deadlock between the two.
		if ok {
			pd.mu.Lock()
			pd.disconnected = true
			pd.mu.Unlock()
		}

	case frame.CmdProgramClose:
		remoteCloseOnce.Do(func() { close(remoteClose) })

	default:
		eg.Logger.Warn().Uint8("cmd", uint8(f.Cmd)).Msg("unknown frame command, dropped")
	}
}

func (eg *Egress) handleData(f frame.Frame) {
	if s, ok := eg.Table.Get(f.SessionID); ok {
		if len(f.Payload) == 0 {
			return
		}
		if _, err := s.Conn.Write(f.Payload); err != nil {
			eg.Logger.Warn().Err(err).Str("session_id", f.SessionID.String()).Msg("failed to write to target socket")
			eg.closeSessionOnce(s, false)
		}
		return
	}

	eg.mu.Lock()
	pd, dialing := eg.dialing[f.SessionID]
	if !dialing {
		if _, ok := eg.Table.Get(f.SessionID); ok {
			// dial() published the session between the Table lookup
			// above and taking eg.mu: take the fast path instead of
			// dialing a second time.
			eg.mu.Unlock()
			eg.handleData(f)
			return
		}
		if eg.Stopping() {
			eg.mu.Unlock()
			eg.Logger.Warn().Str("session_id", f.SessionID.String()).Msg("data frame for unknown session during shutdown, dropped")
			return
		}
		pd = &pendingDial{}
		eg.dialing[f.SessionID] = pd
		eg.mu.Unlock()
		go eg.dial(f.SessionID, f.TargetIP, f.TargetPort, pd)
	} else {
		eg.mu.Unlock()
	}

	if len(f.Payload) == 0 {
		return
	}

	pd.mu.Lock()
	if pd.ready {
		// The dial already finished and flushed its queue while we
		// were waiting on pd.mu: the session is now in Table, so
		// re-dispatch through the fast path above instead of queuing
		// into a pendingDial nobody will flush again.
		pd.mu.Unlock()
		eg.handleData(f)
		return
	}
	payload := append([]byte(nil), f.Payload...)
	pd.queue = append(pd.queue, payload)
	pd.mu.Unlock()
}

// dial resolves a first-seen session id (spec.md §4.6 step 1): on success
// it registers the session and flushes any payloads queued while the dial
// was in flight, then starts the target-socket read pump; on failure it
// drops the queue and emits a single Disconnect.
//
// From the moment the dial succeeds until the session is both flushed and
// published to Table, pd.mu is held continuously: any handleData call that
// observed this id as still "dialing" blocks on the same lock, so it can
// never append a payload behind the flush, write to the conn concurrently
// with the flush, or spawn a second dial for the id (spec.md §4.6 step 1:
// "subsequent Data frames for the same id MUST be delivered to the same
// socket and in the order received").
func (eg *Egress) dial(id frame.SessionID, ip frame.TargetIPv4, port uint16, pd *pendingDial) {
	addr := fmt.Sprintf("%s:%d", ip.String(), port)
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)

	if err != nil {
		eg.mu.Lock()
		delete(eg.dialing, id)
		eg.mu.Unlock()
		eg.Metrics.IncDialFailure()
		eg.Logger.Error().Err(err).Str("session_id", id.String()).Str("addr", addr).Msg("dial failed")
		eg.emitDisconnect(id)
		return
	}

	pd.mu.Lock()
	if pd.disconnected {
		pd.mu.Unlock()
		conn.Close()
		eg.mu.Lock()
		delete(eg.dialing, id)
		eg.mu.Unlock()
		return
	}

	for _, payload := range pd.queue {
		if _, werr := conn.Write(payload); werr != nil {
			pd.mu.Unlock()
			eg.Logger.Warn().Err(werr).Str("session_id", id.String()).Msg("failed to flush queued payload")
			conn.Close()
			eg.mu.Lock()
			delete(eg.dialing, id)
			eg.mu.Unlock()
			return
		}
	}
	pd.queue = nil

	s := session.New(id, conn, 0, ip, port)
	eg.mu.Lock()
	insertErr := eg.Table.Insert(s)
	delete(eg.dialing, id)
	eg.mu.Unlock()
	pd.ready = true
	pd.mu.Unlock()

	if insertErr != nil {
		eg.Logger.Error().Err(insertErr).Str("session_id", id.String()).Msg("session id collision")
		conn.Close()
		return
	}
	eg.Metrics.IncSessionOpened(addr)
	eg.Logger.Debug().Str("session_id", id.String()).Str("addr", addr).Msg("session opened")

	eg.pumpTargetSocket(s)
}

// pumpTargetSocket implements spec.md §4.6 step 3: bytes read from the
// target socket become Data frames back through the link writer.
func (eg *Egress) pumpTargetSocket(s *session.Session) {
	buf := make([]byte, 64<<10)
	for {
		n, err := s.Conn.Read(buf)
		if n > 0 {
			if werr := eg.emitData(s.ID, s.TargetIP, s.TargetPort, buf[:n]); werr != nil {
				eg.Logger.Warn().Err(werr).Str("session_id", s.ID.String()).Msg("failed to write data frame")
				break
			}
		}
		if err != nil {
			break
		}
	}
	eg.closeSessionOnce(s, false)
}
