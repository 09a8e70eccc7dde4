package tunnel

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/KnownRock/tcp-uart-bridge/pkg/frame"
	"github.com/KnownRock/tcp-uart-bridge/pkg/linkwriter"
	"github.com/KnownRock/tcp-uart-bridge/pkg/session"
	"github.com/KnownRock/tcp-uart-bridge/pkg/tunnelmetrics"
)

// Side is the plumbing shared by both the ingress and egress session
// managers: the session table, the serialised link writer, the frame
// decoder, and the shutdown sequence common to both (spec.md §4.7). It is
// the generalisation of the teacher's Server struct, minus anything HTTP- or
// game-specific.
type Side struct {
	Logger  zerolog.Logger
	Metrics *tunnelmetrics.Metrics
	Table   *session.Table
	Writer  *linkwriter.Writer
	UART    io.ReadWriteCloser

	NotifySocket    string
	ShutdownTimeout time.Duration

	stopping atomic.Bool

	fatal     chan struct{}
	fatalOnce sync.Once
}

// NewSide wires together the shared pieces. uart must already be open.
func NewSide(logger zerolog.Logger, metrics *tunnelmetrics.Metrics, uart io.ReadWriteCloser, notifySocket string, shutdownTimeout time.Duration) *Side {
	return &Side{
		Logger:          logger,
		Metrics:         metrics,
		Table:           session.NewTable(),
		Writer:          linkwriter.New(uart),
		UART:            uart,
		NotifySocket:    notifySocket,
		ShutdownTimeout: shutdownTimeout,
		fatal:           make(chan struct{}),
	}
}

// Stopping reports whether shutdown has begun, so the ingress listener loop
// and the egress dial-on-unknown-id path can refuse new work (spec.md
// §4.7 step 1).
func (sd *Side) Stopping() bool {
	return sd.stopping.Load()
}

// FatalCh is closed once when the UART read loop observes an unrecoverable
// error (an oversize data_len or a UART read failure, spec.md §4.1/§7).
// Run's select waits on it alongside ctx.Done() and the peer's ProgramClose
// so the side begins its own shutdown instead of hanging forever with
// nothing left reading the UART.
func (sd *Side) FatalCh() <-chan struct{} {
	return sd.fatal
}

// markFatal closes FatalCh the first time it's called.
func (sd *Side) markFatal() {
	sd.fatalOnce.Do(func() { close(sd.fatal) })
}

// emitDisconnect sends a Disconnect frame for id through the link writer's
// control class, logging (not failing) on a write error — by the time
// Disconnect is sent the UART may already be going down.
func (sd *Side) emitDisconnect(id frame.SessionID) {
	f := frame.Frame{Cmd: frame.CmdDisconnect, SessionID: id}
	buf := f.Encode(make([]byte, 0, frame.HeaderSize))
	if err := sd.Writer.Write(linkwriter.ClassControl, buf); err != nil {
		sd.Logger.Warn().Err(err).Str("session_id", id.String()).Msg("failed to write disconnect frame")
		return
	}
	sd.Metrics.IncFrame(frame.CmdDisconnect, len(buf), false)
}

// emitData sends a Data frame through the link writer's data class.
func (sd *Side) emitData(id frame.SessionID, ip frame.TargetIPv4, port uint16, payload []byte) error {
	f := frame.Frame{Cmd: frame.CmdData, SessionID: id, TargetIP: ip, TargetPort: port, Payload: payload}
	buf := f.Encode(make([]byte, 0, frame.HeaderSize+len(payload)))
	if err := sd.Writer.Write(linkwriter.ClassData, buf); err != nil {
		return err
	}
	sd.Metrics.IncFrame(frame.CmdData, len(buf), false)
	return nil
}

// closeSessionOnce removes s from the table and emits exactly one Disconnect
// for it, satisfying spec.md §4.5 step 4 / §4.6 step 4 ("A Disconnect is
// emitted exactly once per session, even if both local close and a peer
// Disconnect arrive"), backed by Session.MarkDisconnectSent's
// compare-and-swap latch (spec.md §8 property 4).
func (sd *Side) closeSessionOnce(s *session.Session, peerInitiated bool) {
	sd.Table.Remove(s.ID)
	s.Conn.Close()
	if s.MarkDisconnectSent() {
		sd.emitDisconnect(s.ID)
		sd.Metrics.IncSessionClosed(peerInitiated)
	}
}

// drainAndClose bounds how long closing conn may take (spec.md §4.7 step 3):
// it starts the close in the background and force-completes it on timeout,
// returning whether it finished within the bound.
func drainAndClose(conn net.Conn, timeout time.Duration) bool {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetLinger(int(timeout / time.Second))
	}
	done := make(chan struct{})
	go func() {
		conn.Close()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// sdnotify sends a systemd readiness notification state, a no-op if
// NotifySocket is unset (adapted from the teacher's Server.sdnotify).
func (sd *Side) sdnotify(state string) {
	if sd.NotifySocket == "" {
		return
	}
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: sd.NotifySocket, Net: "unixgram"})
	if err != nil {
		sd.Logger.Debug().Err(err).Msg("sdnotify: dial failed")
		return
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(state)); err != nil {
		sd.Logger.Debug().Err(err).Msg("sdnotify: write failed")
	}
}

// runUARTReadLoop feeds bytes read from the UART through a frame.Framer and
// dispatches each decoded frame to handle. It returns once the UART read
// fails (including because Shutdown closed it) or the Framer hits a fatal
// framing error (spec.md §4.1: an oversize data_len is unrecoverable, since
// there is no way to resynchronise mid-stream). If that happens before
// Shutdown was already under way, it marks the side fatal so Run's select
// notices and drives the shutdown sequence itself (spec.md §7: "UART read
// error" / "Framing ceiling exceeded" are both fatal, begin shutdown).
func (sd *Side) runUARTReadLoop(handle func(frame.Frame)) {
	fr := frame.New(0)
	err := fr.ReadLoop(sd.UART, 64<<10, func(f frame.Frame) error {
		handle(f)
		return nil
	})
	if err != nil && !sd.Stopping() {
		sd.Logger.Error().Err(err).Msg("uart read loop ended")
		sd.markFatal()
	}
}

// waitAll runs fn for each item concurrently and reports whether every call
// returned true.
func waitAll[T any](items []T, fn func(T) bool) bool {
	var wg sync.WaitGroup
	var okAll atomic.Bool
	okAll.Store(true)
	for _, it := range items {
		it := it
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !fn(it) {
				okAll.Store(false)
			}
		}()
	}
	wg.Wait()
	return okAll.Load()
}
