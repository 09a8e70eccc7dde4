package tunnel

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/KnownRock/tcp-uart-bridge/pkg/frame"
	"github.com/KnownRock/tcp-uart-bridge/pkg/session"
	"github.com/KnownRock/tcp-uart-bridge/pkg/tunnelcfg"
)

// Ingress is the session manager for the side that accepts TCP connections
// and forwards them over the UART (spec.md §4.5).
type Ingress struct {
	*Side

	mappings map[uint16]tunnelcfg.Mapping

	mu        sync.Mutex
	listeners []net.Listener

	remoteCloseOnce sync.Once
	remoteClose     chan struct{}
}

// NewIngress creates an Ingress session manager bound to the given port
// mappings.
func NewIngress(side *Side, mappings []tunnelcfg.Mapping) *Ingress {
	return &Ingress{
		Side:        side,
		mappings:    tunnelcfg.ByLocalPort(mappings),
		remoteClose: make(chan struct{}),
	}
}

// Run binds a listener for every mapping entry, starts the UART read loop,
// and blocks until ctx is canceled (a locally initiated shutdown) or a
// ProgramClose frame arrives from the peer (a remotely initiated one),
// running the shutdown sequence either way. It returns the process exit
// code.
func (ing *Ingress) Run(ctx context.Context) int {
	for port, m := range ing.mappings {
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			ing.Logger.Error().Err(err).Uint16("local_port", port).Msg("failed to bind listener")
			return 1
		}
		ing.mu.Lock()
		ing.listeners = append(ing.listeners, l)
		ing.mu.Unlock()

		go ing.acceptLoop(l, m)
	}

	go ing.runUARTReadLoop(ing.handleFrame)
	ing.sdnotify("READY=1")
	ing.Logger.Info().Int("mappings", len(ing.mappings)).Msg("ingress ready")

	select {
	case <-ctx.Done():
		return ing.Shutdown(true, ing.stopAccepting)
	case <-ing.remoteClose:
		return ing.Shutdown(false, ing.stopAccepting)
	case <-ing.FatalCh():
		// The UART read loop hit an unrecoverable error; this side
		// noticed first, so it drives shutdown and emits ProgramClose
		// (spec.md §7).
		return ing.Shutdown(true, ing.stopAccepting)
	}
}

func (ing *Ingress) stopAccepting() {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	for _, l := range ing.listeners {
		l.Close()
	}
}

func (ing *Ingress) acceptLoop(l net.Listener, m tunnelcfg.Mapping) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		if ing.Stopping() {
			conn.Close()
			continue
		}
		go ing.handleConn(conn, m)
	}
}

// handleConn implements spec.md §4.5 steps 1-4: mint a SessionID, register
// the session, and pump bytes read from the socket into Data frames until
// the socket closes.
func (ing *Ingress) handleConn(conn net.Conn, m tunnelcfg.Mapping) {
	id, err := frame.NewSessionID()
	if err != nil {
		ing.Logger.Error().Err(err).Msg("failed to mint session id")
		conn.Close()
		return
	}

	s := session.New(id, conn, m.LocalPort, m.TargetIP, m.RemotePort)
	if err := ing.Table.Insert(s); err != nil {
		// A 128-bit collision is astronomically unlikely; treat it as a
		// programming error rather than retrying.
		ing.Logger.Error().Err(err).Str("session_id", id.String()).Msg("session id collision")
		conn.Close()
		return
	}
	ing.Metrics.IncSessionOpened(strconv.Itoa(int(m.LocalPort)))
	ing.Logger.Debug().Str("session_id", id.String()).Uint16("local_port", m.LocalPort).Msg("session opened")

	buf := make([]byte, 64<<10)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if werr := ing.emitData(id, m.TargetIP, m.RemotePort, buf[:n]); werr != nil {
				ing.Logger.Warn().Err(werr).Str("session_id", id.String()).Msg("failed to write data frame")
				break
			}
		}
		if err != nil {
			break
		}
	}
	ing.closeSessionOnce(s, false)
}

// handleFrame dispatches a frame decoded from the UART (spec.md §4.5 steps
// 5-6, and the ingress side of §4.7's ProgramClose handshake).
func (ing *Ingress) handleFrame(f frame.Frame) {
	ing.Metrics.IncFrame(f.Cmd, frame.HeaderSize+len(f.Payload), true)

	switch f.Cmd {
	case frame.CmdData:
		s, ok := ing.Table.Get(f.SessionID)
		if !ok {
			ing.Logger.Warn().Str("session_id", f.SessionID.String()).Msg("data frame for unknown or closed session, dropped")
			return
		}
		if len(f.Payload) == 0 {
			return
		}
		if _, err := s.Conn.Write(f.Payload); err != nil {
			ing.Logger.Warn().Err(err).Str("session_id", f.SessionID.String()).Msg("failed to write to local socket")
			ing.closeSessionOnce(s, false)
		}

	case frame.CmdDisconnect:
		s, ok := ing.Table.Remove(f.SessionID)
		if !ok {
			return
		}
		s.MarkDisconnectSent()
		s.Conn.Close()
		ing.Metrics.IncSessionClosed(true)

	case frame.CmdProgramClose:
		ing.remoteCloseOnce.Do(func() { close(ing.remoteClose) })

	default:
		ing.Logger.Warn().Uint8("cmd", uint8(f.Cmd)).Msg("unknown frame command, dropped")
	}
}
