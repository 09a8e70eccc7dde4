package tunnel

import (
	"time"

	"github.com/KnownRock/tcp-uart-bridge/pkg/frame"
	"github.com/KnownRock/tcp-uart-bridge/pkg/linkwriter"
	"github.com/KnownRock/tcp-uart-bridge/pkg/session"
)

// Shutdown runs the sequence common to both sides (spec.md §4.7):
//
//  1. stopAccepting is called first so no new session can be created;
//  2. if localInitiated, a single ProgramClose frame is sent ahead of any
//     Disconnects, so the peer can start its own shutdown concurrently;
//  3. every remaining session gets exactly one Disconnect frame;
//  4. each session's local socket is closed under a bounded wait;
//  5. the link writer and then the UART are closed under a bounded wait.
//     Frames already written stay written; a Write the link writer has not
//     yet taken up is released with an error and its frame is not sent.
//
// It returns the process exit code: 0 if every bounded wait completed in
// time, 1 otherwise.
func (sd *Side) Shutdown(localInitiated bool, stopAccepting func()) int {
	sd.stopping.Store(true)
	stopAccepting()
	sd.Metrics.IncShutdown(localInitiated)
	sd.sdnotify("STOPPING=1")

	if localInitiated {
		sd.emitProgramClose()
	}

	sessions := sd.Table.Clear()
	for _, s := range sessions {
		if s.MarkDisconnectSent() {
			sd.emitDisconnect(s.ID)
		}
	}

	okSockets := waitAll(sessions, func(s *session.Session) bool {
		return drainAndClose(s.Conn, sd.ShutdownTimeout)
	})
	okUART := sd.drainWriterAndCloseUART()

	if okSockets && okUART {
		sd.Logger.Info().Msg("shutdown complete")
		return 0
	}
	sd.Logger.Warn().Msg("shutdown timed out on one or more bounded waits")
	return 1
}

func (sd *Side) emitProgramClose() {
	id, err := frame.NewSessionID()
	if err != nil {
		// A SessionID for ProgramClose is conventionally fresh random but
		// its value is ignored by every recipient (spec.md §4.7); the zero
		// value is a safe fallback if the CSPRNG is unavailable.
		id = frame.SessionID{}
	}
	f := frame.Frame{Cmd: frame.CmdProgramClose, SessionID: id}
	buf := f.Encode(make([]byte, 0, frame.HeaderSize))
	if err := sd.Writer.Write(linkwriter.ClassControl, buf); err != nil {
		sd.Logger.Warn().Err(err).Msg("failed to write program_close frame")
		return
	}
	sd.Metrics.IncFrame(frame.CmdProgramClose, len(buf), false)
}

func (sd *Side) drainWriterAndCloseUART() bool {
	done := make(chan struct{})
	go func() {
		sd.Writer.Close()
		sd.UART.Close()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(sd.ShutdownTimeout):
		return false
	}
}
