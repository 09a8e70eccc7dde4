//go:build unix

package tunnel

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/KnownRock/tcp-uart-bridge/pkg/tunnelcfg"
)

// chownLogFile applies LogFileChown to an open log file, matching the
// parseUIDGID/UIDGID handling in pkg/tunnelcfg/config.go.
func chownLogFile(f *os.File, ug tunnelcfg.UIDGID) error {
	return unix.Fchown(int(f.Fd()), ug[0], ug[1])
}
