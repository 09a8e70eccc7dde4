//go:build windows

package tunnel

import (
	"fmt"
	"os"

	"github.com/KnownRock/tcp-uart-bridge/pkg/tunnelcfg"
)

// chownLogFile is unsupported on Windows; LogFileChown is a Unix-only
// setting there.
func chownLogFile(f *os.File, ug tunnelcfg.UIDGID) error {
	return fmt.Errorf("LOG_FILE_CHOWN is not supported on windows")
}
