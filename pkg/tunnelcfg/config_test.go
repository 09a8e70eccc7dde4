package tunnelcfg

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDefault(t *testing.T) {
	c := Default()
	if c.LogLevel != zerolog.InfoLevel {
		t.Errorf("LogLevel = %v, want info", c.LogLevel)
	}
	if !c.LogStdout {
		t.Errorf("LogStdout = false, want true")
	}
	if c.ShutdownTimeout != 3*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 3s", c.ShutdownTimeout)
	}
	if c.LogFileChown != nil {
		t.Errorf("LogFileChown = %v, want nil", c.LogFileChown)
	}
}

func TestUnmarshalEnvOverrides(t *testing.T) {
	var c Config
	err := c.UnmarshalEnv([]string{
		"LOG_LEVEL=debug",
		"LOG_STDOUT=false",
		"LOG_FILE=/var/log/tunnel.log",
		"LOG_FILE_CHMOD=640",
		"SHUTDOWN_TIMEOUT=10s",
		"METRICS_ADDR=127.0.0.1:9100",
		"UNRELATED_SHELL_VAR=should be ignored, not an error",
	})
	if err != nil {
		t.Fatalf("UnmarshalEnv: %v", err)
	}
	if c.LogLevel != zerolog.DebugLevel {
		t.Errorf("LogLevel = %v, want debug", c.LogLevel)
	}
	if c.LogStdout {
		t.Errorf("LogStdout = true, want false")
	}
	if c.LogFile != "/var/log/tunnel.log" {
		t.Errorf("LogFile = %q", c.LogFile)
	}
	if c.LogFileChmod != 0640 {
		t.Errorf("LogFileChmod = %v, want 0640", c.LogFileChmod)
	}
	if c.ShutdownTimeout != 10*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 10s", c.ShutdownTimeout)
	}
	if c.MetricsAddr != "127.0.0.1:9100" {
		t.Errorf("MetricsAddr = %q", c.MetricsAddr)
	}
}

func TestLevelFromVerbosityEnv(t *testing.T) {
	cases := []struct {
		es   []string
		want zerolog.Level
	}{
		{nil, zerolog.InfoLevel},
		{[]string{"DEBUG=1"}, zerolog.DebugLevel},
		{[]string{"VERBOSE=true"}, zerolog.TraceLevel},
		{[]string{"QUIET=yes"}, zerolog.ErrorLevel},
		{[]string{"DEBUG=0"}, zerolog.InfoLevel},
	}
	for _, c := range cases {
		if got := levelFromVerbosityEnv(c.es); got != c.want {
			t.Errorf("levelFromVerbosityEnv(%v) = %v, want %v", c.es, got, c.want)
		}
	}
}

func TestLoadExplicitLevelWinsOverVerbosityToggle(t *testing.T) {
	// Both DEBUG and an explicit LOG_LEVEL are set in the process
	// environment. The explicit var must win.
	t.Setenv("TUNNEL_ENV_FILE", "")
	t.Setenv("DEBUG", "1")
	t.Setenv("LOG_LEVEL", "error")
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.LogLevel != zerolog.ErrorLevel {
		t.Errorf("LogLevel = %v, want error (explicit override)", c.LogLevel)
	}
}

func TestParseUIDGIDNumeric(t *testing.T) {
	u, err := parseUIDGID("1000:1000")
	if err != nil {
		t.Fatalf("parseUIDGID: %v", err)
	}
	if u[0] != 1000 || u[1] != 1000 {
		t.Errorf("parseUIDGID(1000:1000) = %v", u)
	}
}

func TestParseUIDGIDEmptyIsError(t *testing.T) {
	if _, err := parseUIDGID(""); err == nil {
		t.Fatalf("parseUIDGID(\"\") should fail")
	}
}
