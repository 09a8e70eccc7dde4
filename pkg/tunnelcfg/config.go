// Package tunnelcfg loads ambient configuration (logging, metrics, shutdown
// timeouts) from the environment, and the port-mapping document from disk.
// The env-unmarshalling mechanism is a trimmed port of the reflection-driven
// Config.UnmarshalEnv in the teacher's pkg/atlas/config.go.
package tunnelcfg

import (
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-envparse"
	"github.com/rs/zerolog"
)

// UIDGID is a parsed user:group pair for LogFileChown.
type UIDGID [2]int

// Config holds every ambient (non-positional) setting a tunnel side reads
// from its environment. Positional CLI arguments (serial device, baud,
// flow control, and, ingress-only, the mapping file path) are parsed
// separately in cmd/tunnel-*/main.go and are not part of this struct, since
// they come from argv rather than the environment (spec.md §6).
type Config struct {
	// The minimum log level (e.g. trace, debug, info, warn, error).
	LogLevel zerolog.Level `env:"LOG_LEVEL=info"`

	// Whether to log to stdout.
	LogStdout bool `env:"LOG_STDOUT=true"`

	// Whether to use zerolog's pretty console writer for stdout.
	LogStdoutPretty bool `env:"LOG_STDOUT_PRETTY=true"`

	// The minimum log level for stdout.
	LogStdoutLevel zerolog.Level `env:"LOG_STDOUT_LEVEL=trace"`

	// The log file to write to, if any. Reopened (and gzip-rotated) on
	// SIGHUP.
	LogFile string `env:"LOG_FILE"`

	// The minimum log level for the log file.
	LogFileLevel zerolog.Level `env:"LOG_FILE_LEVEL=info"`

	// The permissions to apply to the log file after each (re)open.
	LogFileChmod fs.FileMode `env:"LOG_FILE_CHMOD"`

	// The owner to apply to the log file after each (re)open. Unix only.
	LogFileChown *UIDGID `env:"LOG_FILE_CHOWN"`

	// If set, serves /metrics and /debug/pprof/ on this address.
	MetricsAddr string `env:"METRICS_ADDR"`

	// How long the shutdown coordinator waits for each bounded drain step
	// before forcing it (spec.md §4.7).
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT=3s"`

	// The systemd notify socket, inherited from the environment if present.
	NotifySocket string `env:"NOTIFY_SOCKET"`
}

// Default returns a Config populated with default values, as if no
// environment variables were set.
func Default() Config {
	var c Config
	_ = c.UnmarshalEnv(nil)
	return c
}

// Load unmarshals os.Environ() into a Config. Unless LOG_LEVEL is set to a
// non-empty value, LogLevel is then taken from the DEBUG/QUIET/VERBOSE
// toggles (spec.md §6), so an explicit LOG_LEVEL always wins over them. If
// TUNNEL_ENV_FILE names a
// dotenv-style file, its variables are overlaid on top of the process
// environment, so a deployment can pin config without exporting it into the
// shell that launches the binary.
func Load() (Config, error) {
	es := os.Environ()

	if ef := os.Getenv("TUNNEL_ENV_FILE"); ef != "" {
		fileVars, err := readEnvFile(ef)
		if err != nil {
			return Config{}, fmt.Errorf("read TUNNEL_ENV_FILE %q: %w", ef, err)
		}
		es = append(es, fileVars...)
	}

	var c Config
	if err := c.UnmarshalEnv(es); err != nil {
		return Config{}, err
	}
	explicitLevel := false
	for _, e := range es {
		if v, ok := strings.CutPrefix(e, "LOG_LEVEL="); ok && v != "" {
			explicitLevel = true
		}
	}
	if !explicitLevel {
		c.LogLevel = levelFromVerbosityEnv(es)
	}
	return c, nil
}

func readEnvFile(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}

	es := make([]string, 0, len(m))
	for k, v := range m {
		es = append(es, k+"="+v)
	}
	return es, nil
}

func levelFromVerbosityEnv(es []string) zerolog.Level {
	get := func(k string) string {
		for _, e := range es {
			if v, ok := strings.CutPrefix(e, k+"="); ok {
				return v
			}
		}
		return ""
	}
	switch {
	case truthy(get("DEBUG")):
		return zerolog.DebugLevel
	case truthy(get("VERBOSE")):
		return zerolog.TraceLevel
	case truthy(get("QUIET")):
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// UnmarshalEnv unmarshals the env:"NAME=default" / env:"NAME?=default"
// struct tags of Config from es, setting defaults for anything absent.
// Unlike the teacher's version (which is handed a pre-filtered env list and
// rejects anything it doesn't recognise), this accepts a whole process
// environment and simply ignores variables it has no tag for — a tunnel
// process inherits an arbitrary shell environment, not a curated one.
func (c *Config) UnmarshalEnv(es []string) error {
	em := map[string]string{}
	for _, e := range es {
		if k, v, ok := strings.Cut(e, "="); ok {
			em[k] = v
		}
	}

	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		var unsettable bool
		key, val, _ := strings.Cut(env, "=")
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			unsettable = true
		}
		if v, exists := em[key]; exists {
			if unsettable || v != "" {
				val = v
			}
		}

		switch cvf := cv.FieldByName(ctf.Name); cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if v, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case time.Duration:
			if val == "" {
				cvf.Set(reflect.ValueOf(time.Duration(0)))
			} else if v, err := time.ParseDuration(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case zerolog.Level:
			if val == "" {
				cvf.Set(reflect.ValueOf(zerolog.InfoLevel))
			} else if v, err := zerolog.ParseLevel(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case fs.FileMode:
			if val == "" {
				cvf.Set(reflect.ValueOf(fs.FileMode(0)))
			} else if v, err := strconv.ParseUint(val, 8, 32); err == nil {
				cvf.Set(reflect.ValueOf(fs.FileMode(v)))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case *UIDGID:
			if val == "" {
				cvf.Set(reflect.ValueOf((*UIDGID)(nil)))
			} else if v, err := parseUIDGID(val); err == nil {
				cvf.Set(reflect.ValueOf(&v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		default:
			return fmt.Errorf("unhandled type %T (%s)", cvf.Interface(), env)
		}
	}
	return nil
}

func parseUIDGID(s string) (UIDGID, error) {
	var u UIDGID

	if runtime.GOOS == "windows" {
		return u, fmt.Errorf("not supported on windows")
	}
	if s == "" {
		return u, fmt.Errorf("must not be empty")
	}

	su, sg, hg := strings.Cut(s, ":")

	if su == "" && sg == "" {
		x, err := user.Current()
		if err != nil {
			return u, fmt.Errorf("get current user: %w", err)
		}
		uid, err := strconv.ParseInt(x.Uid, 10, 64)
		if err != nil {
			return u, fmt.Errorf("get current user: parse uid %q: %w", x.Uid, err)
		}
		gid, err := strconv.ParseInt(x.Gid, 10, 64)
		if err != nil {
			return u, fmt.Errorf("get current user: parse gid %q: %w", x.Gid, err)
		}
		return UIDGID{int(uid), int(gid)}, nil
	}

	if su != "" {
		if uid, err := strconv.ParseInt(su, 10, 64); err == nil {
			u[0] = int(uid)
		} else if x, err := user.Lookup(su); err != nil {
			return u, fmt.Errorf("get user: %w", err)
		} else if uid, err := strconv.ParseInt(x.Uid, 10, 64); err != nil {
			return u, fmt.Errorf("get user: parse uid %q: %w", x.Uid, err)
		} else {
			u[0] = int(uid)
			if !hg && sg == "" && x.Gid != "" {
				if gid, err := strconv.ParseInt(x.Gid, 10, 64); err == nil {
					u[1] = int(gid)
				}
			}
		}
	}
	if sg != "" {
		if gid, err := strconv.ParseInt(sg, 10, 64); err == nil {
			u[1] = int(gid)
		} else if g, err := user.LookupGroup(sg); err != nil {
			return u, fmt.Errorf("get group: %w", err)
		} else if gid, err := strconv.ParseInt(g.Gid, 10, 64); err != nil {
			return u, fmt.Errorf("get group: parse gid %q: %w", g.Gid, err)
		} else {
			u[1] = int(gid)
		}
	}
	return u, nil
}
