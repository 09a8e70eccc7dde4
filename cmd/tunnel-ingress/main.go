// Command tunnel-ingress accepts TCP connections on a set of statically
// mapped local ports and tunnels them over a UART to a tunnel-egress
// process on the other end of the serial link.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.bug.st/serial"
	"golang.org/x/mod/semver"

	"github.com/KnownRock/tcp-uart-bridge/pkg/tunnel"
	"github.com/KnownRock/tcp-uart-bridge/pkg/tunnelcfg"
	"github.com/KnownRock/tcp-uart-bridge/pkg/tunnelmetrics"
)

// version is set via -ldflags "-X main.version=vX.Y.Z" at build time.
var version = "(dev)"

var opt struct {
	Help    bool
	Version bool
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
	pflag.BoolVar(&opt.Version, "version", false, "Print the version and exit")
}

func main() {
	pflag.Parse()

	if opt.Version {
		if version != "(dev)" && !semver.IsValid(version) {
			fmt.Fprintf(os.Stderr, "warning: version %q is not a valid semver tag\n", version)
		}
		fmt.Println(version)
		os.Exit(0)
	}

	if opt.Help || pflag.NArg() > 4 {
		fmt.Printf("usage: %s [options] [device] [baud] [flow_control] [mapping_file]\n\noptions:\n%s\n", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	device := argOr(0, "COM1")
	baud := atoiOr(argOr(1, "115200"), 115200)
	flowControl := argOr(2, "true") != "false"
	mappingFile := argOr(3, "port-mapping.json")

	cfg, err := tunnelcfg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(1)
	}

	logging, err := tunnel.NewLogging(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: initialize logging: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Logger
	defer logging.Close()

	mappings, usedDefault, err := tunnelcfg.LoadMappings(mappingFile)
	if err != nil {
		logger.Fatal().Err(err).Str("file", mappingFile).Msg("failed to load port mapping file")
	}
	if usedDefault {
		logger.Warn().Str("file", mappingFile).Msg("port mapping file missing, falling back to built-in default mapping")
	}

	port, err := serial.Open(device, &serial.Mode{BaudRate: baud})
	if err != nil {
		logger.Fatal().Err(err).Str("device", device).Msg("failed to open uart")
	}
	if !flowControl {
		logger.Debug().Msg("flow_control=false: go.bug.st/serial does not expose hardware RTS/CTS in its portable Mode, so the setting does not change how the port is opened")
	}

	metrics := tunnelmetrics.New("tunnel_ingress")
	tunnel.StartDebugServer(cfg.MetricsAddr, metrics, logger)

	side := tunnel.NewSide(logger, metrics, port, cfg.NotifySocket, cfg.ShutdownTimeout)
	ingress := tunnel.NewIngress(side, mappings)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hch := make(chan os.Signal, 1)
	signal.Notify(hch, syscall.SIGHUP)
	go func() {
		for range hch {
			if err := logging.Reopen(); err != nil {
				logger.Warn().Err(err).Msg("failed to reopen log file")
			}
		}
	}()

	logger.Info().Str("device", device).Int("baud", baud).Bool("flow_control", flowControl).Msg("opened uart, starting ingress")
	code := ingress.Run(ctx)
	time.Sleep(10 * time.Millisecond) // let the final log lines flush before exit
	os.Exit(code)
}

func argOr(i int, def string) string {
	if i < pflag.NArg() {
		return pflag.Arg(i)
	}
	return def
}

func atoiOr(s string, def int) int {
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	return def
}
