package tunnel

import (
	"net/http"
	"net/http/pprof"

	"github.com/rs/zerolog"

	"github.com/KnownRock/tcp-uart-bridge/pkg/tunnelmetrics"
)

// StartDebugServer serves /metrics and net/http/pprof on addr in the
// background, mirroring the combination cmd/atlas/main.go wires into its
// INSECURE_DEBUG_SERVER_ADDR debug mux (spec.md's metrics expansion).
func StartDebugServer(addr string, m *tunnelmetrics.Metrics, logger zerolog.Logger) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		m.WritePrometheus(w)
	})
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	go func() {
		logger.Warn().Str("addr", addr).Msg("running insecure debug server")
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Warn().Err(err).Msg("debug server failed")
		}
	}()
}
