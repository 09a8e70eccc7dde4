// Package tunnelmetrics wires tunnel-side counters into a VictoriaMetrics
// metrics.Set, following the shape of the teacher's api0.apiMetrics: a
// nested struct of *metrics.Counter fields, populated once, then checked for
// stray nil fields via a reflect walk.
package tunnelmetrics

import (
	"fmt"
	"io"
	"reflect"
	"sync"

	"github.com/VictoriaMetrics/metrics"

	"github.com/KnownRock/tcp-uart-bridge/pkg/frame"
	"github.com/KnownRock/tcp-uart-bridge/pkg/metricsx"
)

// Metrics holds every counter/histogram a tunnel side exposes.
type Metrics struct {
	set *metrics.Set

	framesTotal struct {
		data, disconnect, programclose, unknown *metrics.Counter
	}
	frameBytesTotal struct {
		rx, tx *metrics.Counter
	}
	sessionsOpenedTotal   func(label string) *metrics.Counter
	sessionsClosedTotal   struct {
		localClose, peerDisconnect *metrics.Counter
	}
	dialFailuresTotal *metrics.Counter
	shutdownTotal     struct {
		local, remote *metrics.Counter
	}

	once sync.Once
}

// New creates a Metrics registered under prefix (e.g. "tunnel_ingress" or
// "tunnel_egress") in a fresh metrics.Set.
func New(prefix string) *Metrics {
	m := &Metrics{set: metrics.NewSet()}
	m.once.Do(func() {
		m.framesTotal.data = m.set.NewCounter(fmt.Sprintf(`%s_frames_total{cmd="data"}`, prefix))
		m.framesTotal.disconnect = m.set.NewCounter(fmt.Sprintf(`%s_frames_total{cmd="disconnect"}`, prefix))
		m.framesTotal.programclose = m.set.NewCounter(fmt.Sprintf(`%s_frames_total{cmd="programclose"}`, prefix))
		m.framesTotal.unknown = m.set.NewCounter(fmt.Sprintf(`%s_frames_total{cmd="unknown"}`, prefix))

		m.frameBytesTotal.rx = m.set.NewCounter(fmt.Sprintf(`%s_frame_bytes_total{direction="rx"}`, prefix))
		m.frameBytesTotal.tx = m.set.NewCounter(fmt.Sprintf(`%s_frame_bytes_total{direction="tx"}`, prefix))

		base, arg := metricsx.SplitName(fmt.Sprintf(`%s_sessions_opened_total`, prefix))
		m.sessionsOpenedTotal = func(label string) *metrics.Counter {
			return m.set.GetOrCreateCounter(metricsx.FormatName(base, arg, "label", label))
		}

		m.sessionsClosedTotal.localClose = m.set.NewCounter(fmt.Sprintf(`%s_sessions_closed_total{reason="local_close"}`, prefix))
		m.sessionsClosedTotal.peerDisconnect = m.set.NewCounter(fmt.Sprintf(`%s_sessions_closed_total{reason="peer_disconnect"}`, prefix))

		m.dialFailuresTotal = m.set.NewCounter(fmt.Sprintf(`%s_dial_failures_total`, prefix))

		m.shutdownTotal.local = m.set.NewCounter(fmt.Sprintf(`%s_shutdown_total{initiator="local"}`, prefix))
		m.shutdownTotal.remote = m.set.NewCounter(fmt.Sprintf(`%s_shutdown_total{initiator="remote"}`, prefix))
	})

	var chk func(v reflect.Value, name string)
	chk = func(v reflect.Value, name string) {
		switch v.Kind() {
		case reflect.Struct:
			for i := 0; i < v.NumField(); i++ {
				chk(v.Field(i), name+"."+v.Type().Field(i).Name)
			}
		case reflect.Pointer, reflect.Func:
			if v.IsNil() {
				panic(fmt.Errorf("tunnelmetrics: unexpected nil %q", name))
			}
		}
	}
	chk(reflect.ValueOf(*m), "Metrics")

	return m
}

// IncFrame records a decoded frame of the given cmd and its wire byte count
// (header + payload) in the given direction ("rx" or "tx").
func (m *Metrics) IncFrame(cmd frame.Cmd, wireBytes int, rx bool) {
	switch cmd {
	case frame.CmdData:
		m.framesTotal.data.Inc()
	case frame.CmdDisconnect:
		m.framesTotal.disconnect.Inc()
	case frame.CmdProgramClose:
		m.framesTotal.programclose.Inc()
	default:
		m.framesTotal.unknown.Inc()
	}
	if rx {
		m.frameBytesTotal.rx.Add(wireBytes)
	} else {
		m.frameBytesTotal.tx.Add(wireBytes)
	}
}

// IncSessionOpened records a newly opened session, labelled by local port
// (ingress) or target host:port address (egress).
func (m *Metrics) IncSessionOpened(label string) {
	m.sessionsOpenedTotal(label).Inc()
}

// IncSessionClosed records a session teardown, by which side noticed first.
func (m *Metrics) IncSessionClosed(peerInitiated bool) {
	if peerInitiated {
		m.sessionsClosedTotal.peerDisconnect.Inc()
	} else {
		m.sessionsClosedTotal.localClose.Inc()
	}
}

// IncDialFailure records an egress dial failure.
func (m *Metrics) IncDialFailure() {
	m.dialFailuresTotal.Inc()
}

// IncShutdown records a shutdown sequence, by who initiated it.
func (m *Metrics) IncShutdown(local bool) {
	if local {
		m.shutdownTotal.local.Inc()
	} else {
		m.shutdownTotal.remote.Inc()
	}
}

// WritePrometheus writes every metric in Prometheus text exposition format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}
