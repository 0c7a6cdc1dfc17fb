// Package telemetry counts guardrail activity in prometheus metrics.
package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "runguard"

// Recorder owns a private registry so several managers in one process (or
// in tests) do not collide on the default one. A nil *Recorder records
// nothing.
type Recorder struct {
	reg *prometheus.Registry

	decisions *prometheus.CounterVec
	acquired  *prometheus.CounterVec
	released  *prometheus.CounterVec
	reclaimed prometheus.Counter
	liveSlots *prometheus.GaugeVec
	incidents *prometheus.CounterVec
}

// NewRecorder registers the runguard metrics on a fresh registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Admission decisions by run kind, deciding gate and outcome.",
		}, []string{"kind", "gate", "outcome"}),
		acquired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slots_acquired_total",
			Help:      "Run slots acquired.",
		}, []string{"kind"}),
		released: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slots_released_total",
			Help:      "Run slots released.",
		}, []string{"kind"}),
		reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slots_reclaimed_total",
			Help:      "Expired run slots removed by a sweep.",
		}),
		liveSlots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_slots",
			Help:      "Live slots observed at the last count, by kind.",
		}, []string{"kind"}),
		incidents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_total",
			Help:      "Incidents logged, by severity and whether they reached the store.",
		}, []string{"severity", "persisted"}),
	}
	r.reg.MustRegister(r.decisions, r.acquired, r.released, r.reclaimed, r.liveSlots, r.incidents)
	return r
}

// Registry exposes the underlying registry for gathering.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

// Decision counts one admission outcome. gate is empty for allows.
func (r *Recorder) Decision(kind, gate string, allowed bool) {
	if r == nil {
		return
	}
	outcome := "deny"
	if allowed {
		outcome = "allow"
		gate = "none"
	}
	r.decisions.WithLabelValues(kind, gate, outcome).Inc()
}

// LiveSlots sets the gauge for kind.
func (r *Recorder) LiveSlots(kind string, n int) {
	if r == nil {
		return
	}
	r.liveSlots.WithLabelValues(kind).Set(float64(n))
}

func (r *Recorder) SlotAcquired(kind string) {
	if r == nil {
		return
	}
	r.acquired.WithLabelValues(kind).Inc()
}

func (r *Recorder) SlotReleased(kind string) {
	if r == nil {
		return
	}
	r.released.WithLabelValues(kind).Inc()
}

func (r *Recorder) Reclaimed(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.reclaimed.Add(float64(n))
}

func (r *Recorder) Incident(severity string, persisted bool) {
	if r == nil {
		return
	}
	r.incidents.WithLabelValues(severity, strconv.FormatBool(persisted)).Inc()
}

// WriteTextfile writes all metrics in the node_exporter textfile format.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.reg)
}
