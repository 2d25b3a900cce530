// Package metrics exposes Prometheus collectors for the scoring engine.
// Exposition is left to the embedding service; the engine only registers
// and updates collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set bundles the engine's collectors.
type Set struct {
	SnapshotsTotal    *prometheus.CounterVec
	RecomputeDuration *prometheus.HistogramVec
	ActiveBlockers    *prometheus.GaugeVec
	ActionsTotal      *prometheus.CounterVec
	EvidenceTotal     *prometheus.CounterVec
	VerifiedLifts     prometheus.Counter
	SignalTotal       *prometheus.GaugeVec
}

// New creates and registers the collector set. Pass nil to register on the
// default registerer.
func New(reg prometheus.Registerer) *Set {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	s := &Set{
		SnapshotsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "godscore_snapshots_total",
				Help: "Score snapshots appended, by trigger",
			},
			[]string{"trigger"},
		),
		RecomputeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "godscore_recompute_duration_seconds",
				Help:    "Snapshot recomputation latency, by trigger",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"trigger"},
		),
		ActiveBlockers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "godscore_active_blockers",
				Help: "Blockers active on the latest snapshot, by severity",
			},
			[]string{"severity"},
		),
		ActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "godscore_actions_total",
				Help: "Action events accepted, by type and impact",
			},
			[]string{"type", "impact"},
		),
		EvidenceTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "godscore_evidence_total",
				Help: "Evidence artifacts accepted, by type",
			},
			[]string{"type"},
		),
		VerifiedLifts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "godscore_verified_lifts_total",
				Help: "Verified lifts executed",
			},
		),
		SignalTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "godscore_signal_total",
				Help: "Latest signal total per subject",
			},
			[]string{"subject"},
		),
	}

	reg.MustRegister(
		s.SnapshotsTotal, s.RecomputeDuration, s.ActiveBlockers,
		s.ActionsTotal, s.EvidenceTotal, s.VerifiedLifts, s.SignalTotal,
	)
	return s
}

// Nop returns an unregistered set, for tests and embedders that do not
// scrape.
func Nop() *Set {
	return New(prometheus.NewRegistry())
}
