// Package metrics declares the Prometheus instruments the fabric-triage
// core exposes, following the teacher's convention of package-level
// instrument vars plus a single Register() called once from main.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	BGPLagDropsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fabrictriage_bgp_lag_drops_total",
			Help: "BGP updates dropped for exceeding max_bin_lag (§4.1, §7).",
		},
	)

	MPComputeErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fabrictriage_mp_compute_errors_total",
			Help: "Non-finite matrix profile input values clamped before computation (§4.2, §7).",
		},
	)

	SNMPImputationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabrictriage_snmp_imputations_total",
			Help: "SNMP feature values imputed to the per-feature training mean (§4.3).",
		},
		[]string{"feature"},
	)

	SNMPSchemaMismatchTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fabrictriage_snmp_schema_mismatch_total",
			Help: "SNMPFeatureVectors rejected for schema hash mismatch (§4.3, §4.4, §7).",
		},
	)

	MalformedRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabrictriage_malformed_records_total",
			Help: "Ingress records dropped for a decode error, by stream (§7 error kind 4).",
		},
		[]string{"stream"},
	)

	TopologyUnknownDeviceTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fabrictriage_topology_unknown_device_total",
			Help: "Anomalies enriched against a device missing from the topology (§4.5, §7).",
		},
	)

	AlertsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabrictriage_alerts_emitted_total",
			Help: "EnrichedAlerts newly stored and handed to the publisher, by kind, priority and join kind.",
		},
		[]string{"kind", "priority", "join_kind"},
	)

	AlertsSuppressedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabrictriage_alerts_suppressed_total",
			Help: "Anomalies suppressed by dedup/cooldown, not counted as errors (§4.5, §7).",
		},
		[]string{"reason"},
	)

	BGPAnomaliesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fabrictriage_bgp_anomalies_total",
			Help: "BGPAnomalies emitted by the matrix profile detector.",
		},
	)

	SNMPAnomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabrictriage_snmp_anomalies_total",
			Help: "SNMPAnomalies emitted by the isolation forest detector, by severity.",
		},
		[]string{"severity"},
	)

	CorrelatorQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fabrictriage_correlator_queue_depth",
			Help: "Buffered anomaly channel depth feeding the correlator, by modality.",
		},
		[]string{"modality"},
	)

	TransportPublishDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fabrictriage_transport_publish_duration_seconds",
			Help:    "Alert publish latency to the transport.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
	)

	TransportReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fabrictriage_transport_reconnects_total",
			Help: "Alert publish retry attempts during backoff (§7 error kind 3).",
		},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fabrictriage_db_write_duration_seconds",
			Help:    "Alert store write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)
)

var registerOnce sync.Once

// Register registers every instrument above with the default Prometheus
// registry. Safe to call more than once; only the first call registers.
func Register() {
	registerOnce.Do(doRegister)
}

func doRegister() {
	prometheus.MustRegister(
		BGPLagDropsTotal,
		MPComputeErrorsTotal,
		SNMPImputationsTotal,
		SNMPSchemaMismatchTotal,
		MalformedRecordsTotal,
		TopologyUnknownDeviceTotal,
		AlertsEmittedTotal,
		AlertsSuppressedTotal,
		BGPAnomaliesTotal,
		SNMPAnomaliesTotal,
		CorrelatorQueueDepth,
		TransportPublishDuration,
		TransportReconnectsTotal,
		DBWriteDuration,
	)
}
