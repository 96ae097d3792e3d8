// Package snmpfeat implements the SNMP Feature Extractor (§4.3): it turns
// raw SNMP samples into a fixed-schema feature vector per (device, interval).
package snmpfeat

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/mhernandezit/fabric-triage/internal/bgptypes"
	"github.com/mhernandezit/fabric-triage/internal/metrics"
)

// TrainingStats carries the per-feature mean used for imputation and the
// valid physical range used for clamping (§4.3). runServe loads it from the
// snmp_feature_stats table through store.FeatureStatsStore; the per-feature
// mean stored in the isolation forest model file is not used here.
type TrainingStats struct {
	Mean map[string]float64
	Min  map[string]float64
	Max  map[string]float64
}

// SchemaHash computes a stable hash over bgptypes.FeatureSchema, carried on
// every emitted vector so the Isolation Forest detector can reject mismatches
// (§4.3).
func SchemaHash() string {
	h := sha256.New()
	h.Write([]byte(strings.Join(bgptypes.FeatureSchema, "|")))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Config controls the sample window used to build one feature interval.
type Config struct {
	IntervalSeconds int // default 60
}

type window struct {
	start   time.Time
	samples []bgptypes.SNMPSample
}

// Extractor accumulates SNMP samples per device and emits one fixed-schema
// feature vector per completed interval.
type Extractor struct {
	cfg     Config
	stats   TrainingStats
	pending map[string]*window

	imputations int64
}

func New(cfg Config, stats TrainingStats) *Extractor {
	return &Extractor{cfg: cfg, stats: stats, pending: make(map[string]*window)}
}

func (e *Extractor) intervalStart(ts time.Time) time.Time {
	return ts.Truncate(time.Duration(e.cfg.IntervalSeconds) * time.Second)
}

// Ingest buffers one SNMP sample and returns a completed feature vector if
// the sample belongs to a new interval for its device, closing the prior one.
func (e *Extractor) Ingest(s bgptypes.SNMPSample) *bgptypes.SNMPFeatureVector {
	start := e.intervalStart(s.Time())
	w, ok := e.pending[s.Device]

	var closed *bgptypes.SNMPFeatureVector
	if ok && start.After(w.start) {
		closed = e.build(s.Device, w)
		delete(e.pending, s.Device)
		ok = false
	}

	if !ok {
		w = &window{start: start}
		e.pending[s.Device] = w
	}
	w.samples = append(w.samples, s)

	return closed
}

// Flush closes every pending interval, regardless of whether a newer sample
// has arrived. Used on a cadence tick so idle devices still produce vectors.
func (e *Extractor) Flush() []bgptypes.SNMPFeatureVector {
	var out []bgptypes.SNMPFeatureVector
	for device, w := range e.pending {
		if v := e.build(device, w); v != nil {
			out = append(out, *v)
		}
		delete(e.pending, device)
	}
	return out
}

func (e *Extractor) build(device string, w *window) *bgptypes.SNMPFeatureVector {
	values := make([]float64, len(bgptypes.FeatureSchema))

	byMetric := map[string][]float64{}
	for _, s := range w.samples {
		for k, v := range s.Metrics {
			byMetric[k] = append(byMetric[k], v)
		}
	}

	for i, name := range bgptypes.FeatureSchema {
		values[i] = e.computeFeature(name, byMetric)
	}

	return &bgptypes.SNMPFeatureVector{
		TS:         w.start,
		DeviceID:   device,
		Values:     values,
		SchemaHash: SchemaHash(),
	}
}

func (e *Extractor) computeFeature(name string, byMetric map[string][]float64) float64 {
	metric, agg := featureSource(name)
	samples, ok := byMetric[metric]
	if !ok || len(samples) == 0 {
		e.imputations++
		metrics.SNMPImputationsTotal.WithLabelValues(name).Inc()
		return e.stats.Mean[name]
	}

	var v float64
	switch agg {
	case "mean":
		v = mean(samples)
	case "max":
		v = max(samples)
	default:
		v = mean(samples)
	}

	return e.clamp(name, v)
}

// featureSource maps a schema feature name to its underlying SNMP metric
// name and the aggregation applied over the interval's samples (§4.3).
func featureSource(feature string) (metric, agg string) {
	switch feature {
	case "cpu_mean":
		return bgptypes.MetricCPUUtil, "mean"
	case "cpu_max":
		return bgptypes.MetricCPUUtil, "max"
	case "mem_mean":
		return bgptypes.MetricMemUtil, "mean"
	case "mem_max":
		return bgptypes.MetricMemUtil, "max"
	case "temp_mean":
		return bgptypes.MetricTemperatureC, "mean"
	case "temp_max":
		return bgptypes.MetricTemperatureC, "max"
	case "if_error_rate":
		return bgptypes.MetricIfErrorRate, "mean"
	case "if_utilization":
		return bgptypes.MetricIfUtilization, "mean"
	default:
		return feature, "mean"
	}
}

func (e *Extractor) clamp(name string, v float64) float64 {
	if lo, ok := e.stats.Min[name]; ok && v < lo {
		return lo
	}
	if hi, ok := e.stats.Max[name]; ok && v > hi {
		return hi
	}
	return v
}

func mean(vs []float64) float64 {
	sum := 0.0
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

func max(vs []float64) float64 {
	sorted := append([]float64(nil), vs...)
	sort.Float64s(sorted)
	return sorted[len(sorted)-1]
}

// Imputations returns the count of feature values imputed from the training
// mean due to a missing metric in the interval (§4.3).
func (e *Extractor) Imputations() int64 {
	return e.imputations
}
