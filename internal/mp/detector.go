// Package mp implements the streaming Matrix Profile anomaly detector over
// per-bin BGP feature series (§4.2).
package mp

import (
	"math"

	"github.com/mhernandezit/fabric-triage/internal/bgptypes"
	"github.com/mhernandezit/fabric-triage/internal/metrics"
	"go.uber.org/zap"
)

// Config mirrors the thresholds block of §6.
type Config struct {
	WindowBins int     // W, default 64
	Threshold  float64 // τ_mp, default 2.5
}

func (c Config) ringCapacity() int {
	return c.WindowBins * 3 // L = window_bins × 3, default 192
}

func (c Config) warmupLen() int {
	return 2 * c.WindowBins // default 128
}

type deviceSeries struct {
	rings map[bgptypes.Series]*ring
}

// Detector holds a per-(device, series) ring buffer and flags discords above
// τ_mp on every new bin (§4.2). It is single-owner, single-goroutine state.
type Detector struct {
	cfg    Config
	logger *zap.Logger
	byDev  map[string]*deviceSeries
}

// New constructs a Detector. logger should already be named (e.g.
// logger.Named("bgp.mp")).
func New(cfg Config, logger *zap.Logger) *Detector {
	return &Detector{cfg: cfg, logger: logger, byDev: make(map[string]*deviceSeries)}
}

// Update ingests one FeatureBin and returns a BGPAnomaly if any monitored
// series produces a discord above threshold this step (§4.2).
func (d *Detector) Update(bin bgptypes.FeatureBin) *bgptypes.BGPAnomaly {
	ds, ok := d.byDev[bin.DeviceID]
	if !ok {
		ds = &deviceSeries{rings: make(map[bgptypes.Series]*ring)}
		d.byDev[bin.DeviceID] = ds
	}

	distances := make(map[bgptypes.Series]float64, len(bgptypes.AllSeries))
	var flagged []bgptypes.Series
	var minReady = true

	for _, s := range bgptypes.AllSeries {
		r, ok := ds.rings[s]
		if !ok {
			r = newRing(d.cfg.ringCapacity())
			ds.rings[s] = r
		}
		v := s.Value(bin)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			// Clamp to the last valid value (the ring's most recent sample),
			// or zero if none yet, and count (§4.2, §7 error kind 6).
			metrics.MPComputeErrorsTotal.Inc()
			snap := r.snapshot()
			if len(snap) > 0 {
				v = snap[len(snap)-1]
			} else {
				v = 0
			}
		}
		r.push(v)

		if r.size() < d.cfg.warmupLen() {
			minReady = false
			continue
		}

		data := r.snapshot()
		p := profile(data, d.cfg.WindowBins)
		if len(p) == 0 {
			continue
		}
		maxDist := 0.0
		for _, v := range p {
			if v > maxDist {
				maxDist = v
			}
		}
		distances[s] = maxDist
		if maxDist >= d.cfg.Threshold {
			flagged = append(flagged, s)
		}
	}

	if !minReady || len(flagged) == 0 {
		return nil
	}

	// confidence = min(1, max_s((min_dist_s - τ_mp) / τ_mp + 0.5)), clipped
	// to [0,1] (§4.2). min_dist_s here is each series' own discord score
	// (the max profile value for that series).
	minDist := 0.0
	confidence := 0.0
	for _, dist := range distances {
		if dist > minDist {
			minDist = dist
		}
		c := (dist-d.cfg.Threshold)/d.cfg.Threshold + 0.5
		if c > confidence {
			confidence = c
		}
	}
	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0 {
		confidence = 0
	}

	metrics.BGPAnomaliesTotal.Inc()

	return &bgptypes.BGPAnomaly{
		TS:              bin.End,
		DeviceID:        bin.DeviceID,
		Confidence:      confidence,
		DetectedSeries:  flagged,
		MinDistance:     minDist,
		SeriesDistances: distances,
	}
}
