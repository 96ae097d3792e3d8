package mp

import (
	"math"
	"testing"
	"time"

	"github.com/mhernandezit/fabric-triage/internal/bgptypes"
	"go.uber.org/zap"
)

func bin(device string, n int, withdrawals int) bgptypes.FeatureBin {
	start := time.Unix(int64(n)*30, 0).UTC()
	return bgptypes.FeatureBin{
		DeviceID:         device,
		Start:            start,
		End:              start.Add(30 * time.Second),
		WithdrawalsTotal: withdrawals,
	}
}

func TestDetector_WarmupEmitsNothing(t *testing.T) {
	cfg := Config{WindowBins: 4, Threshold: 2.5}
	d := New(cfg, zap.NewNop())

	for i := 0; i < cfg.warmupLen()-1; i++ {
		if got := d.Update(bin("r1", i, 1)); got != nil {
			t.Fatalf("expected no anomaly during warmup, got one at step %d", i)
		}
	}
}

func TestDetector_ConstantSeriesNeverFlagged(t *testing.T) {
	cfg := Config{WindowBins: 4, Threshold: 2.5}
	d := New(cfg, zap.NewNop())

	for i := 0; i < cfg.ringCapacity()*2; i++ {
		if got := d.Update(bin("r1", i, 5)); got != nil {
			t.Fatalf("expected no anomaly on a constant series, got one at step %d: %+v", i, got)
		}
	}
}

func TestDetector_SpikeIsFlagged(t *testing.T) {
	// The z-normalized distance between a spiked window and a flat one is
	// at most sqrt(WindowBins), so the window must exceed 6.25 bins for a
	// discord to reach 2.5; 8 bins give sqrt(8) ~ 2.83.
	cfg := Config{WindowBins: 8, Threshold: 2.5}
	d := New(cfg, zap.NewNop())

	var anomaly *bgptypes.BGPAnomaly
	for i := 0; i < cfg.ringCapacity(); i++ {
		w := 1
		if i == cfg.ringCapacity()-1 {
			w = 500 // sharp spike on the most recent bin
		}
		if got := d.Update(bin("r1", i, w)); got != nil {
			anomaly = got
		}
	}
	if anomaly == nil {
		t.Fatal("expected an anomaly after the spike")
	}
	if anomaly.MinDistance < cfg.Threshold {
		t.Fatalf("expected min distance >= threshold, got %f", anomaly.MinDistance)
	}
	found := false
	for _, s := range anomaly.DetectedSeries {
		if s == bgptypes.SeriesWithdrawals {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected withdrawals series to be flagged, got %v", anomaly.DetectedSeries)
	}
}

func TestDetector_NonFiniteInputClampedAndCounted(t *testing.T) {
	cfg := Config{WindowBins: 4, Threshold: 2.5}
	d := New(cfg, zap.NewNop())

	for i := 0; i < cfg.warmupLen(); i++ {
		b := bin("r1", i, 1)
		b.ASPathChurn = 0.5
		d.Update(b)
	}

	nanBin := bin("r1", cfg.warmupLen(), 1)
	nanBin.ASPathChurn = math.NaN()

	// Must not panic; the NaN is clamped to the last valid churn value and
	// counted rather than propagated into the profile computation.
	d.Update(nanBin)
}
