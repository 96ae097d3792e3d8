package mp

import "math"

// profile computes the matrix profile of data for subsequence length w: for
// each subsequence i, the z-normalized Euclidean distance to its nearest
// non-self neighbor under an exclusion zone of ceil(w/2) on either side
// (§4.2). Constant (zero-variance) subsequences yield a zero distance.
//
// Ties in nearest-neighbor distance are broken by lower index — since we
// scan candidate indices in increasing order and only replace the current
// best on a strictly smaller distance, the first (lowest-index) minimum
// found wins.
func profile(data []float64, w int) []float64 {
	n := len(data) - w + 1
	if n <= 0 {
		return nil
	}

	stats := subsequenceStats(data, w)
	exclusion := (w + 1) / 2 // ceil(w/2)

	out := make([]float64, n)
	for i := 0; i < n; i++ {
		best := math.Inf(1)
		for j := 0; j < n; j++ {
			if absInt(i-j) <= exclusion {
				continue // self-match exclusion zone
			}
			d := zNormDistance(data, i, j, w, stats[i], stats[j])
			if d < best {
				best = d
			}
		}
		if math.IsInf(best, 1) {
			best = 0
		}
		out[i] = best
	}
	return out
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

type subStats struct {
	mean, std float64
}

func subsequenceStats(data []float64, w int) []subStats {
	n := len(data) - w + 1
	stats := make([]subStats, n)
	for i := 0; i < n; i++ {
		sum := 0.0
		for k := 0; k < w; k++ {
			sum += data[i+k]
		}
		mean := sum / float64(w)
		var variance float64
		for k := 0; k < w; k++ {
			d := data[i+k] - mean
			variance += d * d
		}
		variance /= float64(w)
		stats[i] = subStats{mean: mean, std: math.Sqrt(variance)}
	}
	return stats
}

// zNormDistance computes the z-normalized Euclidean distance between the
// subsequence starting at i and the one starting at j, both of length w.
// A subsequence with zero variance is treated as the zero vector after
// normalization, so two constant subsequences are distance zero from each
// other, and a constant subsequence is never flagged as a discord (§4.2
// "Constant series ... yield zero distance and are never flagged").
func zNormDistance(data []float64, i, j, w int, si, sj subStats) float64 {
	sum := 0.0
	for k := 0; k < w; k++ {
		a := normalize(data[i+k], si)
		b := normalize(data[j+k], sj)
		d := a - b
		sum += d * d
	}
	return math.Sqrt(sum)
}

func normalize(v float64, s subStats) float64 {
	if s.std == 0 {
		return 0
	}
	return (v - s.mean) / s.std
}
