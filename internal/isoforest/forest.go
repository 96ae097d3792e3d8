// Package isoforest implements the Isolation Forest anomaly detector over
// SNMP feature vectors (§4.4). The tree shape is grounded on the isolation
// forest used by the failure predictor in the retrieved pack (a TreeNode
// split on one feature/threshold, with leaves holding subtree size for path
// length normalization).
package isoforest

import (
	"fmt"
	"math"
	"sort"

	"github.com/mhernandezit/fabric-triage/internal/bgptypes"
	"github.com/mhernandezit/fabric-triage/internal/metrics"
)

// TreeNode is one node of an isolation tree: an internal split node has
// Left/Right set; a leaf has Size set to the number of training points that
// landed there.
type TreeNode struct {
	Feature   int
	Threshold float64
	Left      *TreeNode
	Right     *TreeNode
	Size      int
}

// Tree is a single isolation tree.
type Tree struct {
	Root     *TreeNode
	MaxDepth int
}

// Model is a pre-trained forest plus the calibration metadata carried in the
// serialized model file (§4.4, §6 "Model file").
type Model struct {
	Trees         []*Tree
	SchemaHash    string
	FeatureMeans  []float64
	FeatureStds   []float64
	Threshold     float64 // τ_if, calibrated to a contamination rate
	SubsampleSize int     // n used at training time, for c(n) normalization
}

// Blob is the on-disk/wire shape of a serialized model (§6 "Model file").
type Blob struct {
	SchemaHash    string      `json:"schema_hash"`
	FeatureNames  []string    `json:"feature_names"`
	FeatureMean   []float64   `json:"per_feature_mean"`
	FeatureStd    []float64   `json:"per_feature_std"`
	Threshold     float64     `json:"threshold"`
	SubsampleSize int         `json:"subsample_size"`
	Trees         []*treeBlob `json:"trees"`
}

type treeBlob struct {
	Root *nodeBlob `json:"root"`
}

type nodeBlob struct {
	Feature   int       `json:"feature"`
	Threshold float64   `json:"threshold"`
	Left      *nodeBlob `json:"left,omitempty"`
	Right     *nodeBlob `json:"right,omitempty"`
	Size      int       `json:"size,omitempty"`
}

// Detector scores SNMP feature vectors against a loaded Model (§4.4).
type Detector struct {
	model *Model
}

// NewDetector constructs an empty detector. Predictions are skipped until
// Load succeeds, matching §4.4 "Model not loaded causes predictions to be
// skipped; the correlator can still fire on BGP-only events."
func NewDetector() *Detector {
	return &Detector{}
}

// Load installs a forest of isolation trees and calibration metadata from a
// deserialized Blob (§4.4 `load(model_blob)`).
func (d *Detector) Load(b Blob) error {
	if len(b.FeatureNames) != len(bgptypes.FeatureSchema) {
		return fmt.Errorf("isoforest: model feature schema length %d does not match runtime schema length %d",
			len(b.FeatureNames), len(bgptypes.FeatureSchema))
	}
	trees := make([]*Tree, 0, len(b.Trees))
	for _, tb := range b.Trees {
		trees = append(trees, &Tree{Root: fromBlob(tb.Root)})
	}
	d.model = &Model{
		Trees:         trees,
		SchemaHash:    b.SchemaHash,
		FeatureMeans:  b.FeatureMean,
		FeatureStds:   b.FeatureStd,
		Threshold:     b.Threshold,
		SubsampleSize: b.SubsampleSize,
	}
	return nil
}

// Loaded reports whether a model has been installed.
func (d *Detector) Loaded() bool {
	return d.model != nil
}

func fromBlob(n *nodeBlob) *TreeNode {
	if n == nil {
		return nil
	}
	return &TreeNode{
		Feature:   n.Feature,
		Threshold: n.Threshold,
		Left:      fromBlob(n.Left),
		Right:     fromBlob(n.Right),
		Size:      n.Size,
	}
}

// averagePathLength is c(n): the expected path length of an unsuccessful
// search in a binary search tree of n points (§4.4).
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	return 2*harmonic(n-1) - 2*float64(n-1)/float64(n)
}

func harmonic(n int) float64 {
	// H(n) ≈ ln(n) + euler-mascheroni, standard isolation-forest approximation.
	const eulerMascheroni = 0.5772156649
	return math.Log(float64(n)) + eulerMascheroni
}

func pathLength(root *TreeNode, x []float64, depth int) float64 {
	if root == nil {
		return float64(depth)
	}
	if root.Left == nil && root.Right == nil {
		return float64(depth) + averagePathLength(root.Size)
	}
	if x[root.Feature] < root.Threshold {
		return pathLength(root.Left, x, depth+1)
	}
	return pathLength(root.Right, x, depth+1)
}

// Predict scores vector against the loaded forest and returns an SNMPAnomaly
// if the score is at or above τ_if (§4.4). Returns nil, not an error, when
// no model is loaded or the vector's schema hash doesn't match — both are
// local conditions; only the schema mismatch increments a counter (§7 error
// kind 5, §4.4).
func (d *Detector) Predict(vec bgptypes.SNMPFeatureVector) *bgptypes.SNMPAnomaly {
	if d.model == nil {
		return nil
	}
	if vec.SchemaHash != d.model.SchemaHash {
		metrics.SNMPSchemaMismatchTotal.Inc()
		return nil
	}
	if len(d.model.Trees) == 0 {
		return nil
	}

	sumDepth := 0.0
	for _, t := range d.model.Trees {
		sumDepth += pathLength(t.Root, vec.Values, 0)
	}
	avgDepth := sumDepth / float64(len(d.model.Trees))

	cn := averagePathLength(d.model.SubsampleSize)
	if cn == 0 {
		cn = averagePathLength(256) // reasonable default subsample size
	}

	score := math.Pow(2, -avgDepth/cn)
	if score < d.model.Threshold {
		return nil
	}

	severity := severityFor(score, d.model.Threshold)
	if severity == "" {
		return nil
	}

	contributing := topContributingFeatures(vec.Values, d.model.FeatureMeans, d.model.FeatureStds, 5)

	metrics.SNMPAnomaliesTotal.WithLabelValues(string(severity)).Inc()

	return &bgptypes.SNMPAnomaly{
		TS:                   vec.TS,
		DeviceID:             vec.DeviceID,
		Confidence:           clip01(score),
		Severity:             severity,
		ContributingFeatures: contributing,
		Score:                score,
	}
}

// severityFor implements the deterministic bucket mapping (§4.4):
// critical >= τ+0.15, error >= τ+0.07, warning >= τ, else suppressed.
func severityFor(score, threshold float64) bgptypes.Severity {
	switch {
	case score >= threshold+0.15:
		return bgptypes.SeverityCritical
	case score >= threshold+0.07:
		return bgptypes.SeverityError
	case score >= threshold:
		return bgptypes.SeverityWarning
	default:
		return ""
	}
}

type featureZ struct {
	name string
	z    float64
}

// topContributingFeatures returns up to k feature names by |z-score| under
// the per-feature training mean/stdev (§4.4).
func topContributingFeatures(values, means, stds []float64, k int) []string {
	n := len(bgptypes.FeatureSchema)
	zs := make([]featureZ, 0, n)
	for i := 0; i < n && i < len(values); i++ {
		std := 1.0
		if i < len(stds) && stds[i] != 0 {
			std = stds[i]
		}
		mean := 0.0
		if i < len(means) {
			mean = means[i]
		}
		z := (values[i] - mean) / std
		zs = append(zs, featureZ{name: bgptypes.FeatureSchema[i], z: math.Abs(z)})
	}
	sort.Slice(zs, func(i, j int) bool { return zs[i].z > zs[j].z })
	if k > len(zs) {
		k = len(zs)
	}
	out := make([]string, k)
	for i := 0; i < k; i++ {
		out[i] = zs[i].name
	}
	return out
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
