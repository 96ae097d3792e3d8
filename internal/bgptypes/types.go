// Package bgptypes holds the record shapes shared across the BGP and SNMP
// detection pipelines: decoded input records, the feature representations
// derived from them, and the anomaly/alert records emitted downstream.
package bgptypes

import "time"

// MessageKind is the closed set of BGP update message kinds (§6).
type MessageKind string

const (
	MessageUpdate       MessageKind = "UPDATE"
	MessageWithdraw     MessageKind = "WITHDRAW"
	MessageNotification MessageKind = "NOTIFICATION"
	MessageKeepalive    MessageKind = "KEEPALIVE"
)

// BGPUpdate is one already-decoded BGP update record as delivered by the
// transport (§3, §6). Timestamps are epoch milliseconds, non-decreasing per
// peer; announce/withdraw prefix sets are disjoint within one update.
type BGPUpdate struct {
	TS        int64       `json:"ts"`
	Peer      string      `json:"peer"`
	Type      MessageKind `json:"type"`
	Announce  []string    `json:"announce"`
	Withdraw  []string    `json:"withdraw"`
	ASPath    []int32     `json:"as_path"`
	NextHop   string      `json:"next_hop"`
	DeviceID  string      `json:"-"` // set to Peer by the BGP subscriber at decode time
}

// Time returns the update timestamp as a time.Time in UTC.
func (u BGPUpdate) Time() time.Time {
	return time.UnixMilli(u.TS).UTC()
}

// FeatureBin is one fixed-length time bin of aggregated BGP activity for a
// single device (§3, §4.1).
type FeatureBin struct {
	DeviceID          string
	Start             time.Time
	End               time.Time
	WithdrawalsTotal  int
	AnnouncementsTotal int
	ASPathChurn       float64 // unique AS-path strings / update count, in [0,1]
	PeerCount         int
}

// Series is a monitored scalar feature series name on a FeatureBin.
type Series string

const (
	SeriesWithdrawals    Series = "withdrawals"
	SeriesAnnouncements  Series = "announcements"
	SeriesChurn          Series = "churn"
)

// AllSeries lists every monitored BGP feature series, in a fixed order so
// evidence and distance slices line up deterministically across calls.
var AllSeries = []Series{SeriesWithdrawals, SeriesAnnouncements, SeriesChurn}

// Value extracts the scalar value of a series from a bin.
func (s Series) Value(b FeatureBin) float64 {
	switch s {
	case SeriesWithdrawals:
		return float64(b.WithdrawalsTotal)
	case SeriesAnnouncements:
		return float64(b.AnnouncementsTotal)
	case SeriesChurn:
		return b.ASPathChurn
	default:
		return 0
	}
}

// BGPAnomaly is a discord-based anomaly signal emitted by the Matrix Profile
// detector (§3, §4.2).
type BGPAnomaly struct {
	TS               time.Time
	DeviceID         string
	Confidence       float64
	DetectedSeries   []Series
	MinDistance      float64
	SeriesDistances  map[Series]float64
}

// SNMPSample is one raw SNMP measurement for a device (§3, §6).
type SNMPSample struct {
	TS       int64              `json:"ts"`
	Device   string             `json:"device"`
	Metrics  map[string]float64 `json:"metrics"`
}

// Time returns the sample timestamp as a time.Time in UTC.
func (s SNMPSample) Time() time.Time {
	return time.UnixMilli(s.TS).UTC()
}

// Recognized SNMP metric names, in the fixed schema order the Isolation
// Forest was trained on (§4.3).
const (
	MetricCPUUtil       = "cpu_util"
	MetricMemUtil       = "mem_util"
	MetricTemperatureC  = "temperature_c"
	MetricIfErrorRate   = "if_error_rate"
	MetricIfUtilization = "if_utilization"
)

// FeatureSchema is the ordered list of feature names an SNMPFeatureVector
// carries. Index order is significant: it must match the order the
// Isolation Forest model was trained on.
var FeatureSchema = []string{
	"cpu_mean", "cpu_max",
	"mem_mean", "mem_max",
	"temp_mean", "temp_max",
	"if_error_rate", "if_utilization",
}

// SNMPFeatureVector is a fixed-length feature vector for one device over one
// sample interval (§3, §4.3). SchemaHash must match the model's schema hash
// or the Isolation Forest detector rejects the vector.
type SNMPFeatureVector struct {
	TS         time.Time
	DeviceID   string
	Values     []float64
	SchemaHash string
}

// Severity is the closed set of SNMP/alert severities (§3).
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// SNMPAnomaly is an outlier signal emitted by the Isolation Forest detector
// (§3, §4.4).
type SNMPAnomaly struct {
	TS                  time.Time
	DeviceID            string
	Confidence          float64
	Severity            Severity
	ContributingFeatures []string
	Score               float64
}

// JoinKind classifies how a CorrelatedEvent's source anomalies were joined
// (§3, §4.5).
type JoinKind string

const (
	JoinBGPOnly     JoinKind = "bgp_only"
	JoinSNMPOnly    JoinKind = "snmp_only"
	JoinMultimodal  JoinKind = "multimodal"
)

// CorrelatedEvent is the ephemeral join of one or two source anomalies for a
// device within the correlation window (§3, §4.5).
type CorrelatedEvent struct {
	DeviceID    string
	JoinKind    JoinKind
	Strength    float64
	WindowStart time.Time
	WindowEnd   time.Time
	BGP         *BGPAnomaly
	SNMP        *SNMPAnomaly
}

// Priority is the closed set of alert priorities (§3, §4.5).
type Priority string

const (
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
	PriorityP4 Priority = "P4"
)

// FailureKind is the deterministic classification of a correlated event's
// probable root cause (§4.5).
type FailureKind string

const (
	KindLinkFailure         FailureKind = "link_failure"
	KindHardwareDegradation FailureKind = "hardware_degradation"
	KindBGPFlapping         FailureKind = "bgp_flapping"
	KindRouterOverload      FailureKind = "router_overload"
	KindUnclassified        FailureKind = "unclassified_anomaly"
)

// Triage is the topology-derived enrichment attached to an alert (§3, §4.6).
type Triage struct {
	Device        string
	Role          string
	BlastRadius   int
	AffectedLayers []string
	SPOF          bool
	Redundancy    string
}

// EnrichedAlert is the single published output of the correlator (§3, §6).
// Every required field must be populated — a partially-enriched alert is
// never emitted (§7).
type EnrichedAlert struct {
	AlertID              string
	TS                   time.Time
	Kind                 FailureKind
	Severity             Severity
	Priority             Priority
	Confidence           float64
	Correlated           CorrelatedEvent
	Triage               Triage
	ProbableRootCause    string
	Evidence             []string
	RecommendedActions   []string
	EstimatedResolution  string
}
