// Package correlate implements the Correlator (§4.5): it joins BGP and SNMP
// anomalies into a small number of well-explained EnrichedAlerts, running a
// per-device state machine (Idle -> Armed -> Confirmed/Emitted -> Cooldown).
package correlate

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mhernandezit/fabric-triage/internal/bgptypes"
	"github.com/mhernandezit/fabric-triage/internal/metrics"
	"github.com/mhernandezit/fabric-triage/internal/topology"
)

// Config mirrors the thresholds block of §6 plus the correlator-specific
// knobs of §4.5.
type Config struct {
	CorrelationWindowSeconds int     // Δ_corr, default 60
	CooldownSeconds          int     // default 120
	SpineBlastThreshold      int     // default 12
	TorBlastThreshold        int     // default 4
	AdjacencyHops            int     // default 1; 0 disables cross-device joins

	SingleSourceBGPConfidenceMin float64          // default 0.85
	SingleSourceSNMPSeverityMin  bgptypes.Severity // default critical

	WeightTime       float64 // default 0.4
	WeightConfidence float64 // default 0.5
	WeightAdjacency  float64 // default 0.1
}

func (c Config) correlationWindow() time.Duration {
	return time.Duration(c.CorrelationWindowSeconds) * time.Second
}

func (c Config) cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

type trackState int

const (
	stateArmed trackState = iota
	stateCooldown
)

// track holds the in-flight correlation state for one device episode (§4.5).
type track struct {
	device        string
	state         trackState
	windowStart   time.Time
	bgp           *bgptypes.BGPAnomaly
	snmp          *bgptypes.SNMPAnomaly
	cooldownKind  bgptypes.FailureKind
	cooldownUntil time.Time
}

// Correlator owns all per-(device) correlation state. It has no internal
// lock, so its methods must not run concurrently; runServe calls IngestBGP,
// IngestSNMP and Housekeep from separate goroutines under one mutex.
type Correlator struct {
	cfg    Config
	topo   *topology.Topology
	logger *zap.Logger
	tracks map[string]*track

	newID func() string
}

// New constructs a Correlator against a loaded, read-only Topology.
func New(cfg Config, topo *topology.Topology, logger *zap.Logger) *Correlator {
	return &Correlator{
		cfg:    cfg,
		topo:   topo,
		logger: logger,
		tracks: make(map[string]*track),
		newID:  uuid.NewString,
	}
}

// IngestBGP feeds one BGPAnomaly into the correlator, returning any alert(s)
// emitted as an immediate consequence (§4.5).
func (c *Correlator) IngestBGP(a bgptypes.BGPAnomaly, now time.Time) []bgptypes.EnrichedAlert {
	return c.ingest(a.DeviceID, a.TS, &a, nil, now)
}

// IngestSNMP feeds one SNMPAnomaly into the correlator.
func (c *Correlator) IngestSNMP(a bgptypes.SNMPAnomaly, now time.Time) []bgptypes.EnrichedAlert {
	return c.ingest(a.DeviceID, a.TS, nil, &a, now)
}

// ingest drives the state machine for one incoming anomaly on device,
// observed at ts (the anomaly's own timestamp, used for windowing per §5
// "the correlator uses event timestamps, not arrival order").

// Housekeep expires any Armed track whose correlation window has passed
// without cross-modal confirmation, and clears any Cooldown track whose
// cooldown has elapsed. Armed tracks that qualify under the single-source
// emit rule are emitted here (§4.5 "Timeout housekeeping").
func (c *Correlator) Housekeep(now time.Time) []bgptypes.EnrichedAlert {
	var out []bgptypes.EnrichedAlert
	devices := make([]string, 0, len(c.tracks))
	for device := range c.tracks {
		devices = append(devices, device)
	}
	for _, device := range devices {
		out = append(out, c.expireOne(device, now)...)
	}
	return out
}

func (c *Correlator) ingest(device string, ts time.Time, bgp *bgptypes.BGPAnomaly, snmp *bgptypes.SNMPAnomaly, now time.Time) []bgptypes.EnrichedAlert {
	// Lazily expire this device's own track before handling the new anomaly,
	// so a stale Armed/Cooldown entry doesn't suppress or misjoin fresh input.
	// Any single-source alert this releases is still returned to the caller.
	out := c.expireOne(device, now)

	if tr, ok := c.tracks[device]; ok && tr.state == stateCooldown {
		metrics.AlertsSuppressedTotal.WithLabelValues("cooldown").Inc()
		return out
	}

	// Within-modality duplicate on the device's own Armed track: merge, don't
	// join or restart the window (§4.5 "Within-modality duplicates ... are
	// merged, not joined").
	if tr, ok := c.tracks[device]; ok && tr.state == stateArmed {
		switch {
		case bgp != nil && tr.bgp != nil && tr.snmp == nil:
			tr.bgp = bgp
			return out
		case snmp != nil && tr.snmp != nil && tr.bgp == nil:
			tr.snmp = snmp
			return out
		// Opposite modality on the device's own track: same-device join,
		// always joinable (§4.5 "Same device, same window: always joinable").
		case bgp != nil && tr.bgp == nil:
			tr.bgp = bgp
			return append(out, c.confirm(tr, now, false)...)
		case snmp != nil && tr.snmp == nil:
			tr.snmp = snmp
			return append(out, c.confirm(tr, now, false)...)
		}
	}

	// No usable own track: look for an Armed, opposite-modality track on an
	// adjacent device within the correlation window (§4.5 "Adjacent device
	// (1 hop in topology), same window: joinable if one side is BGP and the
	// other SNMP").
	if adjDevice, _, ok := c.findAdjacentArmed(device, bgp != nil, now); ok {
		out = append(out, c.expireOne(adjDevice, now)...)
		if tr, ok := c.tracks[adjDevice]; ok && tr.state == stateArmed {
			if bgp != nil {
				tr.bgp = bgp
			} else {
				tr.snmp = snmp
			}
			return append(out, c.confirm(tr, now, true)...)
		}
	}

	// No join candidate: arm a fresh track for this device.
	c.tracks[device] = &track{device: device, state: stateArmed, windowStart: ts, bgp: bgp, snmp: snmp}
	return out
}

// expireOne releases device's track if its window/cooldown has elapsed,
// returning any alert the expiry itself produces (a timed-out Armed track
// that clears the single-source emit bar).
func (c *Correlator) expireOne(device string, now time.Time) []bgptypes.EnrichedAlert {
	tr, ok := c.tracks[device]
	if !ok {
		return nil
	}
	switch tr.state {
	case stateArmed:
		if now.Sub(tr.windowStart) >= c.cfg.correlationWindow() {
			if alert, ok := c.emitSingleSource(tr, now); ok {
				c.startCooldown(tr, alert.Kind, now)
				return []bgptypes.EnrichedAlert{alert}
			}
			metrics.AlertsSuppressedTotal.WithLabelValues("armed_timeout").Inc()
			delete(c.tracks, device)
		}
	case stateCooldown:
		if !now.Before(tr.cooldownUntil) {
			delete(c.tracks, device)
		}
	}
	return nil
}

func (c *Correlator) findAdjacentArmed(device string, incomingIsBGP bool, now time.Time) (string, *track, bool) {
	if c.cfg.AdjacencyHops <= 0 {
		return "", nil, false
	}
	for d, tr := range c.tracks {
		if d == device || tr.state != stateArmed {
			continue
		}
		if now.Sub(tr.windowStart) >= c.cfg.correlationWindow() {
			continue
		}
		// Opposite modality only.
		if incomingIsBGP && tr.bgp != nil {
			continue
		}
		if !incomingIsBGP && tr.snmp != nil {
			continue
		}
		if c.topo.AdjacentWithinHops(device, d, c.cfg.AdjacencyHops) {
			return d, tr, true
		}
	}
	return "", nil, false
}

// confirm transitions an Armed track holding both modalities to Emitted and
// immediately into Cooldown (§4.5 "Confirmed -> Emitted(multimodal)
// immediately").
func (c *Correlator) confirm(tr *track, now time.Time, crossDevice bool) []bgptypes.EnrichedAlert {
	alert := c.buildAlert(tr, bgptypes.JoinMultimodal, crossDevice, now)
	c.startCooldown(tr, alert.Kind, now)
	return []bgptypes.EnrichedAlert{alert}
}

// emitSingleSource builds a single-modality alert for an Armed track whose
// window expired without cross-modal confirmation, if it clears the
// single-source emit bar (§4.5 "Armed -> Emitted(single_source)").
func (c *Correlator) emitSingleSource(tr *track, now time.Time) (bgptypes.EnrichedAlert, bool) {
	switch {
	case tr.bgp != nil && tr.bgp.Confidence >= c.cfg.SingleSourceBGPConfidenceMin:
		return c.buildAlert(tr, bgptypes.JoinBGPOnly, false, now), true
	case tr.snmp != nil && severityAtLeast(tr.snmp.Severity, c.cfg.SingleSourceSNMPSeverityMin):
		return c.buildAlert(tr, bgptypes.JoinSNMPOnly, false, now), true
	default:
		return bgptypes.EnrichedAlert{}, false
	}
}

func (c *Correlator) startCooldown(tr *track, kind bgptypes.FailureKind, now time.Time) {
	tr.state = stateCooldown
	tr.cooldownKind = kind
	tr.cooldownUntil = now.Add(c.cfg.cooldown())
}

// SeedCooldown rehydrates one device's cooldown state at startup from
// durable storage, so a process restart mid-cooldown does not re-emit
// (§4.5 "Dedup"). The caller is responsible for only seeding rows whose
// cooldown has not yet expired.
func (c *Correlator) SeedCooldown(device string, kind bgptypes.FailureKind, until time.Time) {
	if tr, ok := c.tracks[device]; ok {
		if until.After(tr.cooldownUntil) {
			tr.state = stateCooldown
			tr.cooldownKind = kind
			tr.cooldownUntil = until
		}
		return
	}
	c.tracks[device] = &track{device: device, state: stateCooldown, cooldownKind: kind, cooldownUntil: until}
}

var severityRank = map[bgptypes.Severity]int{
	bgptypes.SeverityInfo:     0,
	bgptypes.SeverityWarning:  1,
	bgptypes.SeverityError:    2,
	bgptypes.SeverityCritical: 3,
}

func severityAtLeast(s, min bgptypes.Severity) bool {
	return severityRank[s] >= severityRank[min]
}

func maxSeverity(a, b bgptypes.Severity) bgptypes.Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// bgpSeverity buckets a BGP anomaly's confidence into the same severity
// scale SNMP anomalies use, so a single-source BGP alert and a multimodal
// alert are comparable (§4.5). The cut-offs are fixed confidence values;
// internal/isoforest instead buckets its score relative to its threshold.
func bgpSeverity(confidence float64) bgptypes.Severity {
	switch {
	case confidence >= 0.95:
		return bgptypes.SeverityCritical
	case confidence >= 0.85:
		return bgptypes.SeverityError
	case confidence >= 0.7:
		return bgptypes.SeverityWarning
	default:
		return bgptypes.SeverityInfo
	}
}

func (c *Correlator) buildAlert(tr *track, joinKind bgptypes.JoinKind, crossDevice bool, now time.Time) bgptypes.EnrichedAlert {
	kind := classify(tr.bgp, tr.snmp)
	evidence := evidenceFor(tr.bgp, tr.snmp)

	var severity bgptypes.Severity
	var confidence float64
	switch {
	case tr.bgp != nil && tr.snmp != nil:
		severity = maxSeverity(bgpSeverity(tr.bgp.Confidence), tr.snmp.Severity)
		confidence = c.strength(tr, crossDevice, now)
	case tr.snmp != nil:
		severity = tr.snmp.Severity
		confidence = tr.snmp.Confidence
	default:
		severity = bgpSeverity(tr.bgp.Confidence)
		confidence = tr.bgp.Confidence
	}

	device := tr.device
	known := c.topo.Known(device)
	role := c.topo.Role(device)
	blastRadius := c.topo.BlastRadius(device)

	// A missing topology entry has its own fixed failure semantics (§4.5
	// "Failure semantics"), overriding the general priority table below.
	var prio bgptypes.Priority
	if !known {
		metrics.TopologyUnknownDeviceTotal.Inc()
		prio = bgptypes.PriorityP3
	} else {
		prio = priority(role, blastRadius, joinKind, severity, c.cfg)
	}

	redundancy := "redundant"
	if c.topo.IsSPOF(device) {
		redundancy = "single_homed"
	}

	alert := bgptypes.EnrichedAlert{
		AlertID:    c.newID(),
		TS:         now,
		Kind:       kind,
		Severity:   severity,
		Priority:   prio,
		Confidence: clip01(confidence),
		Correlated: bgptypes.CorrelatedEvent{
			DeviceID:    device,
			JoinKind:    joinKind,
			Strength:    confidence,
			WindowStart: tr.windowStart,
			WindowEnd:   now,
			BGP:         tr.bgp,
			SNMP:        tr.snmp,
		},
		Triage: bgptypes.Triage{
			Device:         device,
			Role:           string(role),
			BlastRadius:    blastRadius,
			AffectedLayers: c.topo.AffectedLayers(device),
			SPOF:           c.topo.IsSPOF(device),
			Redundancy:     redundancy,
		},
		ProbableRootCause:   rootCause(kind),
		Evidence:            evidence,
		RecommendedActions:  recommendedActions(kind),
		EstimatedResolution: estimatedResolution(kind, prio),
	}

	c.logger.Info("alert emitted",
		zap.String("alert_id", alert.AlertID),
		zap.String("device", device),
		zap.String("kind", string(kind)),
		zap.String("priority", string(prio)),
		zap.String("join_kind", string(joinKind)),
	)
	return alert
}

// strength implements §4.5's correlation strength formula.
func (c *Correlator) strength(tr *track, crossDevice bool, now time.Time) float64 {
	var deltaT time.Duration
	if tr.bgp != nil && tr.snmp != nil {
		d := tr.bgp.TS.Sub(tr.snmp.TS)
		if d < 0 {
			d = -d
		}
		deltaT = d
	}
	window := c.cfg.correlationWindow()
	timeTerm := 1.0
	if window > 0 {
		timeTerm = 1 - float64(deltaT)/float64(window)
	}

	confBGP, confSNMP := 0.0, 0.0
	n := 0.0
	if tr.bgp != nil {
		confBGP = tr.bgp.Confidence
		n++
	}
	if tr.snmp != nil {
		confSNMP = tr.snmp.Confidence
		n++
	}
	meanConf := 0.0
	if n > 0 {
		meanConf = (confBGP + confSNMP) / n
	}

	adjBonus := 0.0
	if crossDevice {
		adjBonus = 1.0
	}

	s := c.cfg.WeightTime*timeTerm + c.cfg.WeightConfidence*meanConf + c.cfg.WeightAdjacency*adjBonus
	return clip01(s)
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

// classify implements the deterministic rule table of §4.5.
func classify(bgp *bgptypes.BGPAnomaly, snmp *bgptypes.SNMPAnomaly) bgptypes.FailureKind {
	switch {
	case bgp != nil && snmp != nil &&
		seriesFlagged(bgp, bgptypes.SeriesWithdrawals) &&
		seriesFlagged(bgp, bgptypes.SeriesChurn) &&
		featureContributing(snmp, bgptypes.MetricIfErrorRate):
		return bgptypes.KindLinkFailure

	case bgp == nil && snmp != nil &&
		(featurePrefixContributing(snmp, "temp_") || featureContributing(snmp, "cpu_max")):
		return bgptypes.KindHardwareDegradation

	case bgp != nil && snmp != nil &&
		seriesFlagged(bgp, bgptypes.SeriesChurn) &&
		(featurePrefixContributing(snmp, "cpu_") || featurePrefixContributing(snmp, "mem_")):
		return bgptypes.KindRouterOverload

	case bgp != nil && snmp == nil && seriesFlagged(bgp, bgptypes.SeriesChurn):
		return bgptypes.KindBGPFlapping

	default:
		return bgptypes.KindUnclassified
	}
}

func seriesFlagged(bgp *bgptypes.BGPAnomaly, s bgptypes.Series) bool {
	if bgp == nil {
		return false
	}
	for _, d := range bgp.DetectedSeries {
		if d == s {
			return true
		}
	}
	return false
}

func featureContributing(snmp *bgptypes.SNMPAnomaly, feature string) bool {
	if snmp == nil {
		return false
	}
	for _, f := range snmp.ContributingFeatures {
		if f == feature {
			return true
		}
	}
	return false
}

func featurePrefixContributing(snmp *bgptypes.SNMPAnomaly, prefix string) bool {
	if snmp == nil {
		return false
	}
	for _, f := range snmp.ContributingFeatures {
		if strings.HasPrefix(f, prefix) {
			return true
		}
	}
	return false
}

func evidenceFor(bgp *bgptypes.BGPAnomaly, snmp *bgptypes.SNMPAnomaly) []string {
	var out []string
	if bgp != nil {
		for _, s := range bgp.DetectedSeries {
			out = append(out, string(s))
		}
	}
	if snmp != nil {
		out = append(out, snmp.ContributingFeatures...)
	}
	return out
}

// priority implements the deterministic priority table of §4.5. Testable
// property 7 requires priority to be a pure function of
// (role, blast_radius, join_kind, severity); besides those four inputs this
// function reads only the blast-radius thresholds in cfg.
func priority(role topology.Role, blastRadius int, joinKind bgptypes.JoinKind, severity bgptypes.Severity, cfg Config) bgptypes.Priority {
	switch {
	case role == topology.RoleSpine || role == topology.RoleRR ||
		blastRadius >= cfg.SpineBlastThreshold ||
		(joinKind == bgptypes.JoinMultimodal && severity == bgptypes.SeverityCritical):
		return bgptypes.PriorityP1
	case role == topology.RoleTor || blastRadius >= cfg.TorBlastThreshold:
		return bgptypes.PriorityP2
	case role == topology.RoleLeaf || blastRadius >= 2:
		return bgptypes.PriorityP3
	default:
		return bgptypes.PriorityP4
	}
}

func rootCause(kind bgptypes.FailureKind) string {
	switch kind {
	case bgptypes.KindLinkFailure:
		return "likely physical or optical link failure: concurrent route withdrawals and rising interface errors"
	case bgptypes.KindHardwareDegradation:
		return "likely hardware degradation: sustained elevated temperature and/or CPU utilization"
	case bgptypes.KindBGPFlapping:
		return "BGP session flapping: repeated announce/withdraw churn with no corroborating SNMP signal"
	case bgptypes.KindRouterOverload:
		return "likely control-plane overload: AS-path churn coincides with elevated CPU/memory utilization"
	default:
		return "anomalous behavior detected; no specific root cause pattern matched"
	}
}

func recommendedActions(kind bgptypes.FailureKind) []string {
	switch kind {
	case bgptypes.KindLinkFailure:
		return []string{"inspect physical/optical link and transceiver counters", "check peer-side interface error counters"}
	case bgptypes.KindHardwareDegradation:
		return []string{"check chassis/fan telemetry and ambient temperature", "consider load-shedding or scheduled replacement"}
	case bgptypes.KindBGPFlapping:
		return []string{"check session dampening configuration", "inspect peer for intermittent reachability"}
	case bgptypes.KindRouterOverload:
		return []string{"review control-plane policy/route-map complexity", "consider redistributing peering load"}
	default:
		return []string{"manual triage recommended; insufficient signal for an automated recommendation"}
	}
}

func estimatedResolution(kind bgptypes.FailureKind, prio bgptypes.Priority) string {
	urgency := "best-effort"
	if prio == bgptypes.PriorityP1 || prio == bgptypes.PriorityP2 {
		urgency = "urgent"
	}
	return fmt.Sprintf("%s; %s remediation", string(kind), urgency)
}
