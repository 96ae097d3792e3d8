package correlate

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mhernandezit/fabric-triage/internal/bgptypes"
	"github.com/mhernandezit/fabric-triage/internal/topology"
)

const testFixture = `
devices:
  spine-01: { role: spine, neighbors: [tor-01, tor-02] }
  tor-01:   { role: tor,   neighbors: [spine-01, leaf-01] }
  tor-02:   { role: tor,   neighbors: [spine-01, leaf-01] }
  leaf-01:  { role: leaf,  neighbors: [tor-01, tor-02, server-01, server-02] }
  server-01: { role: server, neighbors: [leaf-01] }
  server-02: { role: server, neighbors: [leaf-01] }
bgp_peers: []
`

func testTopology(t *testing.T) *topology.Topology {
	t.Helper()
	topo, err := topology.LoadBytes([]byte(testFixture))
	if err != nil {
		t.Fatalf("unexpected topology load error: %v", err)
	}
	return topo
}

func testConfig() Config {
	return Config{
		CorrelationWindowSeconds:     60,
		CooldownSeconds:              120,
		SpineBlastThreshold:          12,
		TorBlastThreshold:            4,
		AdjacencyHops:                1,
		SingleSourceBGPConfidenceMin: 0.85,
		SingleSourceSNMPSeverityMin:  bgptypes.SeverityCritical,
		WeightTime:                   0.4,
		WeightConfidence:             0.5,
		WeightAdjacency:              0.1,
	}
}

func newTestCorrelator(t *testing.T) *Correlator {
	return New(testConfig(), testTopology(t), zap.NewNop())
}

func bgpAnomaly(device string, ts time.Time, confidence float64, series ...bgptypes.Series) bgptypes.BGPAnomaly {
	return bgptypes.BGPAnomaly{
		TS:             ts,
		DeviceID:       device,
		Confidence:     confidence,
		DetectedSeries: series,
	}
}

func snmpAnomaly(device string, ts time.Time, severity bgptypes.Severity, features ...string) bgptypes.SNMPAnomaly {
	return bgptypes.SNMPAnomaly{
		TS:                   ts,
		DeviceID:             device,
		Confidence:           0.9,
		Severity:             severity,
		ContributingFeatures: features,
	}
}

// S1 - Multimodal link failure on spine-01: withdrawals+churn co-detected
// with if_error_rate, same device, within the correlation window.
func TestScenario_S1_MultimodalLinkFailure(t *testing.T) {
	c := newTestCorrelator(t)
	base := time.Unix(0, 0).UTC()

	bgp := bgpAnomaly("spine-01", base, 0.9, bgptypes.SeriesWithdrawals, bgptypes.SeriesChurn)
	if alerts := c.IngestBGP(bgp, base); len(alerts) != 0 {
		t.Fatalf("expected no alert on first (armed) signal, got %v", alerts)
	}

	snmp := snmpAnomaly("spine-01", base.Add(5*time.Second), bgptypes.SeverityCritical, bgptypes.MetricIfErrorRate)
	alerts := c.IngestSNMP(snmp, base.Add(5*time.Second))
	if len(alerts) != 1 {
		t.Fatalf("expected exactly one alert, got %d", len(alerts))
	}
	a := alerts[0]
	if a.Kind != bgptypes.KindLinkFailure {
		t.Fatalf("expected link_failure, got %s", a.Kind)
	}
	if a.Correlated.JoinKind != bgptypes.JoinMultimodal {
		t.Fatalf("expected multimodal join, got %s", a.Correlated.JoinKind)
	}
	if a.Priority != bgptypes.PriorityP1 {
		t.Fatalf("expected P1, got %s", a.Priority)
	}
	if a.Triage.BlastRadius < testConfig().SpineBlastThreshold && a.Priority != bgptypes.PriorityP1 {
		t.Fatalf("expected spine to qualify P1 regardless of blast radius")
	}
	hasWithdrawals, hasIfErr := false, false
	for _, e := range a.Evidence {
		if e == "withdrawals" {
			hasWithdrawals = true
		}
		if e == bgptypes.MetricIfErrorRate {
			hasIfErr = true
		}
	}
	if !hasWithdrawals || !hasIfErr {
		t.Fatalf("expected evidence to include withdrawals and if_error_rate, got %v", a.Evidence)
	}
}

// S2 - BGP-only route flapping on tor-01: repeated churn with no SNMP
// corroboration, one alert per cooldown window.
func TestScenario_S2_BGPOnlyFlapping(t *testing.T) {
	c := newTestCorrelator(t)
	base := time.Unix(0, 0).UTC()

	bgp1 := bgpAnomaly("tor-01", base, 0.9, bgptypes.SeriesAnnouncements, bgptypes.SeriesWithdrawals, bgptypes.SeriesChurn)
	if alerts := c.IngestBGP(bgp1, base); len(alerts) != 0 {
		t.Fatalf("expected no immediate alert, got %v", alerts)
	}

	afterWindow := base.Add(61 * time.Second)
	alerts := c.Housekeep(afterWindow)
	if len(alerts) != 1 {
		t.Fatalf("expected exactly one single-source alert after window timeout, got %d", len(alerts))
	}
	a := alerts[0]
	if a.Kind != bgptypes.KindBGPFlapping {
		t.Fatalf("expected bgp_flapping, got %s", a.Kind)
	}
	if a.Correlated.JoinKind != bgptypes.JoinBGPOnly {
		t.Fatalf("expected bgp_only join, got %s", a.Correlated.JoinKind)
	}
	if a.Priority != bgptypes.PriorityP2 {
		t.Fatalf("expected P2 for tor, got %s", a.Priority)
	}

	// A second anomaly during cooldown must not emit.
	bgp2 := bgpAnomaly("tor-01", afterWindow.Add(time.Second), 0.9, bgptypes.SeriesChurn)
	if alerts := c.IngestBGP(bgp2, afterWindow.Add(time.Second)); len(alerts) != 0 {
		t.Fatalf("expected cooldown suppression, got %v", alerts)
	}
}

// S3 - SNMP-only hardware degradation on spine-02: no BGP anomaly,
// temperature and CPU contributing, critical severity.
func TestScenario_S3_SNMPOnlyHardwareDegradation(t *testing.T) {
	c := New(testConfig(), mustLoadWithSpine02(t), zap.NewNop())
	base := time.Unix(0, 0).UTC()

	snmp := snmpAnomaly("spine-02", base, bgptypes.SeverityCritical, "temp_mean", "cpu_max")
	if alerts := c.IngestSNMP(snmp, base); len(alerts) != 0 {
		t.Fatalf("expected no immediate alert, got %v", alerts)
	}

	alerts := c.Housekeep(base.Add(61 * time.Second))
	if len(alerts) != 1 {
		t.Fatalf("expected one single-source alert, got %d", len(alerts))
	}
	a := alerts[0]
	if a.Kind != bgptypes.KindHardwareDegradation {
		t.Fatalf("expected hardware_degradation, got %s", a.Kind)
	}
	if a.Correlated.JoinKind != bgptypes.JoinSNMPOnly {
		t.Fatalf("expected snmp_only join, got %s", a.Correlated.JoinKind)
	}
	if a.Severity != bgptypes.SeverityCritical {
		t.Fatalf("expected critical severity, got %s", a.Severity)
	}
	if a.Priority != bgptypes.PriorityP1 {
		t.Fatalf("expected P1 for spine, got %s", a.Priority)
	}
}

func mustLoadWithSpine02(t *testing.T) *topology.Topology {
	t.Helper()
	topo, err := topology.LoadBytes([]byte(`
devices:
  spine-02: { role: spine, neighbors: [] }
bgp_peers: []
`))
	if err != nil {
		t.Fatalf("unexpected topology load error: %v", err)
	}
	return topo
}

// S4 - Server failure on server-01 (out of scope fully): a warning-severity
// SNMP anomaly alone produces no alert, immediately or after the window.
func TestScenario_S4_ServerOnlyLowSeverity(t *testing.T) {
	c := newTestCorrelator(t)
	base := time.Unix(0, 0).UTC()

	snmp := snmpAnomaly("server-01", base, bgptypes.SeverityWarning, "if_error_rate")
	if alerts := c.IngestSNMP(snmp, base); len(alerts) != 0 {
		t.Fatalf("expected no immediate alert, got %v", alerts)
	}
	alerts := c.Housekeep(base.Add(61 * time.Second))
	if len(alerts) != 0 {
		t.Fatalf("expected no alert: warning severity does not clear the single-source emit bar, got %v", alerts)
	}
}

// S5 - Dedup under repeated anomaly: identical multimodal inputs across
// three consecutive cooldown windows yield exactly 3 alerts, same
// (device, kind), distinct alert_id.
func TestScenario_S5_DedupAcrossCooldownWindows(t *testing.T) {
	c := newTestCorrelator(t)
	base := time.Unix(0, 0).UTC()
	cooldown := time.Duration(testConfig().CooldownSeconds) * time.Second

	var ids []string
	for i := 0; i < 3; i++ {
		windowStart := base.Add(time.Duration(i) * (cooldown + time.Minute))
		bgp := bgpAnomaly("spine-01", windowStart, 0.9, bgptypes.SeriesWithdrawals, bgptypes.SeriesChurn)
		c.IngestBGP(bgp, windowStart)

		snmp := snmpAnomaly("spine-01", windowStart.Add(5*time.Second), bgptypes.SeverityCritical, bgptypes.MetricIfErrorRate)
		alerts := c.IngestSNMP(snmp, windowStart.Add(5*time.Second))
		if len(alerts) != 1 {
			t.Fatalf("iteration %d: expected exactly one alert, got %d", i, len(alerts))
		}
		ids = append(ids, alerts[0].AlertID)
		if alerts[0].Kind != bgptypes.KindLinkFailure {
			t.Fatalf("iteration %d: expected consistent kind, got %s", i, alerts[0].Kind)
		}
	}
	if ids[0] == ids[1] || ids[1] == ids[2] || ids[0] == ids[2] {
		t.Fatalf("expected distinct alert ids across windows, got %v", ids)
	}
}

// S6 - Topology miss: anomaly for a device absent from the topology still
// emits, with role=unknown, blast_radius=1, priority=P3.
func TestScenario_S6_TopologyMiss(t *testing.T) {
	c := newTestCorrelator(t)
	base := time.Unix(0, 0).UTC()

	bgp := bgpAnomaly("ghost-01", base, 0.9, bgptypes.SeriesChurn)
	c.IngestBGP(bgp, base)
	alerts := c.Housekeep(base.Add(61 * time.Second))
	if len(alerts) != 1 {
		t.Fatalf("expected one alert even for an unknown device, got %d", len(alerts))
	}
	a := alerts[0]
	if a.Triage.Role != string(topology.RoleUnknown) {
		t.Fatalf("expected role=unknown, got %s", a.Triage.Role)
	}
	if a.Triage.BlastRadius != 1 {
		t.Fatalf("expected blast_radius=1, got %d", a.Triage.BlastRadius)
	}
	if a.Priority != bgptypes.PriorityP3 {
		t.Fatalf("expected P3, got %s", a.Priority)
	}
}

func TestPriority_IsPureFunctionOfItsInputs(t *testing.T) {
	cfg := testConfig()
	got1 := priority(topology.RoleLeaf, 3, bgptypes.JoinBGPOnly, bgptypes.SeverityWarning, cfg)
	got2 := priority(topology.RoleLeaf, 3, bgptypes.JoinBGPOnly, bgptypes.SeverityWarning, cfg)
	if got1 != got2 {
		t.Fatalf("expected identical priority for identical inputs, got %s and %s", got1, got2)
	}
	if got1 != bgptypes.PriorityP3 {
		t.Fatalf("expected P3 for leaf role, got %s", got1)
	}
}

func TestClassify_Unclassified_WhenNoRuleMatches(t *testing.T) {
	bgp := bgpAnomaly("dev1", time.Unix(0, 0), 0.9, bgptypes.SeriesAnnouncements)
	snmp := snmpAnomaly("dev1", time.Unix(0, 0), bgptypes.SeverityWarning, "if_utilization")
	got := classify(&bgp, &snmp)
	if got != bgptypes.KindUnclassified {
		t.Fatalf("expected unclassified_anomaly, got %s", got)
	}
}

func TestIngest_AdjacentDeviceJoinsAcrossOneHop(t *testing.T) {
	c := newTestCorrelator(t)
	base := time.Unix(0, 0).UTC()

	bgp := bgpAnomaly("tor-01", base, 0.9, bgptypes.SeriesWithdrawals, bgptypes.SeriesChurn)
	c.IngestBGP(bgp, base)

	snmp := snmpAnomaly("leaf-01", base.Add(5*time.Second), bgptypes.SeverityCritical, bgptypes.MetricIfErrorRate)
	alerts := c.IngestSNMP(snmp, base.Add(5*time.Second))
	if len(alerts) != 1 {
		t.Fatalf("expected a cross-device multimodal join within one hop, got %d alerts", len(alerts))
	}
	if alerts[0].Correlated.JoinKind != bgptypes.JoinMultimodal {
		t.Fatalf("expected multimodal, got %s", alerts[0].Correlated.JoinKind)
	}
}

func TestIngest_AdjacencyDisabledWhenHopsZero(t *testing.T) {
	cfg := testConfig()
	cfg.AdjacencyHops = 0
	c := New(cfg, testTopology(t), zap.NewNop())
	base := time.Unix(0, 0).UTC()

	bgp := bgpAnomaly("tor-01", base, 0.9, bgptypes.SeriesWithdrawals, bgptypes.SeriesChurn)
	c.IngestBGP(bgp, base)

	snmp := snmpAnomaly("leaf-01", base.Add(5*time.Second), bgptypes.SeverityCritical, bgptypes.MetricIfErrorRate)
	alerts := c.IngestSNMP(snmp, base.Add(5*time.Second))
	if len(alerts) != 0 {
		t.Fatalf("expected no cross-device join with adjacency disabled, got %d alerts", len(alerts))
	}
}

// A rehydrated cooldown must suppress a fresh anomaly on the same device
// exactly as a cooldown started in-process would, for as long as it has
// left to run.
func TestSeedCooldown_SuppressesUntilExpiry(t *testing.T) {
	c := newTestCorrelator(t)
	base := time.Unix(0, 0).UTC()

	c.SeedCooldown("spine-01", bgptypes.KindBGPFlapping, base.Add(30*time.Second))

	bgp := bgpAnomaly("spine-01", base.Add(time.Second), 0.95, bgptypes.SeriesWithdrawals)
	if alerts := c.IngestBGP(bgp, base.Add(time.Second)); len(alerts) != 0 {
		t.Fatalf("expected seeded cooldown to suppress, got %v", alerts)
	}

	after := base.Add(31 * time.Second)
	bgp2 := bgpAnomaly("spine-01", after, 0.95, bgptypes.SeriesWithdrawals)
	if alerts := c.IngestBGP(bgp2, after); len(alerts) != 0 {
		t.Fatalf("expected a fresh single-source signal to arm, not emit immediately, got %v", alerts)
	}
}

// Seeding a shorter cooldown than an already-armed/cooling track must never
// shorten it.
func TestSeedCooldown_DoesNotShortenExistingCooldown(t *testing.T) {
	c := newTestCorrelator(t)
	base := time.Unix(0, 0).UTC()

	bgp := bgpAnomaly("spine-01", base, 0.9, bgptypes.SeriesWithdrawals, bgptypes.SeriesChurn)
	c.IngestBGP(bgp, base)
	snmp := snmpAnomaly("spine-01", base.Add(time.Second), bgptypes.SeverityCritical, bgptypes.MetricIfErrorRate)
	c.IngestSNMP(snmp, base.Add(time.Second))

	tr := c.tracks["spine-01"]
	if tr == nil || tr.state != stateCooldown {
		t.Fatalf("expected spine-01 to be in cooldown after confirmation")
	}
	longUntil := tr.cooldownUntil

	c.SeedCooldown("spine-01", bgptypes.KindBGPFlapping, base.Add(time.Second))
	if c.tracks["spine-01"].cooldownUntil != longUntil {
		t.Fatalf("expected SeedCooldown not to shorten an existing cooldown")
	}
}
