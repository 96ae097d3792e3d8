package bgpfeat

import (
	"testing"
	"time"

	"github.com/mhernandezit/fabric-triage/internal/bgptypes"
	"go.uber.org/zap"
)

func testConfig() Config {
	return Config{BinSeconds: 60, FlushDelay: 5 * time.Second}
}

func update(device, peer string, ts time.Time, kind bgptypes.MessageKind, announce, withdraw []string, asPath []int32) bgptypes.BGPUpdate {
	return bgptypes.BGPUpdate{
		TS:       ts.UnixMilli(),
		Peer:     peer,
		Type:     kind,
		Announce: announce,
		Withdraw: withdraw,
		ASPath:   asPath,
		DeviceID: device,
	}
}

func TestIngest_EmptyDeviceIDIgnored(t *testing.T) {
	a := New(testConfig(), zap.NewNop())
	u := bgptypes.BGPUpdate{TS: time.Unix(0, 0).UnixMilli()}
	if bins := a.Ingest(u, time.Unix(0, 0).UTC()); bins != nil {
		t.Fatalf("expected no bins for an update with no device id, got %v", bins)
	}
}

func TestIngest_AccumulatesWithinSameBin(t *testing.T) {
	a := New(testConfig(), zap.NewNop())
	base := time.Unix(0, 0).UTC()

	u1 := update("spine-01", "p1", base, bgptypes.MessageUpdate, []string{"10.0.0.0/24"}, nil, []int32{65001, 65002})
	u2 := update("spine-01", "p1", base.Add(10*time.Second), bgptypes.MessageUpdate, []string{"10.0.1.0/24"}, nil, []int32{65001, 65002})

	if bins := a.Ingest(u1, base.Add(10*time.Second)); bins != nil {
		t.Fatalf("expected no bin close yet, got %v", bins)
	}
	if bins := a.Ingest(u2, base.Add(10*time.Second)); bins != nil {
		t.Fatalf("expected no bin close yet, got %v", bins)
	}

	p := a.pending["spine-01"]
	if p == nil {
		t.Fatal("expected an open partial bin for spine-01")
	}
	if p.announcements != 2 {
		t.Fatalf("expected 2 announcements accumulated, got %d", p.announcements)
	}
}

func TestIngest_ClosesBinOnLaterUpdate(t *testing.T) {
	a := New(testConfig(), zap.NewNop())
	base := time.Unix(0, 0).UTC()

	u1 := update("spine-01", "p1", base, bgptypes.MessageUpdate, []string{"10.0.0.0/24"}, nil, []int32{65001})
	a.Ingest(u1, base)

	u2 := update("spine-01", "p1", base.Add(90*time.Second), bgptypes.MessageUpdate, []string{"10.0.2.0/24"}, nil, []int32{65001})
	bins := a.Ingest(u2, base.Add(90*time.Second))

	if len(bins) != 1 {
		t.Fatalf("expected exactly one closed bin, got %d: %v", len(bins), bins)
	}
	if bins[0].DeviceID != "spine-01" || !bins[0].Start.Equal(base.Truncate(time.Minute)) {
		t.Fatalf("expected closed bin to be the first minute for spine-01, got %+v", bins[0])
	}
	if bins[0].AnnouncementsTotal != 1 {
		t.Fatalf("expected 1 announcement in the closed bin, got %d", bins[0].AnnouncementsTotal)
	}
}

func TestIngest_OutOfOrderWithinToleranceAccepted(t *testing.T) {
	a := New(testConfig(), zap.NewNop())
	base := time.Unix(0, 0).UTC()

	// Open the bin starting at base+60s.
	a.Ingest(update("spine-01", "p1", base.Add(60*time.Second), bgptypes.MessageUpdate, []string{"a"}, nil, nil), base.Add(60*time.Second))

	// A slightly earlier update for the same (still-open) bin window, within max_bin_lag (2*60s).
	bins := a.Ingest(update("spine-01", "p1", base.Add(50*time.Second), bgptypes.MessageUpdate, []string{"b"}, nil, nil), base.Add(60*time.Second))
	if bins != nil {
		t.Fatalf("expected no bin close for an accepted out-of-order update, got %v", bins)
	}

	p := a.pending["spine-01"]
	if p == nil || p.announcements != 2 {
		t.Fatalf("expected the late-arriving update merged into the open bin, got %+v", p)
	}
	if a.LagDrops() != 0 {
		t.Fatalf("expected no lag drops, got %d", a.LagDrops())
	}
}

func TestIngest_OutOfOrderBeyondMaxLagDropped(t *testing.T) {
	a := New(testConfig(), zap.NewNop())
	base := time.Unix(0, 0).UTC()

	// Open the bin at base+10min.
	a.Ingest(update("spine-01", "p1", base.Add(10*time.Minute), bgptypes.MessageUpdate, []string{"a"}, nil, nil), base.Add(10*time.Minute))

	// An update far enough in the past (more than max_bin_lag = 2*bin_seconds = 120s behind) must be dropped.
	stale := update("spine-01", "p1", base, bgptypes.MessageUpdate, []string{"b"}, nil, nil)
	a.Ingest(stale, base.Add(10*time.Minute))

	if a.LagDrops() != 1 {
		t.Fatalf("expected 1 lag drop, got %d", a.LagDrops())
	}
	p := a.pending["spine-01"]
	if p == nil || p.announcements != 1 {
		t.Fatalf("expected the dropped update not merged into the open bin, got %+v", p)
	}
}

func TestIngest_StaleFirstUpdateDroppedWhenNoPendingBin(t *testing.T) {
	a := New(testConfig(), zap.NewNop())
	base := time.Unix(0, 0).UTC()
	// now is far past this update's own bin end + max_bin_lag, and no bin is open yet.
	stale := update("spine-01", "p1", base, bgptypes.MessageUpdate, []string{"a"}, nil, nil)
	a.Ingest(stale, base.Add(time.Hour))

	if a.LagDrops() != 1 {
		t.Fatalf("expected 1 lag drop for a stale first update, got %d", a.LagDrops())
	}
	if _, ok := a.pending["spine-01"]; ok {
		t.Fatal("expected no partial bin opened for a dropped stale update")
	}
}

func TestFlushExpired_ClosesBinsPastFlushDelay(t *testing.T) {
	a := New(testConfig(), zap.NewNop())
	base := time.Unix(0, 0).UTC()

	a.Ingest(update("tor-01", "p1", base, bgptypes.MessageUpdate, []string{"a"}, nil, nil), base)

	// Not yet past bin end + flush delay: nothing closes.
	if bins := a.flushExpired(base.Add(61 * time.Second)); bins != nil {
		t.Fatalf("expected no bins closed before end+flush_delay, got %v", bins)
	}

	bins := a.flushExpired(base.Add(66 * time.Second))
	if len(bins) != 1 {
		t.Fatalf("expected 1 bin closed after end+flush_delay elapsed, got %d", len(bins))
	}
	if _, ok := a.pending["tor-01"]; ok {
		t.Fatal("expected the closed bin's partial to be removed from pending")
	}
}

func TestCloseBin_ComputesChurnAsDistinctPathRatio(t *testing.T) {
	a := New(testConfig(), zap.NewNop())
	base := time.Unix(0, 0).UTC()

	a.Ingest(update("spine-01", "p1", base, bgptypes.MessageUpdate, []string{"a"}, nil, []int32{65001, 65002}), base)
	a.Ingest(update("spine-01", "p1", base.Add(time.Second), bgptypes.MessageUpdate, []string{"b"}, nil, []int32{65001, 65002}), base.Add(time.Second))
	a.Ingest(update("spine-01", "p1", base.Add(2*time.Second), bgptypes.MessageUpdate, []string{"c"}, nil, []int32{65003}), base.Add(2*time.Second))

	bins := a.flushExpired(base.Add(66 * time.Second))
	if len(bins) != 1 {
		t.Fatalf("expected 1 closed bin, got %d", len(bins))
	}
	// 3 updates, 2 distinct AS paths seen -> churn = 2/3.
	want := 2.0 / 3.0
	if bins[0].ASPathChurn != want {
		t.Fatalf("expected churn %f, got %f", want, bins[0].ASPathChurn)
	}
	if bins[0].PeerCount != 1 {
		t.Fatalf("expected 1 distinct peer, got %d", bins[0].PeerCount)
	}
}

func TestIngest_WithdrawMessageCountsItselfPlusPrefixes(t *testing.T) {
	a := New(testConfig(), zap.NewNop())
	base := time.Unix(0, 0).UTC()

	a.Ingest(update("spine-01", "p1", base, bgptypes.MessageWithdraw, nil, []string{"10.0.0.0/24", "10.0.1.0/24"}, nil), base)

	bins := a.flushExpired(base.Add(66 * time.Second))
	if len(bins) != 1 {
		t.Fatalf("expected 1 closed bin, got %d", len(bins))
	}
	// 2 withdrawn prefixes + 1 for the WITHDRAW message type itself.
	if bins[0].WithdrawalsTotal != 3 {
		t.Fatalf("expected 3 withdrawals, got %d", bins[0].WithdrawalsTotal)
	}
}

func TestZeroBin_ProducesEmptyBinForExpectedWindow(t *testing.T) {
	start := time.Unix(0, 0).UTC()
	b := ZeroBin("leaf-01", start, 60)

	if b.DeviceID != "leaf-01" {
		t.Fatalf("expected device leaf-01, got %s", b.DeviceID)
	}
	if !b.Start.Equal(start) || !b.End.Equal(start.Add(60*time.Second)) {
		t.Fatalf("expected bin window [%v,%v), got [%v,%v)", start, start.Add(60*time.Second), b.Start, b.End)
	}
	if b.WithdrawalsTotal != 0 || b.AnnouncementsTotal != 0 || b.ASPathChurn != 0 || b.PeerCount != 0 {
		t.Fatalf("expected an all-zero bin, got %+v", b)
	}
}
