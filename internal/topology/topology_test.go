package topology

import "testing"

const fixtureYAML = `
devices:
  spine-01: { role: spine, neighbors: [tor-01, tor-02] }
  tor-01:   { role: tor, neighbors: [spine-01, leaf-01] }
  tor-02:   { role: tor, neighbors: [spine-01, leaf-01] }
  leaf-01:  { role: leaf, neighbors: [tor-01, tor-02, server-01, server-02] }
  server-01: { role: server, neighbors: [leaf-01] }
  server-02: { role: server, neighbors: [leaf-01] }
bgp_peers: [[spine-01, tor-01], [spine-01, tor-02]]
`

func mustLoad(t *testing.T) *Topology {
	t.Helper()
	tp, err := LoadBytes([]byte(fixtureYAML))
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	return tp
}

func TestLoad_UnknownRoleRejected(t *testing.T) {
	_, err := LoadBytes([]byte(`devices:
  foo: { role: alien, neighbors: [] }
`))
	if err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestLoad_DanglingNeighborRejected(t *testing.T) {
	_, err := LoadBytes([]byte(`devices:
  foo: { role: spine, neighbors: [bar] }
`))
	if err == nil {
		t.Fatal("expected error for dangling neighbor id")
	}
}

func TestLoad_SelfLoopRejected(t *testing.T) {
	_, err := LoadBytes([]byte(`devices:
  foo: { role: spine, neighbors: [foo] }
`))
	if err == nil {
		t.Fatal("expected error for self-loop")
	}
}

func TestRole(t *testing.T) {
	tp := mustLoad(t)
	if tp.Role("spine-01") != RoleSpine {
		t.Fatalf("expected spine role, got %s", tp.Role("spine-01"))
	}
	if tp.Role("missing") != RoleUnknown {
		t.Fatalf("expected unknown role for missing device")
	}
}

func TestBlastRadius_Spine(t *testing.T) {
	tp := mustLoad(t)
	// spine-01 -> tor-01, tor-02 -> leaf-01 -> server-01, server-02
	got := tp.BlastRadius("spine-01")
	if got != 5 {
		t.Fatalf("expected blast radius 5, got %d", got)
	}
}

func TestBlastRadius_MissingDeviceDefaultsOne(t *testing.T) {
	tp := mustLoad(t)
	if got := tp.BlastRadius("nowhere"); got != 1 {
		t.Fatalf("expected default blast radius 1 for unknown device, got %d", got)
	}
}

func TestBlastRadius_IsConstant(t *testing.T) {
	tp := mustLoad(t)
	first := tp.BlastRadius("spine-01")
	for i := 0; i < 5; i++ {
		if got := tp.BlastRadius("spine-01"); got != first {
			t.Fatalf("blast radius changed across calls: %d vs %d", first, got)
		}
	}
}

func TestIsSPOF_LeafIsSPOFForItsServers(t *testing.T) {
	tp := mustLoad(t)
	if !tp.IsSPOF("leaf-01") {
		t.Fatal("expected leaf-01 to be a SPOF for server-01/server-02")
	}
}

func TestIsSPOF_TorIsNotSPOFWithRedundantPeer(t *testing.T) {
	tp := mustLoad(t)
	if tp.IsSPOF("tor-01") {
		t.Fatal("did not expect tor-01 to be a SPOF: tor-02 also connects leaf-01 to spine-01")
	}
}

func TestAdjacentWithinHops(t *testing.T) {
	tp := mustLoad(t)
	if !tp.AdjacentWithinHops("spine-01", "tor-01", 1) {
		t.Fatal("expected tor-01 to be within 1 hop of spine-01")
	}
	if tp.AdjacentWithinHops("spine-01", "server-01", 1) {
		t.Fatal("did not expect server-01 to be within 1 hop of spine-01")
	}
	if !tp.AdjacentWithinHops("spine-01", "leaf-01", 2) {
		t.Fatal("expected leaf-01 to be within 2 hops of spine-01")
	}
}

func TestAffectedLayers(t *testing.T) {
	tp := mustLoad(t)
	layers := tp.AffectedLayers("spine-01")
	want := map[string]bool{"spine": true, "tor": true, "leaf": true, "server": true}
	if len(layers) != len(want) {
		t.Fatalf("expected %d layers, got %v", len(want), layers)
	}
	for _, l := range layers {
		if !want[l] {
			t.Fatalf("unexpected layer %q in %v", l, layers)
		}
	}
}

func TestDevices_ListsEveryLoadedDevice(t *testing.T) {
	tp := mustLoad(t)
	want := map[string]bool{
		"spine-01": true, "tor-01": true, "tor-02": true,
		"leaf-01": true, "server-01": true, "server-02": true,
	}
	got := tp.Devices()
	if len(got) != len(want) {
		t.Fatalf("expected %d devices, got %d: %v", len(want), len(got), got)
	}
	for _, d := range got {
		if !want[d] {
			t.Fatalf("unexpected device %q in %v", d, got)
		}
	}
}
