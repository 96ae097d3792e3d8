// Package topology loads and serves the read-only, in-memory labeled
// fabric graph used by the correlator for role lookup, blast-radius
// estimation, and single-point-of-failure analysis (§4.6).
package topology

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Role is the closed set of device roles in the fabric (§3).
type Role string

const (
	RoleSpine  Role = "spine"
	RoleTor    Role = "tor"
	RoleLeaf   Role = "leaf"
	RoleServer Role = "server"
	RoleRR     Role = "rr"
	RoleEdge   Role = "edge"
	RoleUnknown Role = "unknown"
)

var validRoles = map[Role]bool{
	RoleSpine: true, RoleTor: true, RoleLeaf: true,
	RoleServer: true, RoleRR: true, RoleEdge: true,
}

// downstream gives the directed "downstream" role order used for blast-radius
// BFS: spine → tor → leaf → server (§4.6). rr and edge have no entry, so the
// BFS from them reaches no other device.
var downstream = map[Role][]Role{
	RoleSpine: {RoleTor},
	RoleTor:   {RoleLeaf},
	RoleLeaf:  {RoleServer},
}

// fileDevice and fileConfig mirror the on-disk YAML schema (§6).
type fileDevice struct {
	Role      Role     `yaml:"role"`
	Neighbors []string `yaml:"neighbors"`
	Priority  string   `yaml:"priority"`
}

type fileConfig struct {
	Devices   map[string]fileDevice `yaml:"devices"`
	BGPPeers  [][2]string           `yaml:"bgp_peers"`
}

// Node is one device in the loaded topology graph.
type Node struct {
	ID         string
	Role       Role
	Neighbors  []string
	Priority   string
	blastRadius int
	spof       bool
}

// Topology is the shared-immutable, read-only graph. Once Load returns
// successfully, Topology is safe for concurrent use without locking; it is
// never mutated again for the process lifetime (§4.6, §5).
type Topology struct {
	nodes map[string]*Node
}

// Load parses and validates a declarative topology+role file (§4.6, §6).
// Any validation failure aborts; this is an *Configuration invalid* error
// per §7 and is fatal at startup.
func Load(path string) (*Topology, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("topology: reading %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("topology: parsing %s: %w", path, err)
	}
	return build(fc)
}

// LoadBytes parses and validates topology YAML already in memory. Exported
// primarily for tests that construct fixtures without touching disk.
func LoadBytes(raw []byte) (*Topology, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("topology: parsing bytes: %w", err)
	}
	return build(fc)
}

func build(fc fileConfig) (*Topology, error) {
	nodes := make(map[string]*Node, len(fc.Devices))
	for id, d := range fc.Devices {
		if d.Role == "" {
			return nil, fmt.Errorf("topology: device %q missing role", id)
		}
		if !validRoles[d.Role] {
			return nil, fmt.Errorf("topology: device %q has unknown role %q", id, d.Role)
		}
		nodes[id] = &Node{ID: id, Role: d.Role, Neighbors: append([]string(nil), d.Neighbors...), Priority: d.Priority}
	}

	// Validate referenced ids and no self-loops.
	for id, n := range nodes {
		for _, nb := range n.Neighbors {
			if nb == id {
				return nil, fmt.Errorf("topology: device %q has a self-loop neighbor", id)
			}
			if _, ok := nodes[nb]; !ok {
				return nil, fmt.Errorf("topology: device %q references unknown neighbor %q", id, nb)
			}
		}
	}
	for _, pair := range fc.BGPPeers {
		a, b := pair[0], pair[1]
		if a == b {
			return nil, fmt.Errorf("topology: bgp_peers entry %q-%q is a self-loop", a, b)
		}
		if _, ok := nodes[a]; !ok {
			return nil, fmt.Errorf("topology: bgp_peers references unknown device %q", a)
		}
		if _, ok := nodes[b]; !ok {
			return nil, fmt.Errorf("topology: bgp_peers references unknown device %q", b)
		}
	}

	t := &Topology{nodes: nodes}
	t.cacheDerived()
	return t, nil
}

// cacheDerived computes blast radius and SPOF once at load time, per §4.6
// ("Result is cached at load time") and the invariant that blast_radius is
// constant for the process lifetime (§8 property 6).
func (t *Topology) cacheDerived() {
	for id, n := range t.nodes {
		n.blastRadius = t.computeBlastRadius(id)
	}
	servers := t.nodesWithRole(RoleServer)
	spines := t.nodesWithRole(RoleSpine)
	for id, n := range t.nodes {
		n.spof = t.computeSPOF(id, servers, spines)
	}
}

func (t *Topology) nodesWithRole(r Role) []string {
	var out []string
	for id, n := range t.nodes {
		if n.Role == r {
			out = append(out, id)
		}
	}
	return out
}

// computeBlastRadius walks the directed downstream edges (spine → tor → leaf
// → server) from device, counting reachable nodes excluding device itself
// (§4.6).
func (t *Topology) computeBlastRadius(device string) int {
	start, ok := t.nodes[device]
	if !ok {
		return 0
	}
	visited := map[string]bool{device: true}
	queue := []string{device}
	count := 0
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		curNode := t.nodes[cur]
		if curNode == nil {
			continue
		}
		allowedRoles := downstream[curNode.Role]
		if cur != device {
			allowedRoles = downstream[curNode.Role]
		}
		for _, nb := range curNode.Neighbors {
			nbNode := t.nodes[nb]
			if nbNode == nil || visited[nb] {
				continue
			}
			if !roleAllowed(allowedRoles, nbNode.Role) {
				continue
			}
			visited[nb] = true
			count++
			queue = append(queue, nb)
		}
	}
	_ = start
	return count
}

func roleAllowed(allowed []Role, r Role) bool {
	for _, a := range allowed {
		if a == r {
			return true
		}
	}
	return false
}

// computeSPOF determines whether removing device disconnects any server from
// all spines in the residual graph (§4.6).
func (t *Topology) computeSPOF(device string, servers, spines []string) bool {
	if len(servers) == 0 || len(spines) == 0 {
		return false
	}
	for _, srv := range servers {
		if srv == device {
			continue
		}
		if !t.reachableWithout(srv, spines, device) {
			return true
		}
	}
	return false
}

// reachableWithout reports whether any of targets is reachable from start via
// an undirected BFS over Neighbors, excluding the node named excl.
func (t *Topology) reachableWithout(start string, targets []string, excl string) bool {
	if start == excl {
		return false
	}
	targetSet := make(map[string]bool, len(targets))
	for _, tg := range targets {
		targetSet[tg] = true
	}
	visited := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if targetSet[cur] {
			return true
		}
		curNode := t.nodes[cur]
		if curNode == nil {
			continue
		}
		for _, nb := range curNode.Neighbors {
			if nb == excl || visited[nb] {
				continue
			}
			if _, ok := t.nodes[nb]; !ok {
				continue
			}
			visited[nb] = true
			queue = append(queue, nb)
		}
	}
	return false
}

// Role returns the role of device, or RoleUnknown if it is not in the
// topology (§4.6, §7 error kind 7).
func (t *Topology) Role(device string) Role {
	if n, ok := t.nodes[device]; ok {
		return n.Role
	}
	return RoleUnknown
}

// Neighbors returns the declared neighbor ids of device.
func (t *Topology) Neighbors(device string) []string {
	if n, ok := t.nodes[device]; ok {
		return n.Neighbors
	}
	return nil
}

// Known reports whether device exists in the topology.
func (t *Topology) Known(device string) bool {
	_, ok := t.nodes[device]
	return ok
}

// Devices returns every device id in the topology, order not guaranteed.
// Used by the feature-aggregator's idle-device cadence ticker (§4.1) to
// know which devices to synthesize zero-valued bins for.
func (t *Topology) Devices() []string {
	out := make([]string, 0, len(t.nodes))
	for id := range t.nodes {
		out = append(out, id)
	}
	return out
}

// BlastRadius returns the cached downstream-reachable device count for
// device. Missing devices synthesize blast_radius=1 per §4.5/§7.
func (t *Topology) BlastRadius(device string) int {
	if n, ok := t.nodes[device]; ok {
		return n.blastRadius
	}
	return 1
}

// IsSPOF reports whether device is a single point of failure (§4.6).
func (t *Topology) IsSPOF(device string) bool {
	if n, ok := t.nodes[device]; ok {
		return n.spof
	}
	return false
}

// AffectedLayers returns the set of roles reachable downstream of device,
// plus device's own role, as a deterministic sorted-by-hierarchy list.
func (t *Topology) AffectedLayers(device string) []string {
	n, ok := t.nodes[device]
	if !ok {
		return []string{string(RoleUnknown)}
	}
	seen := map[Role]bool{n.Role: true}
	visited := map[string]bool{device: true}
	queue := []string{device}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		curNode := t.nodes[cur]
		if curNode == nil {
			continue
		}
		allowed := downstream[curNode.Role]
		for _, nb := range curNode.Neighbors {
			nbNode := t.nodes[nb]
			if nbNode == nil || visited[nb] || !roleAllowed(allowed, nbNode.Role) {
				continue
			}
			visited[nb] = true
			seen[nbNode.Role] = true
			queue = append(queue, nb)
		}
	}
	order := []Role{RoleSpine, RoleRR, RoleTor, RoleLeaf, RoleServer, RoleEdge}
	var out []string
	for _, r := range order {
		if seen[r] {
			out = append(out, string(r))
		}
	}
	return out
}

// AdjacentWithinHops reports whether candidate is within hops of device,
// walking the undirected Neighbors graph. Used by the correlator's
// cross-device join rule (§4.5).
func (t *Topology) AdjacentWithinHops(device, candidate string, hops int) bool {
	if device == candidate {
		return true
	}
	if hops <= 0 {
		return false
	}
	if _, ok := t.nodes[device]; !ok {
		return false
	}
	frontier := map[string]bool{device: true}
	visited := map[string]bool{device: true}
	for h := 0; h < hops; h++ {
		next := map[string]bool{}
		for cur := range frontier {
			n := t.nodes[cur]
			if n == nil {
				continue
			}
			for _, nb := range n.Neighbors {
				if visited[nb] {
					continue
				}
				if nb == candidate {
					return true
				}
				visited[nb] = true
				next[nb] = true
			}
		}
		frontier = next
	}
	return false
}
