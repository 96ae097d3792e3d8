package ingress

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mhernandezit/fabric-triage/internal/isoforest"
	"github.com/mhernandezit/fabric-triage/internal/topology"
)

// LoadTopology implements load_topology (§4.7): read and validate the fabric
// topology file, returning a ready-to-query topology.Topology.
func LoadTopology(path string) (*topology.Topology, error) {
	return topology.Load(path)
}

// LoadIFModel implements load_if_model (§4.7): read an isolation forest
// model file (§6 "Model file") and return a Detector with it loaded.
func LoadIFModel(path string) (*isoforest.Detector, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading isolation forest model %s: %w", path, err)
	}
	var blob isoforest.Blob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return nil, fmt.Errorf("decoding isolation forest model %s: %w", path, err)
	}
	detector := isoforest.NewDetector()
	if err := detector.Load(blob); err != nil {
		return nil, fmt.Errorf("loading isolation forest model %s: %w", path, err)
	}
	return detector, nil
}
