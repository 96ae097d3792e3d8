package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

type Config struct {
	Service    ServiceConfig    `koanf:"service"`
	Transport  TransportConfig  `koanf:"transport"`
	Postgres   PostgresConfig   `koanf:"postgres"`
	Binning    BinningConfig    `koanf:"binning"`
	Thresholds ThresholdsConfig `koanf:"thresholds"`
	Topology   TopologyConfig   `koanf:"topology"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
	AllowBGPOnly           bool   `koanf:"allow_bgp_only"`
}

// TransportConfig is the Kafka wiring for the two input streams (§4.7
// subscribe_bgp/subscribe_snmp) and the alert publish topic.
type TransportConfig struct {
	Brokers          []string       `koanf:"brokers"`
	ClientID         string         `koanf:"client_id"`
	TLS              TLSConfig      `koanf:"tls"`
	SASL             SASLConfig     `koanf:"sasl"`
	BGP              ConsumerConfig `koanf:"bgp"`
	SNMP             ConsumerConfig `koanf:"snmp"`
	AlertTopic       string         `koanf:"alert_topic"`
	FetchMaxBytes    int32          `koanf:"fetch_max_bytes"`
	FatalAfterSeconds int           `koanf:"fatal_after_seconds"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

type ConsumerConfig struct {
	GroupID string   `koanf:"group_id"`
	Topics  []string `koanf:"topics"`
}

type PostgresConfig struct {
	DSN                   string `koanf:"dsn"`
	MaxConns              int32  `koanf:"max_conns"`
	MinConns              int32  `koanf:"min_conns"`
	CompressEvidenceBlobs bool   `koanf:"compress_evidence_blobs"`
}

// BinningConfig governs the BGP feature aggregator's fixed time bins (§4.1).
type BinningConfig struct {
	BinSeconds int `koanf:"bin_seconds"`
	WindowBins int `koanf:"window_bins"`
}

// ThresholdsConfig is the "Roles configuration (runtime thresholds)" block
// of §6, governing the matrix profile detector, isolation forest detector,
// and correlator.
type ThresholdsConfig struct {
	MPDiscord              float64 `koanf:"mp_discord"`
	IFContamination        float64 `koanf:"if_contamination"`
	CorrelationWindowSecs  int     `koanf:"correlation_window_secs"`
	CooldownSeconds        int     `koanf:"cooldown_seconds"`
	SpineBlastThreshold    int     `koanf:"spine_blast_threshold"`
	TorBlastThreshold      int     `koanf:"tor_blast_threshold"`
	AdjacencyHops          int     `koanf:"adjacency_hops"`
	ShutdownDrainSeconds   int     `koanf:"shutdown_drain_seconds"`
}

// TopologyConfig points at the startup-read topology and isolation forest
// model files (§4.6/§4.7 load_topology, load_if_model).
type TopologyConfig struct {
	Path      string `koanf:"path"`
	ModelPath string `koanf:"model_path"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: FABRIC_TRIAGE_THRESHOLDS__MP_DISCORD → thresholds.mp_discord
	if err := k.Load(env.Provider("FABRIC_TRIAGE_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "FABRIC_TRIAGE_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "fabric-triage-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Transport: TransportConfig{
			ClientID:          "fabric-triage",
			FetchMaxBytes:     52428800,
			AlertTopic:        "alerts.enriched",
			FatalAfterSeconds: 300,
			BGP: ConsumerConfig{
				GroupID: "fabric-triage-bgp",
			},
			SNMP: ConsumerConfig{
				GroupID: "fabric-triage-snmp",
			},
		},
		Postgres: PostgresConfig{
			MaxConns:              20,
			MinConns:              2,
			CompressEvidenceBlobs: true,
		},
		Binning: BinningConfig{
			BinSeconds: 30,
			WindowBins: 64,
		},
		Thresholds: ThresholdsConfig{
			MPDiscord:             2.5,
			IFContamination:       0.1,
			CorrelationWindowSecs: 60,
			CooldownSeconds:       120,
			SpineBlastThreshold:   12,
			TorBlastThreshold:     4,
			AdjacencyHops:         1,
			ShutdownDrainSeconds:  5,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Transport.Brokers) == 1 && strings.Contains(cfg.Transport.Brokers[0], ",") {
		cfg.Transport.Brokers = strings.Split(cfg.Transport.Brokers[0], ",")
	}
	if len(cfg.Transport.BGP.Topics) == 1 && strings.Contains(cfg.Transport.BGP.Topics[0], ",") {
		cfg.Transport.BGP.Topics = strings.Split(cfg.Transport.BGP.Topics[0], ",")
	}
	if len(cfg.Transport.SNMP.Topics) == 1 && strings.Contains(cfg.Transport.SNMP.Topics[0], ",") {
		cfg.Transport.SNMP.Topics = strings.Split(cfg.Transport.SNMP.Topics[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate returns a descriptive error for every invalid or missing
// required field (§7 error kind 1: "Configuration invalid... Fatal at
// startup").
func (c *Config) Validate() error {
	if len(c.Transport.Brokers) == 0 {
		return fmt.Errorf("config: transport.brokers is required")
	}
	if c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres.dsn is required")
	}
	if c.Transport.BGP.GroupID == "" {
		return fmt.Errorf("config: transport.bgp.group_id is required")
	}
	if len(c.Transport.BGP.Topics) == 0 {
		return fmt.Errorf("config: transport.bgp.topics is required")
	}
	if !c.Service.AllowBGPOnly {
		if c.Transport.SNMP.GroupID == "" {
			return fmt.Errorf("config: transport.snmp.group_id is required (set service.allow_bgp_only to skip)")
		}
		if len(c.Transport.SNMP.Topics) == 0 {
			return fmt.Errorf("config: transport.snmp.topics is required (set service.allow_bgp_only to skip)")
		}
	}
	if c.Transport.AlertTopic == "" {
		return fmt.Errorf("config: transport.alert_topic is required")
	}
	if c.Transport.FetchMaxBytes <= 0 {
		return fmt.Errorf("config: transport.fetch_max_bytes must be > 0 (got %d)", c.Transport.FetchMaxBytes)
	}
	if c.Transport.FatalAfterSeconds <= 0 {
		return fmt.Errorf("config: transport.fatal_after_seconds must be > 0 (got %d)", c.Transport.FatalAfterSeconds)
	}
	if c.Postgres.MaxConns <= 0 {
		return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
	}
	if c.Postgres.MinConns < 0 {
		return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if c.Binning.BinSeconds <= 0 {
		return fmt.Errorf("config: binning.bin_seconds must be > 0 (got %d)", c.Binning.BinSeconds)
	}
	if c.Binning.WindowBins <= 0 {
		return fmt.Errorf("config: binning.window_bins must be > 0 (got %d)", c.Binning.WindowBins)
	}
	if c.Thresholds.MPDiscord <= 0 {
		return fmt.Errorf("config: thresholds.mp_discord must be > 0 (got %f)", c.Thresholds.MPDiscord)
	}
	if c.Thresholds.IFContamination <= 0 || c.Thresholds.IFContamination >= 1 {
		return fmt.Errorf("config: thresholds.if_contamination must be in (0, 1) (got %f)", c.Thresholds.IFContamination)
	}
	if c.Thresholds.CorrelationWindowSecs <= 0 {
		return fmt.Errorf("config: thresholds.correlation_window_secs must be > 0 (got %d)", c.Thresholds.CorrelationWindowSecs)
	}
	if c.Thresholds.CooldownSeconds <= 0 {
		return fmt.Errorf("config: thresholds.cooldown_seconds must be > 0 (got %d)", c.Thresholds.CooldownSeconds)
	}
	if c.Thresholds.SpineBlastThreshold <= 0 {
		return fmt.Errorf("config: thresholds.spine_blast_threshold must be > 0 (got %d)", c.Thresholds.SpineBlastThreshold)
	}
	if c.Thresholds.TorBlastThreshold <= 0 {
		return fmt.Errorf("config: thresholds.tor_blast_threshold must be > 0 (got %d)", c.Thresholds.TorBlastThreshold)
	}
	if c.Thresholds.AdjacencyHops < 0 {
		return fmt.Errorf("config: thresholds.adjacency_hops must be >= 0 (got %d)", c.Thresholds.AdjacencyHops)
	}
	if c.Thresholds.ShutdownDrainSeconds <= 0 {
		return fmt.Errorf("config: thresholds.shutdown_drain_seconds must be > 0 (got %d)", c.Thresholds.ShutdownDrainSeconds)
	}
	if c.Topology.Path == "" {
		return fmt.Errorf("config: topology.path is required")
	}
	if c.Topology.ModelPath == "" && !c.Service.AllowBGPOnly {
		return fmt.Errorf("config: topology.model_path is required (set service.allow_bgp_only to skip)")
	}
	return nil
}

// BuildTLSConfig creates a *tls.Config from the transport TLS settings. Returns nil if TLS is disabled.
func (t *TransportConfig) BuildTLSConfig() (*tls.Config, error) {
	if !t.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if t.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(t.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if t.TLS.CertFile != "" && t.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.TLS.CertFile, t.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the transport SASL settings. Returns nil if SASL is disabled.
func (t *TransportConfig) BuildSASLMechanism() sasl.Mechanism {
	if !t.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(t.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: t.SASL.Username, Pass: t.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}
