package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mhernandezit/fabric-triage/internal/bgpfeat"
	"github.com/mhernandezit/fabric-triage/internal/bgptypes"
	"github.com/mhernandezit/fabric-triage/internal/config"
	"github.com/mhernandezit/fabric-triage/internal/correlate"
	"github.com/mhernandezit/fabric-triage/internal/db"
	fthttp "github.com/mhernandezit/fabric-triage/internal/http"
	"github.com/mhernandezit/fabric-triage/internal/ingress"
	"github.com/mhernandezit/fabric-triage/internal/isoforest"
	"github.com/mhernandezit/fabric-triage/internal/metrics"
	"github.com/mhernandezit/fabric-triage/internal/mp"
	"github.com/mhernandezit/fabric-triage/internal/snmpfeat"
	"github.com/mhernandezit/fabric-triage/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Exit codes (§6 "CLI surface"): 0 success, 2 invalid configuration,
// 3 model load failure, 4 transport unavailable.
const (
	exitConfigInvalid  = 2
	exitModelLoadError = 3
	exitTransportError = 4
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(runServe())
	case "validate-config":
		runValidateConfig()
	case "migrate":
		runMigrate()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: fabric-triage <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run              Start all detection/correlation tasks")
	fmt.Println("  validate-config  Validate topology and roles configuration, then exit")
	fmt.Println("  migrate          Run database migrations")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>    Path to configuration YAML file")
	fmt.Println("  --model <path>     Override topology.model_path")
	fmt.Println("  --log-level <lvl>  Override log level (debug, info, warn, error)")
	fmt.Println("  --allow-bgp-only   Run without the SNMP/isolation-forest pipeline")
	fmt.Println()
	fmt.Println("Environment variables: TRANSPORT_URL, LOG_LEVEL, METRICS_ADDR")
}

type flags struct {
	configPath   string
	modelPath    string
	logLevel     string
	allowBGPOnly bool
}

func parseFlags(args []string) flags {
	var f flags
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				f.configPath = args[i+1]
				i++
			}
		case "--model":
			if i+1 < len(args) {
				f.modelPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				f.logLevel = args[i+1]
				i++
			}
		case "--allow-bgp-only":
			f.allowBGPOnly = true
		}
	}
	return f
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	f := parseFlags(args)

	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(exitConfigInvalid)
	}

	if f.modelPath != "" {
		cfg.Topology.ModelPath = f.modelPath
	}
	if f.allowBGPOnly {
		cfg.Service.AllowBGPOnly = true
	}

	logLevel := f.logLevel
	if logLevel == "" {
		logLevel = os.Getenv("LOG_LEVEL")
	}
	if logLevel != "" {
		cfg.Service.LogLevel = logLevel
	}
	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		cfg.Service.HTTPListen = addr
	}
	if url := os.Getenv("TRANSPORT_URL"); url != "" {
		cfg.Transport.Brokers = strings.Split(url, ",")
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

func runValidateConfig() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	if _, err := ingress.LoadTopology(cfg.Topology.Path); err != nil {
		fmt.Fprintf(os.Stderr, "invalid topology: %v\n", err)
		os.Exit(exitConfigInvalid)
	}
	if !cfg.Service.AllowBGPOnly {
		if _, err := ingress.LoadIFModel(cfg.Topology.ModelPath); err != nil {
			fmt.Fprintf(os.Stderr, "invalid isolation forest model: %v\n", err)
			os.Exit(exitModelLoadError)
		}
	}

	logger.Info("configuration valid")
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running migrations", zap.String("dsn", redactDSN(cfg.Postgres.DSN)))

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runServe() int {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting fabric-triage",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
		zap.Bool("allow_bgp_only", cfg.Service.AllowBGPOnly),
	)

	topo, err := ingress.LoadTopology(cfg.Topology.Path)
	if err != nil {
		logger.Error("failed to load topology", zap.Error(err))
		return exitConfigInvalid
	}

	var detector *isoforest.Detector
	if cfg.Service.AllowBGPOnly {
		logger.Warn("--allow-bgp-only set: SNMP/isolation-forest pipeline disabled")
	} else {
		detector, err = ingress.LoadIFModel(cfg.Topology.ModelPath)
		if err != nil {
			logger.Error("failed to load isolation forest model", zap.Error(err))
			return exitModelLoadError
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	alertStore := store.NewAlertStore(pool, logger.Named("store.alert"), cfg.Postgres.CompressEvidenceBlobs)
	featureStatsStore := store.NewFeatureStatsStore(pool)
	cooldownStore := store.NewCooldownStore(pool)

	trainingStats, err := featureStatsStore.Load(ctx)
	if err != nil {
		logger.Fatal("failed to load SNMP feature training stats", zap.Error(err))
	}

	tlsCfg, err := cfg.Transport.BuildTLSConfig()
	if err != nil {
		logger.Fatal("failed to build TLS config", zap.Error(err))
	}
	saslMech := cfg.Transport.BuildSASLMechanism()

	bgpAggregator := bgpfeat.New(bgpfeat.Config{
		BinSeconds: cfg.Binning.BinSeconds,
	}, logger.Named("bgp.aggregator"))
	mpDetector := mp.New(mp.Config{
		WindowBins: cfg.Binning.WindowBins,
		Threshold:  cfg.Thresholds.MPDiscord,
	}, logger.Named("bgp.mp"))
	snmpExtractor := snmpfeat.New(snmpfeat.Config{
		IntervalSeconds: cfg.Thresholds.CorrelationWindowSecs,
	}, trainingStats)
	correlator := correlate.New(correlate.Config{
		CorrelationWindowSeconds:     cfg.Thresholds.CorrelationWindowSecs,
		CooldownSeconds:              cfg.Thresholds.CooldownSeconds,
		SpineBlastThreshold:          cfg.Thresholds.SpineBlastThreshold,
		TorBlastThreshold:            cfg.Thresholds.TorBlastThreshold,
		AdjacencyHops:                cfg.Thresholds.AdjacencyHops,
		SingleSourceBGPConfidenceMin: 0.85,
		SingleSourceSNMPSeverityMin:  bgptypes.SeverityCritical,
		WeightTime:                   0.4,
		WeightConfidence:             0.5,
		WeightAdjacency:              0.1,
	}, topo, logger.Named("correlate"))

	// Rehydrate cooldown state left over from before a restart, so the
	// correlator does not re-emit for a device still inside its cooldown
	// window (§4.5 "Dedup", §5 crash-recoverable state).
	activeCooldowns, err := cooldownStore.LoadActive(ctx, time.Now().UTC())
	if err != nil {
		logger.Warn("failed to load cooldown state, starting with none", zap.Error(err))
	}
	for _, row := range activeCooldowns {
		correlator.SeedCooldown(row.DeviceID, bgptypes.FailureKind(row.Kind), row.CooldownUntil)
	}

	bgpConsumer := ingress.ConsumerConfig{
		Brokers: cfg.Transport.Brokers, GroupID: cfg.Transport.BGP.GroupID, Topics: cfg.Transport.BGP.Topics,
		ClientID: cfg.Transport.ClientID + "-bgp", FetchMaxBytes: cfg.Transport.FetchMaxBytes, TLS: tlsCfg, SASL: saslMech,
	}
	bgpSubscriber, err := ingress.NewBGPSubscriber(bgpConsumer, logger.Named("ingress.bgp"))
	if err != nil {
		logger.Error("failed to create bgp subscriber", zap.Error(err))
		return exitTransportError
	}
	defer bgpSubscriber.Close()

	var snmpSubscriber *ingress.SNMPSubscriber
	if !cfg.Service.AllowBGPOnly {
		snmpConsumer := ingress.ConsumerConfig{
			Brokers: cfg.Transport.Brokers, GroupID: cfg.Transport.SNMP.GroupID, Topics: cfg.Transport.SNMP.Topics,
			ClientID: cfg.Transport.ClientID + "-snmp", FetchMaxBytes: cfg.Transport.FetchMaxBytes, TLS: tlsCfg, SASL: saslMech,
		}
		snmpSubscriber, err = ingress.NewSNMPSubscriber(snmpConsumer, logger.Named("ingress.snmp"))
		if err != nil {
			logger.Error("failed to create snmp subscriber", zap.Error(err))
			return exitTransportError
		}
		defer snmpSubscriber.Close()
	}

	publisher, err := ingress.NewAlertPublisher(ingress.PublisherConfig{
		Brokers:    cfg.Transport.Brokers,
		Topic:      cfg.Transport.AlertTopic,
		ClientID:   cfg.Transport.ClientID + "-publish",
		FatalAfter: time.Duration(cfg.Transport.FatalAfterSeconds) * time.Second,
	}, logger.Named("ingress.publish"), 1)
	if err != nil {
		logger.Error("failed to create alert publisher", zap.Error(err))
		return exitTransportError
	}
	defer publisher.Close()

	var wg sync.WaitGroup

	// correlatorMu serializes the correlator calls made from the BGP, SNMP
	// and housekeeping goroutines below; the Correlator has no lock of its own.
	var correlatorMu sync.Mutex

	// fatalTransport carries the process-fatal transport error (§7 error
	// kind 3) from whichever publish call first exhausts its retry budget,
	// to the orderly-shutdown path below. Buffered so the reporting
	// goroutine never blocks on it.
	fatalTransport := make(chan *ingress.FatalTransportError, 1)

	publish := func(alerts []bgptypes.EnrichedAlert) {
		for _, alert := range alerts {
			inserted, err := alertStore.Insert(ctx, alert)
			if err != nil {
				logger.Error("failed to persist alert", zap.String("alert_id", alert.AlertID), zap.Error(err))
				continue
			}
			if !inserted {
				continue
			}
			metrics.AlertsEmittedTotal.WithLabelValues(string(alert.Kind), string(alert.Priority), string(alert.Correlated.JoinKind)).Inc()

			cooldownUntil := alert.TS.Add(time.Duration(cfg.Thresholds.CooldownSeconds) * time.Second)
			if err := cooldownStore.Upsert(ctx, store.CooldownRow{
				DeviceID: alert.Correlated.DeviceID, Kind: string(alert.Kind),
				LastAlertID: alert.AlertID, CooldownUntil: cooldownUntil,
			}); err != nil {
				logger.Warn("failed to persist cooldown state", zap.String("alert_id", alert.AlertID), zap.Error(err))
			}

			if err := publisher.Publish(ctx, alert); err != nil {
				var fatalErr *ingress.FatalTransportError
				if errors.As(err, &fatalErr) {
					logger.Error("alert transport exhausted its retry budget, triggering shutdown",
						zap.String("alert_id", alert.AlertID), zap.Error(err))
					select {
					case fatalTransport <- fatalErr:
					default:
					}
					continue
				}
				logger.Error("failed to publish alert", zap.String("alert_id", alert.AlertID), zap.Error(err))
			}
		}
	}

	binDuration := time.Duration(cfg.Binning.BinSeconds) * time.Second

	bgpUpdates := make(chan bgptypes.BGPUpdate, 256)
	wg.Add(1)
	go func() { defer wg.Done(); _ = bgpSubscriber.Run(ctx, bgpUpdates) }()

	wg.Add(1)
	go func() {
		defer wg.Done()
		// Idle devices produce zero-valued bins at their expected cadence
		// (§4.1), so this ticks at bin_seconds and is handled on the same
		// goroutine as Ingest: both bgpAggregator and mpDetector are
		// single-owner, unlocked state (§4.1, §9).
		binTicker := time.NewTicker(binDuration)
		defer binTicker.Stop()
		lastBin := make(map[string]time.Time)

		processBin := func(bin bgptypes.FeatureBin, now time.Time) {
			lastBin[bin.DeviceID] = bin.Start
			if anomaly := mpDetector.Update(bin); anomaly != nil {
				correlatorMu.Lock()
				alerts := correlator.IngestBGP(*anomaly, now)
				correlatorMu.Unlock()
				publish(alerts)
			}
		}

		for {
			select {
			case u, ok := <-bgpUpdates:
				if !ok {
					return
				}
				metrics.CorrelatorQueueDepth.WithLabelValues("bgp").Set(float64(len(bgpUpdates)))
				now := time.Now().UTC()
				for _, bin := range bgpAggregator.Ingest(u, now) {
					processBin(bin, now)
				}
			case t := <-binTicker.C:
				now := t.UTC()
				closedStart := now.Truncate(binDuration).Add(-binDuration)
				for _, device := range topo.Devices() {
					if lastBin[device].Equal(closedStart) {
						continue
					}
					processBin(bgpfeat.ZeroBin(device, closedStart, cfg.Binning.BinSeconds), now)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if snmpSubscriber != nil {
		snmpSamples := make(chan bgptypes.SNMPSample, 256)
		wg.Add(1)
		go func() { defer wg.Done(); _ = snmpSubscriber.Run(ctx, snmpSamples) }()

		wg.Add(1)
		go func() {
			defer wg.Done()
			// Flush closes any still-open interval so an idle SNMP stream
			// still produces a feature vector for its last interval (§4.3).
			flushTicker := time.NewTicker(time.Duration(cfg.Thresholds.CorrelationWindowSecs) * time.Second)
			defer flushTicker.Stop()

			predict := func(vec bgptypes.SNMPFeatureVector, now time.Time) {
				if anomaly := detector.Predict(vec); anomaly != nil {
					correlatorMu.Lock()
					alerts := correlator.IngestSNMP(*anomaly, now)
					correlatorMu.Unlock()
					publish(alerts)
				}
			}

			for {
				select {
				case s, ok := <-snmpSamples:
					if !ok {
						return
					}
					metrics.CorrelatorQueueDepth.WithLabelValues("snmp").Set(float64(len(snmpSamples)))
					if vec := snmpExtractor.Ingest(s); vec != nil {
						predict(*vec, time.Now().UTC())
					}
				case t := <-flushTicker.C:
					for _, vec := range snmpExtractor.Flush() {
						predict(vec, t.UTC())
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Duration(cfg.Thresholds.CooldownSeconds) * time.Second / 4)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				correlatorMu.Lock()
				alerts := correlator.Housekeep(t.UTC())
				correlatorMu.Unlock()
				publish(alerts)
			}
		}
	}()

	// A nil *ingress.SNMPSubscriber boxed directly into the ConsumerStatus
	// interface would be a non-nil interface wrapping a nil pointer, and
	// IsJoined() would panic on its nil receiver; only box it when real.
	var snmpStatus fthttp.ConsumerStatus
	if snmpSubscriber != nil {
		snmpStatus = snmpSubscriber
	}
	httpServer := fthttp.NewServer(cfg.Service.HTTPListen, pool, bgpSubscriber, snmpStatus, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("all tasks and HTTP server started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-fatalTransport:
		logger.Error("alert transport unavailable beyond transport_fatal_after, shutting down (§7 error kind 3)")
		exitCode = exitTransportError
	}

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Drain in-flight work for up to shutdown_drain_seconds before hard
	// cancellation, so already-confirmed alerts still get emitted (§5
	// "drain their input channel with a deadline of shutdown_drain").
	drainDeadline := time.Duration(cfg.Thresholds.ShutdownDrainSeconds) * time.Second
	select {
	case <-time.After(drainDeadline):
	case <-shutdownCtx.Done():
	}

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all tasks stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some goroutines may not have finished")
	}

	logger.Info("fabric-triage stopped")
	return exitCode
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
