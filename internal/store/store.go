// Package store is the Postgres-backed durable sink for EnrichedAlerts
// (§3 "logged append-only"), the correlator's crash-recoverable cooldown
// state, and the SNMP feature extractor's imputation statistics. Grounded on
// the teacher's internal/history batch-insert/zstd pattern and
// internal/db's pool and migration runner.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/mhernandezit/fabric-triage/internal/bgptypes"
	"github.com/mhernandezit/fabric-triage/internal/metrics"
	"github.com/mhernandezit/fabric-triage/internal/snmpfeat"
)

var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("store: zstd encoder init: %v", err))
	}
}

// AlertStore is the append-only alert log (§3, §4.7 publish_alert).
type AlertStore struct {
	pool        *pgxpool.Pool
	logger      *zap.Logger
	compressRaw bool
}

func NewAlertStore(pool *pgxpool.Pool, logger *zap.Logger, compressRaw bool) *AlertStore {
	return &AlertStore{pool: pool, logger: logger, compressRaw: compressRaw}
}

// Insert appends one EnrichedAlert. Idempotent via alert_id: a repeat
// publish of the same alert_id is a no-op, matching §4.7 "idempotent via
// alert_id" and the round-trip law in §8 ("Publishing the same alert twice
// is a no-op downstream"). Returns whether a new row was actually inserted.
func (s *AlertStore) Insert(ctx context.Context, alert bgptypes.EnrichedAlert) (bool, error) {
	start := time.Now()

	evidence, err := json.Marshal(alert.Evidence)
	if err != nil {
		return false, fmt.Errorf("marshaling evidence: %w", err)
	}
	actions, err := json.Marshal(alert.RecommendedActions)
	if err != nil {
		return false, fmt.Errorf("marshaling recommended actions: %w", err)
	}
	triage, err := json.Marshal(alert.Triage)
	if err != nil {
		return false, fmt.Errorf("marshaling triage: %w", err)
	}

	var blob []byte
	codec := "none"
	if raw, err := json.Marshal(alert.Correlated); err == nil {
		if s.compressRaw {
			blob = zstdEncoder.EncodeAll(raw, nil)
			codec = "zstd"
		} else {
			blob = raw
		}
	}

	const insertSQL = `
		INSERT INTO alert_log (alert_id, ts, device_id, kind, severity, priority, join_kind,
			confidence, probable_root_cause, evidence, recommended_actions, triage,
			evidence_blob, evidence_blob_codec)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (alert_id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, insertSQL,
		alert.AlertID, alert.TS, alert.Correlated.DeviceID, string(alert.Kind),
		string(alert.Severity), string(alert.Priority), string(alert.Correlated.JoinKind),
		alert.Confidence, alert.ProbableRootCause, evidence, actions, triage,
		blob, codec,
	)
	if err != nil {
		return false, fmt.Errorf("inserting alert %s: %w", alert.AlertID, err)
	}

	metrics.DBWriteDuration.WithLabelValues("alert_insert").Observe(time.Since(start).Seconds())
	return tag.RowsAffected() > 0, nil
}

// CooldownStore persists the correlator's per-(device, kind) dedup/cooldown
// state so a process restart mid-cooldown does not re-emit (§4.5 "Dedup").
type CooldownStore struct {
	pool *pgxpool.Pool
}

func NewCooldownStore(pool *pgxpool.Pool) *CooldownStore {
	return &CooldownStore{pool: pool}
}

// CooldownRow is one persisted (device, kind) cooldown entry.
type CooldownRow struct {
	DeviceID      string
	Kind          string
	LastAlertID   string
	CooldownUntil time.Time
}

// Upsert records (or extends) a cooldown window for (device, kind).
func (s *CooldownStore) Upsert(ctx context.Context, row CooldownRow) error {
	const sql = `
		INSERT INTO correlator_cooldown (device_id, kind, last_alert_id, cooldown_until, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (device_id, kind)
		DO UPDATE SET last_alert_id = $3, cooldown_until = $4, updated_at = now()`
	_, err := s.pool.Exec(ctx, sql, row.DeviceID, row.Kind, row.LastAlertID, row.CooldownUntil)
	return err
}

// LoadActive returns every cooldown row not yet expired as of now, used to
// rehydrate the correlator's in-memory state at startup.
func (s *CooldownStore) LoadActive(ctx context.Context, now time.Time) ([]CooldownRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT device_id, kind, last_alert_id, cooldown_until
		FROM correlator_cooldown
		WHERE cooldown_until > $1`, now)
	if err != nil {
		return nil, fmt.Errorf("querying active cooldowns: %w", err)
	}
	defer rows.Close()

	var out []CooldownRow
	for rows.Next() {
		var r CooldownRow
		if err := rows.Scan(&r.DeviceID, &r.Kind, &r.LastAlertID, &r.CooldownUntil); err != nil {
			return nil, fmt.Errorf("scanning cooldown row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating cooldown rows: %w", err)
	}
	return out, nil
}

// FeatureStatsStore persists per-feature training statistics used by the
// SNMP feature extractor for imputation and clamping (§4.3).
type FeatureStatsStore struct {
	pool *pgxpool.Pool
}

func NewFeatureStatsStore(pool *pgxpool.Pool) *FeatureStatsStore {
	return &FeatureStatsStore{pool: pool}
}

// Load reads all persisted feature statistics into a snmpfeat.TrainingStats.
func (s *FeatureStatsStore) Load(ctx context.Context) (snmpfeat.TrainingStats, error) {
	stats := snmpfeat.TrainingStats{
		Mean: map[string]float64{},
		Min:  map[string]float64{},
		Max:  map[string]float64{},
	}
	rows, err := s.pool.Query(ctx, `SELECT feature, mean, min_val, max_val FROM snmp_feature_stats`)
	if err != nil {
		return stats, fmt.Errorf("querying feature stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var feature string
		var mean float64
		var minVal, maxVal *float64
		if err := rows.Scan(&feature, &mean, &minVal, &maxVal); err != nil {
			return stats, fmt.Errorf("scanning feature stats row: %w", err)
		}
		stats.Mean[feature] = mean
		if minVal != nil {
			stats.Min[feature] = *minVal
		}
		if maxVal != nil {
			stats.Max[feature] = *maxVal
		}
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("iterating feature stats rows: %w", err)
	}
	return stats, nil
}

// Save upserts a batch of feature statistics, typically from an offline
// training run whose output is loaded alongside the isolation forest model.
func (s *FeatureStatsStore) Save(ctx context.Context, stats snmpfeat.TrainingStats) error {
	batch := &pgx.Batch{}
	for _, feature := range bgptypes.FeatureSchema {
		mean := stats.Mean[feature]
		var minVal, maxVal any
		if v, ok := stats.Min[feature]; ok {
			minVal = v
		}
		if v, ok := stats.Max[feature]; ok {
			maxVal = v
		}
		batch.Queue(`
			INSERT INTO snmp_feature_stats (feature, mean, min_val, max_val, updated_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (feature) DO UPDATE SET mean = $2, min_val = $3, max_val = $4, updated_at = now()`,
			feature, mean, minVal, maxVal,
		)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range bgptypes.FeatureSchema {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upserting feature stats: %w", err)
		}
	}
	return nil
}
