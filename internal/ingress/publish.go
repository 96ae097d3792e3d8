package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/mhernandezit/fabric-triage/internal/bgptypes"
	"github.com/mhernandezit/fabric-triage/internal/metrics"
)

// backoff policy for the transport reconnect/retry path (§7 error kind 3):
// base 1s, doubling, capped at 30s, full jitter. None of the retrieved pack
// repos import a dedicated backoff library (the franz-go client manages its
// own broker reconnects internally), so this is hand-rolled on top of
// math/rand and time — see DESIGN.md for the stdlib-fallback justification.
const (
	backoffBase = time.Second
	backoffCap  = 30 * time.Second
)

func backoffDelay(attempt int, rng *rand.Rand) time.Duration {
	exp := float64(backoffBase) * math.Pow(2, float64(attempt))
	if exp > float64(backoffCap) {
		exp = float64(backoffCap)
	}
	return time.Duration(rng.Float64() * exp)
}

// PublisherConfig configures the alert-publishing producer.
type PublisherConfig struct {
	Brokers          []string
	Topic            string
	ClientID         string
	FatalAfter       time.Duration // §7 error kind 3 default 5m
}

// AlertPublisher implements publish_alert (§4.7): idempotent publish of an
// EnrichedAlert keyed by alert_id, with exponential backoff on transport
// errors and a fatal escalation after FatalAfter of continuous failure.
type AlertPublisher struct {
	client     *kgo.Client
	topic      string
	logger     *zap.Logger
	fatalAfter time.Duration
	rng        *rand.Rand
}

func NewAlertPublisher(cfg PublisherConfig, logger *zap.Logger, rngSeed int64) (*AlertPublisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.DefaultProduceTopic(cfg.Topic),
	)
	if err != nil {
		return nil, fmt.Errorf("constructing alert publisher client: %w", err)
	}
	fatalAfter := cfg.FatalAfter
	if fatalAfter <= 0 {
		fatalAfter = 5 * time.Minute
	}
	return &AlertPublisher{
		client:     client,
		topic:      cfg.Topic,
		logger:     logger,
		fatalAfter: fatalAfter,
		rng:        rand.New(rand.NewSource(rngSeed)),
	}, nil
}

// FatalTransportError means the publish path has retried continuously for
// longer than FatalAfter without success; the caller should stop the process
// (§7 error kind 3: "Local: retry with backoff... Escalate: after
// transport_fatal_after, exit non-zero").
type FatalTransportError struct {
	Attempts int
	Elapsed  time.Duration
	Cause    error
}

func (e *FatalTransportError) Error() string {
	return fmt.Sprintf("transport publish fatal after %d attempts over %s: %v", e.Attempts, e.Elapsed, e.Cause)
}

func (e *FatalTransportError) Unwrap() error { return e.Cause }

// Publish sends one alert, retrying transport errors with capped exponential
// backoff until the context is cancelled or FatalAfter elapses.
func (p *AlertPublisher) Publish(ctx context.Context, alert bgptypes.EnrichedAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshaling alert %s: %w", alert.AlertID, err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(alert.AlertID),
		Value: payload,
	}

	start := time.Now()
	attempt := 0
	for {
		pubStart := time.Now()
		results := p.client.ProduceSync(ctx, record)
		err := results.FirstErr()
		metrics.TransportPublishDuration.Observe(time.Since(pubStart).Seconds())
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		elapsed := time.Since(start)
		if elapsed >= p.fatalAfter {
			return &FatalTransportError{Attempts: attempt + 1, Elapsed: elapsed, Cause: err}
		}

		metrics.TransportReconnectsTotal.Inc()
		delay := backoffDelay(attempt, p.rng)
		p.logger.Warn("alert publish failed, retrying",
			zap.String("alert_id", alert.AlertID), zap.Int("attempt", attempt),
			zap.Duration("backoff", delay), zap.Error(err))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		attempt++
	}
}

func (p *AlertPublisher) Close() { p.client.Close() }
