// Package ingress implements the narrow transport boundary the core
// requires (§4.7): subscribe_bgp, subscribe_snmp, publish_alert,
// load_topology, load_if_model. Grounded on the teacher's franz-go
// consumer/producer wiring in internal/kafka.
package ingress

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"sync/atomic"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"

	"github.com/mhernandezit/fabric-triage/internal/bgptypes"
	"github.com/mhernandezit/fabric-triage/internal/metrics"
)

// ConsumerConfig mirrors the teacher's per-stream Kafka consumer settings.
type ConsumerConfig struct {
	Brokers       []string
	GroupID       string
	Topics        []string
	ClientID      string
	FetchMaxBytes int32
	TLS           *tls.Config
	SASL          sasl.Mechanism
}

func newConsumerClient(cfg ConsumerConfig, joined *atomic.Bool, logger *zap.Logger, name string) (*kgo.Client, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ClientID(cfg.ClientID),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			joined.Store(true)
			logger.Info(name + " subscriber: partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, _ map[string][]int32) {
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Error(name+" subscriber: commit on revoke failed", zap.Error(err))
			}
			joined.Store(false)
			logger.Info(name + " subscriber: partitions revoked")
		}),
		kgo.OnPartitionsLost(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			joined.Store(false)
			logger.Info(name + " subscriber: partitions lost")
		}),
	}
	if cfg.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(cfg.TLS))
	}
	if cfg.SASL != nil {
		opts = append(opts, kgo.SASL(cfg.SASL))
	}
	return kgo.NewClient(opts...)
}

// BGPSubscriber implements subscribe_bgp (§4.7): a restartable,
// at-least-once stream of BGPUpdate records.
type BGPSubscriber struct {
	client *kgo.Client
	logger *zap.Logger
	joined atomic.Bool
}

func NewBGPSubscriber(cfg ConsumerConfig, logger *zap.Logger) (*BGPSubscriber, error) {
	s := &BGPSubscriber{logger: logger}
	client, err := newConsumerClient(cfg, &s.joined, logger, "bgp")
	if err != nil {
		return nil, err
	}
	s.client = client
	return s, nil
}

// Run polls fetches and decodes each record into a BGPUpdate, sending
// successfully decoded updates to out. Malformed records are dropped and
// counted (§7 error kind 4), never propagated. Offsets commit immediately
// after a batch is handed to out: redelivery on crash is tolerated (§4.7).
func (s *BGPSubscriber) Run(ctx context.Context, out chan<- bgptypes.BGPUpdate) error {
	for {
		fetches := s.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		for _, e := range fetches.Errors() {
			s.logger.Error("bgp subscriber: fetch error",
				zap.String("topic", e.Topic), zap.Int32("partition", e.Partition), zap.Error(e.Err))
		}

		var marked []*kgo.Record
		fetches.EachRecord(func(r *kgo.Record) {
			marked = append(marked, r)
			var u bgptypes.BGPUpdate
			if err := json.Unmarshal(r.Value, &u); err != nil {
				metrics.MalformedRecordsTotal.WithLabelValues("bgp").Inc()
				s.logger.Warn("bgp subscriber: decode error", zap.Error(err))
				return
			}
			// The wire record's peer id is the originating device's
			// identity in this fabric (§6): no separate peer-address
			// registry exists, so DeviceID resolves directly from it.
			u.DeviceID = u.Peer
			select {
			case out <- u:
			case <-ctx.Done():
			}
		})
		for _, r := range marked {
			s.client.MarkCommitRecords(r)
		}
		if len(marked) > 0 {
			if err := s.client.CommitMarkedOffsets(ctx); err != nil {
				s.logger.Error("bgp subscriber: commit offsets failed", zap.Error(err))
			}
		}
	}
}

func (s *BGPSubscriber) IsJoined() bool { return s.joined.Load() }
func (s *BGPSubscriber) Close()         { s.client.Close() }

// SNMPSubscriber implements subscribe_snmp (§4.7), mirroring BGPSubscriber.
type SNMPSubscriber struct {
	client *kgo.Client
	logger *zap.Logger
	joined atomic.Bool
}

func NewSNMPSubscriber(cfg ConsumerConfig, logger *zap.Logger) (*SNMPSubscriber, error) {
	s := &SNMPSubscriber{logger: logger}
	client, err := newConsumerClient(cfg, &s.joined, logger, "snmp")
	if err != nil {
		return nil, err
	}
	s.client = client
	return s, nil
}

func (s *SNMPSubscriber) Run(ctx context.Context, out chan<- bgptypes.SNMPSample) error {
	for {
		fetches := s.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		for _, e := range fetches.Errors() {
			s.logger.Error("snmp subscriber: fetch error",
				zap.String("topic", e.Topic), zap.Int32("partition", e.Partition), zap.Error(e.Err))
		}

		var marked []*kgo.Record
		fetches.EachRecord(func(r *kgo.Record) {
			marked = append(marked, r)
			var sample bgptypes.SNMPSample
			if err := json.Unmarshal(r.Value, &sample); err != nil {
				metrics.MalformedRecordsTotal.WithLabelValues("snmp").Inc()
				s.logger.Warn("snmp subscriber: decode error", zap.Error(err))
				return
			}
			select {
			case out <- sample:
			case <-ctx.Done():
			}
		})
		for _, r := range marked {
			s.client.MarkCommitRecords(r)
		}
		if len(marked) > 0 {
			if err := s.client.CommitMarkedOffsets(ctx); err != nil {
				s.logger.Error("snmp subscriber: commit offsets failed", zap.Error(err))
			}
		}
	}
}

func (s *SNMPSubscriber) IsJoined() bool { return s.joined.Load() }
func (s *SNMPSubscriber) Close()         { s.client.Close() }
