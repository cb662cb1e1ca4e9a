// Package export distributes committed events beyond the ledger: a Kafka
// fan-out for downstream sponsor and compliance consumers, and stable JSON
// bundles for regulators. The postgres log stays the source of truth; this
// is the distribution leg, so nothing here can fail a commit.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"veritas/internal/eventstore"
)

// Publisher hands one committed event to the distribution channel.
type Publisher interface {
	Publish(ctx context.Context, event eventstore.Event) error
}

// KafkaPublisher produces committed events to a topic, keyed by aggregate
// so one aggregate's history lands on one partition in ledger order.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// NewKafkaPublisher connects to the brokers and ensures the topic exists.
func NewKafkaPublisher(ctx context.Context, brokers []string, topic string, partitions int32, logger *slog.Logger) (*KafkaPublisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("connect kafka: %w", err)
	}

	if err := ensureTopic(ctx, client, topic, partitions); err != nil {
		client.Close()
		return nil, err
	}
	logger.Info("kafka export ready", slog.String("topic", topic))
	return &KafkaPublisher{client: client, topic: topic, logger: logger}, nil
}

func ensureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32) error {
	adm := kadm.NewClient(client)
	_, err := adm.CreateTopic(ctx, partitions, 1, nil, topic)
	if err != nil && !errors.Is(err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("ensure topic %s: %w", topic, err)
	}
	return nil
}

// Publish produces one event synchronously. The worker advances its cursor
// only after this returns, so a failure is retried on the next pass.
func (p *KafkaPublisher) Publish(ctx context.Context, event eventstore.Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.EventID, err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(event.AggregateID.String()),
		Value: value,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce event %s: %w", event.EventID, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() {
	p.client.Close()
}
