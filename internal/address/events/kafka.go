// Package events publishes committed address changes to Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"addrhist/internal/address/models"
	"addrhist/pkg/platform/circuit"
)

// DefaultTopic receives address.changed events.
const DefaultTopic = "addrhist.address-changed"

const (
	publishTimeout  = 5 * time.Second
	eventTypeHeader = "event_type"
)

// ErrBrokerUnavailable is returned while the circuit to the broker is open.
var ErrBrokerUnavailable = errors.New("event broker unavailable")

// Kafka publishes events keyed by person id, so one person's changes stay
// ordered within a partition.
type Kafka struct {
	client  *kgo.Client
	topic   string
	breaker *circuit.Breaker
	logger  *slog.Logger
}

type KafkaOption func(*Kafka)

func WithLogger(logger *slog.Logger) KafkaOption {
	return func(k *Kafka) {
		k.logger = logger
	}
}

func WithBreaker(b *circuit.Breaker) KafkaOption {
	return func(k *Kafka) {
		k.breaker = b
	}
}

// NewKafka creates a producer for topic. It does not contact the brokers.
func NewKafka(brokers []string, topic string, opts ...KafkaOption) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(0),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	k := &Kafka{
		client:  client,
		topic:   topic,
		breaker: circuit.New("event-broker"),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k, nil
}

// Topic returns the topic events are produced to.
func (k *Kafka) Topic() string {
	return k.topic
}

// EnsureTopic creates the topic if it does not exist.
func (k *Kafka) EnsureTopic(ctx context.Context, partitions int32, replicationFactor int16) error {
	admin := kadm.NewClient(k.client)
	resps, err := admin.CreateTopics(ctx, partitions, replicationFactor, nil, k.topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", k.topic, err)
	}
	for _, r := range resps {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

// Publish produces the event synchronously.
func (k *Kafka) Publish(ctx context.Context, event models.AddressChanged) error {
	if !k.breaker.Allow() {
		return ErrBrokerUnavailable
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.Type, err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	record := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(event.PersonID.String()),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: eventTypeHeader, Value: []byte(event.Type)},
		},
	}
	if err := k.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		if _, change := k.breaker.RecordFailure(); change.Opened {
			k.logger.WarnContext(ctx, "event broker circuit opened", "topic", k.topic, "error", err)
		}
		return fmt.Errorf("produce %s event: %w", event.Type, err)
	}
	if _, change := k.breaker.RecordSuccess(); change.Closed {
		k.logger.InfoContext(ctx, "event broker circuit closed", "topic", k.topic)
	}
	return nil
}

// Ping checks broker connectivity.
func (k *Kafka) Ping(ctx context.Context) error {
	return k.client.Ping(ctx)
}

func (k *Kafka) Close() {
	k.client.Close()
}
