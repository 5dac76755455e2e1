package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/mbras/feed-analyzer/internal/config"
)

// RetryCountHeader carries the outbox attempt counter so consumers
// can tell a redelivery from a first delivery.
const RetryCountHeader = "retry_count"

// Publisher is the producing side of the broker, narrowed so the
// ingest service and the dispatcher can be tested against a fake.
type Publisher interface {
	Publish(ctx context.Context, env Envelope, retryCount int) error
}

// Producer publishes envelopes to the configured topic with acks
// from the full ISR.
type Producer struct {
	client  *kgo.Client
	topic   string
	timeout config.BrokerConfig
}

// NewProducer connects to the brokers in cfg. The connection is lazy;
// the first publish surfaces unreachable brokers.
func NewProducer(cfg config.BrokerConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no brokers configured")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProduceRequestTimeout(cfg.PublishTimeout()),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("broker client: %w", err)
	}
	return &Producer{client: client, topic: cfg.Topic, timeout: cfg}, nil
}

// Publish sends one envelope and waits for the ack.
func (p *Producer) Publish(ctx context.Context, env Envelope, retryCount int) error {
	record, err := buildRecord(p.topic, env, retryCount)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout.PublishTimeout())
	defer cancel()
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("producing %s: %w", env.EventName, err)
	}
	return nil
}

// Ping checks broker reachability, for health reporting.
func (p *Producer) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("broker ping: %w", err)
	}
	return nil
}

// Close flushes buffered records and releases the client.
func (p *Producer) Close() {
	p.client.Close()
}

func buildRecord(topic string, env Envelope, retryCount int) (*kgo.Record, error) {
	value, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(env.CorrelationID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: RetryCountHeader, Value: []byte(strconv.Itoa(retryCount))},
		},
	}, nil
}
