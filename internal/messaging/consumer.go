package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/mbras/feed-analyzer/internal/config"
)

// Consumer reads envelope records as part of the configured group.
// Offsets are committed explicitly after each record is handled, so a
// crash mid-record redelivers it.
type Consumer struct {
	client *kgo.Client
}

// NewConsumer joins the consumer group for the configured topic.
func NewConsumer(cfg config.BrokerConfig) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no brokers configured")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
		kgo.FetchMaxWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("broker consumer: %w", err)
	}
	return &Consumer{client: client}, nil
}

// Poll blocks until records arrive or ctx is done. Partition-level
// fetch errors are returned; the caller decides whether to keep
// polling.
func (c *Consumer) Poll(ctx context.Context) ([]*kgo.Record, error) {
	fetches := c.client.PollFetches(ctx)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if errs := fetches.Errors(); len(errs) > 0 {
		return nil, fmt.Errorf("fetching from %s[%d]: %w", errs[0].Topic, errs[0].Partition, errs[0].Err)
	}
	var records []*kgo.Record
	fetches.EachRecord(func(r *kgo.Record) {
		records = append(records, r)
	})
	return records, nil
}

// Commit acknowledges a record. Called for failures too: a poison
// event is recorded as a failed processing row, not redelivered
// forever.
func (c *Consumer) Commit(ctx context.Context, record *kgo.Record) error {
	if err := c.client.CommitRecords(ctx, record); err != nil {
		return fmt.Errorf("committing offset %d: %w", record.Offset, err)
	}
	return nil
}

// Close leaves the group and releases the client.
func (c *Consumer) Close() {
	c.client.Close()
}
