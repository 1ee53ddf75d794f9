package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Record is a consumed Kafka record
type Record = kgo.Record

// ConsumerConfig holds Kafka consumer configuration
type ConsumerConfig struct {
	Brokers          []string
	GroupID          string
	Topics           []string
	ClientID         string
	MaxRetries       int
	RetryInterval    time.Duration
	SessionTimeout   time.Duration
	RebalanceTimeout time.Duration
	MaxPollRecords   int
}

// Consumer is a group consumer with manual commits
type Consumer struct {
	client *kgo.Client
	config *ConsumerConfig
}

// NewConsumer creates a group consumer. Offsets are only committed through CommitRecords.
func NewConsumer(ctx context.Context, cfg *ConsumerConfig) (*Consumer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("consumer config is required")
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.GroupID == "" || len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("consumer group and topics are required")
	}
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = 100
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, kgo.SessionTimeout(cfg.SessionTimeout))
	}
	if cfg.RebalanceTimeout > 0 {
		opts = append(opts, kgo.RebalanceTimeout(cfg.RebalanceTimeout))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	if err := pingWithRetry(ctx, client, cfg.MaxRetries, cfg.RetryInterval); err != nil {
		client.Close()
		return nil, err
	}

	return &Consumer{client: client, config: cfg}, nil
}

// Poll blocks until records are available or ctx is done
func (c *Consumer) Poll(ctx context.Context) ([]*Record, error) {
	fetches := c.client.PollRecords(ctx, c.config.MaxPollRecords)
	if fetches.IsClientClosed() {
		return nil, fmt.Errorf("kafka client closed")
	}

	var errs []error
	for _, fe := range fetches.Errors() {
		errs = append(errs, fmt.Errorf("topic %s partition %d: %w", fe.Topic, fe.Partition, fe.Err))
	}

	records := fetches.Records()
	if len(records) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return records, nil
}

// CommitRecords commits the offsets of the given records
func (c *Consumer) CommitRecords(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}
	return c.client.CommitRecords(ctx, records...)
}

// Close leaves the group and closes the client
func (c *Consumer) Close() {
	c.client.Close()
}

// HeaderValue returns the value of a record header, or ""
func HeaderValue(r *Record, key string) string {
	for _, h := range r.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
