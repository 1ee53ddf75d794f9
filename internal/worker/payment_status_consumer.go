package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prohmpiriya/booking-core/internal/domain"
	"github.com/prohmpiriya/booking-core/pkg/kafka"
	"github.com/prohmpiriya/booking-core/pkg/logger"
	"github.com/prohmpiriya/booking-core/pkg/retry"
)

// TopicPaymentStatus carries payment outcomes from the payment collaborator
const TopicPaymentStatus = "payment.status"

// PaymentStatusMessage is the payload of a payment.status record
type PaymentStatusMessage struct {
	BookingID string               `json:"booking_id"`
	Status    domain.PaymentStatus `json:"status"`
}

// RecordSource is the part of kafka.Consumer the consumer uses
type RecordSource interface {
	Poll(ctx context.Context) ([]*kafka.Record, error)
	CommitRecords(ctx context.Context, records []*kafka.Record) error
}

// PaymentUpdater applies a payment status to a booking
type PaymentUpdater interface {
	UpdatePaymentStatus(ctx context.Context, bookingID string, status domain.PaymentStatus) error
}

// PaymentStatusConsumerConfig holds configuration for the payment status consumer
type PaymentStatusConsumerConfig struct {
	Topic string
	// Retry bounds attempts on store failures before a record is parked in the DLQ
	Retry *retry.Config
	// PollBackoff is the pause after a failed poll (default: 1 second)
	PollBackoff time.Duration
}

// PaymentStatusConsumer applies payment.status records to bookings.
// Every polled record is committed once it is applied, skipped or dead-lettered.
type PaymentStatusConsumer struct {
	config   *PaymentStatusConsumerConfig
	source   RecordSource
	payments PaymentUpdater
	dlq      *retry.DLQHandler
	log      *logger.Logger
}

// NewPaymentStatusConsumer creates a new payment status consumer
func NewPaymentStatusConsumer(
	cfg *PaymentStatusConsumerConfig,
	source RecordSource,
	payments PaymentUpdater,
	dlq retry.DLQPublisher,
	log *logger.Logger,
) *PaymentStatusConsumer {
	if cfg == nil {
		cfg = &PaymentStatusConsumerConfig{}
	}
	if cfg.Topic == "" {
		cfg.Topic = TopicPaymentStatus
	}
	if cfg.Retry == nil {
		cfg.Retry = &retry.Config{
			MaxRetries:      3,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			Multiplier:      2.0,
			JitterFactor:    0.1,
		}
	}
	if cfg.PollBackoff <= 0 {
		cfg.PollBackoff = time.Second
	}
	if log == nil {
		log = logger.Get()
	}

	c := &PaymentStatusConsumer{config: cfg, source: source, payments: payments, log: log}
	c.dlq = retry.NewDLQHandler(dlq, cfg.Retry, func(msg *retry.DLQMessage) {
		log.Warn(fmt.Sprintf("Moving payment status record %s to DLQ: %s", msg.ID, msg.Error))
	})
	return c
}

// Start consumes until ctx is done
func (c *PaymentStatusConsumer) Start(ctx context.Context) error {
	c.log.Info(fmt.Sprintf("Payment status consumer started, listening to topic: %s", c.config.Topic))

	for {
		if ctx.Err() != nil {
			c.log.Info("Payment status consumer stopping...")
			return nil
		}
		if err := c.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error(fmt.Sprintf("Payment status poll failed: %v", err))
			select {
			case <-ctx.Done():
			case <-time.After(c.config.PollBackoff):
			}
		}
	}
}

// PollOnce handles one batch of records and commits it
func (c *PaymentStatusConsumer) PollOnce(ctx context.Context) error {
	records, err := c.source.Poll(ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	done := make([]*kafka.Record, 0, len(records))
	for _, record := range records {
		if ctx.Err() != nil {
			break
		}
		if err := c.handle(ctx, record); err != nil {
			// DLQ publish failed; leave the rest uncommitted so they are redelivered
			c.log.Error(fmt.Sprintf("Failed to handle payment status record at offset %d: %v", record.Offset, err))
			break
		}
		done = append(done, record)
	}

	if err := c.source.CommitRecords(context.WithoutCancel(ctx), done); err != nil {
		return fmt.Errorf("failed to commit payment status records: %w", err)
	}
	return nil
}

// handle returns an error only when the record could neither be applied nor parked
func (c *PaymentStatusConsumer) handle(ctx context.Context, record *kafka.Record) error {
	msg := &retry.MessageContext{
		ID:      fmt.Sprintf("%s-%d-%d", record.Topic, record.Partition, record.Offset),
		Topic:   record.Topic,
		Key:     string(record.Key),
		Payload: record.Value,
	}

	err := c.dlq.ProcessWithDLQ(ctx, msg, func(ctx context.Context) error {
		var payload PaymentStatusMessage
		if err := json.Unmarshal(record.Value, &payload); err != nil {
			return retry.Permanent(fmt.Errorf("invalid payment status payload: %w", err))
		}
		if payload.BookingID == "" {
			return retry.Permanent(errors.New("payment status without booking_id"))
		}

		err := c.payments.UpdatePaymentStatus(ctx, payload.BookingID, payload.Status)
		switch {
		case err == nil:
			c.log.Info(fmt.Sprintf("Payment status %s applied to booking %s", payload.Status, payload.BookingID))
			return nil
		case errors.Is(err, domain.ErrBookingNotFound), errors.Is(err, domain.ErrInvalidPaymentTransition):
			c.log.Warn(fmt.Sprintf("Skipping payment status %s for booking %s: %v", payload.Status, payload.BookingID, err))
			return nil
		case domain.IsRetryable(err):
			return err
		default:
			return retry.Permanent(err)
		}
	})
	if errors.Is(err, retry.ErrDLQPublishFailed) {
		return err
	}
	// applied, skipped or parked
	return nil
}
