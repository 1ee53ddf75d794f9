package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prohmpiriya/booking-core/internal/domain"
	"github.com/prohmpiriya/booking-core/pkg/kafka"
	"github.com/prohmpiriya/booking-core/pkg/logger"
	"github.com/prohmpiriya/booking-core/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockRecordSource is a mock implementation of RecordSource
type MockRecordSource struct {
	mock.Mock
}

func (m *MockRecordSource) Poll(ctx context.Context) ([]*kafka.Record, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*kafka.Record), args.Error(1)
}

func (m *MockRecordSource) CommitRecords(ctx context.Context, records []*kafka.Record) error {
	args := m.Called(ctx, records)
	return args.Error(0)
}

// MockPaymentUpdater is a mock implementation of PaymentUpdater
type MockPaymentUpdater struct {
	mock.Mock
}

func (m *MockPaymentUpdater) UpdatePaymentStatus(ctx context.Context, bookingID string, status domain.PaymentStatus) error {
	args := m.Called(ctx, bookingID, status)
	return args.Error(0)
}

func paymentRecord(offset int64, value string) *kafka.Record {
	return &kafka.Record{
		Topic:  TopicPaymentStatus,
		Offset: offset,
		Key:    []byte(fmt.Sprintf("key-%d", offset)),
		Value:  []byte(value),
	}
}

func fastConsumerConfig() *PaymentStatusConsumerConfig {
	return &PaymentStatusConsumerConfig{
		Retry: &retry.Config{
			MaxRetries:      1,
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
			Multiplier:      1,
		},
		PollBackoff: time.Millisecond,
	}
}

func TestPaymentStatusConsumer_PollOnce(t *testing.T) {
	source := new(MockRecordSource)
	payments := new(MockPaymentUpdater)
	dlq := &recordingDLQ{}
	c := NewPaymentStatusConsumer(fastConsumerConfig(), source, payments, dlq, logger.NewNop())

	records := []*kafka.Record{
		paymentRecord(1, `{"booking_id":"b-1","status":"paid"}`),
		paymentRecord(2, `not json`),
		paymentRecord(3, `{"booking_id":"b-missing","status":"paid"}`),
		paymentRecord(4, `{"booking_id":"b-2","status":"payment_failed"}`),
	}
	source.On("Poll", mock.Anything).Return(records, nil).Once()
	source.On("CommitRecords", mock.Anything, records).Return(nil).Once()

	payments.On("UpdatePaymentStatus", mock.Anything, "b-1", domain.PaymentStatusPaid).Return(nil).Once()
	payments.On("UpdatePaymentStatus", mock.Anything, "b-missing", domain.PaymentStatusPaid).Return(domain.ErrBookingNotFound).Once()
	payments.On("UpdatePaymentStatus", mock.Anything, "b-2", domain.PaymentStatusFailed).
		Return(fmt.Errorf("bookings update: %w", domain.ErrStoreUnavailable)).Twice()

	require.NoError(t, c.PollOnce(context.Background()))

	require.Len(t, dlq.messages, 2)
	assert.Equal(t, "key-2", dlq.messages[0].OriginalKey)
	assert.Equal(t, 1, dlq.messages[0].Attempts)
	assert.Equal(t, "key-4", dlq.messages[1].OriginalKey)
	assert.Equal(t, 2, dlq.messages[1].Attempts)

	source.AssertExpectations(t)
	payments.AssertExpectations(t)
}

func TestPaymentStatusConsumer_DLQFailureStopsCommit(t *testing.T) {
	source := new(MockRecordSource)
	payments := new(MockPaymentUpdater)
	dlq := &recordingDLQ{err: errors.New("dlq down")}
	c := NewPaymentStatusConsumer(fastConsumerConfig(), source, payments, dlq, logger.NewNop())

	good := paymentRecord(1, `{"booking_id":"b-1","status":"paid"}`)
	bad := paymentRecord(2, `{}`)
	after := paymentRecord(3, `{"booking_id":"b-3","status":"paid"}`)

	source.On("Poll", mock.Anything).Return([]*kafka.Record{good, bad, after}, nil).Once()
	source.On("CommitRecords", mock.Anything, []*kafka.Record{good}).Return(nil).Once()
	payments.On("UpdatePaymentStatus", mock.Anything, "b-1", domain.PaymentStatusPaid).Return(nil).Once()

	require.NoError(t, c.PollOnce(context.Background()))
	source.AssertExpectations(t)
	payments.AssertNotCalled(t, "UpdatePaymentStatus", mock.Anything, "b-3", mock.Anything)
}

func TestPaymentStatusConsumer_Start(t *testing.T) {
	source := new(MockRecordSource)
	payments := new(MockPaymentUpdater)
	c := NewPaymentStatusConsumer(fastConsumerConfig(), source, payments, nil, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	source.On("Poll", mock.Anything).Return(nil, errors.New("broker unreachable")).Once()
	source.On("Poll", mock.Anything).Run(func(mock.Arguments) { cancel() }).Return(nil, context.Canceled)

	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}
