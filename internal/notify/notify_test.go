package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prohmpiriya/booking-core/internal/domain"
	"github.com/prohmpiriya/booking-core/pkg/logger"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockProducer is a mock implementation of JSONProducer
type MockProducer struct {
	mock.Mock
}

func (m *MockProducer) ProduceJSON(ctx context.Context, topic, key string, value interface{}, headers map[string]string) error {
	args := m.Called(ctx, topic, key, value, headers)
	return args.Error(0)
}

// fakeChannel records publishes
type fakeChannel struct {
	published []amqp.Publishing
	keys      []string
	err       error
	closed    bool
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if c.err != nil {
		return c.err
	}
	c.keys = append(c.keys, exchange+"/"+key)
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

func testEvent() *domain.Event {
	e := domain.NewEvent(domain.EventBookingConfirmed, "tents", time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	e.BookingID = "booking-1"
	e.Quantity = 2
	return e
}

func TestKafkaSink_Send(t *testing.T) {
	producer := new(MockProducer)
	event := testEvent()

	producer.On("ProduceJSON", mock.Anything, "booking.events", "tents", event, mock.MatchedBy(func(h map[string]string) bool {
		return h["event_type"] == "booking.confirmed" && h["event_id"] == event.ID
	})).Return(nil).Once()

	closed := false
	sink := NewKafkaSink(producer, "", func() { closed = true })
	require.NoError(t, sink.Send(context.Background(), event))
	assert.Equal(t, "booking.events", sink.Destination())
	require.NoError(t, sink.Close())
	assert.True(t, closed)
	producer.AssertExpectations(t)
}

func TestKafkaSink_SendError(t *testing.T) {
	producer := new(MockProducer)
	producer.On("ProduceJSON", mock.Anything, "events", mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("broker down"))

	sink := NewKafkaSink(producer, "events", nil)
	err := sink.Send(context.Background(), testEvent())
	assert.ErrorContains(t, err, "broker down")
}

func TestRabbitMQSink_Send(t *testing.T) {
	channel := &fakeChannel{}
	sink := NewRabbitMQSink(channel, "booking")
	event := testEvent()

	require.NoError(t, sink.Send(context.Background(), event))
	require.Len(t, channel.published, 1)
	assert.Equal(t, []string{"booking/booking.confirmed"}, channel.keys)

	msg := channel.published[0]
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, event.ID, msg.MessageId)

	var decoded domain.Event
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, event.BookingID, decoded.BookingID)
	assert.Equal(t, 2, decoded.Quantity)

	require.NoError(t, sink.Close())
	assert.True(t, channel.closed)
}

func TestRabbitMQSink_SendError(t *testing.T) {
	sink := NewRabbitMQSink(&fakeChannel{err: amqp.ErrClosed}, "")
	assert.ErrorIs(t, sink.Send(context.Background(), testEvent()), amqp.ErrClosed)
	assert.Equal(t, "booking.events", sink.Destination())
}

func TestLogSink(t *testing.T) {
	sink := NewLogSink(logger.NewNop())
	assert.NoError(t, sink.Send(context.Background(), testEvent()))
	assert.Equal(t, "log", sink.Destination())
	assert.NoError(t, sink.Close())
}
