package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// DLQMessage is a message that exhausted its retries
type DLQMessage struct {
	ID             string            `json:"id"`
	OriginalTopic  string            `json:"original_topic"`
	OriginalKey    string            `json:"original_key"`
	Payload        json.RawMessage   `json:"payload"`
	Headers        map[string]string `json:"headers,omitempty"`
	Error          string            `json:"error"`
	Attempts       int               `json:"attempts"`
	FirstAttemptAt time.Time         `json:"first_attempt_at"`
	LastAttemptAt  time.Time         `json:"last_attempt_at"`
	MovedToDLQAt   time.Time         `json:"moved_to_dlq_at"`
	Source         string            `json:"source"`
}

// DLQPublisher publishes failed messages to a dead letter queue
type DLQPublisher interface {
	PublishToDLQ(ctx context.Context, msg *DLQMessage) error
}

// JSONProducer is the subset of a Kafka producer the DLQ needs
type JSONProducer interface {
	ProduceJSON(ctx context.Context, topic, key string, value interface{}, headers map[string]string) error
}

// DLQConfig contains configuration for DLQ publishing
type DLQConfig struct {
	// TopicSuffix is appended to the original topic (default: ".dlq")
	TopicSuffix string
	// Source names the service moving messages
	Source string
}

// KafkaDLQPublisher writes failed messages to <topic><suffix>
type KafkaDLQPublisher struct {
	producer JSONProducer
	config   DLQConfig
}

// NewKafkaDLQPublisher creates a new Kafka DLQ publisher
func NewKafkaDLQPublisher(producer JSONProducer, config *DLQConfig) *KafkaDLQPublisher {
	c := DLQConfig{TopicSuffix: ".dlq", Source: "unknown"}
	if config != nil {
		if config.TopicSuffix != "" {
			c.TopicSuffix = config.TopicSuffix
		}
		if config.Source != "" {
			c.Source = config.Source
		}
	}
	return &KafkaDLQPublisher{producer: producer, config: c}
}

// Topic returns the DLQ topic for an original topic
func (p *KafkaDLQPublisher) Topic(originalTopic string) string {
	return originalTopic + p.config.TopicSuffix
}

// PublishToDLQ publishes a message to the dead letter queue
func (p *KafkaDLQPublisher) PublishToDLQ(ctx context.Context, msg *DLQMessage) error {
	if msg == nil {
		return fmt.Errorf("DLQ message cannot be nil")
	}

	msg.MovedToDLQAt = time.Now()
	msg.Source = p.config.Source

	headers := map[string]string{
		"content_type":   "application/json",
		"original_topic": msg.OriginalTopic,
		"error":          msg.Error,
		"attempts":       strconv.Itoa(msg.Attempts),
		"source":         msg.Source,
	}
	for k, v := range msg.Headers {
		if _, exists := headers[k]; !exists {
			headers["original_"+k] = v
		}
	}

	return p.producer.ProduceJSON(ctx, p.Topic(msg.OriginalTopic), msg.OriginalKey, msg, headers)
}

// NoOpDLQPublisher discards messages
type NoOpDLQPublisher struct{}

// PublishToDLQ does nothing
func (NoOpDLQPublisher) PublishToDLQ(ctx context.Context, msg *DLQMessage) error {
	return nil
}

// MessageContext identifies the message an operation is delivering
type MessageContext struct {
	ID      string
	Topic   string
	Key     string
	Payload json.RawMessage
	Headers map[string]string
}

// DLQHandler retries an operation and parks the message on exhaustion
type DLQHandler struct {
	retrier   *Retrier
	publisher DLQPublisher
	onDLQ     func(msg *DLQMessage)
}

// NewDLQHandler creates a handler; onDLQ may be nil
func NewDLQHandler(publisher DLQPublisher, retryConfig *Config, onDLQ func(msg *DLQMessage)) *DLQHandler {
	if publisher == nil {
		publisher = NoOpDLQPublisher{}
	}
	return &DLQHandler{
		retrier:   New(retryConfig),
		publisher: publisher,
		onDLQ:     onDLQ,
	}
}

// ProcessWithDLQ runs op with retries; on failure the message goes to the DLQ and the retry error is returned
func (h *DLQHandler) ProcessWithDLQ(ctx context.Context, msg *MessageContext, op Operation) error {
	first := time.Now()
	result := h.retrier.Do(ctx, op)
	if result.Err == nil {
		return nil
	}

	errMsg := result.Err.Error()
	if result.LastError != nil {
		errMsg = result.LastError.Error()
	}

	dlqMsg := &DLQMessage{
		ID:             msg.ID,
		OriginalTopic:  msg.Topic,
		OriginalKey:    msg.Key,
		Payload:        msg.Payload,
		Headers:        msg.Headers,
		Error:          errMsg,
		Attempts:       result.Attempts,
		FirstAttemptAt: first,
		LastAttemptAt:  time.Now(),
	}

	if h.onDLQ != nil {
		h.onDLQ(dlqMsg)
	}

	if err := h.publisher.PublishToDLQ(context.WithoutCancel(ctx), dlqMsg); err != nil {
		return fmt.Errorf("%w: %w (original error: %s)", ErrDLQPublishFailed, err, errMsg)
	}
	return result.Err
}
