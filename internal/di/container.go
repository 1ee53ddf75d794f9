package di

import (
	"context"
	"fmt"

	"github.com/prohmpiriya/booking-core/internal/domain"
	"github.com/prohmpiriya/booking-core/internal/handler"
	"github.com/prohmpiriya/booking-core/internal/ledger"
	"github.com/prohmpiriya/booking-core/internal/lock"
	"github.com/prohmpiriya/booking-core/internal/metrics"
	"github.com/prohmpiriya/booking-core/internal/notify"
	"github.com/prohmpiriya/booking-core/internal/repository"
	"github.com/prohmpiriya/booking-core/internal/service"
	"github.com/prohmpiriya/booking-core/internal/worker"
	"github.com/prohmpiriya/booking-core/pkg/circuitbreaker"
	"github.com/prohmpiriya/booking-core/pkg/config"
	"github.com/prohmpiriya/booking-core/pkg/database"
	"github.com/prohmpiriya/booking-core/pkg/kafka"
	"github.com/prohmpiriya/booking-core/pkg/logger"
	"github.com/prohmpiriya/booking-core/pkg/middleware"
	"github.com/prohmpiriya/booking-core/pkg/redis"
	"github.com/prohmpiriya/booking-core/pkg/retry"
	"go.uber.org/zap"
)

// Container holds all dependencies for booking-core
type Container struct {
	// Infrastructure
	DB       *database.PostgresDB
	Redis    *redis.Client
	Producer *kafka.Producer
	Consumer *kafka.Consumer

	// Breakers, by guarded dependency
	Breakers []*circuitbreaker.CircuitBreaker

	// Stores
	Inventory repository.InventoryRepository
	Bookings  repository.BookingRepository
	Queue     repository.QueueRepository
	Locks     lock.LockManager

	// Core
	Ledger         *ledger.Ledger
	Admission      *service.AdmissionService
	BookingService service.BookingService
	Publisher      *service.ChannelEventPublisher
	Sink           notify.Sink

	// Workers; PaymentConsumer is nil without a Kafka consumer
	EventDispatcher *worker.EventDispatcher
	QueueProcessor  *worker.QueueProcessor
	PaymentConsumer *worker.PaymentStatusConsumer

	// Handlers
	HealthHandler  *handler.HealthHandler
	BookingHandler *handler.BookingHandler
}

// ContainerConfig contains configuration for building the container.
// A nil DB or Redis falls back to the in-memory stores.
type ContainerConfig struct {
	Config   *config.Config
	DB       *database.PostgresDB
	Redis    *redis.Client
	Producer *kafka.Producer
	Consumer *kafka.Consumer
	// Sink overrides the sink selected by Config.Events.Sink
	Sink   notify.Sink
	Logger *logger.Logger
}

// NewContainer creates a new dependency injection container
func NewContainer(ctx context.Context, cfg *ContainerConfig) (*Container, error) {
	if cfg == nil || cfg.Config == nil {
		return nil, fmt.Errorf("container config is required")
	}
	appCfg := cfg.Config
	log := cfg.Logger
	if log == nil {
		log = logger.Get()
	}

	c := &Container{
		DB:       cfg.DB,
		Redis:    cfg.Redis,
		Producer: cfg.Producer,
		Consumer: cfg.Consumer,
	}

	metrics.Init()

	if err := c.initStores(ctx, appCfg, log); err != nil {
		return nil, err
	}

	// Sink
	c.Sink = cfg.Sink
	if c.Sink == nil {
		sink, err := NewSink(appCfg, c.Producer, log)
		if err != nil {
			return nil, err
		}
		c.Sink = sink
	}

	// Core
	c.Ledger = ledger.New(c.Inventory, c.Bookings, &ledger.Config{
		BufferWindow:     appCfg.Ledger.BufferWindow,
		DeliveryCapacity: appCfg.Ledger.DeliveryCapacity,
	})
	c.Publisher = service.NewChannelEventPublisher(appCfg.Events.BufferSize, log)
	c.Admission = service.NewAdmissionService(
		c.Inventory,
		c.Bookings,
		c.Locks,
		c.Ledger,
		NewQueuePolicy(&appCfg.Admission),
		c.Publisher,
		log,
		&service.AdmissionConfig{LockTTL: appCfg.Lock.TTL},
	)
	c.BookingService = service.NewBookingService(
		c.Admission,
		c.Inventory,
		c.Bookings,
		c.Queue,
		c.Locks,
		c.Ledger,
		c.Publisher,
		log,
		&service.BookingServiceConfig{
			QueueEntryTTL: appCfg.Admission.QueueEntryTTL,
			LockTTL:       appCfg.Lock.TTL,
			LockRetry: &retry.Config{
				MaxRetries:      appCfg.Lock.CancelMaxRetries,
				InitialInterval: appCfg.Lock.CancelRetryWait,
				MaxInterval:     10 * appCfg.Lock.CancelRetryWait,
				Multiplier:      2.0,
				JitterFactor:    0.2,
			},
		},
	)

	// Workers
	var dlq retry.DLQPublisher = retry.NoOpDLQPublisher{}
	if c.Producer != nil {
		dlq = retry.NewKafkaDLQPublisher(c.Producer, &retry.DLQConfig{
			TopicSuffix: appCfg.Kafka.DLQSuffix,
			Source:      appCfg.App.Name,
		})
	}
	c.EventDispatcher = worker.NewEventDispatcher(nil, c.Sink, dlq, log)
	c.QueueProcessor = worker.NewQueueProcessor(&worker.QueueProcessorConfig{
		Interval:    appCfg.Queue.Interval,
		BatchSize:   appCfg.Queue.BatchSize,
		MaxAttempts: appCfg.Queue.MaxAttempts,
		LeaseTTL:    appCfg.Lock.TTL,
	}, c.Queue, c.Locks, c.Admission, c.Publisher, log)
	if c.Consumer != nil {
		c.PaymentConsumer = worker.NewPaymentStatusConsumer(&worker.PaymentStatusConsumerConfig{
			Topic: appCfg.Kafka.PaymentTopic,
		}, c.Consumer, c.BookingService, dlq, log)
	}

	// Handlers
	checks := map[string]handler.HealthChecker{"database": nil, "redis": nil}
	if c.DB != nil {
		checks["database"] = c.DB
	}
	if c.Redis != nil {
		checks["redis"] = c.Redis
	}
	c.HealthHandler = handler.NewHealthHandler(checks)
	c.BookingHandler = handler.NewBookingHandler(c.BookingService)

	return c, nil
}

func (c *Container) initStores(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	timeout := cfg.Breaker.StoreTimeout

	if c.DB != nil {
		pg := c.newBreaker("postgres", &cfg.Breaker, log)
		c.Inventory = repository.NewResilientInventoryRepository(repository.NewPostgresInventoryRepository(c.DB.Pool()), pg, timeout)
		c.Bookings = repository.NewResilientBookingRepository(repository.NewPostgresBookingRepository(c.DB.Pool()), pg, timeout)
	} else {
		log.Warn("No database configured, using in-memory inventory and bookings")
		c.Inventory = repository.NewMemoryInventoryRepository(nil)
		c.Bookings = repository.NewMemoryBookingRepository()
	}

	if c.Redis == nil {
		log.Warn("No Redis configured, using in-memory queue and locks")
		c.Queue = repository.NewMemoryQueueRepository()
		c.Locks = lock.NewMemoryLockManager(nil)
		return nil
	}

	queue := repository.NewRedisQueueRepository(c.Redis)
	locks := lock.NewRedisLockManager(c.Redis)
	if err := queue.LoadScripts(ctx); err != nil {
		log.Warn(fmt.Sprintf("Failed to pre-load queue scripts: %v", err))
	}
	if err := locks.LoadScripts(ctx); err != nil {
		log.Warn(fmt.Sprintf("Failed to pre-load lock scripts: %v", err))
	}
	c.Queue = repository.NewResilientQueueRepository(queue, c.newBreaker("redis-queue", &cfg.Breaker, log), timeout)
	c.Locks = lock.NewResilientLockManager(locks, c.newBreaker("redis-lock", &cfg.Breaker, log), timeout)
	return nil
}

func (c *Container) newBreaker(name string, cfg *config.BreakerConfig, log *logger.Logger) *circuitbreaker.CircuitBreaker {
	cb := circuitbreaker.New(name, &circuitbreaker.Config{
		FailureThreshold: cfg.FailureThreshold,
		Window:           cfg.Window,
		Cooldown:         cfg.Cooldown,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			metrics.BreakerStateChanged(name, from, to)
			log.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	c.Breakers = append(c.Breakers, cb)
	return cb
}

// IdempotencyStore returns the Redis client for the submit idempotency middleware, or nil
func (c *Container) IdempotencyStore() middleware.RedisClient {
	if c.Redis == nil {
		return nil
	}
	return c.Redis
}

// NewQueuePolicy builds the reject-vs-queue policy from configuration
func NewQueuePolicy(cfg *config.AdmissionConfig) *service.DefaultQueuePolicy {
	policy := service.NewDefaultQueuePolicy()
	if len(cfg.QueueCategories) > 0 {
		policy.Categories = make([]domain.Category, 0, len(cfg.QueueCategories))
		for _, name := range cfg.QueueCategories {
			policy.Categories = append(policy.Categories, domain.Category(name))
		}
	}
	policy.QueueNonReplenishable = cfg.QueueNonReplenishable
	if cfg.MaxQueueHorizon > 0 {
		policy.MaxHorizon = cfg.MaxQueueHorizon
	}
	return policy
}

// NewSink selects the outbound event sink named by cfg.Events.Sink
func NewSink(cfg *config.Config, producer *kafka.Producer, log *logger.Logger) (notify.Sink, error) {
	switch cfg.Events.Sink {
	case "kafka":
		if producer == nil {
			return nil, fmt.Errorf("events sink kafka requires a Kafka producer")
		}
		// the producer is owned by the container and closed in Close
		return notify.NewKafkaSink(producer, cfg.Kafka.EventsTopic, nil), nil
	case "rabbitmq":
		sink, err := notify.DialRabbitMQSink(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.ExchangeType)
		if err != nil {
			return nil, fmt.Errorf("failed to connect RabbitMQ sink: %w", err)
		}
		return sink, nil
	default:
		return notify.NewLogSink(log), nil
	}
}

// Close releases what the container opened. Connections passed in through
// ContainerConfig are closed too, Kafka last so the dispatcher can flush.
func (c *Container) Close() {
	if c.Publisher != nil {
		c.Publisher.Close()
	}
	if c.Sink != nil {
		_ = c.Sink.Close()
	}
	if c.Consumer != nil {
		c.Consumer.Close()
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if c.DB != nil {
		c.DB.Close()
	}
	if c.Producer != nil {
		c.Producer.Close()
	}
}
