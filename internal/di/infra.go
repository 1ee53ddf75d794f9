package di

import (
	"context"
	"fmt"
	"time"

	"github.com/prohmpiriya/booking-core/pkg/config"
	"github.com/prohmpiriya/booking-core/pkg/database"
	"github.com/prohmpiriya/booking-core/pkg/kafka"
	"github.com/prohmpiriya/booking-core/pkg/logger"
	pkgredis "github.com/prohmpiriya/booking-core/pkg/redis"
)

// ConnectOptions selects the connections a process needs
type ConnectOptions struct {
	// Kafka opens a producer for the event sink and the DLQ
	Kafka bool
	// PaymentConsumer opens a group consumer on the payment status topic
	PaymentConsumer bool
}

// Connect opens the stores and brokers named by cfg. Postgres and Redis are
// required; Kafka failures degrade to no producer unless the sink is kafka.
func Connect(ctx context.Context, cfg *config.Config, opts ConnectOptions, log *logger.Logger) (*ContainerConfig, error) {
	out := &ContainerConfig{Config: cfg, Logger: log}

	dbCfg := &database.PostgresConfig{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.DBName,
		SSLMode:         cfg.Database.SSLMode,
		MaxConns:        int32(cfg.Database.MaxOpenConns),
		MinConns:        int32(cfg.Database.MaxIdleConns),
		MaxConnLifetime: cfg.Database.ConnMaxLifetime,
		MaxConnIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnectTimeout:  5 * time.Second,
		MaxRetries:      3,
		RetryInterval:   time.Second,
		EnableTracing:   cfg.OTel.Enabled,
	}
	db, err := database.NewPostgres(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	out.DB = db
	log.Info(fmt.Sprintf("Database connected (pool: min=%d, max=%d)", dbCfg.MinConns, dbCfg.MaxConns))

	redisCfg := &pkgredis.Config{
		Host:          cfg.Redis.Host,
		Port:          cfg.Redis.Port,
		Password:      cfg.Redis.Password,
		DB:            cfg.Redis.DB,
		PoolSize:      cfg.Redis.PoolSize,
		MinIdleConns:  cfg.Redis.MinIdleConns,
		DialTimeout:   cfg.Redis.DialTimeout,
		ReadTimeout:   cfg.Redis.ReadTimeout,
		WriteTimeout:  cfg.Redis.WriteTimeout,
		MaxRetries:    3,
		RetryInterval: time.Second,
	}
	redisClient, err := pkgredis.NewClient(ctx, redisCfg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	out.Redis = redisClient
	log.Info(fmt.Sprintf("Redis connected (pool: %d, minIdle: %d)", redisCfg.PoolSize, redisCfg.MinIdleConns))

	if opts.Kafka {
		producer, err := kafka.NewProducer(ctx, &kafka.ProducerConfig{
			Brokers:       cfg.Kafka.Brokers,
			ClientID:      cfg.Kafka.ClientID,
			MaxRetries:    3,
			RetryInterval: 2 * time.Second,
			BatchSize:     1000,
			LingerMs:      10,
		})
		switch {
		case err == nil:
			out.Producer = producer
			log.Info("Kafka producer connected")
		case cfg.Events.Sink == "kafka":
			out.close()
			return nil, fmt.Errorf("kafka connection failed: %w", err)
		default:
			log.Warn(fmt.Sprintf("Kafka connection failed, dead letters will be discarded: %v", err))
		}
	}

	if opts.PaymentConsumer {
		consumer, err := kafka.NewConsumer(ctx, &kafka.ConsumerConfig{
			Brokers:  cfg.Kafka.Brokers,
			GroupID:  cfg.Kafka.ConsumerGroup,
			Topics:   []string{cfg.Kafka.PaymentTopic},
			ClientID: cfg.Kafka.ClientID + "-payments",
		})
		if err != nil {
			log.Warn(fmt.Sprintf("Payment status consumer disabled: %v", err))
		} else {
			out.Consumer = consumer
			log.Info(fmt.Sprintf("Kafka consumer joined group %s on %s", cfg.Kafka.ConsumerGroup, cfg.Kafka.PaymentTopic))
		}
	}

	return out, nil
}

func (c *ContainerConfig) close() {
	if c.Consumer != nil {
		c.Consumer.Close()
	}
	if c.Producer != nil {
		c.Producer.Close()
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if c.DB != nil {
		c.DB.Close()
	}
}
