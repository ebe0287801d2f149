// internal/publish/redis.go
package publish

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/services/pricing-stream/pkg/backoff"
	"github.com/YaganovValera/analytics-system/services/pricing-stream/pkg/logger"
)

const sinkRedis = "redis"

// RedisConfig: параметры Redis pub/sub sink'а.
type RedisConfig struct {
	Addr     string         `mapstructure:"addr"`
	Password string         `mapstructure:"password"`
	DB       int            `mapstructure:"db"`
	Channel  string         `mapstructure:"channel"`
	Backoff  backoff.Config `mapstructure:"backoff"`
}

func (c *RedisConfig) applyDefaults() {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:6379"
	}
	if c.Channel == "" {
		c.Channel = "pricing.stream"
	}
	if c.Backoff.MaxElapsedTime <= 0 {
		c.Backoff.MaxElapsedTime = defaultConnectBudget
	}
}

// RedisSink делает PUBLISH на каждый payload. Вызов сетевой, поэтому
// снаружи sink оборачивается в Async.
type RedisSink struct {
	client  *redis.Client
	channel string
	log     *logger.Logger
}

// DialRedis создаёт клиента и ждёт успешного PING (с back-off).
func DialRedis(ctx context.Context, cfg RedisConfig, log *logger.Logger) (*RedisSink, error) {
	cfg.applyDefaults()
	log = log.Named("redis-sink")

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, span := tracer.Start(ctx, "redis.Connect", trace.WithAttributes(attribute.String("addr", cfg.Addr)))
	defer span.End()

	ping := func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
	if err := backoff.Execute(ctx, "redis-connect", cfg.Backoff, log, ping); err != nil {
		span.RecordError(err)
		_ = client.Close()
		return nil, &BindError{Sink: sinkRedis, Addr: cfg.Addr, Err: err}
	}

	log.Info("redis sink ready", zap.String("addr", cfg.Addr), zap.String("channel", cfg.Channel))
	return &RedisSink{client: client, channel: cfg.Channel, log: log}, nil
}

func (s *RedisSink) Publish(ctx context.Context, msg Message) error {
	if err := s.client.Publish(ctx, s.channel, msg.Payload).Err(); err != nil {
		return &PublishError{Sink: sinkRedis, Err: fmt.Errorf("channel %s: %w", s.channel, err)}
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
