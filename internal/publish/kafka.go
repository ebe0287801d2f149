// internal/publish/kafka.go
package publish

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/dnwe/otelsarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/services/pricing-stream/internal/metrics"
	"github.com/YaganovValera/analytics-system/services/pricing-stream/internal/model"
	"github.com/YaganovValera/analytics-system/services/pricing-stream/pkg/backoff"
	"github.com/YaganovValera/analytics-system/services/pricing-stream/pkg/logger"
)

const sinkKafka = "kafka"

// KafkaConfig: параметры Kafka-sink'а (async-продьюсер).
type KafkaConfig struct {
	// Brokers: список адресов Kafka-брокеров.
	Brokers []string `mapstructure:"brokers"`

	Topic string `mapstructure:"topic"`

	// RequiredAcks: "all" | "leader" (дефолт) | "none".
	RequiredAcks string `mapstructure:"required_acks"`

	// Timeout: максимальное время ожидания ack от кластера.
	Timeout time.Duration `mapstructure:"timeout"`

	// Compression: "none" (дефолт), "gzip", "snappy", "lz4", "zstd".
	Compression string `mapstructure:"compression"`

	// FlushFrequency: периодическое «смывание» буфера продьюсера. Ноль → disable.
	FlushFrequency time.Duration `mapstructure:"flush_frequency"`

	// QueueSize: размер внутренних каналов sarama (ChannelBufferSize).
	QueueSize int `mapstructure:"queue_size"`

	// Backoff: ретраи подключения при старте.
	Backoff backoff.Config `mapstructure:"backoff"`
}

func (c *KafkaConfig) applyDefaults() {
	if c.Topic == "" {
		c.Topic = "pricing.stream"
	}
	if c.RequiredAcks == "" {
		c.RequiredAcks = "leader"
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Compression == "" {
		c.Compression = "none"
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Backoff.MaxElapsedTime <= 0 {
		c.Backoff.MaxElapsedTime = defaultConnectBudget
	}
}

func (c KafkaConfig) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka sink: brokers required")
	}
	return nil
}

func buildSaramaConfig(c KafkaConfig) (*sarama.Config, error) {
	sc := sarama.NewConfig()

	switch strings.ToLower(c.RequiredAcks) {
	case "all":
		sc.Producer.RequiredAcks = sarama.WaitForAll
	case "leader":
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	case "none":
		sc.Producer.RequiredAcks = sarama.NoResponse
	default:
		return nil, fmt.Errorf("kafka sink: invalid RequiredAcks %q", c.RequiredAcks)
	}

	// успехи не читаем, ошибки разбирает drainErrors
	sc.Producer.Return.Successes = false
	sc.Producer.Return.Errors = true
	sc.Producer.Timeout = c.Timeout
	sc.ChannelBufferSize = c.QueueSize
	if c.FlushFrequency > 0 {
		sc.Producer.Flush.Frequency = c.FlushFrequency
	}

	switch strings.ToLower(c.Compression) {
	case "none":
		sc.Producer.Compression = sarama.CompressionNone
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		return nil, fmt.Errorf("kafka sink: invalid Compression %q", c.Compression)
	}
	return sc, nil
}

// KafkaSink отправляет записи через sarama.AsyncProducer. Ключ сообщения:
// инструмент, поэтому котировки одного инструмента идут в одну партицию.
type KafkaSink struct {
	prod  sarama.AsyncProducer
	topic string
	log   *logger.Logger
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// DialKafka создаёт продьюсер с back-off-подключением и otel-обёрткой.
func DialKafka(ctx context.Context, cfg KafkaConfig, log *logger.Logger) (*KafkaSink, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("kafka-sink")

	sc, err := buildSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "kafka.Connect",
		trace.WithAttributes(attribute.StringSlice("brokers", cfg.Brokers)))
	defer span.End()

	var prod sarama.AsyncProducer
	connect := func(ctx context.Context) error {
		p, err := sarama.NewAsyncProducer(cfg.Brokers, sc)
		if err != nil {
			return err
		}
		prod = p
		return nil
	}
	if err := backoff.Execute(ctx, "kafka-connect", cfg.Backoff, log, connect); err != nil {
		span.RecordError(err)
		return nil, &BindError{Sink: sinkKafka, Addr: strings.Join(cfg.Brokers, ","), Err: err}
	}

	log.Info("kafka sink ready", zap.Strings("brokers", cfg.Brokers), zap.String("topic", cfg.Topic))
	return newKafkaSink(otelsarama.WrapAsyncProducer(sc, prod), cfg.Topic, log), nil
}

func newKafkaSink(prod sarama.AsyncProducer, topic string, log *logger.Logger) *KafkaSink {
	k := &KafkaSink{
		prod:  prod,
		topic: topic,
		log:   log,
		done:  make(chan struct{}),
	}
	go k.drainErrors()
	return k
}

func (k *KafkaSink) drainErrors() {
	defer close(k.done)
	for perr := range k.prod.Errors() {
		metrics.PublishErrors.WithLabelValues(sinkKafka).Inc()
		k.log.Warn("async produce failed", zap.String("topic", perr.Msg.Topic), zap.Error(perr.Err))
	}
}

// Publish передаёт сообщение продьюсеру и ждёт, пока его примут во входной
// канал. Стрим не ждёт: Build оборачивает sink в Async.
func (k *KafkaSink) Publish(ctx context.Context, msg Message) error {
	pm := &sarama.ProducerMessage{
		Topic: k.topic,
		Value: sarama.ByteEncoder(msg.Payload),
	}
	if p, ok := msg.Record.(*model.PriceUpdate); ok {
		pm.Key = sarama.StringEncoder(p.Instrument)
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return &PublishError{Sink: sinkKafka, Err: ErrClosed}
	}
	select {
	case k.prod.Input() <- pm:
		return nil
	case <-ctx.Done():
		return &PublishError{Sink: sinkKafka, Err: ctx.Err()}
	}
}

// Close сбрасывает буфер продьюсера и ждёт последние ошибки.
func (k *KafkaSink) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()

	k.prod.AsyncClose()
	<-k.done
	k.log.Info("kafka sink closed")
	return nil
}
