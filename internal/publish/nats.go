// internal/publish/nats.go
package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/services/pricing-stream/pkg/backoff"
	"github.com/YaganovValera/analytics-system/services/pricing-stream/pkg/logger"
)

const sinkNATS = "nats"

// NATSConfig: параметры NATS-sink'а.
type NATSConfig struct {
	URL            string         `mapstructure:"url"`
	Subject        string         `mapstructure:"subject"`
	ClientName     string         `mapstructure:"client_name"`
	Token          string         `mapstructure:"token"`
	ConnectTimeout time.Duration  `mapstructure:"connect_timeout"`
	Backoff        backoff.Config `mapstructure:"backoff"`
}

func (c *NATSConfig) applyDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Subject == "" {
		c.Subject = "pricing.stream"
	}
	if c.ClientName == "" {
		c.ClientName = "pricing-stream"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.Backoff.MaxElapsedTime <= 0 {
		c.Backoff.MaxElapsedTime = defaultConnectBudget
	}
}

// natsConn: подмножество *nats.Conn, нужное sink'у.
type natsConn interface {
	Publish(subj string, data []byte) error
	FlushTimeout(timeout time.Duration) error
	Close()
}

// NATSSink публикует payload в один subject. Клиент nats буферизует
// сообщения сам и переподключается в фоне.
type NATSSink struct {
	conn    natsConn
	subject string
	log     *logger.Logger
}

// DialNATS подключается с back-off-ретраями.
func DialNATS(ctx context.Context, cfg NATSConfig, log *logger.Logger) (*NATSSink, error) {
	cfg.applyDefaults()
	log = log.Named("nats-sink")

	opts := []nats.Option{
		nats.Name(cfg.ClientName),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	ctx, span := tracer.Start(ctx, "nats.Connect", trace.WithAttributes(attribute.String("url", cfg.URL)))
	defer span.End()

	var nc *nats.Conn
	connect := func(ctx context.Context) error {
		c, err := nats.Connect(cfg.URL, opts...)
		if err != nil {
			return err
		}
		nc = c
		return nil
	}
	if err := backoff.Execute(ctx, "nats-connect", cfg.Backoff, log, connect); err != nil {
		span.RecordError(err)
		return nil, &BindError{Sink: sinkNATS, Addr: cfg.URL, Err: err}
	}

	log.Info("nats sink ready", zap.String("url", cfg.URL), zap.String("subject", cfg.Subject))
	return newNATSSink(nc, cfg.Subject, log), nil
}

func newNATSSink(conn natsConn, subject string, log *logger.Logger) *NATSSink {
	return &NATSSink{conn: conn, subject: subject, log: log}
}

func (s *NATSSink) Publish(_ context.Context, msg Message) error {
	if err := s.conn.Publish(s.subject, msg.Payload); err != nil {
		return &PublishError{Sink: sinkNATS, Err: fmt.Errorf("subject %s: %w", s.subject, err)}
	}
	return nil
}

// Close дожидается отправки буфера клиента и закрывает соединение.
func (s *NATSSink) Close() error {
	err := s.conn.FlushTimeout(2 * time.Second)
	s.conn.Close()
	if err != nil {
		s.log.Warn("flush on close failed", zap.Error(err))
	}
	return nil
}
