// internal/publish/build.go
package publish

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/services/pricing-stream/pkg/logger"
)

// Config: раздел publish конфигурации.
type Config struct {
	// Sinks: включённые sink'и: websocket, nats, kafka, redis, log.
	Sinks []string `mapstructure:"sinks"`

	// BindAddr / Path / SendBuffer: websocket-хаб.
	BindAddr   string `mapstructure:"bind_addr"`
	Path       string `mapstructure:"path"`
	SendBuffer int    `mapstructure:"send_buffer"`

	// QueueSize: очередь Async перед nats, kafka и redis.
	QueueSize int `mapstructure:"queue_size"`

	// Normalize: публиковать каноническую форму записи вместо исходной строки.
	Normalize bool `mapstructure:"normalize"`

	NATS  NATSConfig  `mapstructure:"nats"`
	Kafka KafkaConfig `mapstructure:"kafka"`
	Redis RedisConfig `mapstructure:"redis"`
}

var knownSinks = map[string]bool{
	sinkWebsocket: true,
	sinkNATS:      true,
	sinkKafka:     true,
	sinkRedis:     true,
	sinkLog:       true,
}

// Validate проверяет список sink'ов.
func (c Config) Validate() error {
	if len(c.Sinks) == 0 {
		return fmt.Errorf("publish: at least one sink required")
	}
	seen := make(map[string]bool, len(c.Sinks))
	for _, s := range c.Sinks {
		name := strings.ToLower(strings.TrimSpace(s))
		if !knownSinks[name] {
			return fmt.Errorf("publish: unknown sink %q", s)
		}
		if seen[name] {
			return fmt.Errorf("publish: sink %q listed twice", s)
		}
		seen[name] = true
	}
	if seen[sinkWebsocket] && c.BindAddr == "" {
		return fmt.Errorf("publish: bind_addr required for websocket sink")
	}
	return nil
}

// Build поднимает все sink'и из cfg. Любая ошибка настройки фатальна;
// уже созданные sink'и при этом закрываются.
// Второе значение: фоновые части, которые нужно запустить через Run.
func Build(ctx context.Context, cfg Config, log *logger.Logger) (Sink, []Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	var (
		sinks   Fanout
		runners []Runner
	)
	fail := func(err error) (Sink, []Runner, error) {
		if cerr := sinks.Close(); cerr != nil {
			log.Warn("closing partially built sinks", zap.Error(cerr))
		}
		return nil, nil, err
	}

	for _, raw := range cfg.Sinks {
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case sinkWebsocket:
			hub, err := NewHub(HubConfig{Addr: cfg.BindAddr, Path: cfg.Path, SendBuffer: cfg.SendBuffer}, log)
			if err != nil {
				return fail(err)
			}
			sinks = append(sinks, hub)
			runners = append(runners, hub)
		case sinkNATS:
			ns, err := DialNATS(ctx, cfg.NATS, log)
			if err != nil {
				return fail(err)
			}
			sinks = append(sinks, NewAsync(sinkNATS, ns, cfg.QueueSize, log))
		case sinkKafka:
			ks, err := DialKafka(ctx, cfg.Kafka, log)
			if err != nil {
				return fail(err)
			}
			sinks = append(sinks, NewAsync(sinkKafka, ks, cfg.QueueSize, log))
		case sinkRedis:
			rs, err := DialRedis(ctx, cfg.Redis, log)
			if err != nil {
				return fail(err)
			}
			sinks = append(sinks, NewAsync(sinkRedis, rs, cfg.QueueSize, log))
		case sinkLog:
			sinks = append(sinks, NewLogSink(log))
		}
	}

	if len(sinks) == 1 {
		return sinks[0], runners, nil
	}
	return sinks, runners, nil
}
