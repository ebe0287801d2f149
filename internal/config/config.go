// internal/config/config.go
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/YaganovValera/analytics-system/services/pricing-stream/internal/publish"
	"github.com/YaganovValera/analytics-system/services/pricing-stream/internal/stream"
)

const (
	envPrefix = "PRICING"

	DefaultEnvironment = "fxpractice"
	DefaultInstrument  = "EUR_USD"
	DefaultBindAddr    = "127.0.0.1:5556"

	redacted = "[REDACTED]"
)

/*
   --------------------------------------------------------------------------
   СТРУКТУРЫ
   --------------------------------------------------------------------------
*/

// Config: все настройки сервиса.
type Config struct {
	ServiceName    string         `mapstructure:"service_name"`
	ServiceVersion string         `mapstructure:"service_version"`
	OANDA          stream.Config  `mapstructure:"oanda"`
	Publish        publish.Config `mapstructure:"publish"`
	Telemetry      Telemetry      `mapstructure:"telemetry"`
	Logging        Logging        `mapstructure:"logging"`
	HTTP           HTTPConfig     `mapstructure:"http"`

	// Warnings: подставленные значения по умолчанию; логируются после
	// создания логгера.
	Warnings []string `mapstructure:"-" json:"-"`
}

// Telemetry хранит настройки OpenTelemetry.
type Telemetry struct {
	Enabled      bool    `mapstructure:"enabled"`
	OTLPEndpoint string  `mapstructure:"otel_endpoint"`
	Insecure     bool    `mapstructure:"insecure"`
	SamplerRatio float64 `mapstructure:"sampler_ratio"`
}

// Logging хранит настройки логгера.
type Logging struct {
	Level   string `mapstructure:"level"`
	DevMode bool   `mapstructure:"dev_mode"`
}

// HTTPConfig: сервер /metrics, /healthz, /readyz. Пустой Addr: сервер выключен.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MetricsPath     string        `mapstructure:"metrics_path"`
	HealthzPath     string        `mapstructure:"healthz_path"`
	ReadyzPath      string        `mapstructure:"readyz_path"`
}

// Error: ошибка конфигурации; всегда фатальна.
type Error struct {
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config: %s: %v", e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func invalid(key, format string, args ...any) error {
	return &Error{Key: key, Err: fmt.Errorf(format, args...)}
}

/*
   --------------------------------------------------------------------------
   LOADER
   --------------------------------------------------------------------------
*/

// Options: источники конфигурации помимо окружения процесса.
type Options struct {
	// File: YAML/JSON/TOML; пусто: только ENV и defaults.
	File string
	// EnvFile: .env, подгружается в окружение до чтения ENV.
	EnvFile string
}

// Load загружает и валидирует конфиг.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil {
			return nil, &Error{Key: "env-file", Err: err}
		}
	}

	v := viper.New()

	// ---------- 1) Defaults ----------
	v.SetDefault("service_name", "pricing-stream")
	v.SetDefault("service_version", "v1.0.0")

	// OANDA; environment и instruments без дефолтов: их подставляет applyDefaults с warning'ом
	v.SetDefault("oanda.connect_timeout", "10s")
	v.SetDefault("oanda.tls_handshake_timeout", "10s")
	v.SetDefault("oanda.response_header_timeout", "30s")
	v.SetDefault("oanda.read_buffer_size", 32<<10)
	v.SetDefault("oanda.max_line_bytes", 1<<20)

	// Publish
	v.SetDefault("publish.sinks", []string{"websocket"})
	v.SetDefault("publish.path", "/")
	v.SetDefault("publish.send_buffer", 256)
	v.SetDefault("publish.queue_size", 1024)
	v.SetDefault("publish.normalize", false)
	v.SetDefault("publish.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("publish.nats.subject", "pricing.stream")
	v.SetDefault("publish.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("publish.kafka.topic", "pricing.stream")
	v.SetDefault("publish.kafka.required_acks", "leader")
	v.SetDefault("publish.kafka.compression", "none")
	v.SetDefault("publish.kafka.timeout", "5s")
	v.SetDefault("publish.redis.addr", "127.0.0.1:6379")
	v.SetDefault("publish.redis.channel", "pricing.stream")

	// Telemetry
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otel_endpoint", "otel-collector:4317")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.sampler_ratio", 1.0)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.dev_mode", false)

	// HTTP
	v.SetDefault("http.addr", ":9102")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.shutdown_timeout", "5s")
	v.SetDefault("http.metrics_path", "/metrics")
	v.SetDefault("http.healthz_path", "/healthz")
	v.SetDefault("http.readyz_path", "/readyz")

	// ---------- 2) ENV ----------
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ключи без дефолтов AutomaticEnv не видит; OANDA_*: исторические имена
	binds := map[string][]string{
		"oanda.auth_token":       {"PRICING_OANDA_AUTH_TOKEN", "OANDA_AUTH_TOKEN"},
		"oanda.account_id":       {"PRICING_OANDA_ACCOUNT_ID", "OANDA_ACCOUNT_ID"},
		"oanda.environment":      {"PRICING_OANDA_ENVIRONMENT", "OANDA_ENV_TYPE"},
		"oanda.instruments":      {"PRICING_OANDA_INSTRUMENTS", "OANDA_INSTRUMENTS"},
		"oanda.base_url":         {"PRICING_OANDA_BASE_URL"},
		"publish.bind_addr":      {"PRICING_PUBLISH_BIND_ADDR"},
		"publish.nats.token":     {"PRICING_PUBLISH_NATS_TOKEN"},
		"publish.redis.password": {"PRICING_PUBLISH_REDIS_PASSWORD"},
	}
	for key, envs := range binds {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, &Error{Key: key, Err: err}
		}
	}

	// ---------- 3) Optional file ----------
	if opts.File != "" {
		v.SetConfigFile(opts.File)
		if err := v.ReadInConfig(); err != nil {
			return nil, &Error{Err: fmt.Errorf("read config %q: %w", opts.File, err)}
		}
	}

	// ---------- 4) Decode ----------
	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "mapstructure",
		Result:  &cfg,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			stringToBoolHook,
		),
	})
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("create decoder: %w", err)}
	}
	if err := dec.Decode(v.AllSettings()); err != nil {
		return nil, &Error{Err: fmt.Errorf("decode config: %w", err)}
	}

	// ---------- 5) Defaults with warnings + validation ----------
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// stringToBoolHook разбирает true/false, иначе отдает исходные данные.
func stringToBoolHook(f, t reflect.Kind, data interface{}) (interface{}, error) {
	if f == reflect.String && t == reflect.Bool {
		return strconv.ParseBool(data.(string))
	}
	return data, nil
}

// applyDefaults подставляет значения, о которых пользователь должен узнать.
func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.OANDA.Environment) == "" {
		c.OANDA.Environment = DefaultEnvironment
		c.warnf("oanda.environment (OANDA_ENV_TYPE) not set, using %s", DefaultEnvironment)
	}

	instruments := c.OANDA.Instruments[:0]
	for _, in := range c.OANDA.Instruments {
		if in = strings.TrimSpace(in); in != "" {
			instruments = append(instruments, in)
		}
	}
	c.OANDA.Instruments = instruments
	if len(c.OANDA.Instruments) == 0 {
		c.OANDA.Instruments = []string{DefaultInstrument}
		c.warnf("oanda.instruments (OANDA_INSTRUMENTS) not set, using %s", DefaultInstrument)
	}

	if c.Publish.BindAddr == "" && c.hasSink("websocket") {
		c.Publish.BindAddr = DefaultBindAddr
		c.warnf("publish.bind_addr (PRICING_PUBLISH_BIND_ADDR) not set, using %s", DefaultBindAddr)
	}

	c.OANDA.Normalize = c.Publish.Normalize
	c.OANDA.ApplyDefaults()
}

func (c *Config) warnf(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

func (c *Config) hasSink(name string) bool {
	for _, s := range c.Publish.Sinks {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return true
		}
	}
	return false
}

/*
   --------------------------------------------------------------------------
   VALIDATION
   --------------------------------------------------------------------------
*/

func (c *Config) Validate() error {
	// Service
	if c.ServiceName == "" {
		return invalid("service_name", "is required")
	}
	if c.ServiceVersion == "" {
		return invalid("service_version", "is required")
	}

	// OANDA
	if c.OANDA.AuthToken == "" {
		return invalid("oanda.auth_token", "is required (set OANDA_AUTH_TOKEN)")
	}
	if c.OANDA.AccountID == "" {
		return invalid("oanda.account_id", "is required (set OANDA_ACCOUNT_ID)")
	}
	if _, err := stream.ParseEnvironment(c.OANDA.Environment); err != nil {
		return &Error{Key: "oanda.environment", Err: err}
	}
	if err := c.OANDA.Validate(); err != nil {
		return &Error{Key: "oanda", Err: err}
	}

	// Publish
	if err := c.Publish.Validate(); err != nil {
		return &Error{Key: "publish", Err: err}
	}

	// Telemetry
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return invalid("telemetry.otel_endpoint", "is required when telemetry is enabled")
	}

	// Logging
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return invalid("logging.level", "must be one of [debug, info, warn, error]")
	}

	// HTTP
	return validateHTTP(&c.HTTP)
}

func validateHTTP(h *HTTPConfig) error {
	if h.Addr == "" {
		return nil
	}
	durations := map[string]time.Duration{
		"http.read_timeout":     h.ReadTimeout,
		"http.write_timeout":    h.WriteTimeout,
		"http.idle_timeout":     h.IdleTimeout,
		"http.shutdown_timeout": h.ShutdownTimeout,
	}
	for k, d := range durations {
		if d <= 0 {
			return invalid(k, "must be > 0")
		}
	}
	paths := map[string]string{
		"http.metrics_path": h.MetricsPath,
		"http.healthz_path": h.HealthzPath,
		"http.readyz_path":  h.ReadyzPath,
	}
	for k, p := range paths {
		if !strings.HasPrefix(p, "/") {
			return invalid(k, "must start with '/'")
		}
	}
	return nil
}

// IsConfigError сообщает, вызвана ли ошибка конфигурацией.
func IsConfigError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

/*
   --------------------------------------------------------------------------
   DEBUG PRINT
   --------------------------------------------------------------------------
*/

// Print выводит текущий конфиг в JSON, секреты скрыты.
func (c *Config) Print() {
	fmt.Println("Loaded configuration:\n", c.String())
}

func (c *Config) String() string {
	cp := *c
	cp.OANDA.AuthToken = mask(cp.OANDA.AuthToken)
	cp.Publish.Redis.Password = mask(cp.Publish.Redis.Password)
	cp.Publish.NATS.Token = mask(cp.Publish.NATS.Token)
	b, _ := json.MarshalIndent(cp, "", "  ")
	return string(b)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return redacted
}
