// internal/stream/config.go
package stream

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Environment выбирает хост стрима.
type Environment string

const (
	Practice Environment = "fxpractice"
	Trade    Environment = "fxtrade"
)

const (
	practiceHost = "https://stream-fxpractice.oanda.com"
	tradeHost    = "https://stream-fxtrade.oanda.com"
)

// ParseEnvironment принимает fxpractice/practice и fxtrade/live без учёта регистра.
func ParseEnvironment(s string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fxpractice", "practice":
		return Practice, nil
	case "fxtrade", "live":
		return Trade, nil
	default:
		return "", fmt.Errorf("unknown environment %q (want fxpractice or fxtrade)", s)
	}
}

// Host: базовый URL стрима для окружения.
func (e Environment) Host() string {
	if e == Trade {
		return tradeHost
	}
	return practiceHost
}

// Config: неизменяемая конфигурация сессии.
type Config struct {
	AuthToken   string   `mapstructure:"auth_token"`
	AccountID   string   `mapstructure:"account_id"`
	Environment string   `mapstructure:"environment"`
	Instruments []string `mapstructure:"instruments"`

	// BaseURL переопределяет хост окружения (тесты, прокси).
	BaseURL string `mapstructure:"base_url"`

	ConnectTimeout        time.Duration `mapstructure:"connect_timeout"`
	TLSHandshakeTimeout   time.Duration `mapstructure:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout"`

	ReadBufferSize int `mapstructure:"read_buffer_size"`

	// MaxLineBytes <= 0 снимает ограничение; дефолт 1 MiB задаёт загрузчик конфига.
	MaxLineBytes int `mapstructure:"max_line_bytes"`

	// Normalize: отправлять каноническую форму вместо принятой строки.
	Normalize bool `mapstructure:"-"`
}

// ApplyDefaults заполняет нулевые таймауты и буферы. Учётные данные, окружение
// и инструменты остаются загрузчику конфига, он и предупреждает о дефолтах.
func (c *Config) ApplyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.TLSHandshakeTimeout <= 0 {
		c.TLSHandshakeTimeout = 10 * time.Second
	}
	if c.ResponseHeaderTimeout <= 0 {
		c.ResponseHeaderTimeout = 30 * time.Second
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 32 << 10
	}
}

// Validate проверяет поля, без которых сессия не стартует.
func (c Config) Validate() error {
	switch {
	case c.AuthToken == "":
		return fmt.Errorf("stream: auth token is required")
	case c.AccountID == "":
		return fmt.Errorf("stream: account id is required")
	case len(c.Instruments) == 0:
		return fmt.Errorf("stream: at least one instrument is required")
	}
	for _, in := range c.Instruments {
		if strings.TrimSpace(in) == "" {
			return fmt.Errorf("stream: empty instrument in %q", c.Instruments)
		}
	}
	if c.BaseURL == "" {
		if _, err := ParseEnvironment(c.Environment); err != nil {
			return fmt.Errorf("stream: %w", err)
		}
	} else if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("stream: invalid base url %q", c.BaseURL)
	}
	return nil
}

// StreamURL собирает {base}/v3/accounts/{account}/pricing/stream?instruments=A,B.
func (c Config) StreamURL() (string, error) {
	base := c.BaseURL
	if base == "" {
		env, err := ParseEnvironment(c.Environment)
		if err != nil {
			return "", err
		}
		base = env.Host()
	}
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("stream: base url: %w", err)
	}
	u = u.JoinPath("v3", "accounts", c.AccountID, "pricing", "stream")
	q := url.Values{}
	q.Set("instruments", strings.Join(c.Instruments, ","))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
