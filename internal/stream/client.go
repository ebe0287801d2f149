// internal/stream/client.go
package stream

import (
	"net"
	"net/http"
	"time"
)

// Doer: подмножество *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewHTTPClient: клиент для долгого стрима. Установка соединения ограничена
// таймаутами, чтение тела нет.
func NewHTTPClient(cfg Config) *http.Client {
	cfg.ApplyDefaults()
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
			ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          1,
		},
	}
}
