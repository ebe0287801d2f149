package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/YaganovValera/analytics-system/services/pricing-stream/internal/metrics"
	"github.com/YaganovValera/analytics-system/services/pricing-stream/internal/model"
	"github.com/YaganovValera/analytics-system/services/pricing-stream/internal/publish"
	"github.com/YaganovValera/analytics-system/services/pricing-stream/pkg/logger"
)

const (
	heartbeatLine = `{"type":"HEARTBEAT","time":"2024-06-11T14:31:05Z"}`
	priceLine     = `{"asks":[{"price":"1.09005","liquidity":1000000}],"bids":[{"price":"1.09000","liquidity":1000000}],"closeoutAsk":"1.09015","closeoutBid":"1.08990","instrument":"EUR_USD","status":"active","time":"2024-06-11T14:30:00.123456789Z"}`
)

type memSink struct {
	mu   sync.Mutex
	msgs []publish.Message
	got  chan struct{}
	err  error
}

func newMemSink() *memSink { return &memSink{got: make(chan struct{}, 64)} }

func (m *memSink) Publish(_ context.Context, msg publish.Message) error {
	m.mu.Lock()
	m.msgs = append(m.msgs, msg)
	m.mu.Unlock()
	m.got <- struct{}{}
	return m.err
}

func (m *memSink) Close() error { return nil }

func (m *memSink) payloads() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.msgs))
	for i, msg := range m.msgs {
		out[i] = string(msg.Payload)
	}
	return out
}

func testConfig(baseURL string) Config {
	return Config{
		AuthToken:   "secret-token",
		AccountID:   "101-004-1234567-001",
		Environment: "fxpractice",
		Instruments: []string{"EUR_USD", "USD_JPY"},
		BaseURL:     baseURL,
	}
}

func newTestSession(t *testing.T, cfg Config, sink publish.Sink) (*Session, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	s, err := NewSession(cfg, nil, sink, logger.FromZap(zap.New(core)))
	require.NoError(t, err)
	return s, logs
}

// streamHandler writes chunks with a flush after each one, then returns.
func streamHandler(chunks ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		fl, _ := w.(http.Flusher)
		for _, c := range chunks {
			_, _ = w.Write([]byte(c))
			if fl != nil {
				fl.Flush()
			}
		}
	}
}

func TestSession_StreamsUntilServerCloses(t *testing.T) {
	type seen struct{ auth, path, instruments string }
	reqs := make(chan seen, 1)
	h := streamHandler(
		`{"type":"HEA`,
		`RTBEAT","time":"2024-06-11T14:31:05Z"}`+"\n\n",
		priceLine[:40],
		priceLine[40:]+"\r\n",
		`{"type":"HEARTBEAT","ti`, // never completed
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqs <- seen{
			auth:        r.Header.Get("Authorization"),
			path:        r.URL.Path,
			instruments: r.URL.Query().Get("instruments"),
		}
		h(w, r)
	}))
	defer srv.Close()

	sink := newMemSink()
	s, logs := newTestSession(t, testConfig(srv.URL), sink)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, StateClosed, s.State())

	req := <-reqs
	assert.Equal(t, "Bearer secret-token", req.auth)
	assert.Equal(t, "/v3/accounts/101-004-1234567-001/pricing/stream", req.path)
	assert.Equal(t, "EUR_USD,USD_JPY", req.instruments)

	assert.Equal(t, []string{heartbeatLine, priceLine}, sink.payloads())
	assert.Equal(t, model.KindHeartbeat, sink.msgs[0].Record.Kind())
	assert.Equal(t, model.KindPrice, sink.msgs[1].Record.Kind())

	st := s.Stats()
	assert.EqualValues(t, 1, st.Prices)
	assert.EqualValues(t, 1, st.Heartbeats)
	assert.Zero(t, st.ParseErrors)

	discarded := logs.FilterMessage("discarding incomplete trailing line").All()
	require.Len(t, discarded, 1)
	assert.EqualValues(t, len(`{"type":"HEARTBEAT","ti`), discarded[0].ContextMap()["bytes"])
}

func TestSession_MalformedLineIsSkipped(t *testing.T) {
	srv := httptest.NewServer(streamHandler(
		heartbeatLine+"\n{invalid\n"+priceLine+"\n",
	))
	defer srv.Close()

	before := testutil.ToFloat64(metrics.ParseErrors)
	sink := newMemSink()
	s, logs := newTestSession(t, testConfig(srv.URL), sink)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []string{heartbeatLine, priceLine}, sink.payloads())
	assert.EqualValues(t, 1, s.Stats().ParseErrors)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ParseErrors))

	warns := logs.FilterMessage("unrecognized record").All()
	require.Len(t, warns, 1)
	assert.Equal(t, "{invalid", warns[0].ContextMap()["raw"])
}

func TestSession_InvalidUTF8IsDropped(t *testing.T) {
	srv := httptest.NewServer(streamHandler(
		"\xff\xfe\n"+heartbeatLine+"\n",
	))
	defer srv.Close()

	sink := newMemSink()
	s, _ := newTestSession(t, testConfig(srv.URL), sink)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []string{heartbeatLine}, sink.payloads())
	assert.EqualValues(t, 1, s.Stats().FramingErrors)
}

func TestSession_ZeroMaxLineBytesDisablesLimit(t *testing.T) {
	long := `{"type":"HEARTBEAT","time":"2024-06-11T14:31:05Z","pad":"` + strings.Repeat("x", 2<<20) + `"}`
	srv := httptest.NewServer(streamHandler(long[:1<<20], long[1<<20:]+"\n"))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxLineBytes = 0
	sink := newMemSink()
	s, _ := newTestSession(t, cfg, sink)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []string{long}, sink.payloads())
	assert.Zero(t, s.Stats().FramingErrors)
}

func TestSession_LineOverLimitIsDropped(t *testing.T) {
	long := `{"type":"HEARTBEAT","time":"2024-06-11T14:31:05Z","pad":"` + strings.Repeat("x", 256) + `"}`
	srv := httptest.NewServer(streamHandler(long + "\n" + heartbeatLine + "\n"))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxLineBytes = 128
	sink := newMemSink()
	s, _ := newTestSession(t, cfg, sink)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []string{heartbeatLine}, sink.payloads())
	assert.EqualValues(t, 1, s.Stats().FramingErrors)
}

func TestSession_PublishErrorIsNotFatal(t *testing.T) {
	srv := httptest.NewServer(streamHandler(heartbeatLine+"\n"+heartbeatLine+"\n"))
	defer srv.Close()

	sink := newMemSink()
	sink.err = &publish.PublishError{Sink: "mem", Err: publish.ErrQueueFull}
	s, _ := newTestSession(t, testConfig(srv.URL), sink)

	require.NoError(t, s.Run(context.Background()))
	assert.Len(t, sink.payloads(), 2)
	assert.EqualValues(t, 2, s.Stats().PublishErrors)
}

func TestSession_Normalize(t *testing.T) {
	spaced := `{ "type" : "HEARTBEAT", "time" : "2024-06-11T14:31:05.000Z", "extra": 1 }`
	srv := httptest.NewServer(streamHandler(spaced+"\n"))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Normalize = true
	sink := newMemSink()
	s, _ := newTestSession(t, cfg, sink)

	require.NoError(t, s.Run(context.Background()))
	require.Len(t, sink.payloads(), 1)
	assert.JSONEq(t, heartbeatLine, sink.payloads()[0])
}

func TestSession_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errorMessage":"Insufficient authorization to perform request."}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	sink := newMemSink()
	s, _ := newTestSession(t, testConfig(srv.URL), sink)

	err := s.Run(context.Background())
	require.Error(t, err)
	var ce *ConnectionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, http.StatusUnauthorized, ce.Status)
	assert.Contains(t, ce.Body, "Insufficient authorization")
	assert.Equal(t, StateFailed, s.State())
	assert.Empty(t, sink.payloads())
}

func TestSession_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s, _ := newTestSession(t, testConfig(url), newMemSink())

	err := s.Run(context.Background())
	var ce *ConnectionError
	require.True(t, errors.As(err, &ce))
	assert.Zero(t, ce.Status)
	assert.Equal(t, StateFailed, s.State())
}

func TestSession_TransportFailureMidStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, buf, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()

		// chunked response cut off before the terminating chunk
		body := heartbeatLine + "\n"
		fmt.Fprintf(buf, "HTTP/1.1 200 OK\r\nContent-Type: application/octet-stream\r\nTransfer-Encoding: chunked\r\n\r\n")
		fmt.Fprintf(buf, "%x\r\n%s\r\n", len(body), body)
		_ = buf.Flush()
	}))
	defer srv.Close()

	sink := newMemSink()
	s, _ := newTestSession(t, testConfig(srv.URL), sink)

	err := s.Run(context.Background())
	require.Error(t, err)
	var te *TransportReadError
	require.True(t, errors.As(err, &te), "got %T: %v", err, err)
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, []string{heartbeatLine}, sink.payloads())
}

func TestSession_ContextCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(heartbeatLine + "\n"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	sink := newMemSink()
	s, _ := newTestSession(t, testConfig(srv.URL), sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-sink.got:
	case <-time.After(5 * time.Second):
		t.Fatal("no record received")
	}
	assert.Equal(t, StateStreaming, s.State())
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, StateFailed, s.State())
}

func TestSession_RunOnce(t *testing.T) {
	srv := httptest.NewServer(streamHandler())
	defer srv.Close()

	s, _ := newTestSession(t, testConfig(srv.URL), newMemSink())
	require.NoError(t, s.Run(context.Background()))
	assert.ErrorIs(t, s.Run(context.Background()), ErrAlreadyStarted)
}

func TestNewSession_Validation(t *testing.T) {
	valid := testConfig("")
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no token", func(c *Config) { c.AuthToken = "" }},
		{"no account", func(c *Config) { c.AccountID = "" }},
		{"no instruments", func(c *Config) { c.Instruments = nil }},
		{"blank instrument", func(c *Config) { c.Instruments = []string{"EUR_USD", " "} }},
		{"bad environment", func(c *Config) { c.Environment = "sandbox" }},
		{"bad base url", func(c *Config) { c.BaseURL = "stream.example" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			cfg.Instruments = append([]string(nil), valid.Instruments...)
			tc.mutate(&cfg)
			_, err := NewSession(cfg, nil, newMemSink(), logger.NewNop())
			assert.Error(t, err)
		})
	}

	_, err := NewSession(valid, nil, nil, logger.NewNop())
	assert.Error(t, err, "sink is required")
}

func TestConfig_StreamURL(t *testing.T) {
	cases := []struct {
		env, base, want string
	}{
		{"fxpractice", "", "https://stream-fxpractice.oanda.com/v3/accounts/A-1/pricing/stream?instruments=EUR_USD%2CUSD_JPY"},
		{"practice", "", "https://stream-fxpractice.oanda.com/v3/accounts/A-1/pricing/stream?instruments=EUR_USD%2CUSD_JPY"},
		{"FXTRADE", "", "https://stream-fxtrade.oanda.com/v3/accounts/A-1/pricing/stream?instruments=EUR_USD%2CUSD_JPY"},
		{"live", "", "https://stream-fxtrade.oanda.com/v3/accounts/A-1/pricing/stream?instruments=EUR_USD%2CUSD_JPY"},
		{"", "http://127.0.0.1:8080/", "http://127.0.0.1:8080/v3/accounts/A-1/pricing/stream?instruments=EUR_USD%2CUSD_JPY"},
	}
	for _, c := range cases {
		cfg := Config{AccountID: "A-1", Environment: c.env, BaseURL: c.base, Instruments: []string{"EUR_USD", "USD_JPY"}}
		got, err := cfg.StreamURL()
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
	}
}

func TestParseEnvironment(t *testing.T) {
	env, err := ParseEnvironment(" Live ")
	require.NoError(t, err)
	assert.Equal(t, Trade, env)

	_, err = ParseEnvironment("paper")
	assert.Error(t, err)
}
