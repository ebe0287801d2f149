// internal/stream/session.go

// Package stream держит одно соединение с pricing-стримом: подключается,
// превращает чанки тела в записи и отдаёт каждую в publish.Sink.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/services/pricing-stream/internal/framing"
	"github.com/YaganovValera/analytics-system/services/pricing-stream/internal/metrics"
	"github.com/YaganovValera/analytics-system/services/pricing-stream/internal/model"
	"github.com/YaganovValera/analytics-system/services/pricing-stream/internal/publish"
	"github.com/YaganovValera/analytics-system/services/pricing-stream/pkg/logger"
)

var tracer = otel.Tracer("pricing-stream/stream")

// ErrAlreadyStarted: повторный Run на той же Session.
var ErrAlreadyStarted = errors.New("stream: session already started")

// maxLoggedText ограничивает сырой текст стрима в логах.
const maxLoggedText = 512

// State сессии. Closed и Failed терминальные.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateDraining
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Stats: накопительные счётчики одной сессии.
type Stats struct {
	Chunks        uint64
	Bytes         uint64
	Lines         uint64
	Prices        uint64
	Heartbeats    uint64
	ParseErrors   uint64
	FramingErrors uint64
	PublishErrors uint64
}

type counters struct {
	chunks        atomic.Uint64
	bytes         atomic.Uint64
	lines         atomic.Uint64
	prices        atomic.Uint64
	heartbeats    atomic.Uint64
	parseErrors   atomic.Uint64
	framingErrors atomic.Uint64
	publishErrors atomic.Uint64
}

// Session одноразовая: создать, один раз Run, State/Stats читать откуда угодно.
type Session struct {
	cfg    Config
	url    string
	client Doer
	sink   publish.Sink
	log    *logger.Logger

	state atomic.Int32
	stats counters
}

// NewSession проверяет cfg. client == nil → NewHTTPClient(cfg).
func NewSession(cfg Config, client Doer, sink publish.Sink, log *logger.Logger) (*Session, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, fmt.Errorf("stream: sink is required")
	}
	u, err := cfg.StreamURL()
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = NewHTTPClient(cfg)
	}
	return &Session{
		cfg:    cfg,
		url:    u,
		client: client,
		sink:   sink,
		log:    log.Named("stream"),
	}, nil
}

// URL: адрес стрима сессии.
func (s *Session) URL() string { return s.url }

// State безопасен для конкурентного чтения.
func (s *Session) State() State { return State(s.state.Load()) }

// Stats безопасен для конкурентного чтения.
func (s *Session) Stats() Stats {
	return Stats{
		Chunks:        s.stats.chunks.Load(),
		Bytes:         s.stats.bytes.Load(),
		Lines:         s.stats.lines.Load(),
		Prices:        s.stats.prices.Load(),
		Heartbeats:    s.stats.heartbeats.Load(),
		ParseErrors:   s.stats.parseErrors.Load(),
		FramingErrors: s.stats.framingErrors.Load(),
		PublishErrors: s.stats.publishErrors.Load(),
	}
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	metrics.SessionState.Set(float64(st))
}

// Run подключается и обрабатывает стрим до его конца.
//
// nil: сервер штатно закрыл стрим. *ConnectionError: стрим не открылся.
// *TransportReadError: оборвался посередине. Отмена ctx даёт ошибку,
// оборачивающую ctx.Err().
func (s *Session) Run(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		return ErrAlreadyStarted
	}
	metrics.SessionState.Set(float64(StateConnecting))

	ctx, span := tracer.Start(ctx, "pricing.Stream", trace.WithAttributes(
		attribute.String("account", s.cfg.AccountID),
		attribute.StringSlice("instruments", s.cfg.Instruments),
	))
	defer span.End()
	log := s.log.WithContext(ctx)

	log.Info("connecting", zap.String("url", s.url), zap.Strings("instruments", s.cfg.Instruments))
	body, err := s.connect(ctx)
	if err != nil {
		return s.fail(span, log, err)
	}
	defer body.Close()

	s.setState(StateStreaming)
	log.Info("streaming")

	if err := s.receive(ctx, body, log); err != nil {
		return s.fail(span, log, err)
	}

	st := s.Stats()
	log.Info("stream closed by server",
		zap.Uint64("prices", st.Prices),
		zap.Uint64("heartbeats", st.Heartbeats),
		zap.Uint64("parse_errors", st.ParseErrors),
	)
	return nil
}

func (s *Session) fail(span trace.Span, log *logger.Logger, err error) error {
	s.setState(StateFailed)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errors.Is(err, context.Canceled) {
		log.Info("stream interrupted")
	} else {
		log.Error("stream failed", zap.Error(err))
	}
	return err
}

func (s *Session) connect(ctx context.Context) (io.ReadCloser, error) {
	ctx, span := tracer.Start(ctx, "pricing.Connect")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, &ConnectionError{URL: s.url, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.AuthToken)
	req.Header.Set("Accept-Datetime-Format", "RFC3339")

	resp, err := s.client.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, &ConnectionError{URL: s.url, Err: err}
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		err := &ConnectionError{URL: s.url, Status: resp.StatusCode, Body: string(raw)}
		span.RecordError(err)
		return nil, err
	}
	return resp.Body, nil
}

// receive: состояния Streaming и Draining.
func (s *Session) receive(ctx context.Context, body io.Reader, log *logger.Logger) error {
	buf := make([]byte, s.cfg.ReadBufferSize)
	fb := framing.New(s.cfg.MaxLineBytes)

	for {
		n, err := body.Read(buf)
		if n > 0 {
			start := time.Now()
			s.stats.chunks.Add(1)
			s.stats.bytes.Add(uint64(n))
			metrics.ChunksTotal.Inc()
			metrics.BytesTotal.Add(float64(n))

			fb.Append(buf[:n])
			s.drain(ctx, fb, start, log)
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			s.setState(StateDraining)
			if pending := fb.Discard(); pending > 0 {
				log.Warn("discarding incomplete trailing line", zap.Int("bytes", pending))
			}
			s.setState(StateClosed)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("stream interrupted: %w", ctxErr)
		}
		return &TransportReadError{Err: err}
	}
}

// drain обрабатывает все полные строки в буфере.
func (s *Session) drain(ctx context.Context, fb *framing.Buffer, start time.Time, log *logger.Logger) {
	for {
		line, ok, err := fb.Next()
		if !ok {
			return
		}
		if err != nil {
			s.framingError(err, log)
			continue
		}
		s.handleLine(ctx, line, log)
		metrics.PublishLatency.Observe(time.Since(start).Seconds())
	}
}

func (s *Session) framingError(err error, log *logger.Logger) {
	s.stats.framingErrors.Add(1)
	reason := "unknown"
	switch {
	case errors.Is(err, framing.ErrInvalidUTF8):
		reason = "invalid_utf8"
	case errors.Is(err, framing.ErrLineTooLong):
		reason = "line_too_long"
	}
	metrics.FramingErrors.WithLabelValues(reason).Inc()

	var fe *framing.FramingError
	if errors.As(err, &fe) {
		log.Warn("dropping undecodable segment",
			zap.String("reason", reason),
			zap.Int("bytes", fe.Size),
			zap.Binary("sample", truncateBytes(fe.Segment)),
		)
		return
	}
	log.Warn("dropping undecodable segment", zap.Error(err))
}

func (s *Session) handleLine(ctx context.Context, line string, log *logger.Logger) {
	s.stats.lines.Add(1)

	rec, err := model.Parse(line)
	if err != nil {
		s.stats.parseErrors.Add(1)
		metrics.ParseErrors.Inc()
		log.Warn("unrecognized record", zap.String("raw", truncate(line)), zap.Error(err))
		return
	}

	switch rec.Kind() {
	case model.KindPrice:
		s.stats.prices.Add(1)
	case model.KindHeartbeat:
		s.stats.heartbeats.Add(1)
	}
	metrics.RecordsTotal.WithLabelValues(rec.Kind().String()).Inc()

	payload := []byte(line)
	if s.cfg.Normalize {
		if p, err := model.Marshal(rec); err == nil {
			payload = p
		} else {
			log.Warn("normalize failed, forwarding raw line", zap.Error(err))
		}
	}

	if err := s.sink.Publish(ctx, publish.Message{Payload: payload, Record: rec}); err != nil {
		s.stats.publishErrors.Add(1)
		log.Warn("publish failed", zap.String("kind", rec.Kind().String()), zap.Error(err))
	}
}

func truncate(s string) string {
	if len(s) <= maxLoggedText {
		return s
	}
	return strings.ToValidUTF8(s[:maxLoggedText], "") + "…"
}

func truncateBytes(p []byte) []byte {
	if len(p) <= maxLoggedText {
		return p
	}
	return p[:maxLoggedText]
}
