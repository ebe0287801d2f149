// internal/app/app.go
package app

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/YaganovValera/analytics-system/services/pricing-stream/internal/config"
	"github.com/YaganovValera/analytics-system/services/pricing-stream/internal/httpserver"
	"github.com/YaganovValera/analytics-system/services/pricing-stream/internal/metrics"
	"github.com/YaganovValera/analytics-system/services/pricing-stream/internal/publish"
	"github.com/YaganovValera/analytics-system/services/pricing-stream/internal/stream"
	"github.com/YaganovValera/analytics-system/services/pricing-stream/pkg/logger"
	"github.com/YaganovValera/analytics-system/services/pricing-stream/pkg/telemetry"
)

// Run поднимает sink'и и ops-сервер, затем держит одну сессию стрима.
// Возвращает результат сессии; nil только при штатном закрытии стрима сервером.
func Run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	metrics.Register(nil)
	for _, w := range cfg.Warnings {
		log.Warn(w)
	}

	// Трассировка
	if cfg.Telemetry.Enabled {
		shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.Config{
			Endpoint:       cfg.Telemetry.OTLPEndpoint,
			ServiceName:    cfg.ServiceName,
			ServiceVersion: cfg.ServiceVersion,
			Insecure:       cfg.Telemetry.Insecure,
			SamplerRatio:   cfg.Telemetry.SamplerRatio,
			Environment:    cfg.OANDA.Environment,
			Attributes: []attribute.KeyValue{
				attribute.StringSlice("pricing.instruments", cfg.OANDA.Instruments),
				attribute.StringSlice("pricing.sinks", cfg.Publish.Sinks),
			},
		}, log)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer shutdownSafe(ctx, "telemetry", func() error { return shutdownTracer(context.Background()) }, log)
	}

	// 1) Sink'и: ошибка bind'а/подключения фатальна ещё до стрима
	sink, runners, err := publish.Build(ctx, cfg.Publish, log)
	if err != nil {
		return fmt.Errorf("publish init: %w", err)
	}
	defer shutdownSafe(ctx, "publish", sink.Close, log)

	// 2) Сессия
	session, err := stream.NewSession(cfg.OANDA, nil, sink, log)
	if err != nil {
		return fmt.Errorf("stream init: %w", err)
	}

	// 3) HTTP-сервер
	var httpSrv *httpserver.Server
	if cfg.HTTP.Addr != "" {
		httpSrv, err = httpserver.New(httpserver.Config{
			Addr:            cfg.HTTP.Addr,
			ReadTimeout:     cfg.HTTP.ReadTimeout,
			WriteTimeout:    cfg.HTTP.WriteTimeout,
			IdleTimeout:     cfg.HTTP.IdleTimeout,
			ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
			MetricsPath:     cfg.HTTP.MetricsPath,
			HealthzPath:     cfg.HTTP.HealthzPath,
			ReadyzPath:      cfg.HTTP.ReadyzPath,
		}, readiness(session), log)
		if err != nil {
			return fmt.Errorf("httpserver init: %w", err)
		}
	}

	// Вспомогательные части живут, пока жива сессия.
	auxCtx, stopAux := context.WithCancel(ctx)
	defer stopAux()
	g, gctx := errgroup.WithContext(auxCtx)

	for _, r := range runners {
		r := r
		g.Go(func() error { return r.Run(gctx) })
	}
	if httpSrv != nil {
		g.Go(func() error { return httpSrv.Run(gctx) })
	}
	g.Go(func() error {
		defer stopAux()
		return session.Run(gctx)
	})

	err = g.Wait()
	st := session.Stats()
	log.Info("session finished",
		zap.String("state", session.State().String()),
		zap.Uint64("chunks", st.Chunks),
		zap.Uint64("bytes", st.Bytes),
		zap.Uint64("prices", st.Prices),
		zap.Uint64("heartbeats", st.Heartbeats),
		zap.Uint64("parse_errors", st.ParseErrors),
		zap.Uint64("framing_errors", st.FramingErrors),
		zap.Uint64("publish_errors", st.PublishErrors),
	)
	return err
}

func readiness(s *stream.Session) httpserver.ReadyChecker {
	return func() error {
		if st := s.State(); st != stream.StateStreaming {
			return fmt.Errorf("session %s", st)
		}
		return nil
	}
}

// shutdownSafe оборачивает вызов Close()/Shutdown() с логированием
func shutdownSafe(ctx context.Context, name string, fn func() error, log *logger.Logger) {
	log.WithContext(ctx).Info(fmt.Sprintf("%s: shutting down", name))
	if err := fn(); err != nil {
		log.WithContext(ctx).Error(fmt.Sprintf("%s shutdown error", name), zap.Error(err))
	} else {
		log.WithContext(ctx).Info(fmt.Sprintf("%s: shutdown complete", name))
	}
}
