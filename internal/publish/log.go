// internal/publish/log.go
package publish

import (
	"context"

	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/services/pricing-stream/internal/model"
	"github.com/YaganovValera/analytics-system/services/pricing-stream/pkg/logger"
)

const sinkLog = "log"

// LogSink пишет записи в лог: режим без подписчиков и брокеров.
type LogSink struct {
	log *logger.Logger
}

func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{log: log.Named("prices")}
}

func (s *LogSink) Publish(_ context.Context, msg Message) error {
	switch r := msg.Record.(type) {
	case *model.PriceUpdate:
		fields := []zap.Field{
			zap.String("instrument", r.Instrument),
			zap.String("status", r.Status),
			zap.String("time", model.FormatTimestamp(r.Time)),
		}
		if bid, err := r.BestBid(); err == nil {
			fields = append(fields, zap.String("bid", bid.String()))
		}
		if ask, err := r.BestAsk(); err == nil {
			fields = append(fields, zap.String("ask", ask.String()))
		}
		if spread, err := r.Spread(); err == nil {
			fields = append(fields, zap.String("spread", spread.String()))
		}
		s.log.Info("price", fields...)
	case *model.Heartbeat:
		s.log.Debug("heartbeat", zap.String("time", model.FormatTimestamp(r.Time)))
	default:
		s.log.Info("record", zap.ByteString("payload", msg.Payload))
	}
	return nil
}

func (s *LogSink) Close() error { return nil }
