// internal/publish/sink.go

// Package publish раздаёт записи стрима локальным подписчикам и брокерам.
// Sink должен возвращаться быстро: цикл чтения вызывает Publish на каждую запись.
package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/YaganovValera/analytics-system/services/pricing-stream/internal/model"
)

var tracer = otel.Tracer("pricing-stream/publish")

// defaultConnectBudget ограничивает ретраи подключения к брокеру при старте.
const defaultConnectBudget = 30 * time.Second

var (
	ErrQueueFull = errors.New("queue full, message dropped")
	ErrClosed    = errors.New("sink closed")
)

// Message: одна проверенная запись стрима.
type Message struct {
	// Payload уходит в транспорт: исходная строка или нормализованная форма.
	Payload []byte
	Record  model.Record
}

// Sink доставляет сообщения best-effort, не блокируя вызывающего.
type Sink interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Runner: sink, обслуживающий соединения в фоне.
// Run блокируется до отмены ctx или ошибки.
type Runner interface {
	Run(ctx context.Context) error
}

// PublishError: не удалась одна отправка. Для стрима не фатальна.
type PublishError struct {
	Sink string
	Err  error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: %v", e.Sink, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// BindError: транспорт не удалось поднять. Фатальна.
type BindError struct {
	Sink string
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("setup %s sink: %v", e.Sink, e.Err)
	}
	return fmt.Sprintf("setup %s sink on %s: %v", e.Sink, e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Fanout публикует каждое сообщение во все sink'и.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, msg Message) error {
	var errs []error
	for _, s := range f {
		if err := s.Publish(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close закрывает sink'и в обратном порядке.
func (f Fanout) Close() error {
	var errs []error
	for i := len(f) - 1; i >= 0; i-- {
		if err := f[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
