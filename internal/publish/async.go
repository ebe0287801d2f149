// internal/publish/async.go
package publish

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/services/pricing-stream/internal/metrics"
	"github.com/YaganovValera/analytics-system/services/pricing-stream/pkg/logger"
)

const asyncDrainTimeout = 5 * time.Second

// Async ставит ограниченную очередь перед sink'ом с сетевым Publish.
// Переполненная очередь теряет сообщение, стрим не ждёт.
type Async struct {
	name  string
	next  Sink
	queue chan Message
	log   *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewAsync запускает воркер. size <= 0 → 1024.
func NewAsync(name string, next Sink, size int, log *logger.Logger) *Async {
	if size <= 0 {
		size = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Async{
		name:   name,
		next:   next,
		queue:  make(chan Message, size),
		log:    log.Named("async-" + name),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) Publish(_ context.Context, msg Message) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return &PublishError{Sink: a.name, Err: ErrClosed}
	}
	select {
	case a.queue <- msg:
		return nil
	default:
		metrics.PublishDrops.WithLabelValues(a.name).Inc()
		return &PublishError{Sink: a.name, Err: ErrQueueFull}
	}
}

func (a *Async) run() {
	defer close(a.done)
	for msg := range a.queue {
		if err := a.next.Publish(a.ctx, msg); err != nil {
			metrics.PublishErrors.WithLabelValues(a.name).Inc()
			a.log.Warn("publish failed", zap.Error(err))
			continue
		}
		metrics.PublishedTotal.WithLabelValues(a.name).Inc()
	}
}

// Close дочищает очередь (с таймаутом) и закрывает обёрнутый sink.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	select {
	case <-a.done:
	case <-time.After(asyncDrainTimeout):
		a.log.Warn("drain timeout, abandoning queued messages", zap.Int("queued", len(a.queue)))
		a.cancel()
		<-a.done
	}
	a.cancel()
	return a.next.Close()
}
