// internal/publish/websocket.go
package publish

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/services/pricing-stream/internal/metrics"
	"github.com/YaganovValera/analytics-system/services/pricing-stream/pkg/logger"
)

const (
	sinkWebsocket = "websocket"

	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxInboundSize = 512
)

// HubConfig описывает точку подключения подписчиков.
type HubConfig struct {
	Addr       string // host:port, ":0": любой свободный порт
	Path       string // путь upgrade-эндпоинта
	SendBuffer int    // очередь на подписчика
}

func (c *HubConfig) applyDefaults() {
	if c.Path == "" {
		c.Path = "/"
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
}

// Hub раздаёт каждое сообщение всем подключённым websocket-подписчикам.
// Медленный подписчик теряет сообщения, но не тормозит остальных.
type Hub struct {
	cfg      HubConfig
	log      *logger.Logger
	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*subscriber]struct{}
	closed  bool
}

// NewHub сразу занимает адрес: ошибка bind'а видна до подключения к стриму.
func NewHub(cfg HubConfig, log *logger.Logger) (*Hub, error) {
	cfg.applyDefaults()
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, &BindError{Sink: sinkWebsocket, Addr: cfg.Addr, Err: err}
	}

	h := &Hub{
		cfg:      cfg,
		log:      log.Named("ws-hub"),
		listener: ln,
		clients:  make(map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// локальные подписчики, Origin не проверяем
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, h.serveWS)
	h.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	h.log.Info("websocket hub bound", zap.String("addr", ln.Addr().String()), zap.String("path", cfg.Path))
	return h, nil
}

// Addr: фактический адрес (полезно при порте 0).
func (h *Hub) Addr() net.Addr { return h.listener.Addr() }

// Subscribers: текущее число подписчиков.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run принимает подключения до отмены ctx.
func (h *Hub) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.Serve(h.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		_ = h.server.Shutdown(shCtx)
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return &BindError{Sink: sinkWebsocket, Addr: h.cfg.Addr, Err: err}
	}
}

// Publish кладёт сообщение в очередь каждого подписчика без ожидания.
func (h *Hub) Publish(_ context.Context, msg Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return &PublishError{Sink: sinkWebsocket, Err: ErrClosed}
	}
	for c := range h.clients {
		if !c.enqueue(msg.Payload) {
			metrics.PublishDrops.WithLabelValues(sinkWebsocket).Inc()
			h.log.Debug("subscriber queue full, message dropped", zap.String("subscriber", c.id))
		}
	}
	metrics.PublishedTotal.WithLabelValues(sinkWebsocket).Inc()
	return nil
}

// Close отключает подписчиков и освобождает адрес.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	for c := range h.clients {
		c.close()
	}
	h.mu.Unlock()

	err := h.server.Close()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	h.log.Info("websocket hub closed")
	return err
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	c := newSubscriber(conn, h.cfg.SendBuffer)
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	log := h.log.With(zap.String("subscriber", c.id), zap.String("remote", r.RemoteAddr))
	log.Info("subscriber connected")

	go c.writePump(log)
	c.readPump()

	h.unregister(c)
	log.Info("subscriber disconnected")
}

func (h *Hub) register(c *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	metrics.Subscribers.Set(float64(len(h.clients)))
	return true
}

func (h *Hub) unregister(c *subscriber) {
	h.mu.Lock()
	delete(h.clients, c)
	metrics.Subscribers.Set(float64(len(h.clients)))
	h.mu.Unlock()
	c.close()
}

// -----------------------------------------------------------------------------
// subscriber
// -----------------------------------------------------------------------------

type subscriber struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newSubscriber(conn *websocket.Conn, buf int) *subscriber {
	return &subscriber{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, buf),
		done: make(chan struct{}),
	}
}

// enqueue не блокируется; false: очередь полна или подписчик закрыт.
func (s *subscriber) enqueue(p []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- p:
		return true
	default:
		return false
	}
}

// close сигналит writePump; send не закрываем, в него могут писать конкурентно.
func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) writePump(log *logger.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case p := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, p); err != nil {
				log.Debug("write failed", zap.Error(err))
				s.close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug("ping failed", zap.Error(err))
				s.close()
				return
			}
		}
	}
}

// readPump держит read deadline через pong'и; входящие сообщения игнорируются.
func (s *subscriber) readPump() {
	s.conn.SetReadLimit(maxInboundSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}
