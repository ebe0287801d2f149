package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// ChunksTotal: число прочитанных из HTTP-стрима чанков.
	ChunksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pricing",
		Subsystem: "stream",
		Name:      "chunks_total",
		Help:      "Total number of body chunks read from the pricing stream",
	})

	// BytesTotal: объём прочитанных байт.
	BytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pricing",
		Subsystem: "stream",
		Name:      "bytes_total",
		Help:      "Total number of bytes read from the pricing stream",
	})

	// RecordsTotal: распознанные записи по типу (price, heartbeat).
	RecordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricing",
		Subsystem: "stream",
		Name:      "records_total",
		Help:      "Parsed stream records by kind",
	}, []string{"kind"})

	// ParseErrors: строки, не совпавшие ни с одной схемой.
	ParseErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pricing",
		Subsystem: "stream",
		Name:      "parse_errors_total",
		Help:      "Lines that matched neither record shape",
	})

	// FramingErrors: отброшенные сегменты (не UTF-8, слишком длинные).
	FramingErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricing",
		Subsystem: "stream",
		Name:      "framing_errors_total",
		Help:      "Dropped byte segments by reason",
	}, []string{"reason"})

	// SessionState: текущее состояние сессии (значение stream.State).
	SessionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pricing",
		Subsystem: "stream",
		Name:      "session_state",
		Help:      "Current stream session state (1=connecting 2=streaming 3=draining 4=closed 5=failed)",
	})

	// PublishErrors: ошибки публикации по sink'у.
	PublishErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricing",
		Subsystem: "publish",
		Name:      "errors_total",
		Help:      "Publish failures by sink",
	}, []string{"sink"})

	// PublishDrops: сообщения, отброшенные из-за переполнения буфера.
	PublishDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricing",
		Subsystem: "publish",
		Name:      "drops_total",
		Help:      "Messages dropped because a sink or subscriber buffer was full",
	}, []string{"sink"})

	// PublishedTotal: успешно принятые sink'ом сообщения.
	PublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricing",
		Subsystem: "publish",
		Name:      "messages_total",
		Help:      "Messages accepted by sink",
	}, []string{"sink"})

	// Subscribers: число подключённых websocket-подписчиков.
	Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pricing",
		Subsystem: "publish",
		Name:      "subscribers",
		Help:      "Connected websocket subscribers",
	})

	// PublishLatency: от получения чанка до передачи записи в sink.
	PublishLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pricing",
		Subsystem: "pipeline",
		Name:      "publish_latency_seconds",
		Help:      "Latency from reading a chunk to handing a record to the sink (seconds)",
		Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
	})
)

// Register регистрирует все метрики в заданном реестре.
// Без аргументов: в prometheus.DefaultRegisterer.
func Register(registerers ...prometheus.Registerer) {
	once.Do(func() {
		var reg prometheus.Registerer
		if len(registerers) > 0 && registerers[0] != nil {
			reg = registerers[0]
		} else {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(
			ChunksTotal,
			BytesTotal,
			RecordsTotal,
			ParseErrors,
			FramingErrors,
			SessionState,
			PublishErrors,
			PublishDrops,
			PublishedTotal,
			Subscribers,
			PublishLatency,
		)
	})
}
