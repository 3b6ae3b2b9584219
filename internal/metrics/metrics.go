package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chat"

// Metrics - счетчики шлюза. Все методы допускают nil-получатель, чтобы сервисы
// в тестах можно было собирать без реестра.
type Metrics struct {
	sessions             prometheus.Gauge
	onlineUsers          prometheus.Gauge
	messagesPersisted    prometheus.Counter
	duplicatesSuppressed *prometheus.CounterVec
	eventErrors          *prometheus.CounterVec
	membershipEvents     *prometheus.CounterVec
	persistLatency       prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Open socket sessions.",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Users with at least one open session.",
		}),
		messagesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_persisted_total",
			Help:      "Messages written to the store.",
		}),
		duplicatesSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_suppressed_total",
			Help:      "Sends dropped as retries of an already accepted message.",
		}, []string{"source"}),
		eventErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_errors_total",
			Help:      "Inbound events rejected, by event and error code.",
		}, []string{"event", "code"}),
		membershipEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "membership_events_total",
			Help:      "Group membership notifications applied.",
		}, []string{"type"}),
		persistLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persist_duration_seconds",
			Help:      "Message store write latency.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.sessions,
			m.onlineUsers,
			m.messagesPersisted,
			m.duplicatesSuppressed,
			m.eventErrors,
			m.membershipEvents,
			m.persistLatency,
		)
	}
	return m
}

// TrackRooms регистрирует датчик числа комнат с подписчиками, значение читается при сборе
func TrackRooms(reg prometheus.Registerer, count func() int) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_rooms",
		Help:      "Rooms with at least one subscribed session.",
	}, func() float64 { return float64(count()) }))
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

func (m *Metrics) SetOnlineUsers(n int) {
	if m == nil {
		return
	}
	m.onlineUsers.Set(float64(n))
}

func (m *Metrics) MessagePersisted(took time.Duration) {
	if m == nil {
		return
	}
	m.messagesPersisted.Inc()
	m.persistLatency.Observe(took.Seconds())
}

// DuplicateSuppressed: source - ledger, content или store
func (m *Metrics) DuplicateSuppressed(source string) {
	if m == nil {
		return
	}
	m.duplicatesSuppressed.WithLabelValues(source).Inc()
}

func (m *Metrics) EventError(event, code string) {
	if m == nil {
		return
	}
	m.eventErrors.WithLabelValues(event, code).Inc()
}

func (m *Metrics) MembershipEvent(eventType string) {
	if m == nil {
		return
	}
	m.membershipEvents.WithLabelValues(eventType).Inc()
}
