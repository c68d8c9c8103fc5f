package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the counters shared by the bot, API and worker binaries.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	offersCreated    prometheus.Counter
	sessionEvents    *prometheus.CounterVec
	rejections       *prometheus.CounterVec
	notifyFailures   prometheus.Counter
	teardowns        *prometheus.CounterVec
	pendingTeardowns prometheus.Gauge
	backups          *prometheus.CounterVec
	sweeps           *prometheus.CounterVec
}

// New registers the collectors on reg. Passing nil builds unregistered
// collectors, which is what tests use.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		offersCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: "strandmarkt",
			Name:      "offers_created_total",
			Help:      "Trade offers posted.",
		}),
		sessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strandmarkt",
			Name:      "trade_session_events_total",
			Help:      "Trade session lifecycle transitions.",
		}, []string{"event"}),
		rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strandmarkt",
			Name:      "trade_rejections_total",
			Help:      "Rejected trade commands by reason.",
		}, []string{"reason"}),
		notifyFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "strandmarkt",
			Name:      "notification_failures_total",
			Help:      "Notifications that could not be delivered.",
		}),
		teardowns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strandmarkt",
			Name:      "trade_teardowns_total",
			Help:      "Trade channel teardowns by result.",
		}, []string{"result"}),
		pendingTeardowns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "strandmarkt",
			Name:      "trade_teardowns_pending",
			Help:      "Teardown timers currently armed.",
		}),
		backups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strandmarkt",
			Name:      "backups_total",
			Help:      "Database backups by result.",
		}, []string{"result"}),
		sweeps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strandmarkt",
			Name:      "sweep_items_total",
			Help:      "Offers and sessions closed by the periodic sweep.",
		}, []string{"kind"}),
	}
}

func (m *Metrics) OfferCreated() {
	if m == nil {
		return
	}
	m.offersCreated.Inc()
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.sessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) NotifyFailed() {
	if m == nil {
		return
	}
	m.notifyFailures.Inc()
}

func (m *Metrics) Teardown(result string) {
	if m == nil {
		return
	}
	m.teardowns.WithLabelValues(result).Inc()
}

func (m *Metrics) PendingTeardowns(n int) {
	if m == nil {
		return
	}
	m.pendingTeardowns.Set(float64(n))
}

func (m *Metrics) Backup(result string) {
	if m == nil {
		return
	}
	m.backups.WithLabelValues(result).Inc()
}

func (m *Metrics) Swept(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweeps.WithLabelValues(kind).Add(float64(n))
}
