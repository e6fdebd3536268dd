package engine

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mtdbench/internal/domain"
	"mtdbench/internal/eventbus"
)

type Metrics struct {
	// Traffic: every event published on the bus
	EventsTotal *prometheus.CounterVec

	// Defense: completed shuffles and how many users each moved
	ShufflesTotal        *prometheus.CounterVec
	ShuffleUsersAffected prometheus.Histogram
	ProxySwitchesTotal   prometheus.Counter

	// Attack side
	DetectionsTotal *prometheus.CounterVec
	AttackPackets   prometheus.Gauge
	AttackBytes     prometheus.Gauge

	// Saturation: per-domain load and risk distribution
	DomainLoad  *prometheus.GaugeVec
	RiskUsers   *prometheus.GaugeVec
	VirtualTime prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// unregistered fallback keeps callers from nil-checking
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		EventsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "mtd_events_total",
			Help: "Total number of events published on the bus.",
		}, []string{"type"}),

		ShufflesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "mtd_shuffles_total",
			Help: "Completed shuffles by mode.",
		}, []string{"mode"}),

		ShuffleUsersAffected: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "mtd_shuffle_users_affected",
			Help:    "Users moved per completed shuffle.",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
		}),

		ProxySwitchesTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mtd_proxy_switches_total",
			Help: "Total number of user proxy switches.",
		}),

		DetectionsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "mtd_attack_detections_total",
			Help: "Attacks flagged by the detector tier, by suspected type.",
		}, []string{"type"}),

		AttackPackets: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "mtd_attack_packets",
			Help: "Cumulative packets sent by attack generators.",
		}),

		AttackBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "mtd_attack_bytes",
			Help: "Cumulative bytes sent by attack generators.",
		}),

		DomainLoad: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "mtd_domain_load_factor",
			Help: "Current load factor per domain (0..1).",
		}, []string{"domain"}),

		RiskUsers: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "mtd_users_by_risk",
			Help: "Tracked users per risk level.",
		}, []string{"level"}),

		VirtualTime: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "mtd_virtual_time_seconds",
			Help: "Virtual clock of the running simulation.",
		}),
	}
}

// Attach feeds the event counters from every event published on b.
func (m *Metrics) Attach(b *eventbus.Bus) eventbus.SubscriptionID {
	return b.SubscribeAll(m.observe)
}

func (m *Metrics) observe(ev domain.MtdEvent) {
	m.EventsTotal.WithLabelValues(ev.Type.String()).Inc()

	switch ev.Type {
	case domain.EventShuffleCompleted:
		m.ShufflesTotal.WithLabelValues(ev.Get(domain.MetaMode)).Inc()
		if n, err := strconv.Atoi(ev.Get(domain.MetaUsersAffected)); err == nil {
			m.ShuffleUsersAffected.Observe(float64(n))
		}
	case domain.EventProxySwitched:
		m.ProxySwitchesTotal.Inc()
	case domain.EventAttackDetected:
		m.DetectionsTotal.WithLabelValues(ev.Get(domain.MetaType)).Inc()
	}
}

// DropDomain removes the load series of a domain that no longer exists.
func (m *Metrics) DropDomain(id uint32) {
	m.DomainLoad.DeleteLabelValues(strconv.FormatUint(uint64(id), 10))
}
