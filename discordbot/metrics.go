package discordbot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"
	"time"
)

const metricsNamespace = "discordbot"

// botMetrics holds the bot's prometheus collectors. Each Bot gets its own
// registry, so multiple bots (ex: in tests) don't collide.
type botMetrics struct {
	registry *prometheus.Registry

	interactionsReceived *prometheus.CounterVec
	commandsHandled      *prometheus.CounterVec
	queueButtonClicks    *prometheus.CounterVec
	queuesStarted        prometheus.Counter
	queuesStopped        *prometheus.CounterVec
	queuesActive         prometheus.Gauge
	cleanMessages        *prometheus.CounterVec
	discordConnections   *prometheus.CounterVec
	apiRequestDuration   *prometheus.HistogramVec
	dbConnections        *prometheus.GaugeVec
}

func newBotMetrics() *botMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &botMetrics{
		registry: reg,
		interactionsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "discord",
				Name:      "interactions_received_total",
				Help:      "Discord interactions received, by type and receive method",
			},
			[]string{"type", "method"},
		),
		commandsHandled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "discord",
				Name:      "commands_handled_total",
				Help:      "Slash commands handled, by command name and status",
			},
			[]string{"command", "status"},
		),
		queueButtonClicks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "queue",
				Name:      "button_clicks_total",
				Help:      "Queue button clicks, by action and result",
			},
			[]string{"action", "result"},
		),
		queuesStarted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "queue",
				Name:      "started_total",
				Help:      "Queues started with /start_queue",
			},
		),
		queuesStopped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "queue",
				Name:      "stopped_total",
				Help:      "Queues stopped, by reason",
			},
			[]string{"reason"},
		),
		queuesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "queue",
				Name:      "active",
				Help:      "Number of queues currently accepting joins",
			},
		),
		cleanMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "clean",
				Name:      "messages_total",
				Help:      "Bot messages processed by /clean, by result",
			},
			[]string{"result"},
		),
		discordConnections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "discord",
				Name:      "gateway_events_total",
				Help:      "Gateway connect/disconnect events",
			},
			[]string{"event"},
		),
		apiRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Admin API request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "route", "status_code"},
		),
		dbConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "db",
				Name:      "pool_connections",
				Help:      "Number of database connections by state",
			},
			[]string{"state"},
		),
	}
}

func (m *botMetrics) recordAPIRequest(method, route, status string, elapsed time.Duration) {
	m.apiRequestDuration.WithLabelValues(method, route, status).Observe(elapsed.Seconds())
}

// recordDBPool updates connection pool gauges from the given connection
func (m *botMetrics) recordDBPool(db *gorm.DB) {
	if db == nil {
		return
	}
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	stats := sqlDB.Stats()
	m.dbConnections.WithLabelValues("open").Set(float64(stats.OpenConnections))
	m.dbConnections.WithLabelValues("in_use").Set(float64(stats.InUse))
	m.dbConnections.WithLabelValues("idle").Set(float64(stats.Idle))
}
