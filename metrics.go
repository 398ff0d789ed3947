package redis

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// reportMetrics gates whether any Connection records to its Metrics,
// per spec.md's global enable/disable switch — flipping it off avoids
// the cost of histogram observation on a hot path without needing
// every call site to carry its own nil check.
var reportMetrics int32 = 1

// SetReportMetrics enables or disables metrics recording process-wide.
func SetReportMetrics(enabled bool) {
	if enabled {
		atomic.StoreInt32(&reportMetrics, 1)
	} else {
		atomic.StoreInt32(&reportMetrics, 0)
	}
}

func metricsEnabled() bool { return atomic.LoadInt32(&reportMetrics) != 0 }

// Metrics is the set of counters/gauges/histogram spec.md §6 names.
// Grounded on wayli-app-fluxbase's observability.Metrics: a plain
// struct of promauto-constructed collectors built once and shared.
type Metrics struct {
	ConnectionsTotal          prometheus.Counter
	ConnectionsActive         prometheus.Gauge
	ChannelSubscriptionsActive prometheus.Gauge
	PatternSubscriptionsActive prometheus.Gauge
	SubscriptionMessagesTotal prometheus.Counter
	CommandSuccessTotal       prometheus.Counter
	CommandFailureTotal       prometheus.Counter
	CommandRoundTrip          prometheus.Histogram
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *Metrics
)

// DefaultMetrics returns the process-wide lazily-registered Metrics
// instance used by connections whose Config.Metrics is nil.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetrics constructs a fresh Metrics registered against reg. Pass a
// prometheus.NewRegistry() in tests to avoid colliding with the
// process-wide default registerer across parallel test connections.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rediscore",
			Name:      "connections_total",
			Help:      "Total number of connections opened.",
		}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "rediscore",
			Name:      "connections_active",
			Help:      "Number of connections currently open.",
		}),
		ChannelSubscriptionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "rediscore",
			Name:      "channel_subscriptions_active",
			Help:      "Number of active channel subscriptions.",
		}),
		PatternSubscriptionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "rediscore",
			Name:      "pattern_subscriptions_active",
			Help:      "Number of active pattern subscriptions.",
		}),
		SubscriptionMessagesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rediscore",
			Name:      "subscription_messages_total",
			Help:      "Total number of pub/sub messages delivered.",
		}),
		CommandSuccessTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rediscore",
			Name:      "command_success_total",
			Help:      "Total number of commands that resolved without a RESP error reply.",
		}),
		CommandFailureTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rediscore",
			Name:      "command_failure_total",
			Help:      "Total number of commands that resolved to a RESP error reply.",
		}),
		CommandRoundTrip: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rediscore",
			Name:      "command_round_trip_seconds",
			Help:      "Time between writing a command and decoding its reply.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
