// Package metrics exposes the push service's operational metrics as a
// prometheus.Collector that gathers values at scrape time.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/veloxchat/pushkit/internal/relay"
)

// SubscriptionCounter returns the number of registered subscriptions.
type SubscriptionCounter interface {
	Count(ctx context.Context) (int64, error)
}

// RelayStatsProvider returns a snapshot of the relay delivery counters.
type RelayStatsProvider interface {
	Stats() relay.Stats
	ChannelCount() int
}

// Collector is a prometheus.Collector for the push service.
type Collector struct {
	subscriptions SubscriptionCounter
	relay         RelayStatsProvider
	startTime     time.Time

	subscriptionsDesc *prometheus.Desc
	channelsDesc      *prometheus.Desc
	deliveredDesc     *prometheus.Desc
	forwardedDesc     *prometheus.Desc
	droppedDesc       *prometheus.Desc
	rateLimitedDesc   *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a metrics collector. Any provider may be nil if
// unavailable.
func NewCollector(subscriptions SubscriptionCounter, relayStats RelayStatsProvider, startTime time.Time) *Collector {
	return &Collector{
		subscriptions: subscriptions,
		relay:         relayStats,
		startTime:     startTime,

		subscriptionsDesc: prometheus.NewDesc(
			"pushkit_subscriptions",
			"Number of registered push subscriptions",
			nil, nil,
		),
		channelsDesc: prometheus.NewDesc(
			"pushkit_relay_channels",
			"Number of live relay delivery channels",
			nil, nil,
		),
		deliveredDesc: prometheus.NewDesc(
			"pushkit_relay_delivered_total",
			"Total push events queued for local long-poll delivery",
			nil, nil,
		),
		forwardedDesc: prometheus.NewDesc(
			"pushkit_relay_forwarded_total",
			"Total push events forwarded to mobile transport sinks",
			nil, nil,
		),
		droppedDesc: prometheus.NewDesc(
			"pushkit_relay_dropped_total",
			"Total push events dropped due to queue overflow",
			nil, nil,
		),
		rateLimitedDesc: prometheus.NewDesc(
			"pushkit_relay_rate_limited_total",
			"Total push deliveries rejected by per-channel rate limiting",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"pushkit_uptime_seconds",
			"Seconds since the push service started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.subscriptionsDesc
	ch <- c.channelsDesc
	ch <- c.deliveredDesc
	ch <- c.forwardedDesc
	ch <- c.droppedDesc
	ch <- c.rateLimitedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.subscriptions != nil {
		count, err := c.subscriptions.Count(ctx)
		if err != nil {
			slog.Error("metrics: failed to count subscriptions", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.subscriptionsDesc, prometheus.GaugeValue,
				float64(count),
			)
		}
	}

	if c.relay != nil {
		stats := c.relay.Stats()
		ch <- prometheus.MustNewConstMetric(
			c.channelsDesc, prometheus.GaugeValue,
			float64(c.relay.ChannelCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.deliveredDesc, prometheus.CounterValue,
			float64(stats.Delivered),
		)
		ch <- prometheus.MustNewConstMetric(
			c.forwardedDesc, prometheus.CounterValue,
			float64(stats.Forwarded),
		)
		ch <- prometheus.MustNewConstMetric(
			c.droppedDesc, prometheus.CounterValue,
			float64(stats.Dropped),
		)
		ch <- prometheus.MustNewConstMetric(
			c.rateLimitedDesc, prometheus.CounterValue,
			float64(stats.RateLimited),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
