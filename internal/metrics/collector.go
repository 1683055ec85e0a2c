package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// QueueStats provides the collector access to live worker pool depth.
// Waiting is pending minus running.
type QueueStats interface {
	Pending() int
	Running() int
	Waiting() int
}

// BrokerStatus reports broker connectivity at scrape time.
type BrokerStatus interface {
	IsConnected() bool
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	queue  QueueStats
	broker BrokerStatus

	poolPending *prometheus.Desc
	poolRunning *prometheus.Desc
	poolWaiting *prometheus.Desc
	brokerUp    *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// Either argument may be nil; its gauges then report 0.
func NewCollector(queue QueueStats, broker BrokerStatus) *Collector {
	return &Collector{
		queue:  queue,
		broker: broker,
		poolPending: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "pending_tasks"),
			"Tasks accepted by the worker pool and not yet finished.",
			nil, nil,
		),
		poolRunning: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "running_workers"),
			"Workers currently executing a task.",
			nil, nil,
		),
		poolWaiting: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "waiting_tasks"),
			"Tasks queued behind busy workers.",
			nil, nil,
		),
		brokerUp: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "broker", "connected"),
			"Whether the MQTT broker connection is up (1) or down (0).",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.poolPending
	ch <- c.poolRunning
	ch <- c.poolWaiting
	ch <- c.brokerUp
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.queue != nil {
		ch <- prometheus.MustNewConstMetric(c.poolPending, prometheus.GaugeValue, float64(c.queue.Pending()))
		ch <- prometheus.MustNewConstMetric(c.poolRunning, prometheus.GaugeValue, float64(c.queue.Running()))
		ch <- prometheus.MustNewConstMetric(c.poolWaiting, prometheus.GaugeValue, float64(c.queue.Waiting()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.poolPending, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.poolRunning, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.poolWaiting, prometheus.GaugeValue, 0)
	}

	up := 0.0
	if c.broker != nil && c.broker.IsConnected() {
		up = 1
	}
	ch <- prometheus.MustNewConstMetric(c.brokerUp, prometheus.GaugeValue, up)
}
