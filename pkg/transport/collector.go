package transport

import "github.com/prometheus/client_golang/prometheus"

// Collector exposes a MetricsSource as prometheus metrics, labeled by
// channel. The role const-label distinguishes the sender and receiver ends
// when both run in one process.
type Collector struct {
	src MetricsSource

	sentPackets     *prometheus.Desc
	retransmissions *prometheus.Desc
	receivedPackets *prometheus.Desc
	receivedBytes   *prometheus.Desc
	skippedPackets  *prometheus.Desc
	latencySum      *prometheus.Desc
	latencyMin      *prometheus.Desc
	latencyMax      *prometheus.Desc
	jitter          *prometheus.Desc
}

// NewCollector creates a Collector for src; role is typically "sender" or
// "receiver".
func NewCollector(role string, src MetricsSource) *Collector {
	cl := prometheus.Labels{"role": role}
	ch := []string{"channel"}
	return &Collector{
		src: src,
		sentPackets: prometheus.NewDesc(
			"gamewire_sent_packets_total", "Original packet sends (retransmissions excluded).", ch, cl),
		retransmissions: prometheus.NewDesc(
			"gamewire_retransmissions_total", "Reliable packet retransmissions.", ch, cl),
		receivedPackets: prometheus.NewDesc(
			"gamewire_received_packets_total", "Data packets accepted and counted.", ch, cl),
		receivedBytes: prometheus.NewDesc(
			"gamewire_received_bytes_total", "Payload bytes received.", ch, cl),
		skippedPackets: prometheus.NewDesc(
			"gamewire_skipped_packets_total", "Reliable slots abandoned by the skip timer.", ch, cl),
		latencySum: prometheus.NewDesc(
			"gamewire_latency_ms_sum", "Sum of per-packet transit estimates.", ch, cl),
		latencyMin: prometheus.NewDesc(
			"gamewire_latency_ms_min", "Smallest transit estimate seen.", ch, cl),
		latencyMax: prometheus.NewDesc(
			"gamewire_latency_ms_max", "Largest transit estimate seen.", ch, cl),
		jitter: prometheus.NewDesc(
			"gamewire_jitter_ms", "RFC 3550 interarrival jitter.", ch, cl),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sentPackets
	ch <- c.retransmissions
	ch <- c.receivedPackets
	ch <- c.receivedBytes
	ch <- c.skippedPackets
	ch <- c.latencySum
	ch <- c.latencyMin
	ch <- c.latencyMax
	ch <- c.jitter
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	reliable, unreliable := c.src.Metrics()
	c.collectChannel(ch, "reliable", &reliable)
	c.collectChannel(ch, "unreliable", &unreliable)
}

func (c *Collector) collectChannel(ch chan<- prometheus.Metric, channel string, m *ChannelMetrics) {
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), channel)
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, channel)
	}
	counter(c.sentPackets, m.SentPackets)
	counter(c.receivedPackets, m.ReceivedPackets)
	counter(c.receivedBytes, m.ReceivedBytes)
	counter(c.latencySum, m.LatencySumMS)
	gauge(c.latencyMin, float64(m.LatencyMinMS))
	gauge(c.latencyMax, float64(m.LatencyMaxMS))
	gauge(c.jitter, m.JitterMS)
	if channel == "reliable" {
		counter(c.retransmissions, m.Retransmissions)
		counter(c.skippedPackets, m.SkippedPackets)
	}
}
