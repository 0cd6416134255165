package transport

// ChannelMetrics are the per-channel counters a host application reads after
// shutdown (or scrapes live through the prometheus Collector). A Sender only
// populates the send-side fields, a Receiver the receive-side ones.
type ChannelMetrics struct {
	// Send side. SentPackets counts original sends only; retransmissions
	// are tracked separately and never double-counted.
	SentPackets     uint64
	Retransmissions uint64

	// Receive side.
	ReceivedPackets uint64
	ReceivedBytes   uint64
	LatencySumMS    uint64
	LatencyMinMS    uint32
	LatencyMaxMS    uint32
	JitterMS        float64

	// SkippedPackets counts reliable window slots that were abandoned by
	// the skip timer instead of delivered.
	SkippedPackets uint64

	prevTransitMS uint32
	hasTransit    bool
}

// observeArrival folds one data packet into the receive-side counters.
// Jitter follows RFC 3550: J += (|D| - J) / 16 with D the transit delta
// between consecutive packets.
func (m *ChannelMetrics) observeArrival(transitMS uint32, payloadLen int) {
	m.ReceivedPackets++
	m.ReceivedBytes += uint64(payloadLen)
	m.LatencySumMS += uint64(transitMS)
	if !m.hasTransit {
		m.LatencyMinMS = transitMS
		m.LatencyMaxMS = transitMS
		m.prevTransitMS = transitMS
		m.hasTransit = true
	} else {
		if transitMS < m.LatencyMinMS {
			m.LatencyMinMS = transitMS
		}
		if transitMS > m.LatencyMaxMS {
			m.LatencyMaxMS = transitMS
		}
	}
	d := int64(transitMS) - int64(m.prevTransitMS)
	if d < 0 {
		d = -d
	}
	m.JitterMS += (float64(d) - m.JitterMS) / 16
	m.prevTransitMS = transitMS
}

// AvgLatencyMS returns the mean transit time, or 0 when nothing arrived.
func (m *ChannelMetrics) AvgLatencyMS() float64 {
	if m.ReceivedPackets == 0 {
		return 0
	}
	return float64(m.LatencySumMS) / float64(m.ReceivedPackets)
}

// MetricsSource is anything that can snapshot its per-channel counters;
// both Sender and Receiver implement it.
type MetricsSource interface {
	Metrics() (reliable, unreliable ChannelMetrics)
}
