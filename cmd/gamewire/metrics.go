package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/datawire/dlib/dhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gamewire/gamewire/pkg/transport"
)

// serveMetrics exposes the given collectors on addr/metrics until the
// context is cancelled.
func serveMetrics(ctx context.Context, addr string, collectors ...prometheus.Collector) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors...)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	sc := &dhttp.ServerConfig{Handler: mux}
	return sc.ListenAndServe(ctx, addr)
}

// printChannelReport writes the per-channel summary the demo prints after a
// run, pairing the sender's counters with the receiver's.
func printChannelReport(w io.Writer, name string, snd, rcv transport.ChannelMetrics, duration time.Duration) {
	ratio := 0.0
	if snd.SentPackets > 0 {
		ratio = float64(rcv.ReceivedPackets) / float64(snd.SentPackets) * 100
	}
	throughput := 0.0
	if duration > 0 {
		throughput = float64(rcv.ReceivedBytes) / duration.Seconds()
	}
	fmt.Fprintf(w, "%s Channel Metrics:\n", name)
	fmt.Fprintln(w, "--------------------------------------------------")
	fmt.Fprintf(w, "Sent packets:       %d\n", snd.SentPackets)
	if name == "Reliable" {
		fmt.Fprintf(w, "Retransmissions:    %d\n", snd.Retransmissions)
	}
	fmt.Fprintf(w, "Received packets:   %d\n", rcv.ReceivedPackets)
	if name == "Reliable" {
		fmt.Fprintf(w, "Skipped packets:    %d\n", rcv.SkippedPackets)
	}
	fmt.Fprintf(w, "Delivery ratio:     %.2f%%\n", ratio)
	fmt.Fprintf(w, "Throughput:         %.2f Byte/s\n", throughput)
	fmt.Fprintf(w, "Latency (avg):      %.2f ms\n", rcv.AvgLatencyMS())
	fmt.Fprintf(w, "Latency (min/max):  %d / %d ms\n", rcv.LatencyMinMS, rcv.LatencyMaxMS)
	fmt.Fprintf(w, "Jitter (RFC3550):   %.2f ms\n", rcv.JitterMS)
	fmt.Fprintln(w, "--------------------------------------------------")
	fmt.Fprintln(w)
}

// printSendReport is the sender-only summary used by the send command,
// which cannot see the receiver's side.
func printSendReport(w io.Writer, reliable, unreliable transport.ChannelMetrics) {
	fmt.Fprintln(w, "--------------------------------------------------")
	fmt.Fprintf(w, "Reliable sent:      %d (%d retransmissions)\n", reliable.SentPackets, reliable.Retransmissions)
	fmt.Fprintf(w, "Unreliable sent:    %d\n", unreliable.SentPackets)
	fmt.Fprintln(w, "--------------------------------------------------")
}

// printRecvReport is the receiver-only summary used by the recv command.
func printRecvReport(w io.Writer, reliable, unreliable transport.ChannelMetrics) {
	for _, c := range []struct {
		name string
		m    transport.ChannelMetrics
	}{{"Reliable", reliable}, {"Unreliable", unreliable}} {
		fmt.Fprintf(w, "%s Channel Metrics:\n", c.name)
		fmt.Fprintln(w, "--------------------------------------------------")
		fmt.Fprintf(w, "Received packets:   %d\n", c.m.ReceivedPackets)
		fmt.Fprintf(w, "Received bytes:     %d\n", c.m.ReceivedBytes)
		if c.name == "Reliable" {
			fmt.Fprintf(w, "Skipped packets:    %d\n", c.m.SkippedPackets)
		}
		fmt.Fprintf(w, "Latency (avg):      %.2f ms\n", c.m.AvgLatencyMS())
		fmt.Fprintf(w, "Latency (min/max):  %d / %d ms\n", c.m.LatencyMinMS, c.m.LatencyMaxMS)
		fmt.Fprintf(w, "Jitter (RFC3550):   %.2f ms\n", c.m.JitterMS)
		fmt.Fprintln(w, "--------------------------------------------------")
		fmt.Fprintln(w)
	}
}
