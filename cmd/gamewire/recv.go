package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/datawire/dlib/dcontext"
	"github.com/datawire/dlib/dgroup"
	"github.com/spf13/cobra"

	"github.com/gamewire/gamewire/pkg/transport"
)

func recvCommand() *cobra.Command {
	var (
		listen      string
		peer        string
		duration    time.Duration
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "recv",
		Short: "Receive and pretty-print gamewire traffic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadTransportConfig(cmd.Context())
			if err != nil {
				return err
			}
			r, err := transport.NewReceiver(cfg)
			if err != nil {
				return err
			}

			g := dgroup.NewGroup(cmd.Context(), dgroup.GroupConfig{
				EnableSignalHandling: true,
				ShutdownOnNonError:   true,
			})
			g.Go("receive", func(ctx context.Context) error {
				if duration > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, duration)
					defer cancel()
				}
				out := cmd.OutOrStdout()
				if err := r.Listen(ctx, listen, peer, packetPrinter(out)); err != nil {
					return err
				}
				<-ctx.Done()
				reliable, unreliable, err := r.Stop(dcontext.WithoutCancel(ctx))
				printRecvReport(out, reliable, unreliable)
				return err
			})
			if metricsAddr != "" {
				g.Go("metrics", func(ctx context.Context) error {
					return serveMetrics(ctx, metricsAddr, transport.NewCollector("receiver", r))
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:50000", "address to listen on")
	cmd.Flags().StringVar(&peer, "peer", "", "only accept traffic from this address (default: latch the first sender)")
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (default: run until interrupted)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	return cmd
}

// packetPrinter formats deliveries one per line; the verify command parses
// this format, so keep them in sync.
func packetPrinter(w io.Writer) transport.DeliverFunc {
	return func(_ context.Context, d transport.Delivery) {
		channel := "Unreliable"
		if d.Reliable {
			channel = "Reliable"
		}
		fmt.Fprintf(w, "[recv] seq=%d, channel=%s, retransmissions=%d, arrival_time=%s, latency=%dms, payload=%s\n",
			d.Seq, channel, d.Retrans, time.Now().Format("2006-01-02 15:04:05"), d.LatencyMS, d.Payload)
	}
}
