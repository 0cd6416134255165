package main

import (
	"context"
	"fmt"
	"time"

	"github.com/datawire/dlib/dcontext"
	"github.com/datawire/dlib/dgroup"
	"github.com/spf13/cobra"

	"github.com/gamewire/gamewire/pkg/transport"
)

func sendCommand() *cobra.Command {
	var (
		to          string
		local       string
		profilePath string
		rate        float64
		duration    time.Duration
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Generate paced test traffic on both channels",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			profile, err := loadProfile(profilePath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("rate") {
				profile.Rate = rate
			}
			if cmd.Flags().Changed("duration") {
				profile.Duration = duration
			}

			cfg, err := loadTransportConfig(ctx)
			if err != nil {
				return err
			}
			s, err := transport.NewSender(cfg)
			if err != nil {
				return err
			}
			if err := s.Connect(ctx, to, local); err != nil {
				return err
			}

			g := dgroup.NewGroup(ctx, dgroup.GroupConfig{
				EnableSignalHandling: true,
				ShutdownOnNonError:   true,
			})
			g.Go("traffic", func(ctx context.Context) error {
				return runTraffic(ctx, s, profile)
			})
			if metricsAddr != "" {
				g.Go("metrics", func(ctx context.Context) error {
					return serveMetrics(ctx, metricsAddr, transport.NewCollector("sender", s))
				})
			}
			waitErr := g.Wait()

			reliable, unreliable, closeErr := s.Close(dcontext.WithoutCancel(ctx))
			printSendReport(cmd.OutOrStdout(), reliable, unreliable)
			if waitErr != nil {
				return waitErr
			}
			return closeErr
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "receiver address (host:port)")
	_ = cmd.MarkFlagRequired("to")
	cmd.Flags().StringVar(&local, "local", "", "local address to bind (default ephemeral)")
	cmd.Flags().StringVar(&profilePath, "profile", "", "YAML traffic profile")
	cmd.Flags().Float64Var(&rate, "rate", 100, "packets per second per channel")
	cmd.Flags().DurationVar(&duration, "duration", 30*time.Second, "how long to generate traffic")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	return cmd
}

// runTraffic paces packets on each enabled channel until the profile
// duration elapses or the context dies.
func runTraffic(ctx context.Context, s *transport.Sender, p trafficProfile) error {
	ctx, cancel := context.WithTimeout(ctx, p.Duration)
	defer cancel()

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	if p.Reliable {
		g.Go("reliable", func(ctx context.Context) error {
			return pace(ctx, s, p.Rate, true)
		})
	}
	if p.Unreliable {
		g.Go("unreliable", func(ctx context.Context) error {
			return pace(ctx, s, p.Rate, false)
		})
	}
	return g.Wait()
}

func pace(ctx context.Context, s *transport.Sender, rate float64, reliable bool) error {
	name := "unreliable"
	if reliable {
		name = "reliable"
	}
	interval := time.Duration(float64(time.Second) / rate)
	if interval < time.Microsecond {
		interval = time.Microsecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Send(ctx, []byte(fmt.Sprintf("%s-%d", name, i)), reliable); err != nil {
				if ctx.Err() != nil {
					// A reliable send suspended on a full window when the
					// run ended; that's a normal way out.
					return nil
				}
				return err
			}
		}
	}
}
