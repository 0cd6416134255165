package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/datawire/dlib/dcontext"
	"github.com/datawire/dlib/dgroup"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/gamewire/gamewire/pkg/transport"
)

func demoCommand() *cobra.Command {
	var (
		profilePath string
		rate        float64
		duration    time.Duration
		quiet       bool
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a sender and receiver over loopback and report metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
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
			return runDemo(cmd.Context(), cmd.OutOrStdout(), profile, quiet, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&profilePath, "profile", "", "YAML traffic profile")
	cmd.Flags().Float64Var(&rate, "rate", 100, "packets per second per channel")
	cmd.Flags().DurationVar(&duration, "duration", 30*time.Second, "how long to generate traffic")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "suppress per-packet output")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	return cmd
}

func runDemo(ctx context.Context, out io.Writer, profile trafficProfile, quiet bool, metricsAddr string) error {
	cfg, err := loadTransportConfig(ctx)
	if err != nil {
		return err
	}

	r, err := transport.NewReceiver(cfg)
	if err != nil {
		return err
	}
	deliver := packetPrinter(out)
	if quiet {
		deliver = func(context.Context, transport.Delivery) {}
	}

	s, err := transport.NewSender(cfg)
	if err != nil {
		return err
	}

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		EnableSignalHandling: true,
		ShutdownOnNonError:   true,
	})
	g.Go("demo", func(ctx context.Context) error {
		if err := r.Listen(ctx, "127.0.0.1:0", "", deliver); err != nil {
			return err
		}
		if err := s.Connect(ctx, r.LocalAddr().String(), "127.0.0.1:0"); err != nil {
			return err
		}
		return runTraffic(ctx, s, profile)
	})
	if metricsAddr != "" {
		g.Go("metrics", func(ctx context.Context) error {
			return serveMetrics(ctx, metricsAddr,
				transport.NewCollector("sender", s),
				transport.NewCollector("receiver", r))
		})
	}
	waitErr := g.Wait()

	// Tear both ends down even when the run was interrupted, and report
	// every teardown failure.
	merr := multierror.Append(nil, waitErr)
	tctx := dcontext.WithoutCancel(ctx)
	sndRel, sndUnrel, err := s.Close(tctx)
	if err != nil && !errors.Is(err, transport.ErrNotStarted) {
		merr = multierror.Append(merr, err)
	}
	rcvRel, rcvUnrel, err := r.Stop(tctx)
	if err != nil && !errors.Is(err, transport.ErrNotStarted) {
		merr = multierror.Append(merr, err)
	}

	fmt.Fprintf(out, "\nMetrics Summary: (%.0f packets/s per channel over %s)\n", profile.Rate, profile.Duration)
	fmt.Fprintln(out, "===============================================")
	printChannelReport(out, "Unreliable", sndUnrel, rcvUnrel, profile.Duration)
	printChannelReport(out, "Reliable", sndRel, rcvRel, profile.Duration)
	return merr.ErrorOrNil()
}
