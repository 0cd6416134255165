// Command gamewire runs demo traffic over the gamewire transport: a paced
// sender, a pretty-printing receiver, a single-process loopback demo, and a
// verifier for receiver logs.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/sethvargo/go-envconfig"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gamewire/gamewire/pkg/transport"
)

func main() {
	cmd := rootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gamewire: %v\n", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:          "gamewire",
		Short:        "Two-channel game datagram transport demo",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger := logrus.New()
			logger.SetOutput(cmd.ErrOrStderr())
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			logger.SetLevel(level)
			cmd.SetContext(dlog.WithLogger(cmd.Context(), dlog.WrapLogrus(logger)))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "logrus log level")
	cmd.AddCommand(sendCommand(), recvCommand(), demoCommand(), verifyCommand())
	return cmd
}

// loadTransportConfig starts from the spec defaults and applies any
// GAMEWIRE_* environment overrides.
func loadTransportConfig(ctx context.Context) (transport.Config, error) {
	cfg := transport.DefaultConfig()
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
