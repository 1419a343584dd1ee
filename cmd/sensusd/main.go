package main

import (
	"fmt"
	"os"

	"codeberg.org/mutker/sensusd/internal/config"
	"codeberg.org/mutker/sensusd/internal/errors"
	"codeberg.org/mutker/sensusd/internal/logger"
	"codeberg.org/mutker/sensusd/internal/probe"
	"codeberg.org/mutker/sensusd/internal/probe/filewatch"
	"codeberg.org/mutker/sensusd/internal/probe/gpu"
	"codeberg.org/mutker/sensusd/internal/probe/runtime"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		reportError(logger.Default(), err)
		os.Exit(1)
	}
}

// reportError logs err, with its error code when it carries one.
func reportError(log logger.Logger, err error) {
	var appErr errors.Error
	if errors.As(err, &appErr) {
		log.ErrorWithCode(appErr).Msg("sensusd failed")
		return
	}
	log.Error().Err(err).Msg("sensusd failed")
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sensusd",
		Short: "Continuous sensing daemon",
		Long: `sensusd runs a protocol: a set of probes whose records are buffered in a
local SQLite store and forwarded in batches to a remote endpoint.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDaemon,
	}

	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(&cobra.Command{
		Use:          "run",
		Short:        "Run the protocol until interrupted (default)",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         runDaemon,
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "probes",
		Short: "List registered probe types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			registry, err := newRegistry(logger.Nop())
			if err != nil {
				return err
			}
			for _, kind := range registry.Types() {
				fmt.Fprintln(cmd.OutOrStdout(), kind)
			}
			return nil
		},
	})

	return cmd
}

// newRegistry registers every built-in probe type.
func newRegistry(log logger.Logger) (*probe.Registry, error) {
	registry := probe.NewRegistry()

	if err := gpu.Register(registry, gpu.NVML(), log); err != nil {
		return nil, err
	}
	if err := runtime.Register(registry, log); err != nil {
		return nil, err
	}
	if err := filewatch.Register(registry, log); err != nil {
		return nil, err
	}

	return registry, nil
}
