package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// cliFlags holds the flags shared across subcommands, mirroring
// buildcfg.Config's shape so translating one into the other at
// command time is a straight field copy.
type cliFlags struct {
	manifest        string
	parallelism     int
	failuresAllowed int
	maxLoadAverage  float64
	explain         bool
	keepDepfile     bool
	keepRsp         bool
	multiOutputErr  bool
	verbose         bool
	statusFormat    string
}

func newRootCmd() *cobra.Command {
	flags := &cliFlags{}

	root := &cobra.Command{
		Use:           "buildctl",
		Short:         "Run an incremental build from a manifest",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.manifest, "file", "f", "build.yaml", "path to the build manifest")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newBuildCmd(flags))
	return root
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}
