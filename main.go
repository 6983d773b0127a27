package main

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/deconst/client/internal/config"
	"github.com/deconst/client/internal/handler"
	"github.com/spf13/cobra"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()
	var logLevel string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the preview orchestrator and its control API",
		Long:  "Restore saved repositories, start their preview containers and serve the control API until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if logLevel != "" {
				cfg.LogLevel = config.ParseLevel(logLevel)
			}
			return serve(cmd.Context(), cfg, stderr)
		},
	}
	flags := serveCmd.Flags()
	flags.StringVar(&cfg.Port, "port", cfg.Port, "control API port")
	flags.StringVar(&cfg.SnapshotPath, "snapshot", cfg.SnapshotPath, "path of the saved repository list")
	flags.StringVar(&cfg.DockerHost, "docker-host", cfg.DockerHost, "Docker daemon address")
	flags.StringVar(&cfg.PreviewHost, "preview-host", cfg.PreviewHost, "host name used in preview URLs")
	flags.DurationVar(&cfg.SnapshotInterval, "snapshot-interval", cfg.SnapshotInterval, "how often the repository list is saved")
	flags.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "deconst %s (%s)\n", handler.Version, runtime.Version())
		},
	}

	rootCmd := &cobra.Command{
		Use:          "deconst",
		Short:        "Preview deconst content and control repositories locally",
		SilenceUsage: true,
		RunE:         serveCmd.RunE,
	}
	rootCmd.Flags().AddFlagSet(flags)

	rootCmd.AddCommand(serveCmd, versionCmd)
	rootCmd.SetArgs(args[1:])
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}
