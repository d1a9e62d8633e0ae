package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/epeer1/axon-vision-ha/metric"
	"github.com/epeer1/axon-vision-ha/pipeline"
	"github.com/epeer1/axon-vision-ha/supervisor"
)

var stageCmd = &cobra.Command{
	Use:    "stage",
	Short:  "Run one pipeline stage (started by vidpipe run)",
	Long:   "Runs the stage described by the " + supervisor.WiringEnv + " environment variable.",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		w, err := pipeline.WiringFromEnv()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		handler := setupHandler(w.Config.Logging.Level, w.Config.Logging.Format, os.Stdout)
		return pipeline.RunStage(ctx, w, handler, metric.NewMetricsRegistry())
	},
}

func init() {
	rootCmd.AddCommand(stageCmd)
}
